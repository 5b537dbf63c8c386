package csi

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// bitWriter packs values LSB-first, mirroring the capture tools' layout:
// byte-granular for little-endian streams, 16-bit words for big-endian
// ones (the Atheros payload convention).
type bitWriter struct {
	order binary.ByteOrder
	acc   uint64
	n     int
	out   []byte
}

func newBitWriter(order binary.ByteOrder) *bitWriter {
	return &bitWriter{order: order}
}

func (w *bitWriter) write(v uint32, bits int) {
	w.acc |= (uint64(v) & (1<<bits - 1)) << w.n
	w.n += bits
	if w.order == binary.BigEndian {
		for w.n >= 16 {
			var word [2]byte
			binary.BigEndian.PutUint16(word[:], uint16(w.acc))
			w.out = append(w.out, word[:]...)
			w.acc >>= 16
			w.n -= 16
		}
		return
	}
	for w.n >= 8 {
		w.out = append(w.out, byte(w.acc))
		w.acc >>= 8
		w.n -= 8
	}
}

func (w *bitWriter) bytes() []byte {
	if w.n == 0 {
		return w.out
	}
	if w.order == binary.BigEndian {
		var word [2]byte
		binary.BigEndian.PutUint16(word[:], uint16(w.acc))
		return append(w.out, word[:]...)
	}
	return append(w.out, byte(w.acc))
}

// intelCSIValue is the deterministic test pattern for Intel CSI entries.
func intelCSIValue(sub, rx, tx int) (int8, int8) {
	return int8(sub - 15 + rx), int8(tx*7 - sub%5)
}

// intelBfeeBody builds a 0xbb record body: fixed header then the packed
// CSI payload with the pattern from intelCSIValue.
func intelBfeeBody(bfeeCount uint16, nrx, ntx int, antennaSel uint8, rate uint16) []byte {
	csiLen := (intelSubcarriers*(nrx*ntx*16+3) + 7) / 8
	body := make([]byte, intelBfeeHeader)
	binary.LittleEndian.PutUint32(body[0:4], 0x00010000+uint32(bfeeCount))
	binary.LittleEndian.PutUint16(body[4:6], bfeeCount)
	body[8] = uint8(nrx)
	body[9] = uint8(ntx)
	body[10] = 40 // rssi_a
	body[11] = 42
	body[12] = 0
	body[13] = byte(0x100 - 88) // noise -88
	body[14] = 10               // agc
	body[15] = antennaSel
	binary.LittleEndian.PutUint16(body[16:18], uint16(csiLen))
	binary.LittleEndian.PutUint16(body[18:20], rate)

	w := newBitWriter(binary.LittleEndian)
	for sub := 0; sub < intelSubcarriers; sub++ {
		w.write(0, 3)
		for tx := 0; tx < ntx; tx++ {
			for rx := 0; rx < nrx; rx++ {
				re, im := intelCSIValue(sub, rx, tx)
				w.write(uint32(uint8(re)), 8)
				w.write(uint32(uint8(im)), 8)
			}
		}
	}
	return append(body, w.bytes()...)
}

// intelFrame wraps a record body in the capture framing: 2-byte big-endian
// field length (body plus code byte) and the type code.
func intelFrame(code byte, body []byte) []byte {
	rec := make([]byte, 3, 3+len(body))
	binary.BigEndian.PutUint16(rec[0:2], uint16(len(body)+1))
	rec[2] = code
	return append(rec, body...)
}

// writeCapture writes a synthetic capture to a temp file and returns its
// path.
func writeCapture(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write capture: %v", err)
	}
	return path
}
