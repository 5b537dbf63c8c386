package csi

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// atherosCSIValue is the deterministic test pattern for Atheros CSI
// entries, kept inside the 10-bit component range.
func atherosCSIValue(tone, rx, tx int) (int16, int16) {
	return int16(tone - 28 + rx*3), int16(tx*5 - tone%7)
}

// atherosRecord builds one length-prefixed record with the pattern from
// atherosCSIValue and the given trailing MAC frame bytes.
func atherosRecord(order binary.ByteOrder, ts uint64, tones, nr, nc int, payload []byte) []byte {
	csiLen := tones * nr * nc * 2 * atherosBits / 8
	rec := make([]byte, atherosHeader)
	order.PutUint64(rec[0:8], ts)
	order.PutUint16(rec[8:10], uint16(csiLen))
	order.PutUint16(rec[10:12], 2412)
	rec[12] = 0                 // err_info
	rec[13] = byte(0x100 - 95)  // noise_floor -95
	rec[14] = 0x9b              // rate
	rec[15] = 0                 // bandwidth 20 MHz
	rec[16] = uint8(tones)
	rec[17] = uint8(nr)
	rec[18] = uint8(nc)
	rec[19] = 30
	rec[20] = 28
	rec[21] = 26
	rec[22] = 0
	order.PutUint16(rec[23:25], uint16(len(payload)))

	w := newBitWriter(order)
	for tone := 0; tone < tones; tone++ {
		for tx := 0; tx < nc; tx++ {
			for rx := 0; rx < nr; rx++ {
				re, im := atherosCSIValue(tone, rx, tx)
				w.write(uint32(uint16(im)), atherosBits)
				w.write(uint32(uint16(re)), atherosBits)
			}
		}
	}
	rec = append(rec, w.bytes()...)
	rec = append(rec, payload...)

	out := make([]byte, 2, 2+len(rec))
	order.PutUint16(out[0:2], uint16(len(rec)))
	return append(out, rec...)
}

func TestAtherosReadRoundTrip(t *testing.T) {
	payload := []byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02}
	var capture []byte
	for i := 0; i < 3; i++ {
		capture = append(capture, atherosRecord(binary.LittleEndian, uint64(1000+i), 56, 2, 1, payload)...)
	}
	path := writeCapture(t, "atheros.dat", capture)

	d, err := NewAtheros(AtherosConfig{File: path, Nrx: 2, Ntx: 1, Tones: 56, PlSize: 10})
	if err != nil {
		t.Fatalf("NewAtheros: %v", err)
	}
	n, err := d.Read(binary.LittleEndian)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 3 || d.Count() != 3 {
		t.Fatalf("Read = %d, Count = %d, want 3", n, d.Count())
	}

	for i := 0; i < 3; i++ {
		if d.Timestamp[i] != uint64(1000+i) {
			t.Errorf("record %d: timestamp = %d", i, d.Timestamp[i])
		}
		if d.TxChannel[i] != 2412 || d.NoiseFloor[i] != -95 || d.Rate[i] != 0x9b {
			t.Errorf("record %d: channel %d noise %d rate %#x",
				i, d.TxChannel[i], d.NoiseFloor[i], d.Rate[i])
		}
		if d.NumTones[i] != 56 || d.Nr[i] != 2 || d.Nc[i] != 1 {
			t.Errorf("record %d: shape %d tones %dx%d", i, d.NumTones[i], d.Nr[i], d.Nc[i])
		}
		if d.RSSI[i] != 30 || d.RSSI1[i] != 28 || d.RSSI2[i] != 26 || d.RSSI3[i] != 0 {
			t.Errorf("record %d: rssi %d/%d/%d/%d", i, d.RSSI[i], d.RSSI1[i], d.RSSI2[i], d.RSSI3[i])
		}
		if d.PayloadLen[i] != uint16(len(payload)) {
			t.Errorf("record %d: payload_len = %d", i, d.PayloadLen[i])
		}

		rec := d.RecordCSI(i)
		for tone := 0; tone < 56; tone++ {
			for rx := 0; rx < 2; rx++ {
				re, im := atherosCSIValue(tone, rx, 0)
				want := complex(float64(re), float64(im))
				if got := rec[tone*2+rx]; got != want {
					t.Fatalf("record %d tone %d rx %d: csi = %v, want %v", i, tone, rx, got, want)
				}
			}
		}

		got := d.RecordPayload(i)
		if diff := cmp.Diff(payload, got[:len(payload)]); diff != "" {
			t.Errorf("record %d payload differs:\n%s", i, diff)
		}
		for _, b := range got[len(payload):] {
			if b != 0 {
				t.Errorf("record %d: payload padding not zero", i)
				break
			}
		}
	}
}

func TestAtherosBigEndianMatchesLittle(t *testing.T) {
	payload := []byte{1, 2, 3}
	le := writeCapture(t, "le.dat", atherosRecord(binary.LittleEndian, 42, 56, 1, 1, payload))
	be := writeCapture(t, "be.dat", atherosRecord(binary.BigEndian, 42, 56, 1, 1, payload))

	cfg := AtherosConfig{Nrx: 1, Ntx: 1, Tones: 56, PlSize: 4}
	cfg.File = le
	dl, err := NewAtheros(cfg)
	if err != nil {
		t.Fatalf("NewAtheros: %v", err)
	}
	if _, err := dl.Read(binary.LittleEndian); err != nil {
		t.Fatalf("Read little: %v", err)
	}

	cfg.File = be
	db, err := NewAtheros(cfg)
	if err != nil {
		t.Fatalf("NewAtheros: %v", err)
	}
	if _, err := db.Read(binary.BigEndian); err != nil {
		t.Fatalf("Read big: %v", err)
	}

	if diff := cmp.Diff(dl.Index(0), db.Index(0)); diff != "" {
		t.Errorf("byte orders decode differently (-little +big):\n%s", diff)
	}
}

func TestAtherosSeekWithOffsets(t *testing.T) {
	var capture []byte
	for i := 0; i < 3; i++ {
		capture = append(capture, atherosRecord(binary.LittleEndian, uint64(i), 56, 1, 1, nil)...)
	}
	path := writeCapture(t, "atheros.dat", capture)

	whole, err := NewAtheros(AtherosConfig{File: path, Nrx: 1, Ntx: 1})
	if err != nil {
		t.Fatalf("NewAtheros: %v", err)
	}
	if _, err := whole.Read(binary.LittleEndian); err != nil {
		t.Fatalf("Read: %v", err)
	}

	offs, err := ScanAtherosOffsets(path, binary.LittleEndian, 0)
	if err != nil {
		t.Fatalf("ScanAtherosOffsets: %v", err)
	}
	if len(offs) != 3 {
		t.Fatalf("scanned %d offsets, want 3", len(offs))
	}

	part, err := NewAtheros(AtherosConfig{File: path, Nrx: 1, Ntx: 1})
	if err != nil {
		t.Fatalf("NewAtheros: %v", err)
	}
	if n, err := part.Seek(offs[1], 1, binary.LittleEndian); err != nil || n != 1 {
		t.Fatalf("Seek = %d, %v", n, err)
	}
	if diff := cmp.Diff(whole.Index(1), part.Index(0)); diff != "" {
		t.Errorf("seeked record differs:\n%s", diff)
	}
}

func TestAtherosShortPrefixEndsStream(t *testing.T) {
	capture := atherosRecord(binary.LittleEndian, 7, 56, 1, 1, nil)
	// The tool pads capture tails; a prefix below the header size is a
	// clean end of stream.
	capture = append(capture, 0x05, 0x00, 1, 2, 3, 4, 5)
	path := writeCapture(t, "atheros.dat", capture)

	d, err := NewAtheros(AtherosConfig{File: path, Nrx: 1, Ntx: 1})
	if err != nil {
		t.Fatalf("NewAtheros: %v", err)
	}
	n, err := d.Read(binary.LittleEndian)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 1 {
		t.Fatalf("Read = %d, want 1", n)
	}
}

func TestAtherosTruncatedRecord(t *testing.T) {
	capture := atherosRecord(binary.LittleEndian, 7, 56, 1, 1, nil)
	capture = append(capture, atherosRecord(binary.LittleEndian, 8, 56, 1, 1, nil)[:40]...)
	path := writeCapture(t, "atheros.dat", capture)

	d, err := NewAtheros(AtherosConfig{File: path, Nrx: 1, Ntx: 1})
	if err != nil {
		t.Fatalf("NewAtheros: %v", err)
	}
	n, err := d.Read(binary.LittleEndian)
	if !errors.Is(err, ErrTruncatedInput) {
		t.Fatalf("Read error = %v, want ErrTruncatedInput", err)
	}
	if n != 1 || d.Count() != 1 {
		t.Fatalf("Read = %d, Count = %d, want 1 retained record", n, d.Count())
	}
}

func TestAtherosWrongShapeStopsDecode(t *testing.T) {
	var capture []byte
	capture = append(capture, atherosRecord(binary.LittleEndian, 1, 56, 1, 1, nil)...)
	capture = append(capture, atherosRecord(binary.LittleEndian, 2, 56, 3, 1, nil)...)
	path := writeCapture(t, "atheros.dat", capture)

	d, err := NewAtheros(AtherosConfig{File: path, Nrx: 2, Ntx: 1})
	if err != nil {
		t.Fatalf("NewAtheros: %v", err)
	}
	n, err := d.Read(binary.LittleEndian)
	if !errors.Is(err, ErrTruncatedInput) {
		t.Fatalf("Read error = %v, want ErrTruncatedInput", err)
	}
	if n != 1 || d.Count() != 1 {
		t.Fatalf("Read = %d, Count = %d, want 1", n, d.Count())
	}
	if r := d.Report(); r.Malformed != 1 {
		t.Errorf("Malformed = %d, want 1", r.Malformed)
	}
}

func TestAtherosPmsgBoundedBuffer(t *testing.T) {
	d, err := NewAtheros(AtherosConfig{Nrx: 1, Ntx: 1, BufSize: 1})
	if err != nil {
		t.Fatalf("NewAtheros: %v", err)
	}

	dg := atherosRecord(binary.LittleEndian, 5, 56, 1, 1, nil)[2:]
	if code := d.Pmsg(dg, binary.LittleEndian); code != atherosStatusCode {
		t.Fatalf("Pmsg = %#x, want 0xff00", code)
	}
	if code := d.Pmsg(dg, binary.LittleEndian); code != atherosStatusCode {
		t.Fatalf("Pmsg over capacity = %#x, want 0xff00", code)
	}
	if d.Count() != 1 {
		t.Errorf("Count = %d, want 1", d.Count())
	}
	if r := d.Report(); r.Rejected != 1 {
		t.Errorf("Rejected = %d, want 1", r.Rejected)
	}
	if code := d.Pmsg([]byte{1, 2, 3}, binary.LittleEndian); code != 0 {
		t.Errorf("Pmsg(short datagram) = %#x, want 0", code)
	}
}

func TestAtherosPull10(t *testing.T) {
	for _, tc := range []struct {
		name   string
		marker byte
		order  binary.ByteOrder
	}{
		{"big", 0xff, binary.BigEndian},
		{"little", 0x00, binary.LittleEndian},
	} {
		t.Run(tc.name, func(t *testing.T) {
			capture := []byte{tc.marker}
			for i := 0; i < 2; i++ {
				capture = append(capture, atherosRecord(tc.order, uint64(i), 56, 1, 1, nil)...)
			}
			path := writeCapture(t, "pull10.dat", capture)

			d, err := NewAtherosPull10(AtherosConfig{File: path, Nrx: 1, Ntx: 1})
			if err != nil {
				t.Fatalf("NewAtherosPull10: %v", err)
			}
			if d.Order() != nil {
				t.Error("Order set before first read")
			}
			n, err := d.Read()
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			if n != 2 || d.Count() != 2 {
				t.Fatalf("Read = %d, Count = %d, want 2", n, d.Count())
			}
			if d.Order() != tc.order {
				t.Errorf("Order = %v, want %v", d.Order(), tc.order)
			}
			if d.Timestamp[0] != 0 || d.Timestamp[1] != 1 {
				t.Errorf("timestamps %d, %d", d.Timestamp[0], d.Timestamp[1])
			}

			// Offsets must account for the marker byte.
			offs, err := ScanAtherosOffsets(path, tc.order, 1)
			if err != nil {
				t.Fatalf("ScanAtherosOffsets: %v", err)
			}
			part, err := NewAtherosPull10(AtherosConfig{File: path, Nrx: 1, Ntx: 1})
			if err != nil {
				t.Fatalf("NewAtherosPull10: %v", err)
			}
			if n, err := part.Seek(offs[1], 1); err != nil || n != 1 {
				t.Fatalf("Seek = %d, %v", n, err)
			}
			if part.Timestamp[0] != 1 {
				t.Errorf("seeked timestamp = %d, want 1", part.Timestamp[0])
			}
		})
	}
}

func TestAtherosPayloadCapping(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5, 6}
	path := writeCapture(t, "atheros.dat", atherosRecord(binary.LittleEndian, 1, 56, 1, 1, payload))

	d, err := NewAtheros(AtherosConfig{File: path, Nrx: 1, Ntx: 1, PlSize: 4})
	if err != nil {
		t.Fatalf("NewAtheros: %v", err)
	}
	if _, err := d.Read(binary.LittleEndian); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if d.PayloadLen[0] != 6 {
		t.Errorf("payload_len = %d, want declared 6", d.PayloadLen[0])
	}
	if diff := cmp.Diff(payload[:4], d.RecordPayload(0)); diff != "" {
		t.Errorf("capped payload differs:\n%s", diff)
	}
}

func TestNewAtherosRejectsProfile(t *testing.T) {
	if _, err := NewAtheros(AtherosConfig{Tones: 64}); !errors.Is(err, ErrUnsupportedProfile) {
		t.Errorf("tones 64: err = %v, want ErrUnsupportedProfile", err)
	}
	if _, err := NewAtheros(AtherosConfig{Nrx: 5}); !errors.Is(err, ErrUnsupportedProfile) {
		t.Errorf("nrx 5: err = %v, want ErrUnsupportedProfile", err)
	}
}
