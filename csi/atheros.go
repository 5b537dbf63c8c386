package csi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/banshee-data/channel.report/internal/monitoring"
)

/*
Atheros CSI Tool capture format

Records are length-prefixed: a 2-byte record length in the session's byte
order, then the record. A prefix shorter than the 25-byte header marks end
of stream. Header layout (multi-byte fields in the selected order):

├── timestamp    (8B) - microseconds
├── csi_len      (2B)
├── tx_channel   (2B) - center frequency, MHz
├── err_info     (1B) - PHY error code, 0 when clean
├── noise_floor  (1B, signed)
├── rate         (1B)
├── bandwidth    (1B) - 0: 20 MHz, 1: 40 MHz
├── num_tones    (1B)
├── nr, nc       (1B each)
├── rssi         (1B) - combined over active chains
├── rssi_1..3    (1B each)
└── payload_len  (2B)

The CSI payload bit-packs 10-bit two's-complement components into 16-bit
words of the selected order; per tone, per transmit chain, per receive
chain, imaginary before real. A payload_len-byte MAC frame follows.
*/

const (
	atherosHeader     = 25
	atherosBits       = 10
	atherosStatusCode = 0xff00
)

// AtherosConfig carries the construction parameters for an Atheros session.
type AtherosConfig struct {
	File     string // capture file; empty enables real-time mode only
	Nrx      int    // maximum receive antennas, 1..3 (default 3)
	Ntx      int    // maximum transmit antennas, 1..3 (default 2)
	PlSize   int    // bytes of each trailing MAC frame to retain
	Tones    int    // subcarrier profile, 56 or 114 (default 56)
	IfReport bool   // log a decode report after each batch read
	BufSize  int    // record capacity; 0 grows to fit / unbounded
}

// AtherosReport summarizes session diagnostics.
type AtherosReport struct {
	Malformed int
	Rejected  int
}

// Atheros decodes Atheros CSI Tool captures into columnar per-packet
// records. Field slices are parallel, Count() records long; views borrow
// and are invalidated by the next decode. Not safe for concurrent mutation.
type Atheros struct {
	file    string
	nrxMax  int
	ntxMax  int
	plSize  int
	tones   int
	bufSize int
	report  bool

	count int
	alloc int

	Timestamp  []uint64
	CSILen     []uint16
	TxChannel  []uint16
	ErrInfo    []uint8
	NoiseFloor []int8
	Rate       []uint8
	Bandwidth  []uint8
	NumTones   []uint8
	Nr         []uint8
	Nc         []uint8
	RSSI       []uint8
	RSSI1      []uint8
	RSSI2      []uint8
	RSSI3      []uint8
	PayloadLen []uint16
	CSI        []complex128 // Tones*Nrx*Ntx maxima per record
	Payload    []byte       // PlSize bytes per record

	malformed int
	rejected  int
}

// NewAtheros validates the configuration (the tones profile must be 56 or
// 114) and pre-sizes the buffer when a capacity bound is given.
func NewAtheros(cfg AtherosConfig) (*Atheros, error) {
	if cfg.Nrx == 0 {
		cfg.Nrx = 3
	}
	if cfg.Ntx == 0 {
		cfg.Ntx = 2
	}
	if cfg.Tones == 0 {
		cfg.Tones = 56
	}
	if cfg.Tones != 56 && cfg.Tones != 114 {
		return nil, fmt.Errorf("%w: atheros tones profile must be 56 or 114, got %d",
			ErrUnsupportedProfile, cfg.Tones)
	}
	if cfg.Nrx < 1 || cfg.Nrx > 3 || cfg.Ntx < 1 || cfg.Ntx > 3 {
		return nil, fmt.Errorf("%w: atheros supports 1..3 antennas, got nrx=%d ntx=%d",
			ErrUnsupportedProfile, cfg.Nrx, cfg.Ntx)
	}
	if cfg.BufSize < 0 || cfg.PlSize < 0 {
		return nil, fmt.Errorf("%w: negative bufsize or payload size", ErrUnsupportedProfile)
	}
	d := &Atheros{
		file:    cfg.File,
		nrxMax:  cfg.Nrx,
		ntxMax:  cfg.Ntx,
		plSize:  cfg.PlSize,
		tones:   cfg.Tones,
		bufSize: cfg.BufSize,
		report:  cfg.IfReport,
	}
	if cfg.BufSize > 0 {
		d.extend(cfg.BufSize)
	}
	return d, nil
}

// Count returns the number of records decoded so far.
func (d *Atheros) Count() int { return d.count }

// CSIStride returns the complex entries one record occupies in the CSI
// column: the tones profile times the configured antenna maxima.
func (d *Atheros) CSIStride() int { return d.tones * d.nrxMax * d.ntxMax }

// RecordCSI returns record i's CSI matrix as a borrowed [tone][rx][tx]
// flat slice.
func (d *Atheros) RecordCSI(i int) []complex128 {
	s := d.CSIStride()
	return d.CSI[i*s : (i+1)*s]
}

// RecordPayload returns record i's retained MAC frame bytes.
func (d *Atheros) RecordPayload(i int) []byte {
	return d.Payload[i*d.plSize : (i+1)*d.plSize]
}

// Read batch-decodes the entire capture file with the given payload byte
// order, appending records until end-of-stream or capacity. A record whose
// declared lengths disagree with the remaining bytes terminates the read
// early with a non-fatal ErrTruncatedInput; records before it are kept.
func (d *Atheros) Read(order binary.ByteOrder) (int, error) {
	if d.file == "" {
		return 0, errors.New("atheros: no capture file configured")
	}
	n, err := d.readFrom(0, 0, order)
	if d.report {
		monitoring.Logf("atheros: %d records, %d malformed (%s)", d.count, d.malformed, d.file)
	}
	return n, err
}

// Seek decodes num records starting at byte offset pos, appending them to
// the buffer; num 0 means until end-of-stream or capacity. When the session
// is bounded, num must not exceed the capacity.
func (d *Atheros) Seek(pos int64, num int, order binary.ByteOrder) (int, error) {
	if d.file == "" {
		return 0, errors.New("atheros: no capture file configured")
	}
	if d.bufSize > 0 && num > d.bufSize {
		return 0, fmt.Errorf("atheros: seek count %d exceeds capacity %d", num, d.bufSize)
	}
	return d.readFrom(pos, num, order)
}

func (d *Atheros) readFrom(pos int64, num int, order binary.ByteOrder) (int, error) {
	buf, err := os.ReadFile(d.file)
	if err != nil {
		return 0, fmt.Errorf("atheros: read capture: %w", err)
	}
	if pos < 0 || pos > int64(len(buf)) {
		return 0, fmt.Errorf("atheros: seek offset %d outside capture of %d bytes", pos, len(buf))
	}
	return d.decode(buf, int(pos), num, order)
}

// Pmsg decodes one raw datagram (the record without its length prefix) in
// real time. It returns 0xff00 when the datagram was recognized as a CSI
// record, 0 otherwise. With a full bounded buffer the datagram is rejected
// (reject-newest) but still acknowledged by status code.
func (d *Atheros) Pmsg(data []byte, order binary.ByteOrder) int {
	err := d.appendRecord(data, order)
	switch {
	case err == nil:
		return atherosStatusCode
	case errors.Is(err, errBufferFull):
		d.rejected++
		return atherosStatusCode
	}
	return 0
}

// ReadStp reads the companion timestamp sidecar written by the modified
// recv_csi and returns the first packet's wall-clock timestamp in seconds.
func (d *Atheros) ReadStp(order binary.ByteOrder) (float64, error) {
	if d.file == "" {
		return 0, errors.New("atheros: no capture file configured")
	}
	return readSidecarStp(d.file, order)
}

// Report derives the session diagnostics.
func (d *Atheros) Report() AtherosReport {
	return AtherosReport{Malformed: d.malformed, Rejected: d.rejected}
}

// Index returns a borrowed view of record i's fields by name.
func (d *Atheros) Index(i int) map[string]any {
	return map[string]any{
		"timestamp":   d.Timestamp[i],
		"csi_len":     d.CSILen[i],
		"tx_channel":  d.TxChannel[i],
		"err_info":    d.ErrInfo[i],
		"noise_floor": d.NoiseFloor[i],
		"rate":        d.Rate[i],
		"bandwidth":   d.Bandwidth[i],
		"num_tones":   d.NumTones[i],
		"nr":          d.Nr[i],
		"nc":          d.Nc[i],
		"rssi":        d.RSSI[i],
		"rssi_1":      d.RSSI1[i],
		"rssi_2":      d.RSSI2[i],
		"rssi_3":      d.RSSI3[i],
		"payload_len": d.PayloadLen[i],
		"csi":         d.RecordCSI(i),
		"payload":     d.RecordPayload(i),
	}
}

func (d *Atheros) decode(buf []byte, pos, num int, order binary.ByteOrder) (int, error) {
	appended := 0
	cur := pos
	for cur+2 <= len(buf) {
		recLen := int(order.Uint16(buf[cur : cur+2]))
		cur += 2
		if recLen < atherosHeader {
			// The tool pads the capture tail; a short prefix is the
			// end-of-stream condition, not an error.
			break
		}
		if cur+recLen > len(buf) {
			return appended, fmt.Errorf("atheros: record at offset %d: %w", cur-2, ErrTruncatedInput)
		}
		err := d.appendRecord(buf[cur:cur+recLen], order)
		switch {
		case err == nil:
			appended++
		case errors.Is(err, errBufferFull):
			return appended, nil
		default:
			// Declared lengths inconsistent with the record: nothing
			// after this point can be trusted to re-frame.
			d.malformed++
			return appended, fmt.Errorf("atheros: record at offset %d: %w", cur-2, ErrTruncatedInput)
		}
		cur += recLen
		if num > 0 && appended == num {
			break
		}
	}
	return appended, nil
}

// appendRecord decodes one length-delimited record body into the next slot.
func (d *Atheros) appendRecord(rec []byte, order binary.ByteOrder) error {
	if len(rec) < atherosHeader {
		return ErrTruncatedInput
	}
	nr := int(rec[17])
	nc := int(rec[18])
	numTones := int(rec[16])
	if nr < 1 || nr > d.nrxMax || nc < 1 || nc > d.ntxMax || numTones > d.tones {
		return fmt.Errorf("%w: packet wants %d tones %dx%d, session is %d tones %dx%d",
			ErrTruncatedInput, numTones, nr, nc, d.tones, d.nrxMax, d.ntxMax)
	}
	csiLen := int(order.Uint16(rec[8:10]))
	payloadLen := int(order.Uint16(rec[23:25]))
	if atherosHeader+csiLen+payloadLen > len(rec) {
		return ErrTruncatedInput
	}
	if csiLen > 0 && csiLen*8 < numTones*nr*nc*2*atherosBits {
		return ErrTruncatedInput
	}

	if d.bufSize > 0 {
		if d.count >= d.bufSize {
			return errBufferFull
		}
	} else if d.count == d.alloc {
		d.extend(growChunk)
	}
	i := d.count

	d.Timestamp[i] = order.Uint64(rec[0:8])
	d.CSILen[i] = uint16(csiLen)
	d.TxChannel[i] = order.Uint16(rec[10:12])
	d.ErrInfo[i] = rec[12]
	d.NoiseFloor[i] = int8(rec[13])
	d.Rate[i] = rec[14]
	d.Bandwidth[i] = rec[15]
	d.NumTones[i] = uint8(numTones)
	d.Nr[i] = uint8(nr)
	d.Nc[i] = uint8(nc)
	d.RSSI[i] = rec[19]
	d.RSSI1[i] = rec[20]
	d.RSSI2[i] = rec[21]
	d.RSSI3[i] = rec[22]
	d.PayloadLen[i] = uint16(payloadLen)

	out := d.RecordCSI(i)
	for k := range out {
		out[k] = 0
	}
	if csiLen > 0 {
		cur := NewCursor(rec[atherosHeader:atherosHeader+csiLen], order)
		for tone := 0; tone < numTones; tone++ {
			for tx := 0; tx < nc; tx++ {
				for rx := 0; rx < nr; rx++ {
					im, err := cur.Int(atherosBits)
					if err != nil {
						return err
					}
					re, err := cur.Int(atherosBits)
					if err != nil {
						return err
					}
					out[(tone*d.nrxMax+rx)*d.ntxMax+tx] = complex(float64(re), float64(im))
				}
			}
		}
	}

	if d.plSize > 0 {
		dst := d.RecordPayload(i)
		for k := range dst {
			dst[k] = 0
		}
		n := payloadLen
		if n > d.plSize {
			n = d.plSize
		}
		copy(dst, rec[atherosHeader+csiLen:atherosHeader+csiLen+n])
	}

	d.count++
	return nil
}

func (d *Atheros) extend(n int) {
	d.Timestamp = extendCol(d.Timestamp, 1, n)
	d.CSILen = extendCol(d.CSILen, 1, n)
	d.TxChannel = extendCol(d.TxChannel, 1, n)
	d.ErrInfo = extendCol(d.ErrInfo, 1, n)
	d.NoiseFloor = extendCol(d.NoiseFloor, 1, n)
	d.Rate = extendCol(d.Rate, 1, n)
	d.Bandwidth = extendCol(d.Bandwidth, 1, n)
	d.NumTones = extendCol(d.NumTones, 1, n)
	d.Nr = extendCol(d.Nr, 1, n)
	d.Nc = extendCol(d.Nc, 1, n)
	d.RSSI = extendCol(d.RSSI, 1, n)
	d.RSSI1 = extendCol(d.RSSI1, 1, n)
	d.RSSI2 = extendCol(d.RSSI2, 1, n)
	d.RSSI3 = extendCol(d.RSSI3, 1, n)
	d.PayloadLen = extendCol(d.PayloadLen, 1, n)
	d.CSI = extendCol(d.CSI, d.CSIStride(), n)
	d.Payload = extendCol(d.Payload, d.plSize, n)
	d.alloc += n
}

// AtherosPull10 decodes captures written by the "pull 10" revision of the
// Atheros userspace tool, which prepends a one-byte endianness marker to
// the file: 0xff means the payload words are big-endian, anything else
// little-endian. Detection runs once per session, before any record is
// read.
type AtherosPull10 struct {
	Atheros
	order binary.ByteOrder
}

// NewAtherosPull10 wraps an Atheros session with pull-10 auto-endianness.
func NewAtherosPull10(cfg AtherosConfig) (*AtherosPull10, error) {
	base, err := NewAtheros(cfg)
	if err != nil {
		return nil, err
	}
	return &AtherosPull10{Atheros: *base}, nil
}

// Order returns the detected byte order, or nil before the first read.
func (d *AtherosPull10) Order() binary.ByteOrder { return d.order }

// Read detects the byte order from the marker byte and batch-decodes the
// rest of the file.
func (d *AtherosPull10) Read() (int, error) {
	if err := d.detect(); err != nil {
		return 0, err
	}
	n, err := d.Atheros.readFrom(1, 0, d.order)
	if d.report {
		monitoring.Logf("atheros pull10: %d records, %s endian (%s)", d.count, endianName(d.order), d.file)
	}
	return n, err
}

// Seek decodes num records from byte offset pos (offsets include the
// marker byte; the first record starts at 1) using the detected order.
func (d *AtherosPull10) Seek(pos int64, num int) (int, error) {
	if err := d.detect(); err != nil {
		return 0, err
	}
	return d.Atheros.Seek(pos, num, d.order)
}

func (d *AtherosPull10) detect() error {
	if d.order != nil {
		return nil
	}
	if d.file == "" {
		return errors.New("atheros pull10: no capture file configured")
	}
	f, err := os.Open(d.file)
	if err != nil {
		return fmt.Errorf("atheros pull10: %w", err)
	}
	defer f.Close()
	var marker [1]byte
	if _, err := f.Read(marker[:]); err != nil {
		return fmt.Errorf("atheros pull10: read endian marker: %w", err)
	}
	if marker[0] == 0xff {
		d.order = binary.BigEndian
	} else {
		d.order = binary.LittleEndian
	}
	return nil
}

func endianName(order binary.ByteOrder) string {
	if order == binary.BigEndian {
		return "big"
	}
	return "little"
}
