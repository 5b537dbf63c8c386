package csi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/banshee-data/channel.report/internal/monitoring"
)

/*
Intel 802.11n CSI Tool capture format

The Linux 802.11n CSI Tool logs a stream of framed records: a 2-byte
big-endian field length, a 1-byte type code, then length-1 bytes of body.
Code 0xbb carries a beamforming (CSI) record, code 0xc1 a logged MAC frame;
any other code is unrecognized framing and is skipped without advancing the
record count.

0xbb BODY LAYOUT (little-endian):
├── timestamp_low (4B)  - low 32 bits of the NIC 1 MHz clock (~4300 s wrap)
├── bfee_count    (2B)  - driver-side measurement counter (drop detection)
├── reserved      (2B)
├── Nrx, Ntx      (1B each)
├── rssi_a/b/c    (1B each)
├── noise         (1B, signed)
├── agc           (1B)
├── antenna_sel   (1B)  - 2 bits per RF chain, lowest pair = antenna 0
├── len           (2B)  - CSI payload length, must equal the Nrx/Ntx formula
├── rate          (2B)  - rate_n_flags; bit 0x800 marks a 40 MHz capture
└── CSI payload         - per subcarrier: 3 pad bits, then Nrx*Ntx complex
                          pairs of signed 8-bit components (real, imag),
                          packed LSB-first across byte boundaries

The CSI matrix is stored [subcarrier][rx][tx] with the rx index routed
through the antenna permutation so that logical antenna order is restored
before anything downstream sees the data.
*/

const (
	intelSubcarriers = 30
	intelChains      = 3
	intelCodeCSI     = 0xbb
	intelCodeFrame   = 0xc1
	intelBfeeHeader  = 20 // fixed-field prefix of a 0xbb body
	intelFrameHeader = 24 // fc + dur + 3 addresses + seq
)

// IntelConfig carries the construction parameters for an Intel session.
type IntelConfig struct {
	File     string // capture file; empty enables real-time mode only
	Nrx      int    // maximum receive antennas, 1..3 (default 3)
	Ntx      int    // maximum transmit streams, 1..3 (default 2)
	PlSize   int    // bytes of each 0xc1 MAC frame to retain
	IfReport bool   // log a decode report after each batch read
	BufSize  int    // record capacity; 0 grows to fit (file) / unbounded (real-time)
}

// IntelReport summarizes the diagnostics of a session: frames the driver
// dropped on the netlink path (bfee_count discontinuities), records whose
// declared CSI length disagreed with the antenna counts, and real-time
// datagrams rejected because the bounded buffer was full.
type IntelReport struct {
	Dropped   int
	Malformed int
	Rejected  int
}

// Intel decodes Linux 802.11n CSI Tool captures into columnar per-packet
// records. All field slices are parallel and Count() records long; a slice
// taken from them is a borrowed view, invalidated by the next decode. Not
// safe for concurrent mutation.
type Intel struct {
	file    string
	nrxMax  int
	ntxMax  int
	plSize  int
	bufSize int
	report  bool

	count   int // appended 0xbb records
	countC1 int // appended 0xc1 records
	alloc   int
	allocC1 int

	// 0xbb columns
	TimestampLow []uint32
	BfeeCount    []uint16
	Nrx          []uint8
	Ntx          []uint8
	RSSIA        []uint8
	RSSIB        []uint8
	RSSIC        []uint8
	Noise        []int8
	AGC          []uint8
	Perm         []uint8 // intelChains entries per record
	Rate         []uint16
	CSI          []complex128 // intelSubcarriers*Nrx*Ntx maxima per record

	// 0xc1 columns
	FC        []uint16
	Dur       []uint16
	AddrDes   []byte // 6 bytes per record
	AddrSrc   []byte
	AddrBSSID []byte
	Seq       []uint16
	Payload   []byte // PlSize bytes per record

	malformed int
	rejected  int
}

// NewIntel validates the configuration and pre-sizes the record buffer when
// a capacity bound is given. No I/O happens here.
func NewIntel(cfg IntelConfig) (*Intel, error) {
	if cfg.Nrx == 0 {
		cfg.Nrx = 3
	}
	if cfg.Ntx == 0 {
		cfg.Ntx = 2
	}
	if cfg.Nrx < 1 || cfg.Nrx > intelChains || cfg.Ntx < 1 || cfg.Ntx > intelChains {
		return nil, fmt.Errorf("%w: intel supports 1..%d antennas, got nrx=%d ntx=%d",
			ErrUnsupportedProfile, intelChains, cfg.Nrx, cfg.Ntx)
	}
	if cfg.BufSize < 0 || cfg.PlSize < 0 {
		return nil, fmt.Errorf("%w: negative bufsize or payload size", ErrUnsupportedProfile)
	}
	d := &Intel{
		file:    cfg.File,
		nrxMax:  cfg.Nrx,
		ntxMax:  cfg.Ntx,
		plSize:  cfg.PlSize,
		bufSize: cfg.BufSize,
		report:  cfg.IfReport,
	}
	if cfg.BufSize > 0 {
		d.extend(cfg.BufSize)
		d.extendC1(cfg.BufSize)
	}
	return d, nil
}

// Count returns the number of 0xbb records decoded so far.
func (d *Intel) Count() int { return d.count }

// FrameCount returns the number of 0xc1 MAC frame records decoded so far.
func (d *Intel) FrameCount() int { return d.countC1 }

// CSIStride returns the number of complex entries one record occupies in
// the CSI column: 30 subcarriers times the configured antenna maxima.
func (d *Intel) CSIStride() int { return intelSubcarriers * d.nrxMax * d.ntxMax }

// RecordCSI returns record i's CSI matrix as a borrowed [sub][rx][tx] flat
// slice of length CSIStride().
func (d *Intel) RecordCSI(i int) []complex128 {
	s := d.CSIStride()
	return d.CSI[i*s : (i+1)*s]
}

// Read batch-decodes the entire capture file, appending records until
// end-of-stream or capacity. It returns the number of records appended
// (0xbb and 0xc1 together). A truncated final record stops the read and is
// reported as a non-fatal ErrTruncatedInput; everything decoded before it
// is retained.
func (d *Intel) Read() (int, error) {
	if d.file == "" {
		return 0, errors.New("intel: no capture file configured")
	}
	buf, err := os.ReadFile(d.file)
	if err != nil {
		return 0, fmt.Errorf("intel: read capture: %w", err)
	}
	n, derr := d.decode(buf, 0, 0)
	if d.report {
		r := d.Report()
		monitoring.Logf("intel: %d 0xbb, %d 0xc1, %d dropped, %d malformed (%s)",
			d.count, d.countC1, r.Dropped, r.Malformed, d.file)
	}
	return n, derr
}

// Seek decodes num records starting at byte offset pos of the capture file
// and appends them to the buffer; num 0 means until end-of-stream or
// capacity. Previously decoded records are kept. When the session is
// bounded, num must not exceed the capacity.
func (d *Intel) Seek(pos int64, num int) (int, error) {
	if d.file == "" {
		return 0, errors.New("intel: no capture file configured")
	}
	if d.bufSize > 0 && num > d.bufSize {
		return 0, fmt.Errorf("intel: seek count %d exceeds capacity %d", num, d.bufSize)
	}
	buf, err := os.ReadFile(d.file)
	if err != nil {
		return 0, fmt.Errorf("intel: read capture: %w", err)
	}
	if pos < 0 || pos > int64(len(buf)) {
		return 0, fmt.Errorf("intel: seek offset %d outside capture of %d bytes", pos, len(buf))
	}
	return d.decode(buf, int(pos), num)
}

// Pmsg decodes one raw datagram in real time, appending the record if it is
// recognized. The returned status code is the record type marker (0xbb or
// 0xc1), or 0 when the datagram is not a CSI packet. A recognized datagram
// that arrives while a bounded buffer is full is counted as rejected and
// dropped; the status code is still returned so receive loops can observe
// traffic.
func (d *Intel) Pmsg(data []byte) int {
	if len(data) < 1 {
		return 0
	}
	code := data[0]
	switch code {
	case intelCodeCSI:
		if err := d.appendBfee(data[1:]); err != nil {
			if errors.Is(err, errBufferFull) {
				d.rejected++
				return int(code)
			}
			return 0
		}
		return int(code)
	case intelCodeFrame:
		if err := d.appendFrame(data[1:]); err != nil {
			if errors.Is(err, errBufferFull) {
				d.rejected++
				return int(code)
			}
			return 0
		}
		return int(code)
	}
	return 0
}

// ReadStp reads the companion timestamp sidecar written by the modified
// log_to_file (capture path plus "stp" suffix) and returns the first
// packet's wall-clock timestamp in seconds since the epoch.
func (d *Intel) ReadStp(order binary.ByteOrder) (float64, error) {
	if d.file == "" {
		return 0, errors.New("intel: no capture file configured")
	}
	return readSidecarStp(d.file, order)
}

// Report derives the session diagnostics from the decoded columns.
func (d *Intel) Report() IntelReport {
	r := IntelReport{Malformed: d.malformed, Rejected: d.rejected}
	for i := 1; i < d.count; i++ {
		gap := int(d.BfeeCount[i]-d.BfeeCount[i-1]) & 0xffff
		if gap > 1 {
			r.Dropped += gap - 1
		}
	}
	return r
}

// Index returns a borrowed view of record i's fields by name. The view is
// invalidated by the next decode.
func (d *Intel) Index(i int) map[string]any {
	return map[string]any{
		"timestamp_low": d.TimestampLow[i],
		"bfee_count":    d.BfeeCount[i],
		"Nrx":           d.Nrx[i],
		"Ntx":           d.Ntx[i],
		"rssi_a":        d.RSSIA[i],
		"rssi_b":        d.RSSIB[i],
		"rssi_c":        d.RSSIC[i],
		"noise":         d.Noise[i],
		"agc":           d.AGC[i],
		"perm":          d.Perm[i*intelChains : (i+1)*intelChains],
		"rate":          d.Rate[i],
		"csi":           d.RecordCSI(i),
	}
}

// errBufferFull is the internal bounded-mode termination signal. It is
// never returned to callers: batch decodes stop cleanly and Pmsg maps it to
// the reject-newest policy.
var errBufferFull = errors.New("record buffer full")

// errMalformedRecord marks a record whose declared lengths disagree with
// its antenna counts; batch decodes skip it and continue.
var errMalformedRecord = errors.New("malformed record")

// decode runs the framing state machine over buf starting at pos, stopping
// after num appended records when num > 0.
func (d *Intel) decode(buf []byte, pos, num int) (int, error) {
	appended := 0
	cur := pos
	for cur+3 <= len(buf) {
		fieldLen := int(binary.BigEndian.Uint16(buf[cur : cur+2]))
		code := buf[cur+2]
		cur += 3
		if fieldLen < 1 {
			// A zero field length cannot frame even the code byte;
			// nothing beyond this point can be re-synchronized.
			d.malformed++
			break
		}
		if cur+fieldLen-1 > len(buf) {
			return appended, fmt.Errorf("intel: record at offset %d: %w", cur-3, ErrTruncatedInput)
		}
		body := buf[cur : cur+fieldLen-1]
		cur += fieldLen - 1

		switch code {
		case intelCodeCSI:
			err := d.appendBfee(body)
			switch {
			case err == nil:
				appended++
			case errors.Is(err, errBufferFull):
				return appended, nil
			case errors.Is(err, errMalformedRecord):
				d.malformed++
			case errors.Is(err, ErrTruncatedInput):
				return appended, fmt.Errorf("intel: record at offset %d: %w", cur-fieldLen-2, err)
			default:
				return appended, err
			}
		case intelCodeFrame:
			err := d.appendFrame(body)
			switch {
			case err == nil:
				appended++
			case errors.Is(err, errBufferFull):
				return appended, nil
			default:
				d.malformed++
			}
		default:
			// Unrecognized framing: skipped, does not advance count.
		}
		if num > 0 && appended == num {
			break
		}
	}
	return appended, nil
}

// appendBfee decodes one 0xbb body into the next buffer slot.
func (d *Intel) appendBfee(body []byte) error {
	if len(body) < intelBfeeHeader {
		return ErrTruncatedInput
	}
	nrx := int(body[8])
	ntx := int(body[9])
	if nrx < 1 || nrx > d.nrxMax || ntx < 1 || ntx > d.ntxMax {
		// Antenna counts beyond the configured maxima would force a
		// wrong-shape record; treated as truncation.
		return fmt.Errorf("%w: packet wants %dx%d, session is %dx%d",
			ErrTruncatedInput, nrx, ntx, d.nrxMax, d.ntxMax)
	}
	csiLen := int(binary.LittleEndian.Uint16(body[16:18]))
	wantLen := (intelSubcarriers*(nrx*ntx*16+3) + 7) / 8
	if csiLen != wantLen {
		return fmt.Errorf("%w: csi length %d, want %d for %dx%d", errMalformedRecord, csiLen, wantLen, nrx, ntx)
	}
	if len(body) < intelBfeeHeader+csiLen {
		return ErrTruncatedInput
	}

	if !d.room(&d.count, &d.alloc, d.extend) {
		return errBufferFull
	}
	i := d.count

	d.TimestampLow[i] = binary.LittleEndian.Uint32(body[0:4])
	d.BfeeCount[i] = binary.LittleEndian.Uint16(body[4:6])
	d.Nrx[i] = uint8(nrx)
	d.Ntx[i] = uint8(ntx)
	d.RSSIA[i] = body[10]
	d.RSSIB[i] = body[11]
	d.RSSIC[i] = body[12]
	d.Noise[i] = int8(body[13])
	d.AGC[i] = body[14]
	antennaSel := body[15]
	d.Rate[i] = binary.LittleEndian.Uint16(body[18:20])

	perm := [intelChains]int{0, 1, 2}
	for c := 0; c < intelChains; c++ {
		perm[c] = int(antennaSel>>(2*c)) & 0x3
	}
	if !validPerm(perm[:nrx], nrx) {
		// Hardware reported a chain assignment outside the antenna set;
		// fall back to physical order, as the published tool does.
		perm = [intelChains]int{0, 1, 2}
	}
	for c := 0; c < intelChains; c++ {
		d.Perm[i*intelChains+c] = uint8(perm[c])
	}

	// Unpack the CSI payload. Components are signed 8-bit, LSB-first, with
	// 3 pad bits ahead of each subcarrier; rx is the fastest axis and the
	// permutation routes each chain back to its logical antenna.
	rec := d.RecordCSI(i)
	for k := range rec {
		rec[k] = 0
	}
	cur := NewCursor(body[intelBfeeHeader:intelBfeeHeader+csiLen], binary.LittleEndian)
	for sub := 0; sub < intelSubcarriers; sub++ {
		if err := cur.Skip(3); err != nil {
			return err
		}
		for tx := 0; tx < ntx; tx++ {
			for rx := 0; rx < nrx; rx++ {
				re, err := cur.Int(8)
				if err != nil {
					return err
				}
				im, err := cur.Int(8)
				if err != nil {
					return err
				}
				rec[(sub*d.nrxMax+perm[rx])*d.ntxMax+tx] = complex(float64(re), float64(im))
			}
		}
	}

	d.count++
	return nil
}

// appendFrame decodes one 0xc1 logged MAC frame into the next slot.
func (d *Intel) appendFrame(body []byte) error {
	if len(body) < intelFrameHeader {
		return ErrTruncatedInput
	}
	if !d.room(&d.countC1, &d.allocC1, d.extendC1) {
		return errBufferFull
	}
	i := d.countC1

	d.FC[i] = binary.LittleEndian.Uint16(body[0:2])
	d.Dur[i] = binary.LittleEndian.Uint16(body[2:4])
	copy(d.AddrDes[i*6:(i+1)*6], body[4:10])
	copy(d.AddrSrc[i*6:(i+1)*6], body[10:16])
	copy(d.AddrBSSID[i*6:(i+1)*6], body[16:22])
	// Low 4 bits of the sequence-control field are the fragment number.
	d.Seq[i] = binary.LittleEndian.Uint16(body[22:24]) >> 4
	if d.plSize > 0 {
		dst := d.Payload[i*d.plSize : (i+1)*d.plSize]
		for k := range dst {
			dst[k] = 0
		}
		copy(dst, body)
	}

	d.countC1++
	return nil
}

// room reports whether another record fits, extending the columns first in
// unbounded mode.
func (d *Intel) room(count, alloc *int, extend func(int)) bool {
	if d.bufSize > 0 {
		return *count < d.bufSize
	}
	if *count == *alloc {
		extend(growChunk)
	}
	return true
}

func (d *Intel) extend(n int) {
	d.TimestampLow = extendCol(d.TimestampLow, 1, n)
	d.BfeeCount = extendCol(d.BfeeCount, 1, n)
	d.Nrx = extendCol(d.Nrx, 1, n)
	d.Ntx = extendCol(d.Ntx, 1, n)
	d.RSSIA = extendCol(d.RSSIA, 1, n)
	d.RSSIB = extendCol(d.RSSIB, 1, n)
	d.RSSIC = extendCol(d.RSSIC, 1, n)
	d.Noise = extendCol(d.Noise, 1, n)
	d.AGC = extendCol(d.AGC, 1, n)
	d.Perm = extendCol(d.Perm, intelChains, n)
	d.Rate = extendCol(d.Rate, 1, n)
	d.CSI = extendCol(d.CSI, d.CSIStride(), n)
	d.alloc += n
}

func (d *Intel) extendC1(n int) {
	d.FC = extendCol(d.FC, 1, n)
	d.Dur = extendCol(d.Dur, 1, n)
	d.AddrDes = extendCol(d.AddrDes, 6, n)
	d.AddrSrc = extendCol(d.AddrSrc, 6, n)
	d.AddrBSSID = extendCol(d.AddrBSSID, 6, n)
	d.Seq = extendCol(d.Seq, 1, n)
	d.Payload = extendCol(d.Payload, d.plSize, n)
	d.allocC1 += n
}

// validPerm reports whether p's first n entries form a permutation of 0..n-1.
func validPerm(p []int, n int) bool {
	var seen [intelChains]bool
	for _, v := range p[:n] {
		if v >= n || seen[v] {
			return false
		}
		seen[v] = true
	}
	return true
}

// readSidecarStp reads the first wall-clock timestamp from a capture's
// companion "stp" file: pairs of (u32 seconds, u32 microseconds) in the
// caller-selected byte order.
func readSidecarStp(capture string, order binary.ByteOrder) (float64, error) {
	path := capture + "stp"
	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: %s", ErrMissingSidecar, path)
		}
		return 0, fmt.Errorf("read sidecar %s: %w", path, err)
	}
	if len(buf) < 8 {
		return 0, fmt.Errorf("sidecar %s: %w", path, ErrTruncatedInput)
	}
	sec := order.Uint32(buf[0:4])
	usec := order.Uint32(buf[4:8])
	return float64(sec) + float64(usec)/1e6, nil
}
