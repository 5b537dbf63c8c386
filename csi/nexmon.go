package csi

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/banshee-data/channel.report/internal/monitoring"
)

/*
Nexmon CSI capture format

nexmon_csi patched firmware injects one UDP datagram per collected CSI
measurement (source 10.10.10.10, destination port 5500) and captures are
ordinary pcap files of those frames. The decoder walks the pcap container
itself so that per-packet byte offsets stay addressable for seek re-entry:

├── global header (24B) - magic selects header byte order and whether the
│                         sub-second field is microseconds or nanoseconds
└── per packet:
    ├── record header (16B) - sec, sub-second, caplen, wirelen
    └── caplen bytes of Ethernet frame

Only frames classifying as Ethernet → IPv4 → UDP with destination port
5500 are counted; everything else in the capture is skipped. A matching
datagram payload carries:

├── magic        (4B) - 0x11111111 on stock firmware; revision adapters
│                       repack this field (see NexmonPull46)
├── src_addr     (6B) - source MAC of the triggering frame
├── seq          (2B) - Wi-Fi sequence number
├── core/spatial (2B) - core = bits 0-2, spatial stream = bits 3-5
├── chan_spec    (2B)
├── chip_version (2B)
└── CSI               - 2*Nsub signed 16-bit (real, imag) pairs

Nsub depends on (chip, bandwidth) and is fixed at construction.
*/

const (
	pcapGlobalHeader = 24
	pcapRecordHeader = 16
	nexmonMetaSize   = 18
	nexmonPort       = layers.UDPPort(5500)

	// NexmonStatusCSI is the Pmsg status for a recognized CSI datagram.
	NexmonStatusCSI = 0xf100
	// NexmonStatusPull46 is the Pmsg status of the pull-46 adapter.
	NexmonStatusPull46 = 0xf101
)

// pcap magic numbers, as written (file byte order).
var (
	pcapMagicMicroBE = []byte{0xa1, 0xb2, 0xc3, 0xd4}
	pcapMagicMicroLE = []byte{0xd4, 0xc3, 0xb2, 0xa1}
	pcapMagicNanoBE  = []byte{0xa1, 0xb2, 0x3c, 0x4d}
	pcapMagicNanoLE  = []byte{0x4d, 0x3c, 0xb2, 0xa1}
)

type nexmonProfile struct {
	chip string
	bw   int
}

// nexmonSubcarriers maps the supported (chip, bandwidth) pairs to the
// subcarrier count of one CSI measurement.
var nexmonSubcarriers = map[nexmonProfile]int{
	{"4339", 20}: 64, {"4339", 40}: 128, {"4339", 80}: 256,
	{"43455c0", 20}: 64, {"43455c0", 40}: 128, {"43455c0", 80}: 256,
	{"4358", 20}: 64, {"4358", 40}: 128, {"4358", 80}: 256,
	{"4366c0", 20}: 64, {"4366c0", 40}: 128, {"4366c0", 80}: 256,
}

// NexmonConfig carries the construction parameters for a Nexmon session.
type NexmonConfig struct {
	File     string // pcap capture; empty enables real-time mode only
	Chip     string // one of 4339, 43455c0, 4358, 4366c0
	BW       int    // bandwidth in MHz: 20, 40 or 80
	IfReport bool   // log a decode report after each batch read
	BufSize  int    // record capacity; 0 grows to fit / unbounded
}

// NexmonReport summarizes session diagnostics.
type NexmonReport struct {
	Skipped  int // captured frames that were not CSI datagrams
	Rejected int
}

// Nexmon decodes nexmon_csi pcap captures into columnar per-packet
// records. Field slices are parallel, Count() records long; views borrow
// and are invalidated by the next decode. Not safe for concurrent mutation.
type Nexmon struct {
	file    string
	chip    string
	bw      int
	nsub    int
	bufSize int
	report  bool

	// pcap container properties, set when the global header is parsed.
	nano  bool
	order binary.ByteOrder

	count int
	alloc int

	Sec         []uint32
	Usec        []uint32 // microseconds, or nanoseconds when Nano() is true
	Caplen      []uint32
	Wirelen     []uint32
	Magic       []uint32
	SrcAddr     []byte // 6 bytes per record
	Seq         []uint16
	Core        []uint8
	Spatial     []uint8
	ChanSpec    []uint16
	ChipVersion []uint16
	CSI         []complex128 // Nsub per record

	skipped  int
	rejected int
}

// NewNexmon validates the (chip, bandwidth) profile against the subcarrier
// table and pre-sizes the buffer when a capacity bound is given. The
// profile check happens before any I/O.
func NewNexmon(cfg NexmonConfig) (*Nexmon, error) {
	nsub, ok := nexmonSubcarriers[nexmonProfile{cfg.Chip, cfg.BW}]
	if !ok {
		return nil, fmt.Errorf("%w: no subcarrier mapping for chip %q at %d MHz",
			ErrUnsupportedProfile, cfg.Chip, cfg.BW)
	}
	if cfg.BufSize < 0 {
		return nil, fmt.Errorf("%w: negative bufsize", ErrUnsupportedProfile)
	}
	d := &Nexmon{
		file:    cfg.File,
		chip:    cfg.Chip,
		bw:      cfg.BW,
		nsub:    nsub,
		bufSize: cfg.BufSize,
		report:  cfg.IfReport,
	}
	if cfg.BufSize > 0 {
		d.extend(cfg.BufSize)
	}
	return d, nil
}

// Count returns the number of CSI records decoded so far.
func (d *Nexmon) Count() int { return d.count }

// Chip returns the configured chip identifier.
func (d *Nexmon) Chip() string { return d.chip }

// BW returns the configured bandwidth in MHz.
func (d *Nexmon) BW() int { return d.bw }

// Subcarriers returns the per-record subcarrier count of the profile.
func (d *Nexmon) Subcarriers() int { return d.nsub }

// Nano reports whether the capture's sub-second timestamps are nanoseconds.
// Meaningful after the first Read or Seek.
func (d *Nexmon) Nano() bool { return d.nano }

// RecordCSI returns record i's CSI as a borrowed slice of Nsub entries.
func (d *Nexmon) RecordCSI(i int) []complex128 {
	return d.CSI[i*d.nsub : (i+1)*d.nsub]
}

// Read batch-decodes the entire pcap file, appending CSI records until
// end-of-stream or capacity and skipping captured frames that are not
// Nexmon CSI datagrams.
func (d *Nexmon) Read() (int, error) {
	n, err := d.readFrom(0, 0)
	if d.report {
		monitoring.Logf("nexmon: %d records, %d frames skipped (%s)", d.count, d.skipped, d.file)
	}
	return n, err
}

// Seek decodes num records starting at byte offset pos of the pcap file,
// appending them to the buffer; num 0 means until end-of-stream or
// capacity. pos must address a per-packet record header; 0 addresses the
// first packet. When the session is bounded, num must not exceed the
// capacity.
func (d *Nexmon) Seek(pos int64, num int) (int, error) {
	if d.bufSize > 0 && num > d.bufSize {
		return 0, fmt.Errorf("nexmon: seek count %d exceeds capacity %d", num, d.bufSize)
	}
	return d.readFrom(pos, num)
}

func (d *Nexmon) readFrom(pos int64, num int) (int, error) {
	if d.file == "" {
		return 0, errors.New("nexmon: no capture file configured")
	}
	buf, err := os.ReadFile(d.file)
	if err != nil {
		return 0, fmt.Errorf("nexmon: read capture: %w", err)
	}
	if err := d.parseGlobalHeader(buf); err != nil {
		return 0, err
	}
	if pos < pcapGlobalHeader {
		pos = pcapGlobalHeader
	}
	if pos > int64(len(buf)) {
		return 0, fmt.Errorf("nexmon: seek offset %d outside capture of %d bytes", pos, len(buf))
	}
	return d.decode(buf, int(pos), num)
}

// Pmsg decodes one raw Ethernet frame (as delivered by a packet socket) in
// real time, reading the datagram's numeric fields in the given byte
// order. It returns NexmonStatusCSI when the frame was recognized, 0
// otherwise. With a full bounded buffer the frame is rejected
// (reject-newest) but still acknowledged by status code.
func (d *Nexmon) Pmsg(data []byte, order binary.ByteOrder) int {
	payload, ok := nexmonDatagram(data)
	if !ok {
		return 0
	}
	err := d.appendRecord(0, 0, uint32(len(data)), uint32(len(data)), payload, order)
	switch {
	case err == nil:
		return NexmonStatusCSI
	case errors.Is(err, errBufferFull):
		d.rejected++
		return NexmonStatusCSI
	}
	return 0
}

// Report derives the session diagnostics.
func (d *Nexmon) Report() NexmonReport {
	return NexmonReport{Skipped: d.skipped, Rejected: d.rejected}
}

// Index returns a borrowed view of record i's fields by name.
func (d *Nexmon) Index(i int) map[string]any {
	return map[string]any{
		"magic":        d.Magic[i],
		"src_addr":     d.SrcAddr[i*6 : (i+1)*6],
		"seq":          d.Seq[i],
		"core":         d.Core[i],
		"spatial":      d.Spatial[i],
		"chan_spec":    d.ChanSpec[i],
		"chip_version": d.ChipVersion[i],
		"csi":          d.RecordCSI(i),
	}
}

func (d *Nexmon) parseGlobalHeader(buf []byte) error {
	if len(buf) < pcapGlobalHeader {
		return fmt.Errorf("nexmon: pcap global header: %w", ErrTruncatedInput)
	}
	magic := buf[0:4]
	switch {
	case bytes.Equal(magic, pcapMagicMicroBE):
		d.order, d.nano = binary.BigEndian, false
	case bytes.Equal(magic, pcapMagicMicroLE):
		d.order, d.nano = binary.LittleEndian, false
	case bytes.Equal(magic, pcapMagicNanoBE):
		d.order, d.nano = binary.BigEndian, true
	case bytes.Equal(magic, pcapMagicNanoLE):
		d.order, d.nano = binary.LittleEndian, true
	default:
		return fmt.Errorf("nexmon: pcap magic %x: %w", magic, ErrUnrecognizedFraming)
	}
	return nil
}

func (d *Nexmon) decode(buf []byte, pos, num int) (int, error) {
	appended := 0
	cur := pos
	for cur+pcapRecordHeader <= len(buf) {
		sec := d.order.Uint32(buf[cur : cur+4])
		usec := d.order.Uint32(buf[cur+4 : cur+8])
		caplen := int(d.order.Uint32(buf[cur+8 : cur+12]))
		wirelen := d.order.Uint32(buf[cur+12 : cur+16])
		if cur+pcapRecordHeader+caplen > len(buf) {
			return appended, fmt.Errorf("nexmon: packet at offset %d: %w", cur, ErrTruncatedInput)
		}
		frame := buf[cur+pcapRecordHeader : cur+pcapRecordHeader+caplen]
		cur += pcapRecordHeader + caplen

		payload, ok := nexmonDatagram(frame)
		if !ok {
			d.skipped++
			continue
		}
		// File captures are generated by the firmware little-endian
		// regardless of the pcap container's byte order.
		err := d.appendRecord(sec, usec, uint32(caplen), wirelen, payload, binary.LittleEndian)
		switch {
		case err == nil:
			appended++
		case errors.Is(err, errBufferFull):
			return appended, nil
		default:
			return appended, fmt.Errorf("nexmon: packet at offset %d: %w", cur-pcapRecordHeader-caplen, err)
		}
		if num > 0 && appended == num {
			return appended, nil
		}
	}
	if cur < len(buf) {
		// A partial record header at the tail is a truncated capture.
		return appended, fmt.Errorf("nexmon: trailing %d bytes: %w", len(buf)-cur, ErrTruncatedInput)
	}
	return appended, nil
}

// nexmonDatagram classifies a captured frame and returns the UDP payload
// when it matches the Nexmon CSI injection signature.
func nexmonDatagram(frame []byte) ([]byte, bool) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	udp, ok := pkt.TransportLayer().(*layers.UDP)
	if !ok || udp.DstPort != nexmonPort {
		return nil, false
	}
	return udp.Payload, true
}

// appendRecord decodes one CSI datagram payload into the next slot.
func (d *Nexmon) appendRecord(sec, usec, caplen, wirelen uint32, p []byte, order binary.ByteOrder) error {
	if len(p) < nexmonMetaSize+4*d.nsub {
		return fmt.Errorf("%w: datagram holds %d bytes, profile needs %d",
			ErrTruncatedInput, len(p), nexmonMetaSize+4*d.nsub)
	}
	if d.bufSize > 0 {
		if d.count >= d.bufSize {
			return errBufferFull
		}
	} else if d.count == d.alloc {
		d.extend(growChunk)
	}
	i := d.count

	d.Sec[i] = sec
	d.Usec[i] = usec
	d.Caplen[i] = caplen
	d.Wirelen[i] = wirelen
	d.Magic[i] = order.Uint32(p[0:4])
	copy(d.SrcAddr[i*6:(i+1)*6], p[4:10])
	d.Seq[i] = order.Uint16(p[10:12])
	css := order.Uint16(p[12:14])
	d.Core[i] = uint8(css & 0x7)
	d.Spatial[i] = uint8(css >> 3 & 0x7)
	d.ChanSpec[i] = order.Uint16(p[14:16])
	d.ChipVersion[i] = order.Uint16(p[16:18])

	out := d.RecordCSI(i)
	for k := 0; k < d.nsub; k++ {
		re := int16(order.Uint16(p[nexmonMetaSize+4*k:]))
		im := int16(order.Uint16(p[nexmonMetaSize+4*k+2:]))
		out[k] = complex(float64(re), float64(im))
	}

	d.count++
	return nil
}

func (d *Nexmon) extend(n int) {
	d.Sec = extendCol(d.Sec, 1, n)
	d.Usec = extendCol(d.Usec, 1, n)
	d.Caplen = extendCol(d.Caplen, 1, n)
	d.Wirelen = extendCol(d.Wirelen, 1, n)
	d.Magic = extendCol(d.Magic, 1, n)
	d.SrcAddr = extendCol(d.SrcAddr, 6, n)
	d.Seq = extendCol(d.Seq, 1, n)
	d.Core = extendCol(d.Core, 1, n)
	d.Spatial = extendCol(d.Spatial, 1, n)
	d.ChanSpec = extendCol(d.ChanSpec, 1, n)
	d.ChipVersion = extendCol(d.ChipVersion, 1, n)
	d.CSI = extendCol(d.CSI, d.nsub, n)
	d.alloc += n
}

// NexmonPull46 decodes captures written by the "pull 46" revision of
// nexmon_csi, which repacks RSSI and the frame-control byte into the magic
// word. After every decoded record the magic is split: when its low 16
// bits equal 0x1111, RSSI sits in bits 16-23 and frame control in bits
// 24-31 and the magic collapses to its low half; otherwise RSSI sits in
// bits 8-15, frame control in bits 0-7, and the magic keeps its high half.
// RSSI is an 8-bit two's-complement value in both layouts.
type NexmonPull46 struct {
	Nexmon

	RSSI []int8
	FC   []uint8

	processed int
}

// NewNexmonPull46 wraps a Nexmon session with the pull-46 field adapter.
func NewNexmonPull46(cfg NexmonConfig) (*NexmonPull46, error) {
	base, err := NewNexmon(cfg)
	if err != nil {
		return nil, err
	}
	return &NexmonPull46{Nexmon: *base}, nil
}

// Read batch-decodes the capture and reinterprets each appended record.
func (d *NexmonPull46) Read() (int, error) {
	n, err := d.Nexmon.Read()
	d.split()
	return n, err
}

// Seek decodes num records from byte offset pos and reinterprets them.
func (d *NexmonPull46) Seek(pos int64, num int) (int, error) {
	n, err := d.Nexmon.Seek(pos, num)
	d.split()
	return n, err
}

// Pmsg decodes one raw frame and reinterprets it, returning
// NexmonStatusPull46 when recognized.
func (d *NexmonPull46) Pmsg(data []byte, order binary.ByteOrder) int {
	code := d.Nexmon.Pmsg(data, order)
	d.split()
	if code == NexmonStatusCSI {
		return NexmonStatusPull46
	}
	return 0
}

// Index returns the base record view extended with the pull-46 fields.
func (d *NexmonPull46) Index(i int) map[string]any {
	ret := d.Nexmon.Index(i)
	ret["rssi"] = d.RSSI[i]
	ret["fc"] = d.FC[i]
	return ret
}

func (d *NexmonPull46) split() {
	if n := d.count - len(d.RSSI); n > 0 {
		d.RSSI = extendCol(d.RSSI, 1, n)
		d.FC = extendCol(d.FC, 1, n)
	}
	for i := d.processed; i < d.count; i++ {
		m := d.Magic[i]
		if m&0x0000ffff == 0x1111 {
			d.RSSI[i] = int8(m >> 16 & 0xff)
			d.FC[i] = uint8(m >> 24)
			d.Magic[i] = m & 0x0000ffff
		} else {
			d.RSSI[i] = int8(m >> 8 & 0xff)
			d.FC[i] = uint8(m & 0xff)
			d.Magic[i] = m >> 16
		}
	}
	d.processed = d.count
}
