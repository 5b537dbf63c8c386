package csi

import (
	"encoding/binary"
	"fmt"
	"os"
)

// Offset scanners walk a capture's framing without decoding record bodies,
// producing the byte offset of every record start. The offsets are valid
// arguments to the matching session's Seek, which is how random-access
// re-entry into a large capture is driven (see csi/captureindex for
// persisting them).

// ScanIntelOffsets returns the byte offset of every framed record (any
// type code) in an Intel capture file.
func ScanIntelOffsets(path string) ([]int64, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("intel: scan capture: %w", err)
	}
	var offs []int64
	cur := 0
	for cur+3 <= len(buf) {
		fieldLen := int(binary.BigEndian.Uint16(buf[cur : cur+2]))
		if fieldLen < 1 || cur+2+fieldLen > len(buf) {
			break
		}
		offs = append(offs, int64(cur))
		cur += 2 + fieldLen
	}
	return offs, nil
}

// ScanAtherosOffsets returns the byte offset of every length-prefixed
// record in an Atheros capture file, reading prefixes in the given byte
// order. start skips a leading marker byte (1 for pull-10 captures, else
// 0).
func ScanAtherosOffsets(path string, order binary.ByteOrder, start int64) ([]int64, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("atheros: scan capture: %w", err)
	}
	var offs []int64
	cur := int(start)
	for cur+2 <= len(buf) {
		recLen := int(order.Uint16(buf[cur : cur+2]))
		if recLen < atherosHeader || cur+2+recLen > len(buf) {
			break
		}
		offs = append(offs, int64(cur))
		cur += 2 + recLen
	}
	return offs, nil
}

// ScanNexmonOffsets returns the byte offset of every pcap packet record
// header in a Nexmon capture, CSI-bearing or not; a session's Seek skips
// the non-CSI frames itself.
func ScanNexmonOffsets(path string) ([]int64, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("nexmon: scan capture: %w", err)
	}
	probe := &Nexmon{}
	if err := probe.parseGlobalHeader(buf); err != nil {
		return nil, err
	}
	var offs []int64
	cur := pcapGlobalHeader
	for cur+pcapRecordHeader <= len(buf) {
		caplen := int(probe.order.Uint32(buf[cur+8 : cur+12]))
		if cur+pcapRecordHeader+caplen > len(buf) {
			break
		}
		offs = append(offs, int64(cur))
		cur += pcapRecordHeader + caplen
	}
	return offs, nil
}
