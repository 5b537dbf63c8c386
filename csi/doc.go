// Package csi decodes Wi-Fi channel state information captures into
// columnar per-packet records. Three capture families are supported: the
// Linux 802.11n (Intel) CSI Tool, the Atheros CSI Tool, and nexmon_csi
// pcap streams, each with its tool-revision variants (Atheros pull-10,
// Nexmon pull-46).
//
// A session is constructed per capture source and exposes the same access
// pattern across formats: batch decoding of a whole file (Read), random
// re-entry at a byte offset (Seek), and single-datagram real-time decoding
// (Pmsg) for use behind a packet socket or the csi/network listener.
// Decoded fields live in parallel column slices so bulk numeric work can
// run without per-record allocation; RecordCSI and Index return borrowed
// views into them.
package csi
