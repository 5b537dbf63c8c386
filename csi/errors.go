package csi

import "errors"

// Decode error taxonomy. Batch decodes absorb framing-level anomalies and
// stop early where a capture format leaves no way to re-synchronize; these
// sentinels let callers distinguish the cases with errors.Is without the
// decoder ever discarding records that were already appended.
var (
	// ErrTruncatedInput reports that fewer bytes remained than a field
	// declared. Batch decodes stop at the truncation point and keep every
	// record appended before it.
	ErrTruncatedInput = errors.New("truncated input")

	// ErrUnrecognizedFraming reports bytes that match no known record
	// marker (bad pcap magic, unknown type code).
	ErrUnrecognizedFraming = errors.New("unrecognized framing")

	// ErrUnsupportedProfile reports a construction-time request for a
	// chip/bandwidth/tones combination with no known subcarrier mapping.
	// It is returned before any I/O is attempted.
	ErrUnsupportedProfile = errors.New("unsupported profile")

	// ErrMissingSidecar reports an absent timestamp sidecar file. It fails
	// only the sidecar read, never the main decode.
	ErrMissingSidecar = errors.New("missing timestamp sidecar")
)
