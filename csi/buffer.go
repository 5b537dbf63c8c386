package csi

// Columnar record buffers hold one slice per field, all sharing a record
// count. Bounded sessions allocate the full capacity up front so no decode
// path allocates per record; unbounded sessions extend every column by a
// fixed chunk of records at a time.

// growChunk is the number of records added per extension in unbounded mode.
const growChunk = 128

// extendCol appends zeroed storage for extra records to a column whose
// per-record stride is stride elements.
func extendCol[T any](col []T, stride, extra int) []T {
	return append(col, make([]T, stride*extra)...)
}
