package audio

// ByteAligner re-aligns an arbitrarily chunked 16-bit PCM byte stream to
// sample boundaries. Inbound transports deliver chunks of any length,
// including odd lengths that split a sample across two deliveries; the
// aligner holds at most one trailing byte between calls so that no byte is
// ever dropped or reordered.
//
// The zero value is ready to use. A ByteAligner is not safe for concurrent
// use; the playback pipeline serializes all calls under the engine lock.
type ByteAligner struct {
	carry    byte
	hasCarry bool
}

// Push absorbs chunk and returns the longest even-length prefix of the
// carried byte (if any) followed by chunk. When the combined length is odd
// the final byte is retained for the next call. Returns nil when fewer than
// two bytes are available in total.
//
// The returned slice is freshly allocated and owned by the caller; chunk is
// never retained.
func (a *ByteAligner) Push(chunk []byte) []byte {
	total := len(chunk)
	if a.hasCarry {
		total++
	}
	if total < 2 {
		if len(chunk) == 1 {
			a.carry = chunk[0]
			a.hasCarry = true
		}
		return nil
	}

	even := total &^ 1
	out := make([]byte, 0, even)
	if a.hasCarry {
		out = append(out, a.carry)
		a.hasCarry = false
	}
	take := even - len(out)
	out = append(out, chunk[:take]...)
	if take < len(chunk) {
		a.carry = chunk[take]
		a.hasCarry = true
	}
	return out
}

// Pending reports whether a trailing byte is currently held.
func (a *ByteAligner) Pending() bool {
	return a.hasCarry
}

// Reset discards any held byte.
func (a *ByteAligner) Reset() {
	a.carry = 0
	a.hasCarry = false
}
