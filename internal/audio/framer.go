package audio

// framer reassembles arbitrary byte chunks into fixed-size blocks. TCP
// reads split the stream at arbitrary offsets, including mid-sample, so any
// partial trailing bytes are carried into the next push.
type framer struct {
	blockBytes int
	pending    []byte
}

func newFramer(blockBytes int) *framer {
	return &framer{
		blockBytes: blockBytes,
		pending:    make([]byte, 0, 2*blockBytes),
	}
}

// push appends data and calls emit once per complete block, in order. An
// emit error stops immediately; unconsumed bytes stay pending.
func (f *framer) push(data []byte, emit func(block []byte) error) error {
	f.pending = append(f.pending, data...)
	for len(f.pending) >= f.blockBytes {
		if err := emit(f.pending[:f.blockBytes:f.blockBytes]); err != nil {
			return err
		}
		n := copy(f.pending, f.pending[f.blockBytes:])
		f.pending = f.pending[:n]
	}
	return nil
}

// flush emits any trailing partial block, zero-padded to full size.
func (f *framer) flush(emit func(block []byte) error) error {
	if len(f.pending) == 0 {
		return nil
	}
	block := make([]byte, f.blockBytes)
	copy(block, f.pending)
	f.pending = f.pending[:0]
	return emit(block)
}
