package cas

import (
	"context"
	"io"
)

// blockFileRef locates one block file of an object.
type blockFileRef struct {
	path string
	size uint64
}

// blockStream is a lazy byte stream over an object's block files,
// clipped to a byte range. Files are opened one at a time when the
// read position reaches them, so memory stays bounded by one read
// buffer regardless of object size. The stream is finite and only
// restartable from the beginning.
type blockStream struct {
	fs  *CasFS
	ctx context.Context

	refs []blockFileRef
	idx  int

	// skip is the offset into the next block to open; only the first
	// contributing block has a non-zero skip.
	skip      uint64
	remaining uint64

	cur     io.Reader
	curFile io.Closer
}

func (fs *CasFS) newBlockStream(ctx context.Context, refs []blockFileRef, offset, length uint64) io.ReadCloser {
	s := &blockStream{
		fs:        fs,
		ctx:       ctx,
		refs:      refs,
		skip:      offset,
		remaining: length,
	}
	// step over blocks wholly before the range
	for s.idx < len(s.refs) && s.skip >= s.refs[s.idx].size {
		s.skip -= s.refs[s.idx].size
		s.idx++
	}
	return s
}

func (s *blockStream) Read(p []byte) (int, error) {
	if s.remaining == 0 {
		return 0, io.EOF
	}

	for {
		if s.cur == nil {
			if s.idx >= len(s.refs) {
				return 0, io.ErrUnexpectedEOF
			}
			ref := s.refs[s.idx]
			f, err := s.fs.pool.GetAt(s.ctx, ref.path)
			if err != nil {
				return 0, err
			}
			want := ref.size - s.skip
			if want > s.remaining {
				want = s.remaining
			}
			s.cur = io.NewSectionReader(f, int64(s.skip), int64(want))
			s.curFile = f
			s.skip = 0
		}

		n, err := s.cur.Read(p)
		if n > 0 {
			s.remaining -= uint64(n)
			s.fs.m.BytesSent(n)
		}
		if err == io.EOF {
			s.closeCurrent()
			s.idx++
			if s.remaining == 0 {
				if n > 0 {
					return n, nil
				}
				return 0, io.EOF
			}
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *blockStream) closeCurrent() {
	if s.curFile != nil {
		s.curFile.Close()
	}
	s.cur = nil
	s.curFile = nil
}

// Close releases the currently open block file. The stream may be
// dropped at any point of the range.
func (s *blockStream) Close() error {
	s.closeCurrent()
	return nil
}
