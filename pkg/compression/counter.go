package compression

import "io"

// CountingWriter wraps an io.Writer and counts bytes written.
type CountingWriter struct {
	w     io.Writer
	count int64
}

func NewCountingWriter(w io.Writer) *CountingWriter {
	return &CountingWriter{w: w}
}

func (cw *CountingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.count += int64(n)
	return n, err
}

// Count is the number of bytes written so far, which is also the offset of the next write.
func (cw *CountingWriter) Count() int64 {
	return cw.count
}
