package clamd

import (
	"encoding/binary"
	"io"
	"sync"
)

// ChunkSize is the maximum payload carried by a single INSTREAM chunk.
const ChunkSize = 4096

const chunkHeaderSize = 4

var (
	pingFrame        = []byte("zPING\x00")
	streamStartFrame = []byte("zINSTREAM\x00")
	terminatorFrame  = []byte{0, 0, 0, 0}
)

// chunkBufferPool holds buffers sized for one framed chunk.
var chunkBufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, chunkHeaderSize+ChunkSize)
		return &buf
	},
}

// PingFrame returns the liveness probe command.
func PingFrame() []byte {
	return clone(pingFrame)
}

// StreamStartFrame returns the command that opens a streamed scan.
func StreamStartFrame() []byte {
	return clone(streamStartFrame)
}

// TerminatorFrame returns the zero-length chunk that ends a streamed scan.
func TerminatorFrame() []byte {
	return clone(terminatorFrame)
}

// EncodeChunks splits data into INSTREAM chunks of at most ChunkSize bytes,
// each prefixed with its length as a big-endian uint32. The terminator is not
// included.
func EncodeChunks(data []byte) [][]byte {
	frames := make([][]byte, 0, (len(data)+ChunkSize-1)/ChunkSize)
	for i := 0; i < len(data); i += ChunkSize {
		end := min(i+ChunkSize, len(data))
		frame := make([]byte, chunkHeaderSize+end-i)
		binary.BigEndian.PutUint32(frame, uint32(end-i))
		copy(frame[chunkHeaderSize:], data[i:end])
		frames = append(frames, frame)
	}
	return frames
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// writeStream writes a complete INSTREAM request for data to w, in order:
// start frame, chunks, terminator.
func writeStream(w io.Writer, data []byte) error {
	if _, err := w.Write(streamStartFrame); err != nil {
		return err
	}
	for _, frame := range EncodeChunks(data) {
		if _, err := w.Write(frame); err != nil {
			return err
		}
	}
	_, err := w.Write(terminatorFrame)
	return err
}

// chunkReader reads input one chunk at a time into a pooled frame buffer.
type chunkReader struct {
	r   io.Reader
	buf *[]byte
}

func newChunkReader(r io.Reader) *chunkReader {
	return &chunkReader{r: r, buf: chunkBufferPool.Get().(*[]byte)}
}

// next returns the next framed chunk, or io.EOF once the input is exhausted.
// The returned slice is only valid until the following call.
func (c *chunkReader) next() ([]byte, error) {
	frame := *c.buf
	n, err := io.ReadFull(c.r, frame[chunkHeaderSize:])
	if n == 0 {
		if err == nil || err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return nil, err
	}
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	binary.BigEndian.PutUint32(frame, uint32(n))
	return frame[:chunkHeaderSize+n], nil
}

func (c *chunkReader) release() {
	if c.buf != nil {
		chunkBufferPool.Put(c.buf)
		c.buf = nil
	}
}
