package tasksync

import "bytes"

var (
	frameTerminator     = []byte("\n\n")
	crlfFrameTerminator = []byte("\r\n\r\n")
)

// frameAssembler turns an arbitrarily chunked byte stream into frames
// terminated by a blank line. Bytes are only converted to text once a frame
// is complete, so multi-byte characters split across chunks survive intact.
type frameAssembler struct {
	buf bytes.Buffer
}

// Write feeds one transport chunk and returns the frames it completed, in
// order. The terminator is not part of the returned frame.
func (a *frameAssembler) Write(chunk []byte) []string {
	var frames []string
	for _, b := range chunk {
		a.buf.WriteByte(b)
		if b != '\n' {
			continue
		}
		buffered := a.buf.Bytes()
		var n int
		switch {
		case bytes.HasSuffix(buffered, frameTerminator):
			n = len(frameTerminator)
		case bytes.HasSuffix(buffered, crlfFrameTerminator):
			n = len(crlfFrameTerminator)
		default:
			continue
		}
		frames = append(frames, string(buffered[:len(buffered)-n]))
		a.buf.Reset()
	}
	return frames
}

// Pending is the size of the unterminated tail.
func (a *frameAssembler) Pending() int {
	return a.buf.Len()
}
