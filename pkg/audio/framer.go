package audio

// Framer slices a stream of arbitrarily sized PCM chunks into fixed-size
// frames, carrying any remainder over to the next Write. TTS providers return
// audio in irregular chunk sizes while telephony transports expect evenly
// paced 20 ms frames.
//
// A Framer is not safe for concurrent use.
type Framer struct {
	size int
	buf  []byte
}

// NewFramer returns a Framer producing frames of frameBytes bytes. frameBytes
// is rounded down to an even number so frames never split a PCM16 sample.
func NewFramer(frameBytes int) *Framer {
	frameBytes &^= 1
	if frameBytes <= 0 {
		frameBytes = 2
	}
	return &Framer{size: frameBytes}
}

// Write appends pcm and returns every complete frame now available. The
// returned slices do not alias pcm.
func (f *Framer) Write(pcm []byte) [][]byte {
	f.buf = append(f.buf, pcm...)
	var frames [][]byte
	for len(f.buf) >= f.size {
		frame := make([]byte, f.size)
		copy(frame, f.buf[:f.size])
		frames = append(frames, frame)
		f.buf = f.buf[f.size:]
	}
	if len(f.buf) == 0 {
		f.buf = nil
	}
	return frames
}

// Flush returns the buffered remainder zero-padded to a full frame, or nil if
// nothing is buffered.
func (f *Framer) Flush() []byte {
	if len(f.buf) == 0 {
		return nil
	}
	frame := make([]byte, f.size)
	copy(frame, f.buf)
	f.buf = nil
	return frame
}

// Reset discards any buffered remainder.
func (f *Framer) Reset() {
	f.buf = nil
}
