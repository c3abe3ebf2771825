package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of a PCM16 stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String renders f as "8000Hz/1ch".
func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch", f.SampleRate, f.Channels)
}

func (f Format) normalized() Format {
	if f.Channels <= 0 {
		f.Channels = 1
	}
	return f
}

// FormatConverter rewrites PCM16 frames into Target. Each stream owns its own
// converter; the first conversion and the first misaligned frame are logged
// once per converter.
type FormatConverter struct {
	Target Format

	logConvert sync.Once
	logOdd     sync.Once
}

// Convert returns frame in the target format. Frames already in the target
// format are returned as is. A frame with an odd byte count cannot hold whole
// samples and comes back with no data.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	src := Format{SampleRate: frame.SampleRate, Channels: frame.Channels}.normalized()
	dst := c.Target.normalized()
	out := frame
	out.SampleRate, out.Channels = dst.SampleRate, dst.Channels

	if len(frame.Data)%2 != 0 {
		c.logOdd.Do(func() {
			slog.Warn("audio: dropping frame with odd byte count", "bytes", len(frame.Data), "format", src)
		})
		out.Data = nil
		return out
	}
	if src == dst {
		return frame
	}
	c.logConvert.Do(func() {
		slog.Debug("audio: converting stream", "from", src, "to", dst)
	})

	s := samples(frame.Data)
	if src.Channels == 2 {
		s = downmix(s)
	}
	s = resample(s, src.SampleRate, dst.SampleRate)
	if dst.Channels == 2 {
		s = upmix(s)
	}
	out.Data = pcmBytes(s)
	return out
}

// ConvertPCM is [FormatConverter.Convert] on raw bytes in format from.
func (c *FormatConverter) ConvertPCM(pcm []byte, from Format) []byte {
	return c.Convert(AudioFrame{Data: pcm, SampleRate: from.SampleRate, Channels: from.Channels}).Data
}

func samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[2*i:]))
	}
	return out
}

func pcmBytes(s []int16) []byte {
	out := make([]byte, 2*len(s))
	for i, v := range s {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(v))
	}
	return out
}

// downmix averages interleaved stereo pairs. A trailing half pair is dropped.
func downmix(s []int16) []int16 {
	out := make([]int16, len(s)/2)
	for i := range out {
		out[i] = int16((int32(s[2*i]) + int32(s[2*i+1])) / 2)
	}
	return out
}

// upmix copies each mono sample to both channels.
func upmix(s []int16) []int16 {
	out := make([]int16, 2*len(s))
	for i, v := range s {
		out[2*i], out[2*i+1] = v, v
	}
	return out
}

// resample converts mono samples between rates. Upsampling interpolates
// linearly; downsampling averages the input span behind each output sample,
// which keeps most of the aliasing out of 8 kHz telephony audio.
func resample(in []int16, from, to int) []int16 {
	if from == to || from <= 0 || to <= 0 || len(in) == 0 {
		return in
	}
	out := make([]int16, int64(len(in))*int64(to)/int64(from))
	step := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if step > 1 {
			end := min(int(pos+step), len(in))
			if end <= j {
				end = j + 1
			}
			var sum int64
			for _, v := range in[j:end] {
				sum += int64(v)
			}
			out[i] = int16(sum / int64(end-j))
			continue
		}
		next := in[j]
		if j+1 < len(in) {
			next = in[j+1]
		}
		frac := pos - float64(j)
		out[i] = int16(float64(in[j]) + (float64(next)-float64(in[j]))*frac)
	}
	return out
}
