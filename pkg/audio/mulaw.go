package audio

// G.711 mu-law constants.
const (
	mulawBias = 0x84
	mulawClip = 32635
)

// mulawTable maps each mu-law byte to its linear PCM16 value.
var mulawTable = func() [256]int16 {
	var t [256]int16
	for i := range t {
		u := ^byte(i)
		sign := u & 0x80
		exponent := (u >> 4) & 0x07
		mantissa := u & 0x0F
		sample := ((int32(mantissa) << 3) + mulawBias) << exponent
		sample -= mulawBias
		if sign != 0 {
			sample = -sample
		}
		t[i] = int16(sample)
	}
	return t
}()

// MulawDecode expands G.711 mu-law bytes into 16-bit little-endian PCM. The
// output is twice the length of the input.
func MulawDecode(ulaw []byte) []byte {
	out := make([]byte, len(ulaw)*2)
	for i, b := range ulaw {
		s := mulawTable[b]
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// MulawEncode compresses 16-bit little-endian PCM into G.711 mu-law. A trailing
// odd byte is ignored.
func MulawEncode(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := range out {
		out[i] = linearToMulaw(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
	}
	return out
}

func linearToMulaw(s int16) byte {
	sample := int32(s)
	var sign byte
	if sample < 0 {
		sign = 0x80
		sample = -sample
	}
	if sample > mulawClip {
		sample = mulawClip
	}
	sample += mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); sample&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte(sample>>(exponent+3)) & 0x0F
	return ^(sign | exponent<<4 | mantissa)
}
