package audio

import "github.com/MrWong99/switchboard/pkg/types"

// AudioFrame aliases [types.AudioFrame] so transports and pipeline stages can
// refer to frames without importing both packages.
type AudioFrame = types.AudioFrame

// Telephony audio constants. Every call leg carries 8 kHz mono G.711 in 20 ms
// frames.
const (
	TelephonySampleRate = 8000
	FrameDuration       = 20 // milliseconds
)

// FrameBytes returns the PCM16 byte length of one [FrameDuration] frame of
// mono audio at sampleRate.
func FrameBytes(sampleRate int) int {
	return sampleRate * FrameDuration / 1000 * 2
}
