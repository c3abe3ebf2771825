package vad

import "github.com/MrWong99/switchboard/pkg/types"

// VADEvent is the per-frame detection result. It aliases [types.VADEvent] so
// callers do not need to import both packages.
type VADEvent = types.VADEvent

// VADEventType enumerates detection states.
type VADEventType = types.VADEventType

// Classify reduces a detection result to speech (true) or silence (false).
func Classify(ev VADEvent) bool {
	return ev.IsSpeech()
}
