package stt

import "github.com/MrWong99/switchboard/pkg/types"

// Transcript is a partial or final recognition result.
type Transcript = types.Transcript

// WordDetail holds per-word timing and confidence.
type WordDetail = types.WordDetail

// KeywordBoost is a recognition hint.
type KeywordBoost = types.KeywordBoost
