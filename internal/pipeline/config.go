package pipeline

import (
	"errors"
	"time"

	"github.com/MrWong99/switchboard/pkg/audio"
	"github.com/MrWong99/switchboard/pkg/provider/vad"
)

// Config holds the timing and resource knobs of a [Controller]. Zero values
// are replaced by the defaults listed on each field.
type Config struct {
	// SilenceDuration is the trailing silence that ends a caller utterance.
	// Default: 700ms.
	SilenceDuration time.Duration

	// BargeInMinSpeech is how long the caller must speak over the agent before
	// the agent's turn is cancelled. Default: 200ms.
	BargeInMinSpeech time.Duration

	// MaxUtterance caps a single caller utterance. Default: 30s.
	MaxUtterance time.Duration

	// STTTimeout bounds opening an STT stream and the wait for final
	// transcripts after an utterance ends. Default: 10s.
	STTTimeout time.Duration

	// LLMTimeout bounds one generation attempt. Default: 20s.
	LLMTimeout time.Duration

	// TTSTimeout bounds one synthesis attempt. Default: 20s.
	TTSTimeout time.Duration

	// QueueSize is the capacity of the inbound frame queue, the STT audio
	// queue and the TTS text queue. Default: 64.
	QueueSize int

	// CancelGrace is how long teardown waits for cancelled stages to exit.
	// Default: 500ms.
	CancelGrace time.Duration

	// MaxRetries is the per-turn retry budget of each provider stage, counted
	// after the first attempt. Default: 3. Negative disables retries.
	MaxRetries int

	// MaxFailedTurns consecutive failed turns end the call. Default: 3.
	MaxFailedTurns int

	// STTSampleRate is the PCM rate sent to the STT provider. Caller audio is
	// resampled from the 8 kHz telephony rate. Default: 16000.
	STTSampleRate int

	// Language is the BCP-47 recognition language. Empty lets the provider
	// choose.
	Language string

	// VAD configures the per-call voice activity detector. SampleRate and
	// FrameSizeMs default to the telephony format.
	VAD vad.Config
}

// DefaultConfig returns a Config with every default filled in.
func DefaultConfig() Config {
	var c Config
	c.applyDefaults()
	return c
}

// WithDefaults returns a copy of c with zero fields replaced by defaults.
func (c Config) WithDefaults() Config {
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.SilenceDuration <= 0 {
		c.SilenceDuration = 700 * time.Millisecond
	}
	if c.BargeInMinSpeech < 0 {
		c.BargeInMinSpeech = 0
	} else if c.BargeInMinSpeech == 0 {
		c.BargeInMinSpeech = 200 * time.Millisecond
	}
	if c.MaxUtterance <= 0 {
		c.MaxUtterance = 30 * time.Second
	}
	if c.STTTimeout <= 0 {
		c.STTTimeout = 10 * time.Second
	}
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = 20 * time.Second
	}
	if c.TTSTimeout <= 0 {
		c.TTSTimeout = 20 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 500 * time.Millisecond
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.MaxFailedTurns <= 0 {
		c.MaxFailedTurns = 3
	}
	if c.STTSampleRate <= 0 {
		c.STTSampleRate = 16000
	}
	if c.VAD.SampleRate == 0 {
		c.VAD.SampleRate = audio.TelephonySampleRate
	}
	if c.VAD.FrameSizeMs == 0 {
		c.VAD.FrameSizeMs = audio.FrameDuration
	}
	if c.VAD.SpeechThreshold == 0 {
		c.VAD.SpeechThreshold = 0.1
	}
	if c.VAD.SilenceThreshold == 0 {
		c.VAD.SilenceThreshold = c.VAD.SpeechThreshold / 2
	}
}

// sttQueueSize is the STT audio queue capacity. It holds at least one
// STTTimeout of frames, so a slow stream open loses no audio.
func (c Config) sttQueueSize() int {
	return max(c.QueueSize, int(c.STTTimeout/(audio.FrameDuration*time.Millisecond)))
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	var errs []error
	if c.SilenceDuration < 20*time.Millisecond {
		errs = append(errs, errors.New("pipeline: silence duration must be at least one frame (20ms)"))
	}
	if c.MaxUtterance <= c.SilenceDuration {
		errs = append(errs, errors.New("pipeline: max utterance must exceed silence duration"))
	}
	if err := c.VAD.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
