package pipeline

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	if c.SilenceDuration != 700*time.Millisecond {
		t.Errorf("SilenceDuration = %v, want 700ms", c.SilenceDuration)
	}
	if c.BargeInMinSpeech != 200*time.Millisecond {
		t.Errorf("BargeInMinSpeech = %v, want 200ms", c.BargeInMinSpeech)
	}
	if c.QueueSize != 64 {
		t.Errorf("QueueSize = %d, want 64", c.QueueSize)
	}
	if c.VAD.SampleRate != 8000 || c.VAD.FrameSizeMs != 20 {
		t.Errorf("VAD = %+v, want 8000 Hz / 20ms", c.VAD)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestConfig_NegativeBargeInMeansImmediate(t *testing.T) {
	c := Config{BargeInMinSpeech: -1}
	c.applyDefaults()
	if c.BargeInMinSpeech != 0 {
		t.Errorf("BargeInMinSpeech = %v, want 0", c.BargeInMinSpeech)
	}
}

func TestConfig_STTQueueCoversStreamOpen(t *testing.T) {
	tests := []struct {
		name  string
		queue int
		stt   time.Duration
		want  int
	}{
		{"timeout dominates", 64, 10 * time.Second, 500},
		{"queue dominates", 64, time.Second, 64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Config{QueueSize: tt.queue, STTTimeout: tt.stt}
			if got := c.sttQueueSize(); got != tt.want {
				t.Errorf("sttQueueSize() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"silence below one frame", func(c *Config) { c.SilenceDuration = 5 * time.Millisecond }},
		{"utterance shorter than silence", func(c *Config) { c.MaxUtterance = c.SilenceDuration }},
		{"vad threshold", func(c *Config) { c.VAD.SpeechThreshold = 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Error("Validate succeeded, want error")
			}
		})
	}
}
