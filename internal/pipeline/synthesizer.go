package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/switchboard/internal/resilience"
	"github.com/MrWong99/switchboard/pkg/audio"
)

// synthesize speaks text for t and posts the result. Once any audio of the
// turn has reached the caller the attempt is not retried.
func (c *Controller) synthesize(t *turn, text string) {
	start := time.Now()
	sentences := splitSentences(text)
	emitted := false
	err := resilience.Retry(t.ctx, c.retryConfig(stageTTS), func(ctx context.Context, _ int) error {
		err := guard(ctx, c.breakers.TTS, func() error {
			err := c.speakOnce(ctx, t, sentences, &emitted)
			c.recordRequest(ctx, stageTTS, err)
			return err
		})
		if err != nil && (emitted || errors.Is(err, audio.ErrTransportClosed) || errors.Is(err, errGateClosed)) {
			return resilience.Permanent(err)
		}
		return err
	})
	if err == nil {
		c.metrics.TTSDuration.Record(t.ctx, time.Since(start).Seconds())
	}
	c.post(synthesisResult{id: t.id, err: err})
}

// speakOnce runs one synthesis attempt bounded by TTSTimeout. Provider PCM is
// converted to 8 kHz mono and cut into 20ms frames for the transport.
func (c *Controller) speakOnce(ctx context.Context, t *turn, sentences []string, emitted *bool) error {
	actx, cancel := context.WithTimeout(ctx, c.cfg.TTSTimeout)
	defer cancel()

	text := make(chan string, c.cfg.QueueSize)
	stream, err := c.p.TTS.SynthesizeStream(actx, text, c.voice)
	if err != nil {
		close(text)
		return fmt.Errorf("pipeline: start synthesis: %w", err)
	}
	// The provider closes Audio once actx is cancelled.
	defer func() {
		cancel()
		for range stream.Audio() {
		}
	}()
	go func() {
		defer close(text)
		for _, s := range sentences {
			select {
			case text <- s:
			case <-actx.Done():
				return
			}
		}
	}()

	format := c.p.TTS.Format()
	src := audio.Format{SampleRate: format.SampleRate, Channels: format.Channels}
	if src.Channels == 0 {
		src.Channels = 1
	}
	conv := &audio.FormatConverter{Target: audio.Format{SampleRate: audio.TelephonySampleRate, Channels: 1}}
	framer := audio.NewFramer(audio.FrameBytes(audio.TelephonySampleRate))

	send := func(pcm []byte) error {
		first, err := c.gate.send(actx, t.id, pcm, t.tag)
		if err != nil {
			return err
		}
		*emitted = true
		if first && !t.heardAt.IsZero() {
			c.metrics.FirstAudioLatency.Record(ctx, time.Since(t.heardAt).Seconds())
		}
		return nil
	}

	for pcm := range stream.Audio() {
		for _, f := range framer.Write(conv.ConvertPCM(pcm, src)) {
			if err := send(f); err != nil {
				return err
			}
		}
	}
	if err := actx.Err(); err != nil {
		return fmt.Errorf("pipeline: synthesis: %w", err)
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("pipeline: synthesis: %w", err)
	}
	if rest := framer.Flush(); len(rest) > 0 {
		return send(rest)
	}
	return nil
}
