package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/switchboard/internal/resilience"
	"github.com/MrWong99/switchboard/internal/transcript"
	"github.com/MrWong99/switchboard/pkg/audio"
	"github.com/MrWong99/switchboard/pkg/provider/stt"
	"github.com/MrWong99/switchboard/pkg/types"
)

// vocabularyBoost is the keyword boost sent for vocabulary terms.
const vocabularyBoost = 2

// errFinalTimeout is reported when the STT provider does not deliver its
// final transcripts within STTTimeout after the utterance ended.
var errFinalTimeout = errors.New("pipeline: timed out waiting for final transcript")

// transcribe streams the utterance audio to the STT provider and posts the
// joined final transcript after vocabulary correction. The utterance is
// cancelled on return so the control loop stops queueing frames for it.
func (c *Controller) transcribe(ctx context.Context, u *utterance) {
	text, err := c.runTranscription(ctx, u)
	u.cancel()
	if err == nil && c.corrector != nil {
		text = c.correct(text)
	}
	c.post(transcriptResult{id: u.id, text: text, err: err})
}

func (c *Controller) correct(text string) string {
	res := c.corrector.Correct(text, c.vocabulary)
	for _, fix := range res.Corrections {
		c.log.Debug("transcript corrected",
			"original", fix.Original,
			"corrected", fix.Corrected,
			"confidence", fix.Confidence,
		)
	}
	return res.Text
}

// keywords returns the STT hints for the vocabulary.
func (c *Controller) keywords() []types.KeywordBoost {
	words := transcript.Keywords(c.vocabulary)
	if len(words) == 0 {
		return nil
	}
	out := make([]types.KeywordBoost, len(words))
	for i, w := range words {
		out[i] = types.KeywordBoost{Keyword: w, Boost: vocabularyBoost}
	}
	return out
}

func (c *Controller) runTranscription(ctx context.Context, u *utterance) (string, error) {
	var handle stt.SessionHandle
	err := resilience.Retry(ctx, c.retryConfig(stageSTT), func(ctx context.Context, _ int) error {
		sctx, cancel := context.WithTimeout(ctx, c.cfg.STTTimeout)
		defer cancel()
		return guard(ctx, c.breakers.STT, func() error {
			h, err := c.p.STT.StartStream(sctx, stt.StreamConfig{
				SampleRate: c.cfg.STTSampleRate,
				Channels:   1,
				Language:   c.cfg.Language,
				Keywords:   c.keywords(),
			})
			c.recordRequest(ctx, stageSTT, err)
			if err != nil {
				if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
					return fmt.Errorf("stt start timed out after %s: %w", c.cfg.STTTimeout, err)
				}
				return err
			}
			handle = h
			return nil
		})
	})
	if err != nil {
		return "", fmt.Errorf("pipeline: start transcription: %w", err)
	}
	defer func() { _ = handle.Close() }()

	collected := make(chan string, 1)
	go func() { collected <- collectFinals(ctx, handle) }()

	conv := &audio.FormatConverter{Target: audio.Format{SampleRate: c.cfg.STTSampleRate, Channels: 1}}
	src := audio.Format{SampleRate: audio.TelephonySampleRate, Channels: 1}
feed:
	for {
		select {
		case pcm, ok := <-u.audio:
			if !ok {
				break feed
			}
			if err := handle.SendAudio(conv.ConvertPCM(pcm, src)); err != nil {
				return "", fmt.Errorf("pipeline: send audio: %w", err)
			}
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	finished := time.Now()
	if err := handle.Finish(); err != nil {
		return "", fmt.Errorf("pipeline: finish transcription: %w", err)
	}
	timer := time.NewTimer(c.cfg.STTTimeout)
	defer timer.Stop()
	select {
	case text := <-collected:
		c.metrics.STTDuration.Record(ctx, time.Since(finished).Seconds())
		return text, nil
	case <-timer.C:
		return "", errFinalTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// collectFinals reads final transcripts until the session closes them and
// joins the non-empty ones. Partials are drained and ignored.
func collectFinals(ctx context.Context, h stt.SessionHandle) string {
	var parts []string
	finals, partials := h.Finals(), h.Partials()
	for finals != nil {
		select {
		case tr, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			if t := strings.TrimSpace(tr.Text); t != "" {
				parts = append(parts, t)
			}
		case _, ok := <-partials:
			if !ok {
				partials = nil
			}
		case <-ctx.Done():
			finals = nil
		}
	}
	return strings.Join(parts, " ")
}
