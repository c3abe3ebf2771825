package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/switchboard/internal/convo"
	"github.com/MrWong99/switchboard/internal/resilience"
	"github.com/MrWong99/switchboard/pkg/provider/llm"
)

// reply is the outcome of one generation.
type reply struct {
	text    string
	endCall bool
	reason  string
}

// generate streams the assistant reply for req and posts it.
func (c *Controller) generate(t *turn, req llm.CompletionRequest) {
	start := time.Now()
	var rep reply
	err := resilience.Retry(t.ctx, c.retryConfig(stageLLM), func(ctx context.Context, _ int) error {
		return guard(ctx, c.breakers.LLM, func() error {
			r, err := c.streamReply(ctx, req)
			c.recordRequest(ctx, stageLLM, err)
			if err != nil {
				return err
			}
			rep = r
			return nil
		})
	})
	if err == nil {
		c.metrics.LLMDuration.Record(t.ctx, time.Since(start).Seconds())
	}
	c.post(generationResult{id: t.id, rep: rep, err: err})
}

// streamReply runs one generation attempt bounded by LLMTimeout. An end_call
// tool invocation stops reading immediately.
func (c *Controller) streamReply(ctx context.Context, req llm.CompletionRequest) (reply, error) {
	actx, cancel := context.WithTimeout(ctx, c.cfg.LLMTimeout)
	defer cancel()

	ch, err := c.p.LLM.StreamCompletion(actx, req)
	if err != nil {
		return reply{}, fmt.Errorf("pipeline: start generation: %w", err)
	}
	// Unblock the provider if we stop reading early.
	defer func() {
		go func() {
			for range ch {
			}
		}()
	}()

	var sb strings.Builder
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				if err := actx.Err(); err != nil {
					return reply{}, fmt.Errorf("pipeline: generation: %w", err)
				}
				return reply{text: sb.String()}, nil
			}
			if chunk.Err != nil || chunk.FinishReason == llm.FinishError {
				err := chunk.Err
				if err == nil {
					err = errors.New("provider reported an error")
				}
				return reply{}, fmt.Errorf("pipeline: generation: %w", err)
			}
			if reason, ok := convo.FindEndCall(chunk.ToolCalls); ok {
				return reply{text: sb.String(), endCall: true, reason: reason}, nil
			}
			sb.WriteString(chunk.Text)
			if chunk.FinishReason != "" {
				return reply{text: sb.String()}, nil
			}
		case <-actx.Done():
			return reply{}, fmt.Errorf("pipeline: generation: %w", actx.Err())
		}
	}
}
