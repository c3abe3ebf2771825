// Package mock provides a test double for [telephony.CallControl].
package mock

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/MrWong99/switchboard/pkg/telephony"
)

// CallControl is a mock implementation of [telephony.CallControl].
type CallControl struct {
	mu sync.Mutex

	// PlaceCallResult is returned by PlaceCall. When empty a random
	// "CA"-prefixed id is generated.
	PlaceCallResult string

	// PlaceCallErr, if non-nil, is returned by PlaceCall.
	PlaceCallErr error

	// HangUpErr, if non-nil, is returned by HangUp.
	HangUpErr error

	// PlaceCallCalls records every destination passed to PlaceCall.
	PlaceCallCalls []string

	// PlaceCallParams records the [telephony.WithParams] values of every
	// PlaceCall, in the same order as PlaceCallCalls.
	PlaceCallParams []map[string]string

	// HangUpCalls records every call id passed to HangUp.
	HangUpCalls []string

	hungUp chan struct{}
}

// PlaceCall implements [telephony.CallControl].
func (c *CallControl) PlaceCall(ctx context.Context, to string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.PlaceCallCalls = append(c.PlaceCallCalls, to)
	c.PlaceCallParams = append(c.PlaceCallParams, telephony.ParamsFrom(ctx))
	if c.PlaceCallErr != nil {
		return "", c.PlaceCallErr
	}
	if c.PlaceCallResult != "" {
		return c.PlaceCallResult, nil
	}
	return "CA" + uuid.NewString(), nil
}

// HangUp implements [telephony.CallControl].
func (c *CallControl) HangUp(_ context.Context, callID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.HangUpCalls = append(c.HangUpCalls, callID)
	if c.hungUp == nil {
		c.hungUp = make(chan struct{})
	}
	select {
	case <-c.hungUp:
	default:
		close(c.hungUp)
	}
	return c.HangUpErr
}

// HungUp returns a channel that is closed by the first HangUp call.
func (c *CallControl) HungUp() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hungUp == nil {
		c.hungUp = make(chan struct{})
	}
	return c.hungUp
}

// HangUpCount returns the number of HangUp calls. Thread-safe.
func (c *CallControl) HangUpCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.HangUpCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (c *CallControl) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.PlaceCallCalls = nil
	c.PlaceCallParams = nil
	c.HangUpCalls = nil
	c.hungUp = nil
}

// Ensure CallControl implements telephony.CallControl at compile time.
var _ telephony.CallControl = (*CallControl)(nil)
