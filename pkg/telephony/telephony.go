// Package telephony defines the call-control boundary: placing outbound calls
// and hanging up live ones. Media for a placed call arrives separately over an
// [audio.Transport]; this package only issues signaling commands.
package telephony

import (
	"context"
	"errors"
)

// ErrInvalidNumber is returned by PlaceCall when the destination is not a
// dialable number.
var ErrInvalidNumber = errors.New("telephony: invalid destination number")

// CallControl issues signaling commands to the telephony provider.
//
// Implementations must be safe for concurrent use.
type CallControl interface {
	// PlaceCall dials to and returns the provider's call identifier. The
	// provider later connects the call's media stream to this service.
	PlaceCall(ctx context.Context, to string) (callID string, err error)

	// HangUp terminates the call. Hanging up a call that has already ended is
	// not an error.
	HangUp(ctx context.Context, callID string) error
}

type paramsKey struct{}

// WithParams attaches custom stream parameters to ctx. Implementations of
// PlaceCall forward them to the media stream of the placed call, where they
// arrive as [audio.StreamInfo] Params.
func WithParams(ctx context.Context, params map[string]string) context.Context {
	if len(params) == 0 {
		return ctx
	}
	return context.WithValue(ctx, paramsKey{}, params)
}

// ParamsFrom returns the parameters attached by [WithParams], or nil.
func ParamsFrom(ctx context.Context) map[string]string {
	p, _ := ctx.Value(paramsKey{}).(map[string]string)
	return p
}
