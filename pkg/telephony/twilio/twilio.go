// Package twilio implements [telephony.CallControl] with the Twilio REST API
// (github.com/twilio/twilio-go).
//
// Outbound calls are created with a webhook URL that returns the
// <Connect><Stream> document; Twilio then opens the Media Streams socket
// served by audio/twilio. HangUp moves the call to "completed".
package twilio

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	twiliolib "github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"

	"github.com/MrWong99/switchboard/pkg/telephony"
)

// errCallNotInProgress is Twilio's error code for updating a call that has
// already ended.
const errCallNotInProgress = 21220

// callsAPI is the subset of the Twilio v2010 API used by Controller.
// *twilioApi.ApiService satisfies it.
type callsAPI interface {
	CreateCall(params *twilioApi.CreateCallParams) (*twilioApi.ApiV2010Call, error)
	UpdateCall(sid string, params *twilioApi.UpdateCallParams) (*twilioApi.ApiV2010Call, error)
}

// Config holds the credentials and numbers used for call control.
type Config struct {
	AccountSID string
	AuthToken  string

	// FromNumber is the caller id for outbound calls (E.164).
	FromNumber string

	// WebhookURL is fetched by Twilio when the callee answers. It must return
	// the stream setup document.
	WebhookURL string

	// StatusCallbackURL optionally receives call status updates.
	StatusCallbackURL string
}

// Option is a functional option for configuring the Controller.
type Option func(*Controller)

// withAPI replaces the REST client. Used by tests.
func withAPI(api callsAPI) Option {
	return func(c *Controller) {
		c.api = api
	}
}

// Controller implements [telephony.CallControl] backed by Twilio.
type Controller struct {
	cfg Config
	api callsAPI
}

var _ telephony.CallControl = (*Controller)(nil)

// New creates a Controller. AccountSID, AuthToken, FromNumber and WebhookURL
// are required.
func New(cfg Config, opts ...Option) (*Controller, error) {
	var errs []error
	if cfg.AccountSID == "" {
		errs = append(errs, errors.New("account_sid must not be empty"))
	}
	if cfg.AuthToken == "" {
		errs = append(errs, errors.New("auth_token must not be empty"))
	}
	if cfg.FromNumber == "" {
		errs = append(errs, errors.New("from_number must not be empty"))
	}
	if cfg.WebhookURL == "" {
		errs = append(errs, errors.New("webhook_url must not be empty"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("twilio: %w", err)
	}

	c := &Controller{cfg: cfg}
	for _, o := range opts {
		o(c)
	}
	if c.api == nil {
		rest := twiliolib.NewRestClientWithParams(twiliolib.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		})
		c.api = rest.Api
	}
	return c, nil
}

// PlaceCall implements [telephony.CallControl].
func (c *Controller) PlaceCall(ctx context.Context, to string) (string, error) {
	if !strings.HasPrefix(to, "+") {
		return "", fmt.Errorf("twilio: place call to %q: %w", to, telephony.ErrInvalidNumber)
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("twilio: place call: %w", err)
	}

	params := &twilioApi.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(c.cfg.FromNumber)
	webhook, err := withQuery(c.cfg.WebhookURL, telephony.ParamsFrom(ctx))
	if err != nil {
		return "", fmt.Errorf("twilio: place call: %w", err)
	}
	params.SetUrl(webhook)
	params.SetMethod(http.MethodPost)
	if c.cfg.StatusCallbackURL != "" {
		params.SetStatusCallback(c.cfg.StatusCallbackURL)
	}

	call, err := c.api.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("twilio: create call: %w", err)
	}
	if call == nil || call.Sid == nil || *call.Sid == "" {
		return "", errors.New("twilio: create call: response carried no call sid")
	}
	return *call.Sid, nil
}

// HangUp implements [telephony.CallControl]. A call that is no longer in
// progress counts as already hung up.
func (c *Controller) HangUp(ctx context.Context, callID string) error {
	if callID == "" {
		return errors.New("twilio: hang up: empty call id")
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("twilio: hang up: %w", err)
	}

	params := &twilioApi.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := c.api.UpdateCall(callID, params); err != nil {
		var restErr *twclient.TwilioRestError
		if errors.As(err, &restErr) && restErr.Code == errCallNotInProgress {
			return nil
		}
		return fmt.Errorf("twilio: hang up %s: %w", callID, err)
	}
	return nil
}

// ValidateSignature reports whether signature (the X-Twilio-Signature header)
// matches a webhook request to url with the given form params.
func ValidateSignature(authToken, url string, params map[string]string, signature string) bool {
	rv := twclient.NewRequestValidator(authToken)
	return rv.Validate(url, params, signature)
}

// withQuery appends params to raw as query values.
func withQuery(raw string, params map[string]string) (string, error) {
	if len(params) == 0 {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("webhook url: %w", err)
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// StreamTwiML renders the <Connect><Stream> document that points Twilio at
// the Media Streams socket at streamURL. params become <Parameter> elements
// and show up in the stream's start event.
func StreamTwiML(streamURL string, params map[string]string) (string, error) {
	if !strings.HasPrefix(streamURL, "wss://") && !strings.HasPrefix(streamURL, "ws://") {
		return "", fmt.Errorf("twilio: stream twiml: url %q is not a websocket url", streamURL)
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	inner := make([]twiml.Element, 0, len(keys))
	for _, k := range keys {
		inner = append(inner, &twiml.VoiceParameter{Name: k, Value: params[k]})
	}
	connect := &twiml.VoiceConnect{
		InnerElements: []twiml.Element{
			&twiml.VoiceStream{Url: streamURL, InnerElements: inner},
		},
	}
	doc, err := twiml.Voice([]twiml.Element{connect})
	if err != nil {
		return "", fmt.Errorf("twilio: stream twiml: %w", err)
	}
	return doc, nil
}
