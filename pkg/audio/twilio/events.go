package twilio

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrMalformedEvent is wrapped by every [DecodeEvent] failure. Transports log
// and skip such messages.
var ErrMalformedEvent = errors.New("twilio: malformed event")

// Event is one decoded Media Streams control message. The set of variants is
// closed: [StartEvent], [MediaEvent], [StopEvent] and [UnknownEvent].
type Event interface {
	// Name returns the wire event name.
	Name() string

	isEvent()
}

// StartEvent announces the call and stream identifiers. It precedes all media.
type StartEvent struct {
	StreamSID        string
	CallSID          string
	AccountSID       string
	Tracks           []string
	Encoding         string
	SampleRate       int
	Channels         int
	CustomParameters map[string]string
}

// MediaEvent carries one chunk of G.711 mu-law audio.
type MediaEvent struct {
	StreamSID string
	Track     string
	Chunk     int

	// Timestamp is the chunk position relative to stream start.
	Timestamp time.Duration

	// Payload is the raw mu-law audio, already base64-decoded.
	Payload []byte
}

// StopEvent signals that the stream has ended.
type StopEvent struct {
	StreamSID string
	CallSID   string
}

// UnknownEvent is any other event (connected, mark, dtmf, ...). It is a no-op.
type UnknownEvent struct {
	Event string
}

func (StartEvent) Name() string     { return "start" }
func (MediaEvent) Name() string     { return "media" }
func (StopEvent) Name() string      { return "stop" }
func (e UnknownEvent) Name() string { return e.Event }

func (StartEvent) isEvent()   {}
func (MediaEvent) isEvent()   {}
func (StopEvent) isEvent()    {}
func (UnknownEvent) isEvent() {}

// ─── Wire format ──────────────────────────────────────────────────────────────

type inboundMessage struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Start     *struct {
		StreamSID   string   `json:"streamSid"`
		CallSID     string   `json:"callSid"`
		AccountSID  string   `json:"accountSid"`
		Tracks      []string `json:"tracks"`
		MediaFormat struct {
			Encoding   string `json:"encoding"`
			SampleRate int    `json:"sampleRate"`
			Channels   int    `json:"channels"`
		} `json:"mediaFormat"`
		CustomParameters map[string]string `json:"customParameters"`
	} `json:"start"`
	Media *struct {
		Track     string `json:"track"`
		Chunk     string `json:"chunk"`
		Timestamp string `json:"timestamp"`
		Payload   string `json:"payload"`
	} `json:"media"`
	Stop *struct {
		CallSID string `json:"callSid"`
	} `json:"stop"`
}

type outboundMedia struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

type outboundClear struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

// DecodeEvent parses one Media Streams JSON message. Errors wrap
// [ErrMalformedEvent].
func DecodeEvent(data []byte) (Event, error) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}

	switch msg.Event {
	case "start":
		if msg.Start == nil {
			return nil, fmt.Errorf("%w: start without body", ErrMalformedEvent)
		}
		ev := StartEvent{
			StreamSID:        msg.Start.StreamSID,
			CallSID:          msg.Start.CallSID,
			AccountSID:       msg.Start.AccountSID,
			Tracks:           msg.Start.Tracks,
			Encoding:         msg.Start.MediaFormat.Encoding,
			SampleRate:       msg.Start.MediaFormat.SampleRate,
			Channels:         msg.Start.MediaFormat.Channels,
			CustomParameters: msg.Start.CustomParameters,
		}
		if ev.StreamSID == "" {
			ev.StreamSID = msg.StreamSID
		}
		if ev.StreamSID == "" || ev.CallSID == "" {
			return nil, fmt.Errorf("%w: start missing callSid or streamSid", ErrMalformedEvent)
		}
		return ev, nil

	case "media":
		if msg.Media == nil {
			return nil, fmt.Errorf("%w: media without body", ErrMalformedEvent)
		}
		payload, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: media payload: %w", ErrMalformedEvent, err)
		}
		ev := MediaEvent{
			StreamSID: msg.StreamSID,
			Track:     msg.Media.Track,
			Payload:   payload,
		}
		if n, err := strconv.Atoi(msg.Media.Chunk); err == nil {
			ev.Chunk = n
		}
		if ms, err := strconv.ParseInt(msg.Media.Timestamp, 10, 64); err == nil {
			ev.Timestamp = time.Duration(ms) * time.Millisecond
		}
		return ev, nil

	case "stop":
		ev := StopEvent{StreamSID: msg.StreamSID}
		if msg.Stop != nil {
			ev.CallSID = msg.Stop.CallSID
		}
		return ev, nil

	case "":
		return nil, fmt.Errorf("%w: missing event name", ErrMalformedEvent)

	default:
		return UnknownEvent{Event: msg.Event}, nil
	}
}

func encodeMedia(streamSID string, ulaw []byte) ([]byte, error) {
	msg := outboundMedia{Event: "media", StreamSID: streamSID}
	msg.Media.Payload = base64.StdEncoding.EncodeToString(ulaw)
	return json.Marshal(msg)
}

func encodeClear(streamSID string) ([]byte, error) {
	return json.Marshal(outboundClear{Event: "clear", StreamSID: streamSID})
}
