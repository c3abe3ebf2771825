// Package elevenlabs streams speech from the ElevenLabs input-streaming
// WebSocket API. Text fragments go out as they arrive and raw PCM comes back
// in base64 chunks.
package elevenlabs

import (
	"cmp"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/MrWong99/switchboard/pkg/provider/tts"
	"github.com/MrWong99/switchboard/pkg/types"
	"github.com/coder/websocket"
)

const (
	DefaultModel        = "eleven_flash_v2_5"
	DefaultOutputFormat = "pcm_16000"

	defaultWSBase   = "wss://api.elevenlabs.io"
	defaultHTTPBase = "https://api.elevenlabs.io"

	defaultStability  = 0.5
	defaultSimilarity = 0.75
)

type settings struct {
	model        string
	outputFormat string
	wsBase       string
	httpBase     string
	client       *http.Client
	stability    float64
	similarity   float64
}

// Option configures a [Provider].
type Option func(*settings)

// WithModel selects the synthesis model, such as "eleven_multilingual_v2".
func WithModel(model string) Option {
	return func(s *settings) { s.model = model }
}

// WithOutputFormat selects a "pcm_<rate>" output format. Encoded formats are
// rejected by [New].
func WithOutputFormat(format string) Option {
	return func(s *settings) { s.outputFormat = format }
}

// WithBaseURLs points the provider at other WebSocket and REST hosts.
func WithBaseURLs(wsBase, httpBase string) Option {
	return func(s *settings) {
		s.wsBase = strings.TrimSuffix(wsBase, "/")
		s.httpBase = strings.TrimSuffix(httpBase, "/")
	}
}

// WithHTTPClient sets the client for REST calls.
func WithHTTPClient(c *http.Client) Option {
	return func(s *settings) { s.client = c }
}

// WithVoiceSettings overrides stability and similarity boost, both in [0,1].
// A zero value keeps the default.
func WithVoiceSettings(stability, similarity float64) Option {
	return func(s *settings) {
		s.stability = cmp.Or(stability, s.stability)
		s.similarity = cmp.Or(similarity, s.similarity)
	}
}

// Provider synthesizes speech with ElevenLabs.
type Provider struct {
	apiKey string
	cfg    settings
	rate   int
}

var _ tts.Provider = (*Provider)(nil)

// New returns a provider for apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: api key is required")
	}
	cfg := settings{
		model:        DefaultModel,
		outputFormat: DefaultOutputFormat,
		wsBase:       defaultWSBase,
		httpBase:     defaultHTTPBase,
		client:       http.DefaultClient,
		stability:    defaultStability,
		similarity:   defaultSimilarity,
	}
	for _, o := range opts {
		o(&cfg)
	}
	rate, err := pcmRate(cfg.outputFormat)
	if err != nil {
		return nil, err
	}
	return &Provider{apiKey: apiKey, cfg: cfg, rate: rate}, nil
}

func (p *Provider) Format() tts.Format {
	return tts.Format{SampleRate: p.rate, Channels: 1}
}

// ─── Wire format ─────────────────────────────────────────────────────────────

// inputMessage is sent for the opening handshake, each text fragment and the
// final flush ({"text":""}).
type inputMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	APIKey        string         `json:"xi_api_key,omitempty"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

type outputMessage struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ─── Streaming ───────────────────────────────────────────────────────────────

// SynthesizeStream dials one socket per utterance. The stream ends when the
// server reports isFinal after the text channel closed.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (*tts.Stream, error) {
	if voice.ID == "" {
		return nil, errors.New("elevenlabs: voice id is required")
	}
	conn, _, err := websocket.Dial(ctx, p.streamURL(voice.ID), nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}

	s := &synthesis{conn: conn, out: tts.NewStream(256)}
	// The first message must carry non-empty text.
	hello := inputMessage{Text: " ", VoiceSettings: p.voiceSettings(voice), APIKey: p.apiKey}
	if err := s.send(ctx, hello); err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return nil, fmt.Errorf("elevenlabs: handshake: %w", err)
	}
	go s.run(ctx, text)
	return s.out, nil
}

type synthesis struct {
	conn *websocket.Conn
	out  *tts.Stream
}

func (s *synthesis) run(ctx context.Context, text <-chan string) {
	defer s.conn.Close(websocket.StatusNormalClosure, "")

	done := make(chan error, 1)
	go func() { done <- s.receive(ctx) }()

	err := s.transmit(ctx, text)
	if err != nil {
		// Stop the reader before closing the stream it writes to.
		s.conn.Close(websocket.StatusInternalError, "write failed")
	}
	if rerr := <-done; err == nil {
		err = rerr
	}
	s.out.Close(err)
}

func (s *synthesis) send(ctx context.Context, msg inputMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// transmit forwards non-blank fragments and flushes once text closes.
// Cancellation is not an error.
func (s *synthesis) transmit(ctx context.Context, text <-chan string) error {
	for {
		var frag string
		var ok bool
		select {
		case frag, ok = <-text:
		case <-ctx.Done():
			return nil
		}
		if !ok {
			if err := s.send(ctx, inputMessage{}); err != nil && ctx.Err() == nil {
				return fmt.Errorf("elevenlabs: flush: %w", err)
			}
			return nil
		}
		if strings.TrimSpace(frag) == "" {
			continue
		}
		// Fragments are concatenated as-is, so each one ends in a space.
		if err := s.send(ctx, inputMessage{Text: strings.TrimRight(frag, " ") + " "}); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("elevenlabs: send text: %w", err)
		}
	}
}

// receive decodes audio until isFinal, a server error or the socket closing.
func (s *synthesis) receive(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("elevenlabs: read: %w", err)
		}
		var msg outputMessage
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		if msg.Error != "" {
			return fmt.Errorf("elevenlabs: %s: %s", msg.Error, msg.Message)
		}
		if msg.Audio != "" {
			pcm, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				return fmt.Errorf("elevenlabs: decode audio: %w", err)
			}
			if !s.out.Send(ctx, pcm) {
				return nil
			}
		}
		if msg.IsFinal {
			return nil
		}
	}
}

func (p *Provider) streamURL(voiceID string) string {
	q := url.Values{"model_id": {p.cfg.model}, "output_format": {p.cfg.outputFormat}}
	return p.cfg.wsBase + "/v1/text-to-speech/" + url.PathEscape(voiceID) + "/stream-input?" + q.Encode()
}

func (p *Provider) voiceSettings(voice types.VoiceProfile) *voiceSettings {
	return &voiceSettings{
		Stability:       p.cfg.stability,
		SimilarityBoost: p.cfg.similarity,
		Speed:           voice.SpeedFactor,
	}
}

// pcmRate returns the sample rate of a "pcm_<rate>" output format.
func pcmRate(format string) (int, error) {
	rate, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return 0, fmt.Errorf("elevenlabs: output format %q is not raw PCM", format)
	}
	n, err := strconv.Atoi(rate)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("elevenlabs: output format %q has no valid sample rate", format)
	}
	return n, nil
}

// ─── Voices ──────────────────────────────────────────────────────────────────

// ListVoices returns the voices available to the API key.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.httpBase+"/v1/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.cfg.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices: status %d", resp.StatusCode)
	}
	voices, err := decodeVoices(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	return voices, nil
}

// decodeVoices reads a /v1/voices body. Labels and a non-empty category end up
// in Metadata.
func decodeVoices(r io.Reader) ([]types.VoiceProfile, error) {
	var body struct {
		Voices []struct {
			ID       string            `json:"voice_id"`
			Name     string            `json:"name"`
			Category string            `json:"category"`
			Labels   map[string]string `json:"labels"`
		} `json:"voices"`
	}
	if err := json.NewDecoder(r).Decode(&body); err != nil {
		return nil, err
	}
	out := make([]types.VoiceProfile, 0, len(body.Voices))
	for _, v := range body.Voices {
		meta := maps.Clone(v.Labels)
		if meta == nil {
			meta = map[string]string{}
		}
		if v.Category != "" {
			meta["category"] = v.Category
		}
		out = append(out, types.VoiceProfile{ID: v.ID, Name: v.Name, Provider: "elevenlabs", Metadata: meta})
	}
	return out, nil
}
