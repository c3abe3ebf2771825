// Package deepgram streams call audio to Deepgram's live transcription
// WebSocket and implements [stt.Provider].
package deepgram

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/switchboard/pkg/provider/stt"
	"github.com/MrWong99/switchboard/pkg/types"
)

// Defaults target narrowband phone audio.
const (
	DefaultEndpoint   = "wss://api.deepgram.com/v1/listen"
	DefaultModel      = "nova-3-phonecall"
	DefaultLanguage   = "en-US"
	DefaultSampleRate = 8000

	// Deepgram drops sockets that see no data for about ten seconds.
	defaultKeepAlive = 8 * time.Second
)

var (
	msgCloseStream = []byte(`{"type":"CloseStream"}`)
	msgKeepAlive   = []byte(`{"type":"KeepAlive"}`)
)

type settings struct {
	endpoint    string
	model       string
	language    string
	sampleRate  int
	endpointing time.Duration
	smartFormat bool
	keepAlive   time.Duration
}

// Option configures a [Provider].
type Option func(*settings)

// WithModel selects the recognition model, such as "nova-3" or
// "nova-2-phonecall".
func WithModel(model string) Option { return func(s *settings) { s.model = model } }

// WithLanguage sets the default BCP-47 language. A language in the stream
// config wins.
func WithLanguage(lang string) Option { return func(s *settings) { s.language = lang } }

// WithSampleRate sets the rate assumed when the stream config leaves it zero.
func WithSampleRate(hz int) Option { return func(s *settings) { s.sampleRate = hz } }

// WithEndpoint points the provider at another listen URL, for self-hosted
// deployments.
func WithEndpoint(u string) Option { return func(s *settings) { s.endpoint = u } }

// WithEndpointing sets how much trailing silence Deepgram waits for before it
// finalises a segment. Zero keeps the server default.
func WithEndpointing(d time.Duration) Option { return func(s *settings) { s.endpointing = d } }

// WithSmartFormat asks Deepgram to format numbers, dates and currency.
func WithSmartFormat(on bool) Option { return func(s *settings) { s.smartFormat = on } }

// WithKeepAlive sets how often an idle stream sends a KeepAlive message.
// Zero or negative disables it.
func WithKeepAlive(d time.Duration) Option { return func(s *settings) { s.keepAlive = d } }

// Provider opens Deepgram live transcription streams.
type Provider struct {
	apiKey string
	cfg    settings
}

var _ stt.Provider = (*Provider)(nil)

// New returns a Provider authenticated with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: api key is required")
	}
	p := &Provider{apiKey: apiKey, cfg: settings{
		endpoint:   DefaultEndpoint,
		model:      DefaultModel,
		language:   DefaultLanguage,
		sampleRate: DefaultSampleRate,
		keepAlive:  defaultKeepAlive,
	}}
	for _, o := range opts {
		o(&p.cfg)
	}
	return p, nil
}

// StartStream implements [stt.Provider]. The stream outlives ctx once dialled;
// Close ends it.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	target, err := p.listenURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: listen url: %w", err)
	}
	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Token " + p.apiKey}},
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &stream{
		conn:      conn,
		cancel:    cancel,
		keepAlive: p.cfg.keepAlive,
		audio:     make(chan []byte, 256),
		partials:  make(chan types.Transcript, 64),
		finals:    make(chan types.Transcript, 64),
		finishing:  make(chan struct{}),
		closed:     make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	s.wg.Add(2)
	go s.send(runCtx)
	go s.receive(runCtx)
	return s, nil
}

func (p *Provider) listenURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.cfg.endpoint)
	if err != nil {
		return "", err
	}
	lang := cmp.Or(cfg.Language, p.cfg.language)
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = p.cfg.sampleRate
	}

	q := u.Query()
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(rate))
	q.Set("model", p.cfg.model)
	q.Set("language", lang)
	q.Set("interim_results", "true")
	q.Set("punctuate", "true")
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	if p.cfg.endpointing > 0 {
		q.Set("endpointing", strconv.FormatInt(p.cfg.endpointing.Milliseconds(), 10))
	}
	if p.cfg.smartFormat {
		q.Set("smart_format", "true")
	}
	for _, kw := range cfg.Keywords {
		q.Add("keywords", kw.Keyword+":"+strconv.FormatFloat(kw.Boost, 'g', -1, 64))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ─── Stream ──────────────────────────────────────────────────────────────────

// errWriterStopped is returned by SendAudio once a socket write has failed.
var errWriterStopped = errors.New("deepgram: audio writer stopped")

type stream struct {
	conn      *websocket.Conn
	cancel    context.CancelFunc
	keepAlive time.Duration

	audio    chan []byte
	partials chan types.Transcript
	finals   chan types.Transcript

	// finishing stops input; the socket stays open for the last results.
	finishing  chan struct{}
	finishOnce sync.Once
	// closed aborts everything.
	closed    chan struct{}
	closeOnce sync.Once
	// writerDone is closed when send exits, after which queued audio is
	// never written.
	writerDone chan struct{}
	wg         sync.WaitGroup
}

func (s *stream) SendAudio(chunk []byte) error {
	select {
	case <-s.finishing:
		return stt.ErrSessionClosed
	case <-s.closed:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.finishing:
		return stt.ErrSessionClosed
	case <-s.closed:
		return stt.ErrSessionClosed
	case <-s.writerDone:
		return errWriterStopped
	}
}

func (s *stream) Partials() <-chan types.Transcript { return s.partials }
func (s *stream) Finals() <-chan types.Transcript   { return s.finals }

// SetKeywords is not available on a live Deepgram stream.
func (s *stream) SetKeywords([]types.KeywordBoost) error {
	return fmt.Errorf("deepgram: set keywords: %w", stt.ErrNotSupported)
}

// Finish flushes queued audio and sends CloseStream. Deepgram then delivers
// its last results and closes the socket, which closes Finals.
func (s *stream) Finish() error {
	s.finishOnce.Do(func() { close(s.finishing) })
	return nil
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "")
	})
	return nil
}

// send writes queued audio, keeps an idle socket alive and sends CloseStream
// once Finish has been called and the queue is empty.
func (s *stream) send(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.writerDone)

	var tick <-chan time.Time
	if s.keepAlive > 0 {
		t := time.NewTicker(s.keepAlive)
		defer t.Stop()
		tick = t.C
	}
	write := func(typ websocket.MessageType, b []byte) bool {
		return s.conn.Write(ctx, typ, b) == nil
	}

	for {
		select {
		case <-s.closed:
			return
		case chunk := <-s.audio:
			if !write(websocket.MessageBinary, chunk) {
				return
			}
		case <-tick:
			if !write(websocket.MessageText, msgKeepAlive) {
				return
			}
		case <-s.finishing:
			for {
				select {
				case chunk := <-s.audio:
					if !write(websocket.MessageBinary, chunk) {
						return
					}
				default:
					write(websocket.MessageText, msgCloseStream)
					return
				}
			}
		}
	}
}

// receive decodes results until the socket closes.
func (s *stream) receive(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.finals)
	defer close(s.partials)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		tr, ok := decodeResult(msg)
		if !ok {
			continue
		}
		out := s.partials
		if tr.IsFinal {
			out = s.finals
		}
		select {
		case out <- tr:
		case <-s.closed:
			return
		}
	}
}

// ─── Wire format ─────────────────────────────────────────────────────────────

type word struct {
	Word       string  `json:"word"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

type alternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
	Words      []word  `json:"words"`
}

type result struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []alternative `json:"alternatives"`
	} `json:"channel"`
}

// decodeResult turns a Results message into a transcript. Metadata,
// SpeechStarted, UtteranceEnd and malformed messages report false.
func decodeResult(msg []byte) (types.Transcript, bool) {
	var r result
	if json.Unmarshal(msg, &r) != nil || r.Type != "Results" || len(r.Channel.Alternatives) == 0 {
		return types.Transcript{}, false
	}
	best := r.Channel.Alternatives[0]
	tr := types.Transcript{
		Text:       best.Transcript,
		IsFinal:    r.IsFinal,
		Confidence: best.Confidence,
		Timestamp:  secs(r.Start),
		Duration:   secs(r.Duration),
		Words:      make([]types.WordDetail, len(best.Words)),
	}
	for i, w := range best.Words {
		tr.Words[i] = types.WordDetail{Word: w.Word, Start: secs(w.Start), End: secs(w.End), Confidence: w.Confidence}
	}
	return tr, true
}

func secs(f float64) time.Duration { return time.Duration(f * float64(time.Second)) }
