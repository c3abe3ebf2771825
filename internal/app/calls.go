package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/switchboard/internal/agent"
	"github.com/MrWong99/switchboard/internal/observe"
	"github.com/MrWong99/switchboard/internal/pipeline"
	"github.com/MrWong99/switchboard/internal/session"
	"github.com/MrWong99/switchboard/pkg/audio"
	mediastream "github.com/MrWong99/switchboard/pkg/audio/twilio"
	"github.com/MrWong99/switchboard/pkg/telephony"
	twiliocall "github.com/MrWong99/switchboard/pkg/telephony/twilio"
)

const (
	// streamPath is where Twilio opens the Media Streams socket.
	streamPath = "/ws/stream"

	// agentParam names the persona in webhook queries and stream parameters.
	agentParam = "agent"

	// startTimeout bounds the wait for the start event after the upgrade.
	startTimeout = 10 * time.Second

	maxRequestBody = 64 << 10
)

// e164 matches international numbers: a plus sign and up to 15 digits.
var e164 = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// ErrDraining is returned for calls that arrive after Shutdown has started.
var ErrDraining = errors.New("app: server is draining")

// routes registers every endpoint on a fresh mux.
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+streamPath, a.handleStream)
	mux.HandleFunc("POST /call", a.handlePlaceCall)
	mux.HandleFunc("POST /twiml", a.handleTwiML)
	mux.Handle("GET /metrics", promhttp.Handler())
	a.health.Register(mux)
	return observe.Middleware(a.metrics)(mux)
}

// ─── Media stream ────────────────────────────────────────────────────────────

// handleStream upgrades to a Media Streams socket, waits for the start event
// and runs the call until it ends.
func (a *App) handleStream(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())
	tr, err := mediastream.Accept(w, r,
		mediastream.WithLogger(log),
		mediastream.WithOriginPatterns(a.cfg.Server.AllowedOrigins...),
	)
	if err != nil {
		log.Warn("app: media stream upgrade failed", "err", err)
		return
	}

	startCtx, cancel := context.WithTimeout(r.Context(), startTimeout)
	info, err := tr.AwaitStart(startCtx)
	cancel()
	if err != nil {
		log.Warn("app: media stream ended before start", "err", err)
		_ = tr.Close()
		return
	}

	if err := a.ServeCall(r.Context(), info, tr); err != nil {
		log.Warn("app: call ended with error", "call_id", info.CallID, "err", err)
	}
}

// ServeCall runs one call on an already started transport and blocks until
// the call is torn down. The persona is taken from the "agent" stream
// parameter, or the default persona when it is absent. The transport is
// closed on every path.
func (a *App) ServeCall(ctx context.Context, info audio.StreamInfo, tr audio.Transport) error {
	if a.draining.Load() {
		_ = tr.Close()
		return ErrDraining
	}

	persona, err := a.dir.Load().Resolve(ctx, info.Params[agentParam])
	if err != nil {
		_ = tr.Close()
		return fmt.Errorf("app: call %s: %w", info.CallID, err)
	}

	sess := session.New(info, tr, persona.NewContext())
	sess.Agent = persona.ID
	if err := a.registry.Register(sess); err != nil {
		sess.Advance(session.StateClosed)
		_ = tr.Close()
		return fmt.Errorf("app: call %s: %w", info.CallID, err)
	}
	// Shutdown may have started between the first check and Register, after
	// Drain took its snapshot.
	if a.draining.Load() {
		a.registry.Remove(sess.CallID)
		sess.Advance(session.StateClosed)
		_ = tr.Close()
		return ErrDraining
	}

	p := a.providers
	ctrl, err := pipeline.New(sess,
		pipeline.Providers{
			VAD:   p.VAD,
			STT:   p.STT,
			LLM:   p.LLM,
			TTS:   p.TTS,
			Calls: p.Calls,
			Names: p.Names,
		},
		a.cfg.Pipeline.Controller(),
		pipeline.WithLogger(a.log.With("agent", persona.ID)),
		pipeline.WithMetrics(a.metrics),
		pipeline.WithVoice(persona.VoiceProfile()),
		pipeline.WithGreeting(persona.Greeting),
		pipeline.WithRegistry(a.registry),
		pipeline.WithBreakers(a.breakers),
		pipeline.WithVocabulary(persona.Vocabulary, a.fixer),
	)
	if err != nil {
		a.registry.Remove(sess.CallID)
		sess.Advance(session.StateClosed)
		_ = tr.Close()
		return fmt.Errorf("app: call %s: %w", info.CallID, err)
	}

	a.log.Info("app: call accepted", "call_id", info.CallID, "agent", persona.ID, "active_calls", a.registry.Len())
	return ctrl.Run(ctx)
}

// ─── Outbound calls ──────────────────────────────────────────────────────────

// placeCallRequest is the body of POST /call.
type placeCallRequest struct {
	To    string `json:"to"`
	Agent string `json:"agent"`
}

// Validate checks the destination number.
func (r placeCallRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.To,
			validation.Required,
			validation.Match(e164).Error("must be an E.164 number such as +15551234567"),
		),
	)
}

// handlePlaceCall dials a number and connects the answered call to the
// requested persona. The body is {"to": "...", "agent": "..."}; the query
// parameters phone_number and agent are accepted as well.
func (a *App) handlePlaceCall(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())
	if a.providers.Calls == nil {
		writeError(w, http.StatusServiceUnavailable, "outbound calls are not configured")
		return
	}
	if a.draining.Load() {
		writeError(w, http.StatusServiceUnavailable, ErrDraining.Error())
		return
	}

	var req placeCallRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	q := r.URL.Query()
	if req.To == "" {
		req.To = strings.TrimSpace(q.Get("phone_number"))
	}
	if req.Agent == "" {
		req.Agent = q.Get(agentParam)
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request", "fields": err})
		return
	}

	persona, err := a.dir.Load().Resolve(r.Context(), req.Agent)
	if err != nil {
		if errors.Is(err, agent.ErrUnknownAgent) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		log.Error("app: resolve persona", "agent", req.Agent, "err", err)
		writeError(w, http.StatusInternalServerError, "persona lookup failed")
		return
	}

	ctx := telephony.WithParams(r.Context(), map[string]string{agentParam: persona.ID})
	sid, err := a.providers.Calls.PlaceCall(ctx, req.To)
	if err != nil {
		if errors.Is(err, telephony.ErrInvalidNumber) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Error("app: place call", "to", req.To, "err", err)
		writeError(w, http.StatusBadGateway, "call could not be placed")
		return
	}

	log.Info("app: outbound call placed", "call_id", sid, "agent", persona.ID)
	writeJSON(w, http.StatusOK, map[string]string{"call_sid": sid, "agent": persona.ID})
}

// ─── Call setup document ─────────────────────────────────────────────────────

// handleTwiML answers the call webhook with a <Connect><Stream> document that
// points the call at this server's media stream endpoint. The agent query
// parameter is forwarded as a stream parameter.
func (a *App) handleTwiML(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return
	}

	if tel := a.cfg.Telephony; tel.ValidateSignatures {
		params := make(map[string]string, len(r.PostForm))
		for k, v := range r.PostForm {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
		url := a.publicBase(r) + r.URL.RequestURI()
		if !twiliocall.ValidateSignature(tel.AuthToken, url, params, r.Header.Get("X-Twilio-Signature")) {
			log.Warn("app: rejected webhook with bad signature", "url", url)
			writeError(w, http.StatusForbidden, "invalid signature")
			return
		}
	}

	var params map[string]string
	if id := r.URL.Query().Get(agentParam); id != "" {
		params = map[string]string{agentParam: id}
	}
	doc, err := twiliocall.StreamTwiML(a.streamURL(r), params)
	if err != nil {
		log.Error("app: render stream document", "err", err)
		writeError(w, http.StatusInternalServerError, "could not render call setup")
		return
	}

	log.Debug("app: call webhook answered", "call_sid", r.PostForm.Get("CallSid"))
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, doc)
}

// publicBase returns the externally visible base URL, preferring
// server.public_url and falling back to the request's host.
func (a *App) publicBase(r *http.Request) string {
	if u := a.cfg.Server.PublicURL; u != "" {
		return u
	}
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

// streamURL derives the WebSocket URL of the media stream endpoint.
func (a *App) streamURL(r *http.Request) string {
	base := a.publicBase(r)
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + streamPath
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
