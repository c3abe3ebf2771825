// Package pipeline runs the conversation of one phone call: it classifies
// inbound audio, transcribes caller utterances, generates replies, speaks them
// back, and handles barge-in and the end_call tool.
//
// A [Controller] owns one call. Two long-lived goroutines run per call. The
// receive loop reads frames from the transport and classifies them with the
// VAD. The control loop consumes those frames together with stage results and
// is the only place the state changes or the conversation context is
// mutated. Stage work (STT, LLM, TTS) runs in short-lived goroutines that
// report back as results tagged with their turn id; results from a superseded
// turn are dropped.
//
// State machine:
//
//	listening --speech--> transcribing --text--> generating --reply--> synthesizing --done--> listening
//	                          |  empty/failed -> listening      |end_call -> ending
//	generating|synthesizing --barge-in--> transcribing
//	any --stop/disconnect/fatal--> ending --> closed
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/switchboard/internal/observe"
	"github.com/MrWong99/switchboard/internal/resilience"
	"github.com/MrWong99/switchboard/internal/session"
	"github.com/MrWong99/switchboard/internal/transcript"
	"github.com/MrWong99/switchboard/pkg/audio"
	"github.com/MrWong99/switchboard/pkg/provider/llm"
	"github.com/MrWong99/switchboard/pkg/provider/stt"
	"github.com/MrWong99/switchboard/pkg/provider/tts"
	"github.com/MrWong99/switchboard/pkg/provider/vad"
	"github.com/MrWong99/switchboard/pkg/telephony"
	"github.com/MrWong99/switchboard/pkg/types"
)

const (
	stageSTT = "stt"
	stageLLM = "llm"
	stageTTS = "tts"

	hangUpTimeout = 5 * time.Second
	resultBuffer  = 4
)

// Providers are the external capabilities a call depends on. VAD, STT, LLM
// and TTS are required. Calls may be nil, in which case the controller cannot
// hang up and only closes the media stream.
type Providers struct {
	VAD   vad.Engine
	STT   stt.Provider
	LLM   llm.Provider
	TTS   tts.Provider
	Calls telephony.CallControl

	// Names label provider metrics. Empty names fall back to the stage name.
	Names ProviderNames
}

// ProviderNames are metric labels for the configured providers.
type ProviderNames struct {
	STT, LLM, TTS string
}

// Breakers guard each provider stage. They are normally shared across all
// calls so that an unreachable provider trips once for the whole process.
type Breakers struct {
	STT, LLM, TTS *resilience.CircuitBreaker
}

// Option is a functional option for configuring a Controller.
type Option func(*Controller)

// WithLogger sets the base logger. call_id and stream_id are added.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithMetrics sets the metric instruments. Defaults to observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithVoice sets the TTS voice for the agent.
func WithVoice(v types.VoiceProfile) Option {
	return func(c *Controller) { c.voice = v }
}

// WithGreeting makes the agent speak text as soon as the call starts. The
// greeting can be interrupted like any other turn. It joins the conversation
// history only once it has been played in full.
func WithGreeting(text string) Option {
	return func(c *Controller) { c.greeting = strings.TrimSpace(text) }
}

// WithRegistry removes the session from r during teardown.
func WithRegistry(r *session.Registry) Option {
	return func(c *Controller) { c.registry = r }
}

// WithBreakers sets the circuit breakers guarding the provider stages. Nil
// entries get a breaker private to this call.
func WithBreakers(b Breakers) Option {
	return func(c *Controller) { c.breakers = b }
}

// WithVocabulary sends terms to STT as keyword hints and corrects final
// transcripts against them with c. A nil c uses [transcript.New].
func WithVocabulary(terms []string, corrector *transcript.Corrector) Option {
	return func(c *Controller) {
		c.vocabulary = terms
		c.corrector = corrector
	}
}

// WithTransitionHook registers fn to observe every state transition. fn runs
// on the control goroutine and must not block.
func WithTransitionHook(fn func(from, to State)) Option {
	return func(c *Controller) { c.hook = fn }
}

// ─── Events ──────────────────────────────────────────────────────────────────

// inbound is one classified frame from the receive loop, or the end of the
// inbound stream when err is set.
type inbound struct {
	frame  audio.AudioFrame
	speech bool
	err    error
}

// result is reported by a stage goroutine.
type result interface{ turnID() uint64 }

type transcriptResult struct {
	id   uint64
	text string
	err  error
}

type generationResult struct {
	id  uint64
	rep reply
	err error
}

type synthesisResult struct {
	id  uint64
	err error
}

func (r transcriptResult) turnID() uint64 { return r.id }
func (r generationResult) turnID() uint64 { return r.id }
func (r synthesisResult) turnID() uint64  { return r.id }

// utterance is a caller utterance being captured and transcribed.
type utterance struct {
	id       uint64
	ctx      context.Context
	cancel   context.CancelFunc
	audio    chan []byte
	length   time.Duration
	silence  time.Duration
	finished bool
	endedAt  time.Time
	// dropped counts frames that found the STT queue full or the
	// transcriber gone.
	dropped int
}

// turn is an assistant turn from generation through synthesis.
type turn struct {
	id      uint64
	ctx     context.Context
	cancel  context.CancelFunc
	span    trace.Span
	heardAt time.Time // end of the caller utterance; zero for the greeting
	tag     string
	opening bool // speaks the greeting
}

// ─── Controller ──────────────────────────────────────────────────────────────

// Controller is the turn state machine of one call. Create it with [New] and
// start it with [Controller.Run]. A Controller runs once.
type Controller struct {
	cfg      Config
	sess     *session.Session
	p        Providers
	vad      vad.SessionHandle
	breakers Breakers
	metrics  *observe.Metrics
	log      *slog.Logger
	voice    types.VoiceProfile
	greeting string
	registry *session.Registry

	vocabulary []string
	corrector  *transcript.Corrector

	hook     func(from, to State)
	gate     *speaker

	inbound  chan inbound
	results  chan result
	stop     chan struct{}
	stopOnce sync.Once
	loopDone chan struct{}
	wg       sync.WaitGroup

	state atomic.Int32

	// Owned by the control goroutine.
	seq          uint64
	utt          *utterance
	turn         *turn
	speaking     chan struct{} // closed when the latest synthesis goroutine exits
	held         []inbound
	bargeRun     time.Duration
	bargeFrames  []inbound
	failedTurns  int
	outcome      string
	failErr      error
	hangOnce     sync.Once
	teardownOnce sync.Once
}

// New validates the configuration, opens the call's VAD session and returns a
// Controller in [StateListening]. Errors here mean the session must never
// reach streaming.
func New(sess *session.Session, p Providers, cfg Config, opts ...Option) (*Controller, error) {
	if sess == nil || sess.Transport == nil || sess.Context == nil {
		return nil, errors.New("pipeline: session needs a transport and a conversation context")
	}
	var missing []string
	if p.VAD == nil {
		missing = append(missing, "vad")
	}
	if p.STT == nil {
		missing = append(missing, stageSTT)
	}
	if p.LLM == nil {
		missing = append(missing, stageLLM)
	}
	if p.TTS == nil {
		missing = append(missing, stageTTS)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("pipeline: missing providers: %s", strings.Join(missing, ", "))
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:      cfg,
		sess:     sess,
		p:        p,
		log:      slog.Default(),
		gate:     newSpeaker(sess.Transport),
		inbound:  make(chan inbound, cfg.QueueSize),
		results:  make(chan result, resultBuffer),
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
		outcome:  observe.OutcomeHangup,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if len(c.vocabulary) > 0 && c.corrector == nil {
		c.corrector = transcript.New()
	}
	c.log = c.log.With("call_id", sess.CallID, "stream_id", sess.StreamID)
	if c.breakers.STT == nil {
		c.breakers.STT = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: stageSTT})
	}
	if c.breakers.LLM == nil {
		c.breakers.LLM = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: stageLLM})
	}
	if c.breakers.TTS == nil {
		c.breakers.TTS = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: stageTTS})
	}

	vs, err := p.VAD.NewSession(cfg.VAD)
	if err != nil {
		return nil, fmt.Errorf("pipeline: open vad session: %w", err)
	}
	c.vad = vs
	return c, nil
}

// State returns the current controller state. Safe for concurrent use.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Stop asks the controller to end the call. It does not wait; use the
// session's Done channel or the return of Run.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Run drives the call until the caller hangs up, the agent ends the call, a
// fatal error occurs, Stop is called or ctx is cancelled. Teardown always
// completes before Run returns: the transport is closed, the session is
// removed from the registry and reaches session.StateClosed. Run returns the
// fatal error that ended the call, if any.
func (c *Controller) Run(ctx context.Context) error {
	if !c.sess.Advance(session.StateStreaming) {
		_ = c.vad.Close()
		return fmt.Errorf("pipeline: session %s is %s", c.sess.CallID, c.sess.State())
	}
	ctx, span := observe.StartSpan(ctx, "call", trace.WithAttributes(
		attribute.String("call_id", c.sess.CallID),
		attribute.String("stream_id", c.sess.StreamID),
	))
	defer span.End()

	c.sess.OnStop(c.Stop)
	c.metrics.RecordCallStart(ctx)
	c.log.Info("pipeline: call started")

	g, gctx := errgroup.WithContext(ctx)
	rctx, rcancel := context.WithCancel(gctx)
	g.Go(func() error {
		return c.receive(rctx)
	})
	g.Go(func() error {
		defer rcancel()
		return c.control(gctx)
	})
	err := g.Wait()
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// receive reads and classifies inbound frames until the stream ends or the
// control loop exits.
func (c *Controller) receive(ctx context.Context) error {
	defer func() { _ = c.vad.Close() }()
	warned := false
	for {
		frame, err := c.sess.Transport.ReceiveFrame(ctx)
		if err != nil {
			c.deliver(ctx, inbound{err: err})
			return nil
		}
		in := inbound{frame: frame}
		ev, err := c.vad.ProcessFrame(frame.Data)
		if err != nil {
			if !warned {
				c.log.Warn("pipeline: vad rejected frame, treating as silence", "bytes", len(frame.Data), "err", err)
				warned = true
			}
		} else {
			in.speech = vad.Classify(ev)
		}
		if !c.deliver(ctx, in) {
			return nil
		}
	}
}

func (c *Controller) deliver(ctx context.Context, in inbound) bool {
	select {
	case c.inbound <- in:
		return true
	case <-c.loopDone:
		return false
	case <-ctx.Done():
		return false
	}
}

// post hands a stage result to the control loop. Results arriving after the
// loop has exited are dropped.
func (c *Controller) post(r result) {
	select {
	case c.results <- r:
	case <-c.loopDone:
	}
}

// spawn runs fn as a tracked stage goroutine.
func (c *Controller) spawn(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// control is the single goroutine that owns the state machine.
func (c *Controller) control(ctx context.Context) error {
	defer func() {
		close(c.loopDone)
		c.teardown(ctx)
	}()

	if c.greeting != "" {
		t := c.newTurn(ctx, time.Time{})
		t.opening = true
		c.speak(ctx, t, c.greeting)
	}

	for c.State() < StateEnding {
		select {
		case in := <-c.inbound:
			if in.err != nil {
				c.end(ctx, observe.OutcomeHangup, "media stream ended: "+in.err.Error(), false)
				continue
			}
			c.onFrame(ctx, in)
		case r := <-c.results:
			c.onResult(ctx, r)
		case <-c.stop:
			c.end(ctx, observe.OutcomeDrained, "stopped", false)
		case <-ctx.Done():
			c.end(ctx, observe.OutcomeDrained, "context cancelled", false)
		}
	}
	return c.failErr
}

func (c *Controller) transition(ctx context.Context, to State) {
	from := c.State()
	if from == to {
		return
	}
	c.state.Store(int32(to))
	c.log.Debug("pipeline: transition", "from", from.String(), "to", to.String())
	c.metrics.RecordTransition(ctx, from.String(), to.String())
	if c.hook != nil {
		c.hook(from, to)
	}
}

// ─── Inbound audio ───────────────────────────────────────────────────────────

func (c *Controller) onFrame(ctx context.Context, in inbound) {
	switch st := c.State(); {
	case st == StateListening:
		if in.speech {
			c.startUtterance(ctx, []inbound{in})
		}
	case st == StateTranscribing:
		if c.utt == nil || c.utt.finished {
			c.hold(in)
			return
		}
		c.feed(c.utt, in)
	case st.assistantActive():
		c.watchBargeIn(ctx, in)
	}
}

// hold keeps frames that arrive while a transcript is pending so they can be
// replayed once the state is known. The oldest frames are dropped beyond the
// queue size.
func (c *Controller) hold(in inbound) {
	c.held = append(c.held, in)
	if over := len(c.held) - c.cfg.QueueSize; over > 0 {
		c.held = c.held[over:]
	}
}

func (c *Controller) replayHeld(ctx context.Context) {
	held := c.held
	c.held = nil
	for _, in := range held {
		if c.State() >= StateEnding {
			return
		}
		c.onFrame(ctx, in)
	}
}

func (c *Controller) startUtterance(ctx context.Context, frames []inbound) {
	c.seq++
	uctx, cancel := context.WithCancel(ctx)
	u := &utterance{
		id:     c.seq,
		ctx:    uctx,
		cancel: cancel,
		audio:  make(chan []byte, c.cfg.sttQueueSize()),
	}
	c.utt = u
	c.transition(ctx, StateTranscribing)
	c.spawn(func() { c.transcribe(uctx, u) })
	for _, in := range frames {
		if u.finished {
			c.hold(in)
			continue
		}
		c.feed(u, in)
	}
}

// feed passes one frame to the transcriber and ends the utterance after
// enough trailing silence or at the length cap. It never blocks: a frame the
// transcriber cannot take right now is dropped.
func (c *Controller) feed(u *utterance, in inbound) {
	d := in.frame.Duration()
	u.length += d
	if in.speech {
		u.silence = 0
	} else {
		u.silence += d
	}
	if u.ctx.Err() != nil {
		u.dropped++
	} else {
		select {
		case u.audio <- in.frame.Data:
		default:
			u.dropped++
		}
	}
	if u.silence >= c.cfg.SilenceDuration || u.length >= c.cfg.MaxUtterance {
		u.finished = true
		u.endedAt = time.Now()
		close(u.audio)
		if u.dropped > 0 {
			c.log.Warn("pipeline: utterance frames dropped", "utterance", u.id, "dropped", u.dropped)
		}
	}
}

func (c *Controller) watchBargeIn(ctx context.Context, in inbound) {
	if !in.speech {
		c.resetBargeIn()
		return
	}
	c.bargeRun += in.frame.Duration()
	c.bargeFrames = append(c.bargeFrames, in)
	if c.bargeRun >= c.cfg.BargeInMinSpeech {
		c.bargeIn(ctx)
	}
}

func (c *Controller) resetBargeIn() {
	c.bargeRun = 0
	c.bargeFrames = nil
}

// bargeIn cancels the active assistant turn and starts transcribing the
// caller's new utterance with the speech that triggered it.
func (c *Controller) bargeIn(ctx context.Context) {
	st := c.State()
	sent := c.gate.close()
	id := c.turn.id
	c.finishTurn()
	if err := c.sess.Transport.Clear(ctx); err != nil && !errors.Is(err, audio.ErrTransportClosed) {
		c.log.Warn("pipeline: clear buffered audio", "err", err)
	}
	c.log.Info("pipeline: barge-in", "turn", id, "state", st.String(), "frames_sent", sent)
	c.metrics.RecordBargeIn(ctx)
	c.metrics.RecordTurn(ctx, observe.TurnInterrupted)

	frames := c.bargeFrames
	c.resetBargeIn()
	c.startUtterance(ctx, frames)
}

// ─── Stage results ───────────────────────────────────────────────────────────

func (c *Controller) onResult(ctx context.Context, r result) {
	switch r := r.(type) {
	case transcriptResult:
		c.onTranscript(ctx, r)
	case generationResult:
		c.onGeneration(ctx, r)
	case synthesisResult:
		c.onSynthesis(ctx, r)
	}
}

func (c *Controller) onTranscript(ctx context.Context, r transcriptResult) {
	u := c.utt
	if u == nil || u.id != r.id {
		return
	}
	c.utt = nil
	u.cancel()

	text := strings.TrimSpace(r.text)
	switch {
	case r.err != nil:
		c.turnFailed(ctx, stageSTT, r.err)
	case text == "":
		c.log.Debug("pipeline: empty transcript, discarding utterance", "length", u.length)
		c.metrics.RecordTurn(ctx, observe.TurnEmpty)
		c.transition(ctx, StateListening)
	default:
		if err := c.sess.Context.AppendUser(text); err != nil {
			c.log.Warn("pipeline: append user message", "err", err)
			c.transition(ctx, StateListening)
			break
		}
		c.log.Info("pipeline: caller said", "text", text)
		c.startGeneration(ctx, u.endedAt)
	}
	c.replayHeld(ctx)
}

func (c *Controller) newTurn(ctx context.Context, heardAt time.Time) *turn {
	c.seq++
	tctx, cancel := context.WithCancel(ctx)
	tctx, span := observe.StartSpan(tctx, "turn", trace.WithAttributes(
		attribute.String("call_id", c.sess.CallID),
		attribute.Int64("turn", int64(c.seq)),
	))
	t := &turn{
		id:      c.seq,
		ctx:     tctx,
		cancel:  cancel,
		span:    span,
		heardAt: heardAt,
		tag:     fmt.Sprintf("turn-%d", c.seq),
	}
	c.turn = t
	c.resetBargeIn()
	return t
}

func (c *Controller) finishTurn() {
	if c.turn == nil {
		return
	}
	c.turn.cancel()
	c.turn.span.End()
	c.turn = nil
}

func (c *Controller) startGeneration(ctx context.Context, heardAt time.Time) {
	t := c.newTurn(ctx, heardAt)
	c.transition(ctx, StateGenerating)
	req := llm.CompletionRequest{
		Messages: c.sess.Context.Messages(),
		Tools:    c.sess.Context.Tools(),
	}
	c.spawn(func() { c.generate(t, req) })
}

func (c *Controller) onGeneration(ctx context.Context, r generationResult) {
	t := c.turn
	if t == nil || t.id != r.id || c.State() != StateGenerating {
		return
	}
	switch {
	case r.err != nil:
		c.finishTurn()
		c.turnFailed(ctx, stageLLM, r.err)
	case r.rep.endCall:
		c.log.Info("pipeline: agent ended the call", "reason", r.rep.reason)
		c.end(ctx, observe.OutcomeEndCall, "end_call: "+r.rep.reason, true)
	case strings.TrimSpace(r.rep.text) == "":
		c.finishTurn()
		c.metrics.RecordTurn(ctx, observe.TurnEmpty)
		c.transition(ctx, StateListening)
	default:
		if err := c.sess.Context.AppendAssistant(r.rep.text); err != nil {
			c.log.Warn("pipeline: append assistant message", "err", err)
		}
		c.log.Info("pipeline: agent replies", "text", r.rep.text)
		c.speak(ctx, t, r.rep.text)
	}
}

// speak hands the speaker to t and starts synthesis of text. Synthesis waits
// for the previous, already cancelled, synthesis to release its TTS stream.
func (c *Controller) speak(ctx context.Context, t *turn, text string) {
	c.gate.open(t.id)
	c.transition(ctx, StateSynthesizing)
	prev, done := c.speaking, make(chan struct{})
	c.speaking = done
	c.spawn(func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		c.synthesize(t, text)
	})
}

func (c *Controller) onSynthesis(ctx context.Context, r synthesisResult) {
	t := c.turn
	if t == nil || t.id != r.id || c.State() != StateSynthesizing {
		return
	}
	c.gate.close()
	c.finishTurn()
	switch {
	case errors.Is(r.err, audio.ErrTransportClosed):
		c.end(ctx, observe.OutcomeHangup, "transport closed during playback", false)
	case r.err != nil:
		c.turnFailed(ctx, stageTTS, r.err)
	default:
		if t.opening {
			if err := c.sess.Context.AppendGreeting(c.greeting); err != nil {
				c.log.Warn("pipeline: append greeting", "err", err)
			}
		}
		c.failedTurns = 0
		c.metrics.RecordTurn(ctx, observe.TurnCompleted)
		c.transition(ctx, StateListening)
	}
}

// turnFailed abandons the current turn. An open circuit breaker or too many
// consecutive failures end the call.
func (c *Controller) turnFailed(ctx context.Context, stage string, err error) {
	c.metrics.RecordProviderError(ctx, c.providerName(stage), stage)
	c.metrics.RecordTurn(ctx, observe.TurnFailed)
	c.failedTurns++
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		c.fail(ctx, fmt.Errorf("pipeline: %s provider unavailable: %w", stage, err))
	case c.failedTurns >= c.cfg.MaxFailedTurns:
		c.fail(ctx, fmt.Errorf("pipeline: %d consecutive failed turns, last in %s: %w", c.failedTurns, stage, err))
	default:
		c.log.Warn("pipeline: turn abandoned", "stage", stage, "err", err)
		c.transition(ctx, StateListening)
	}
}

func (c *Controller) providerName(stage string) string {
	var name string
	switch stage {
	case stageSTT:
		name = c.p.Names.STT
	case stageLLM:
		name = c.p.Names.LLM
	case stageTTS:
		name = c.p.Names.TTS
	}
	if name == "" {
		return stage
	}
	return name
}

// recordRequest counts one provider attempt by status.
func (c *Controller) recordRequest(ctx context.Context, stage string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordProviderRequest(context.WithoutCancel(ctx), c.providerName(stage), stage, status)
}

// ─── Ending ──────────────────────────────────────────────────────────────────

func (c *Controller) fail(ctx context.Context, err error) {
	c.failErr = err
	c.log.Error("pipeline: call failed", "err", err)
	c.end(ctx, observe.OutcomeFailed, err.Error(), true)
}

// end cancels all in-flight work and moves to StateEnding. It is a no-op once
// the call is ending.
func (c *Controller) end(ctx context.Context, outcome, reason string, hangUp bool) {
	if c.State() >= StateEnding {
		return
	}
	c.gate.close()
	c.finishTurn()
	if c.utt != nil {
		c.utt.cancel()
		c.utt = nil
	}
	c.outcome = outcome
	c.transition(ctx, StateEnding)
	c.sess.Advance(session.StateEnding)
	c.log.Info("pipeline: call ending", "outcome", outcome, "reason", reason)
	if hangUp {
		c.hangUp(ctx)
	}
}

// hangUp asks the telephony provider to end the call. It runs at most once.
func (c *Controller) hangUp(ctx context.Context) {
	c.hangOnce.Do(func() {
		if c.p.Calls == nil {
			c.log.Warn("pipeline: no call control configured, closing media stream only")
			return
		}
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), hangUpTimeout)
		defer cancel()
		if err := c.p.Calls.HangUp(hctx, c.sess.CallID); err != nil {
			c.log.Warn("pipeline: hang up", "err", err)
		}
	})
}

// teardown releases the call's resources. It runs once, after the control
// loop has exited.
func (c *Controller) teardown(ctx context.Context) {
	c.teardownOnce.Do(func() {
		c.waitStages()
		if err := c.sess.Transport.Close(); err != nil {
			c.log.Debug("pipeline: close transport", "err", err)
		}
		if c.registry != nil {
			c.registry.Remove(c.sess.CallID)
		}
		c.transition(ctx, StateClosed)
		c.sess.Advance(session.StateClosed)
		c.metrics.RecordCallEnd(context.WithoutCancel(ctx), c.outcome)
		c.log.Info("pipeline: call closed", "outcome", c.outcome, "duration", c.sess.Duration())
	})
}

// waitStages gives cancelled stage goroutines CancelGrace to exit.
func (c *Controller) waitStages() {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(c.cfg.CancelGrace):
		c.log.Warn("pipeline: stages still running after cancel grace", "grace", c.cfg.CancelGrace)
	}
}

// retryConfig returns the per-turn retry budget for stage.
func (c *Controller) retryConfig(stage string) resilience.RetryConfig {
	return resilience.RetryConfig{
		Name:       stage,
		MaxRetries: c.cfg.MaxRetries,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   time.Second,
	}
}

// guard runs fn behind br. A call cancelled by its turn does not count as a
// provider failure, and an open breaker is not retried.
func guard(ctx context.Context, br *resilience.CircuitBreaker, fn func() error) error {
	var err error
	cbErr := br.Execute(func() error {
		err = fn()
		if err != nil && ctx.Err() != nil {
			return nil
		}
		return err
	})
	if errors.Is(cbErr, resilience.ErrCircuitOpen) {
		return resilience.Permanent(cbErr)
	}
	return err
}
