package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/switchboard/internal/convo"
	"github.com/MrWong99/switchboard/internal/resilience"
	"github.com/MrWong99/switchboard/internal/session"
	"github.com/MrWong99/switchboard/pkg/audio"
	audiomock "github.com/MrWong99/switchboard/pkg/audio/mock"
	"github.com/MrWong99/switchboard/pkg/provider/llm"
	llmmock "github.com/MrWong99/switchboard/pkg/provider/llm/mock"
	"github.com/MrWong99/switchboard/pkg/provider/stt"
	sttmock "github.com/MrWong99/switchboard/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/switchboard/pkg/provider/tts/mock"
	vadmock "github.com/MrWong99/switchboard/pkg/provider/vad/mock"
	telmock "github.com/MrWong99/switchboard/pkg/telephony/mock"
	"github.com/MrWong99/switchboard/pkg/types"
)

const waitTimeout = 3 * time.Second

// ─── Harness ─────────────────────────────────────────────────────────────────

type transition struct{ from, to State }

type harness struct {
	t     *testing.T
	tr    *audiomock.Transport
	stt   *sttmock.Provider
	llm   *llmmock.Provider
	tts   *ttsmock.Provider
	calls *telmock.CallControl
	reg   *session.Registry
	sess  *session.Session
	ctrl  *Controller
	errc  chan error

	mu    sync.Mutex
	seen  []transition
	moved chan transition
}

// newHarness wires mocks around a session for call "CA1". Speech frames carry
// a leading 1 byte which the VAD mock reports as speech.
func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		tr:    audiomock.New(),
		stt:   &sttmock.Provider{},
		llm:   &llmmock.Provider{},
		tts:   &ttsmock.Provider{Audio: [][]byte{pcm16k(3)}},
		calls: &telmock.CallControl{},
		reg:   session.NewRegistry(),
		moved: make(chan transition, 256),
	}
	cc := convo.New("You are a helpful receptionist.", []types.ToolDefinition{convo.EndCallTool()})
	h.sess = session.New(audio.StreamInfo{CallID: "CA1", StreamID: "MZ1"}, h.tr, cc)
	if err := h.reg.Register(h.sess); err != nil {
		t.Fatalf("Register: %v", err)
	}

	engine := &vadmock.Engine{Session: &vadmock.Session{
		EventFunc: func(frame []byte) types.VADEvent {
			if len(frame) > 0 && frame[0] == 1 {
				return types.VADEvent{Type: types.VADSpeechContinue, Probability: 0.9}
			}
			return types.VADEvent{Type: types.VADSilence}
		},
	}}
	opts = append([]Option{
		WithRegistry(h.reg),
		WithTransitionHook(h.record),
	}, opts...)
	ctrl, err := New(h.sess, Providers{
		VAD:   engine,
		STT:   h.stt,
		LLM:   h.llm,
		TTS:   h.tts,
		Calls: h.calls,
	}, cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.ctrl = ctrl
	return h
}

func testConfig() Config {
	return Config{
		SilenceDuration:  100 * time.Millisecond,
		BargeInMinSpeech: 60 * time.Millisecond,
		STTTimeout:       time.Second,
		LLMTimeout:       2 * time.Second,
		TTSTimeout:       2 * time.Second,
		CancelGrace:      time.Second,
		MaxRetries:       -1,
	}
}

func (h *harness) record(from, to State) {
	h.mu.Lock()
	h.seen = append(h.seen, transition{from, to})
	h.mu.Unlock()
	h.moved <- transition{from, to}
}

func (h *harness) start() {
	h.errc = make(chan error, 1)
	go func() { h.errc <- h.ctrl.Run(context.Background()) }()
}

// waitFor blocks until the from -> to transition is observed.
func (h *harness) waitFor(from, to State) {
	h.t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case tr := <-h.moved:
			if tr.from == from && tr.to == to {
				return
			}
		case <-deadline:
			h.t.Fatalf("timed out waiting for %s -> %s; seen %v", from, to, h.transitions())
		}
	}
}

// wait blocks until Run returns.
func (h *harness) wait() error {
	h.t.Helper()
	select {
	case err := <-h.errc:
		return err
	case <-time.After(waitTimeout):
		h.t.Fatalf("Run did not return; seen %v", h.transitions())
		return nil
	}
}

func (h *harness) transitions() []transition {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]transition(nil), h.seen...)
}

func (h *harness) entered(s State) bool {
	for _, tr := range h.transitions() {
		if tr.to == s {
			return true
		}
	}
	return false
}

func inFrame(speech bool) audio.AudioFrame {
	data := make([]byte, audio.FrameBytes(audio.TelephonySampleRate))
	if speech {
		data[0] = 1
	}
	return audio.AudioFrame{
		Data:       data,
		SampleRate: audio.TelephonySampleRate,
		Channels:   1,
		Direction:  types.Inbound,
	}
}

// speechFrames returns n speech frames followed by m silence frames.
func speechFrames(n, m int) []audio.AudioFrame {
	var out []audio.AudioFrame
	for range n {
		out = append(out, inFrame(true))
	}
	for range m {
		out = append(out, inFrame(false))
	}
	return out
}

// pcm16k returns n 20ms frames of 16 kHz PCM.
func pcm16k(n int) []byte {
	return make([]byte, n*audio.FrameBytes(16000))
}

func finalTranscript(text string) func(stt.StreamConfig) stt.SessionHandle {
	return func(stt.StreamConfig) stt.SessionHandle {
		return sttmock.NewSession(types.Transcript{Text: text, IsFinal: true})
	}
}

func replyChunks(text string) []llm.Chunk {
	return []llm.Chunk{{Text: text, FinishReason: llm.FinishStop}}
}

func assertMessages(t *testing.T, got []types.Message, want ...types.Message) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("messages = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i].Role != want[i].Role || got[i].Content != want[i].Content {
			t.Errorf("message[%d] = {%s %q}, want {%s %q}", i, got[i].Role, got[i].Content, want[i].Role, want[i].Content)
		}
	}
}

// ─── Scenarios ───────────────────────────────────────────────────────────────

func TestController_SingleTurn(t *testing.T) {
	h := newHarness(t, testConfig())
	h.stt.SessionFunc = finalTranscript("hello")
	h.llm.Fallback = replyChunks("hi there")

	h.start()
	h.tr.Push(speechFrames(5, 5)...)
	h.waitFor(StateSynthesizing, StateListening)
	h.tr.Hangup()
	if err := h.wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	assertMessages(t, h.sess.Context.Messages(),
		types.Message{Role: types.RoleSystem, Content: "You are a helpful receptionist."},
		types.Message{Role: types.RoleUser, Content: "hello"},
		types.Message{Role: types.RoleAssistant, Content: "hi there"},
	)
	sent := h.tr.Sent()
	if len(sent) == 0 {
		t.Fatal("no outbound frames were sent")
	}
	for i, f := range sent {
		if f.SampleRate != audio.TelephonySampleRate || f.Channels != 1 {
			t.Errorf("frame %d format = %d Hz/%d ch, want 8000 Hz mono", i, f.SampleRate, f.Channels)
		}
		if len(f.Data) != audio.FrameBytes(audio.TelephonySampleRate) {
			t.Errorf("frame %d is %d bytes, want %d", i, len(f.Data), audio.FrameBytes(audio.TelephonySampleRate))
		}
	}
	if texts := h.tts.Calls()[0].Texts; len(texts) != 1 || texts[0] != "hi there" {
		t.Errorf("tts texts = %q, want [\"hi there\"]", texts)
	}
	if _, ok := h.reg.Lookup("CA1"); ok {
		t.Error("session still registered after teardown")
	}
	if got := h.sess.State(); got != session.StateClosed {
		t.Errorf("session state = %s, want closed", got)
	}
	if got := h.ctrl.State(); got != StateClosed {
		t.Errorf("controller state = %s, want closed", got)
	}
	if h.tr.CloseCount() != 1 {
		t.Errorf("transport closed %d times, want 1", h.tr.CloseCount())
	}
	if h.calls.HangUpCount() != 0 {
		t.Errorf("HangUp called %d times after caller hangup, want 0", h.calls.HangUpCount())
	}
	if cfg := h.stt.Streams()[0]; cfg.SampleRate != 16000 || cfg.Channels != 1 {
		t.Errorf("stt stream config = %+v, want 16000 Hz mono", cfg)
	}
}

func TestController_VocabularyCorrection(t *testing.T) {
	h := newHarness(t, testConfig(), WithVocabulary([]string{"Zendesk", "Premium Plus"}, nil))
	h.stt.SessionFunc = finalTranscript("my zen desk login is broken")
	h.llm.Fallback = replyChunks("let me help")

	h.start()
	h.tr.Push(speechFrames(5, 5)...)
	h.waitFor(StateSynthesizing, StateListening)
	h.tr.Hangup()
	if err := h.wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	msgs := h.sess.Context.Messages()
	if len(msgs) < 2 || msgs[1].Content != "my Zendesk login is broken" {
		t.Errorf("user message = %+v, want the corrected transcript", msgs)
	}
	kw := h.stt.Streams()[0].Keywords
	want := []string{"Zendesk", "Premium", "Plus"}
	if len(kw) != len(want) {
		t.Fatalf("keywords = %+v, want %v", kw, want)
	}
	for i, w := range want {
		if kw[i].Keyword != w || kw[i].Boost <= 0 {
			t.Errorf("keywords[%d] = %+v, want %q with a positive boost", i, kw[i], w)
		}
	}
}

func TestController_BargeInDuringSynthesis(t *testing.T) {
	h := newHarness(t, testConfig())
	h.stt.SessionFunc = finalTranscript("hello")
	h.llm.Fallback = replyChunks("Let me tell you a very long story. It goes on and on.")
	chunks := make([][]byte, 50)
	for i := range chunks {
		chunks[i] = pcm16k(1)
	}
	h.tts.Audio = chunks
	h.tts.ChunkDelay = 20 * time.Millisecond

	var once sync.Once
	h.tr.OnSend = func(audio.AudioFrame) {
		once.Do(func() { h.tr.Push(speechFrames(4, 0)...) })
	}

	h.start()
	h.tr.Push(speechFrames(5, 5)...)
	h.waitFor(StateSynthesizing, StateTranscribing)
	time.Sleep(100 * time.Millisecond)
	h.tr.Hangup()
	if err := h.wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if h.tr.ClearCount() != 1 {
		t.Fatalf("Clear called %d times, want 1", h.tr.ClearCount())
	}
	atClear := h.tr.SentAtClear()[0]
	if sent := len(h.tr.Sent()); sent != atClear {
		t.Errorf("%d frames sent after clear, want 0", sent-atClear)
	}
	if atClear >= 50 {
		t.Errorf("all %d frames played before barge-in", atClear)
	}
	if err := h.tts.Calls()[0].Ctx.Err(); err == nil {
		t.Error("synthesis context not cancelled by barge-in")
	}
	// The reply was complete before playback started, so it stays.
	if got := h.sess.Context.Len(); got != 3 {
		t.Errorf("context has %d messages, want 3", got)
	}
	if got := len(h.stt.Streams()); got != 2 {
		t.Errorf("stt streams = %d, want 2 (utterance and barge-in)", got)
	}
}

func TestController_BargeInDuringGeneration(t *testing.T) {
	h := newHarness(t, testConfig())
	n := 0
	var mu sync.Mutex
	h.stt.SessionFunc = func(stt.StreamConfig) stt.SessionHandle {
		mu.Lock()
		defer mu.Unlock()
		n++
		if n == 1 {
			return sttmock.NewSession(types.Transcript{Text: "book a table", IsFinal: true})
		}
		return sttmock.NewSession(types.Transcript{Text: "for two", IsFinal: true})
	}
	h.llm.Script = [][]llm.Chunk{replyChunks("never spoken"), replyChunks("A table for two.")}
	h.llm.ChunkDelay = 300 * time.Millisecond

	h.start()
	h.tr.Push(speechFrames(5, 5)...)
	h.waitFor(StateTranscribing, StateGenerating)
	h.tr.Push(speechFrames(4, 5)...)
	h.waitFor(StateGenerating, StateTranscribing)
	h.waitFor(StateSynthesizing, StateListening)
	h.tr.Hangup()
	if err := h.wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	assertMessages(t, h.sess.Context.Messages(),
		types.Message{Role: types.RoleSystem, Content: "You are a helpful receptionist."},
		types.Message{Role: types.RoleUser, Content: "book a table"},
		types.Message{Role: types.RoleUser, Content: "for two"},
		types.Message{Role: types.RoleAssistant, Content: "A table for two."},
	)
	calls := h.llm.Calls()
	if len(calls) != 2 {
		t.Fatalf("llm calls = %d, want 2", len(calls))
	}
	if calls[0].Ctx.Err() == nil {
		t.Error("first generation not cancelled")
	}
	if got := len(calls[1].Req.Messages); got != 3 {
		t.Errorf("second request has %d messages, want 3", got)
	}
	if texts := h.tts.Calls(); len(texts) != 1 {
		t.Errorf("tts calls = %d, want 1", len(texts))
	}
}

func TestController_EndCallTool(t *testing.T) {
	h := newHarness(t, testConfig())
	h.stt.SessionFunc = finalTranscript("that's all, thanks")
	h.llm.Fallback = []llm.Chunk{{
		Text:         "Goodbye!",
		FinishReason: llm.FinishToolCalls,
		ToolCalls: []types.ToolCall{{
			ID:        "call_1",
			Name:      convo.EndCallToolName,
			Arguments: `{"reason":"caller finished"}`,
		}},
	}}

	h.start()
	h.tr.Push(speechFrames(5, 5)...)
	if err := h.wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := h.calls.HangUpCount(); got != 1 {
		t.Fatalf("HangUp called %d times, want 1", got)
	}
	if got := h.calls.HangUpCalls[0]; got != "CA1" {
		t.Errorf("HangUp call id = %q, want CA1", got)
	}
	if h.entered(StateSynthesizing) {
		t.Error("end_call turn entered synthesizing")
	}
	if len(h.tts.Calls()) != 0 {
		t.Errorf("tts called %d times, want 0", len(h.tts.Calls()))
	}
	if len(h.tr.Sent()) != 0 {
		t.Errorf("%d frames sent, want 0", len(h.tr.Sent()))
	}
	if got := h.sess.State(); got != session.StateClosed {
		t.Errorf("session state = %s, want closed", got)
	}
}

func TestController_TranscriptTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.STTTimeout = 100 * time.Millisecond
	h := newHarness(t, cfg)
	var (
		mu    sync.Mutex
		first = true
	)
	h.stt.SessionFunc = func(stt.StreamConfig) stt.SessionHandle {
		mu.Lock()
		defer mu.Unlock()
		if first {
			first = false
			s := sttmock.NewSession()
			s.HoldOnFinish = true
			return s
		}
		return sttmock.NewSession(types.Transcript{Text: "are you there", IsFinal: true})
	}
	h.llm.Fallback = replyChunks("Yes, I am here.")

	h.start()
	h.tr.Push(speechFrames(5, 5)...)
	h.waitFor(StateTranscribing, StateListening)
	h.tr.Push(speechFrames(5, 5)...)
	h.waitFor(StateSynthesizing, StateListening)
	h.tr.Hangup()
	if err := h.wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	assertMessages(t, h.sess.Context.Messages(),
		types.Message{Role: types.RoleSystem, Content: "You are a helpful receptionist."},
		types.Message{Role: types.RoleUser, Content: "are you there"},
		types.Message{Role: types.RoleAssistant, Content: "Yes, I am here."},
	)
	if h.calls.HangUpCount() != 0 {
		t.Error("a single failed turn hung up the call")
	}
}

func TestController_EmptyTranscriptReturnsToListening(t *testing.T) {
	h := newHarness(t, testConfig())

	h.start()
	h.tr.Push(speechFrames(5, 5)...)
	h.waitFor(StateTranscribing, StateListening)
	h.tr.Hangup()
	if err := h.wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.entered(StateGenerating) {
		t.Error("empty transcript started generation")
	}
	if got := h.sess.Context.Len(); got != 1 {
		t.Errorf("context has %d messages, want 1", got)
	}
}

func TestController_RepeatedFailuresEndCall(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFailedTurns = 2
	h := newHarness(t, cfg)
	h.stt.SessionFunc = finalTranscript("hello")
	h.llm.StreamErr = errors.New("model overloaded")

	h.start()
	h.tr.Push(speechFrames(5, 5)...)
	h.waitFor(StateGenerating, StateListening)
	h.tr.Push(speechFrames(5, 5)...)
	err := h.wait()
	if err == nil {
		t.Fatal("Run returned nil after repeated failures")
	}
	if h.calls.HangUpCount() != 1 {
		t.Errorf("HangUp called %d times, want 1", h.calls.HangUpCount())
	}
}

func TestController_TransientFailureRetried(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2
	h := newHarness(t, cfg)
	h.stt.SessionFunc = finalTranscript("hello")
	h.llm.StartErrs = []error{errors.New("connection reset by peer")}
	h.llm.Fallback = replyChunks("hi there")

	h.start()
	h.tr.Push(speechFrames(5, 5)...)
	h.waitFor(StateSynthesizing, StateListening)
	h.tr.Hangup()
	if err := h.wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := len(h.llm.Calls()); got != 2 {
		t.Errorf("llm calls = %d, want 2", got)
	}
	assertMessages(t, h.sess.Context.Messages(),
		types.Message{Role: types.RoleSystem, Content: "You are a helpful receptionist."},
		types.Message{Role: types.RoleUser, Content: "hello"},
		types.Message{Role: types.RoleAssistant, Content: "hi there"},
	)
	if h.calls.HangUpCount() != 0 {
		t.Errorf("HangUp called %d times, want 0", h.calls.HangUpCount())
	}
}

func TestController_OpenBreakerEndsCall(t *testing.T) {
	br := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "llm",
		MaxFailures:  1,
		ResetTimeout: time.Hour,
	})
	_ = br.Execute(func() error { return errors.New("boom") })
	if br.State() != resilience.StateOpen {
		t.Fatalf("breaker state = %s, want open", br.State())
	}

	cfg := testConfig()
	cfg.MaxRetries = 3
	h := newHarness(t, cfg, WithBreakers(Breakers{LLM: br}))
	h.stt.SessionFunc = finalTranscript("hello")
	h.llm.Fallback = replyChunks("unreachable")

	h.start()
	h.tr.Push(speechFrames(5, 5)...)
	err := h.wait()
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("Run err = %v, want %v", err, resilience.ErrCircuitOpen)
	}
	if got := h.calls.HangUpCount(); got != 1 {
		t.Errorf("HangUp called %d times, want 1", got)
	}
	if got := len(h.llm.Calls()); got != 0 {
		t.Errorf("llm called %d times through an open breaker", got)
	}
	if h.reg.Len() != 0 {
		t.Errorf("registry has %d calls, want 0", h.reg.Len())
	}
}

func TestController_STTStartFailureReturnsToListening(t *testing.T) {
	h := newHarness(t, testConfig())
	h.stt.StartDelay = 300 * time.Millisecond
	h.stt.StartStreamErr = errors.New("stt unavailable")

	h.start()
	// More speech than the STT queue holds while the stream is opening.
	h.tr.Push(speechFrames(150, 0)...)
	h.waitFor(StateTranscribing, StateListening)
	h.tr.Push(speechFrames(5, 5)...)
	h.waitFor(StateTranscribing, StateListening)
	h.tr.Hangup()
	if err := h.wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := len(h.stt.Streams()); got < 2 {
		t.Errorf("StartStream called %d times, want a fresh stream per utterance", got)
	}
	if h.calls.HangUpCount() != 0 {
		t.Error("failed transcriptions hung up the call")
	}
	if _, ok := h.reg.Lookup("CA1"); ok {
		t.Error("session still registered after teardown")
	}
}

func TestController_HangupWhileSTTStarting(t *testing.T) {
	h := newHarness(t, testConfig())
	h.stt.StartDelay = time.Hour

	h.start()
	h.tr.Push(speechFrames(150, 0)...)
	h.tr.Hangup()
	if err := h.wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := h.ctrl.State(); got != StateClosed {
		t.Errorf("controller state = %s, want closed", got)
	}
	if h.reg.Len() != 0 {
		t.Errorf("registry has %d calls, want 0", h.reg.Len())
	}
}

func TestController_STTStartTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.STTTimeout = 100 * time.Millisecond
	h := newHarness(t, cfg)
	h.stt.StartDelay = time.Hour

	h.start()
	h.tr.Push(speechFrames(5, 5)...)
	h.waitFor(StateTranscribing, StateListening)
	h.tr.Hangup()
	if err := h.wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.entered(StateGenerating) {
		t.Error("timed out stream open started generation")
	}
}

func TestController_GreetingIsSpoken(t *testing.T) {
	h := newHarness(t, testConfig(), WithGreeting("Thanks for calling. How can I help?"))

	h.start()
	h.waitFor(StateSynthesizing, StateListening)
	h.tr.Hangup()
	if err := h.wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	calls := h.tts.Calls()
	if len(calls) != 1 {
		t.Fatalf("tts calls = %d, want 1", len(calls))
	}
	want := []string{"Thanks for calling.", "How can I help?"}
	if len(calls[0].Texts) != len(want) {
		t.Fatalf("texts = %q, want %q", calls[0].Texts, want)
	}
	for i := range want {
		if calls[0].Texts[i] != want[i] {
			t.Errorf("text[%d] = %q, want %q", i, calls[0].Texts[i], want[i])
		}
	}
	if len(h.tr.Sent()) == 0 {
		t.Error("greeting produced no audio")
	}
	assertMessages(t, h.sess.Context.Messages(),
		types.Message{Role: types.RoleSystem, Content: "You are a helpful receptionist."},
		types.Message{Role: types.RoleAssistant, Content: "Thanks for calling. How can I help?"},
	)
}

func TestController_InterruptedGreetingNotRecorded(t *testing.T) {
	h := newHarness(t, testConfig(), WithGreeting("Hello there, this is a long greeting."))
	h.stt.SessionFunc = finalTranscript("hi")
	h.llm.Fallback = replyChunks("How can I help?")
	chunks := make([][]byte, 30)
	for i := range chunks {
		chunks[i] = pcm16k(1)
	}
	h.tts.Audio = chunks
	h.tts.ChunkDelay = 10 * time.Millisecond

	var once sync.Once
	h.tr.OnSend = func(audio.AudioFrame) {
		once.Do(func() { h.tr.Push(speechFrames(4, 5)...) })
	}

	h.start()
	h.waitFor(StateSynthesizing, StateTranscribing)
	h.waitFor(StateSynthesizing, StateListening)
	h.tr.Hangup()
	if err := h.wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	assertMessages(t, h.sess.Context.Messages(),
		types.Message{Role: types.RoleSystem, Content: "You are a helpful receptionist."},
		types.Message{Role: types.RoleUser, Content: "hi"},
		types.Message{Role: types.RoleAssistant, Content: "How can I help?"},
	)
}

// ─── Invariants ──────────────────────────────────────────────────────────────

func TestController_OneSynthesisAtATime(t *testing.T) {
	h := newHarness(t, testConfig(), WithGreeting("Hello there, this is a long greeting."))
	h.stt.SessionFunc = finalTranscript("stop")
	h.llm.Fallback = replyChunks("Okay.")
	chunks := make([][]byte, 30)
	for i := range chunks {
		chunks[i] = pcm16k(1)
	}
	h.tts.Audio = chunks
	h.tts.ChunkDelay = 10 * time.Millisecond

	var once sync.Once
	h.tr.OnSend = func(audio.AudioFrame) {
		once.Do(func() { h.tr.Push(speechFrames(4, 5)...) })
	}

	h.start()
	h.waitFor(StateSynthesizing, StateTranscribing)
	h.waitFor(StateSynthesizing, StateListening)
	h.tr.Hangup()
	if err := h.wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := len(h.tts.Calls()); got != 2 {
		t.Errorf("tts calls = %d, want 2", got)
	}
	if got := h.tts.MaxConcurrent(); got > 1 {
		t.Errorf("max concurrent syntheses = %d, want 1", got)
	}
}

func TestController_TeardownIsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig())

	h.start()
	h.sess.Stop()
	h.tr.Hangup()
	h.sess.Stop()
	if err := h.wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := h.tr.CloseCount(); got != 1 {
		t.Errorf("transport closed %d times, want 1", got)
	}
	if got := h.sess.State(); got != session.StateClosed {
		t.Errorf("session state = %s, want closed", got)
	}
	closed := 0
	for _, tr := range h.transitions() {
		if tr.to == StateClosed {
			closed++
		}
	}
	if closed != 1 {
		t.Errorf("entered closed %d times, want 1", closed)
	}
	select {
	case <-h.sess.Done():
	default:
		t.Error("session Done not closed")
	}
}

func TestController_CancelContextDrains(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.ctrl.Run(ctx) }()
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Run did not return after cancel")
	}
	if !h.tr.Closed() {
		t.Error("transport not closed")
	}
	if h.reg.Len() != 0 {
		t.Errorf("registry has %d calls, want 0", h.reg.Len())
	}
}

func TestController_RunTwice(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start()
	h.tr.Hangup()
	if err := h.wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := h.ctrl.Run(context.Background()); err == nil {
		t.Error("second Run succeeded, want error")
	}
}

// ─── Construction ────────────────────────────────────────────────────────────

func TestNew_MissingProviders(t *testing.T) {
	cc := convo.New("sys", nil)
	sess := session.New(audio.StreamInfo{CallID: "CA9"}, audiomock.New(), cc)
	_, err := New(sess, Providers{VAD: &vadmock.Engine{}}, Config{})
	if err == nil {
		t.Fatal("New succeeded without stt, llm and tts")
	}
}

func TestNew_VADSessionError(t *testing.T) {
	cc := convo.New("sys", nil)
	sess := session.New(audio.StreamInfo{CallID: "CA9"}, audiomock.New(), cc)
	_, err := New(sess, Providers{
		VAD: &vadmock.Engine{NewSessionErr: errors.New("bad frame size")},
		STT: &sttmock.Provider{},
		LLM: &llmmock.Provider{},
		TTS: &ttsmock.Provider{},
	}, Config{})
	if err == nil {
		t.Fatal("New succeeded with a failing VAD engine")
	}
	if sess.State() != session.StateAwaitingStart {
		t.Errorf("session state = %s, want awaiting_start", sess.State())
	}
}
