package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/switchboard/pkg/types"
	"github.com/coder/websocket"
)

func TestNew(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		key      string
		opts     []Option
		wantErr  bool
		wantRate int
		wantFmt  string
	}{
		{name: "defaults", key: "key", wantRate: 16000, wantFmt: DefaultOutputFormat},
		{name: "24k", key: "key", opts: []Option{WithOutputFormat("pcm_24000")}, wantRate: 24000, wantFmt: "pcm_24000"},
		{name: "no key", key: "", wantErr: true},
		{name: "mp3", key: "key", opts: []Option{WithOutputFormat("mp3_44100_128")}, wantErr: true},
		{name: "ulaw", key: "key", opts: []Option{WithOutputFormat("ulaw_8000")}, wantErr: true},
		{name: "no rate", key: "key", opts: []Option{WithOutputFormat("pcm_")}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := New(tt.key, tt.opts...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if got := p.Format(); got.SampleRate != tt.wantRate || got.Channels != 1 {
				t.Errorf("Format() = %+v, want %d Hz mono", got, tt.wantRate)
			}
			if p.cfg.outputFormat != tt.wantFmt || p.cfg.model != DefaultModel {
				t.Errorf("cfg = %+v", p.cfg)
			}
		})
	}
}

func TestStreamURL(t *testing.T) {
	t.Parallel()
	p, err := New("key", WithModel("eleven_multilingual_v2"))
	if err != nil {
		t.Fatal(err)
	}
	got := p.streamURL("voice 1")
	want := "wss://api.elevenlabs.io/v1/text-to-speech/voice%201/stream-input?model_id=eleven_multilingual_v2&output_format=pcm_16000"
	if got != want {
		t.Errorf("streamURL =\n  %s\nwant\n  %s", got, want)
	}
}

func TestInputMessage(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		msg  inputMessage
		want string
	}{
		{name: "flush", msg: inputMessage{}, want: `{"text":""}`},
		{name: "fragment", msg: inputMessage{Text: "Hi. "}, want: `{"text":"Hi. "}`},
		{
			name: "handshake",
			msg:  inputMessage{Text: " ", VoiceSettings: &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}, APIKey: "k"},
			want: `{"text":" ","voice_settings":{"stability":0.5,"similarity_boost":0.75},"xi_api_key":"k"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			data, err := json.Marshal(tt.msg)
			if err != nil {
				t.Fatal(err)
			}
			if string(data) != tt.want {
				t.Errorf("got %s, want %s", data, tt.want)
			}
		})
	}
}

func TestVoiceSettings(t *testing.T) {
	t.Parallel()
	p, _ := New("key", WithVoiceSettings(0.3, 0.9))
	got := p.voiceSettings(types.VoiceProfile{ID: "v", SpeedFactor: 1.2})
	if *got != (voiceSettings{Stability: 0.3, SimilarityBoost: 0.9, Speed: 1.2}) {
		t.Errorf("voiceSettings = %+v", *got)
	}
}

func TestDecodeVoices(t *testing.T) {
	t.Parallel()
	body := `{"voices":[
		{"voice_id":"abc","name":"Rachel","category":"premade","labels":{"accent":"american"}},
		{"voice_id":"x1","name":"Ghost","category":"","labels":null}
	]}`
	voices, err := decodeVoices(strings.NewReader(body))
	if err != nil {
		t.Fatalf("decodeVoices: %v", err)
	}
	if len(voices) != 2 {
		t.Fatalf("got %d voices, want 2", len(voices))
	}
	rachel := voices[0]
	if rachel.ID != "abc" || rachel.Name != "Rachel" || rachel.Provider != "elevenlabs" {
		t.Errorf("rachel = %+v", rachel)
	}
	if rachel.Metadata["accent"] != "american" || rachel.Metadata["category"] != "premade" {
		t.Errorf("rachel metadata = %v", rachel.Metadata)
	}
	if _, ok := voices[1].Metadata["category"]; ok {
		t.Errorf("empty category kept: %v", voices[1].Metadata)
	}

	if _, err := decodeVoices(strings.NewReader(`{bad`)); err == nil {
		t.Error("decodeVoices accepted invalid JSON")
	}
}

// ─── Against a fake server ───────────────────────────────────────────────────

// fakeServer answers each text fragment with one 4-byte chunk and sends
// isFinal after the flush. Fragments are reported on received.
func fakeServer(t *testing.T, received chan<- string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/voices" {
			if r.Header.Get("xi-api-key") != "key" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			fmt.Fprint(w, `{"voices":[{"voice_id":"abc","name":"Rachel","category":"premade"}]}`)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()

		var hello inputMessage
		if _, data, err := conn.Read(ctx); err != nil || json.Unmarshal(data, &hello) != nil || hello.APIKey != "key" {
			conn.Close(websocket.StatusPolicyViolation, "bad key")
			return
		}
		chunk := base64.StdEncoding.EncodeToString([]byte{1, 0, 2, 0})
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg inputMessage
			if json.Unmarshal(data, &msg) != nil {
				continue
			}
			if msg.Text == "" {
				_ = conn.Write(ctx, websocket.MessageText, []byte(`{"isFinal":true}`))
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			received <- msg.Text
			_ = conn.Write(ctx, websocket.MessageText, fmt.Appendf(nil, `{"audio":%q}`, chunk))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestProvider(t *testing.T, srv *httptest.Server, key string) *Provider {
	t.Helper()
	p, err := New(key, WithBaseURLs("ws"+strings.TrimPrefix(srv.URL, "http"), srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestSynthesizeStream(t *testing.T) {
	t.Parallel()
	received := make(chan string, 8)
	p := newTestProvider(t, fakeServer(t, received), "key")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	text := make(chan string, 3)
	text <- "Hello there."
	text <- "   "
	text <- "How can I help?"
	close(text)

	stream, err := p.SynthesizeStream(ctx, text, types.VoiceProfile{ID: "v1"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	var chunks int
	for chunk := range stream.Audio() {
		if len(chunk) != 4 {
			t.Errorf("chunk length = %d, want 4", len(chunk))
		}
		chunks++
	}
	if err := stream.Err(); err != nil {
		t.Fatalf("stream.Err() = %v", err)
	}
	if chunks != 2 {
		t.Errorf("got %d chunks, want 2 (blank fragment skipped)", chunks)
	}
	for _, want := range []string{"Hello there. ", "How can I help? "} {
		if got := <-received; got != want {
			t.Errorf("fragment = %q, want %q", got, want)
		}
	}
}

func TestSynthesizeStream_EmptyVoice(t *testing.T) {
	t.Parallel()
	p, _ := New("key")
	if _, err := p.SynthesizeStream(context.Background(), nil, types.VoiceProfile{}); err == nil {
		t.Error("expected an error for an empty voice id")
	}
}

func TestListVoices(t *testing.T) {
	t.Parallel()
	srv := fakeServer(t, make(chan string, 1))

	voices, err := newTestProvider(t, srv, "key").ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 1 || voices[0].ID != "abc" {
		t.Errorf("voices = %+v, want one voice abc", voices)
	}

	if _, err := newTestProvider(t, srv, "wrong").ListVoices(context.Background()); err == nil {
		t.Error("expected an error for an unauthorized key")
	}
}
