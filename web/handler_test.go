package web

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"babel.town/asr"
	"babel.town/chunk"
	"babel.town/session"
	"babel.town/translate"
)

var testUpgrader = websocket.Upgrader{}

// fakeEngine speaks the realtime recognition protocol: every appended frame
// yields the scripted text once, commit yields the final fragment.
func fakeEngine(t *testing.T, text string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		seq := 0
		sent := false
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			switch msg["type"] {
			case "input_audio_buffer.append":
				if sent {
					continue
				}
				sent = true
				seq++
				conn.WriteJSON(map[string]any{
					"type": "transcript.delta", "delta": text, "seq": seq,
				})
			case "input_audio_buffer.commit":
				conn.WriteJSON(map[string]any{"type": "transcript.final", "text": ""})
				return
			}
		}
	}))
}

// fakeCompletions answers every chat completion with one SSE delta.
func fakeCompletions(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "text/event-stream")
		delta := map[string]any{
			"choices": []map[string]any{{"delta": map[string]any{"content": reply}}},
		}
		raw, _ := json.Marshal(delta)
		fmt.Fprintf(w, "data: %s\n\ndata: [DONE]\n\n", raw)
	}))
}

func testHandler(t *testing.T, asrURL, translateURL string) *Handler {
	t.Helper()
	sessionCfg := session.DefaultConfig()
	sessionCfg.Chunk = chunk.Config{
		Size:             1000,
		Interval:         10 * time.Second, // only the stop flush fires
		MinAlnum:         2,
		LookBack:         24,
		OverlapRatio:     0.5,
		OverlapMinTokens: 2,
	}
	sessionCfg.RetryBackoff = 10 * time.Millisecond
	return NewHandler(Config{
		ASR:       asr.Config{URL: asrURL},
		Translate: translate.Config{URL: translateURL, APIKey: "EMPTY", Model: "test"},
		Session:   sessionCfg,
	}, nil, log.New(io.Discard))
}

func TestSessionOverWebsocket(t *testing.T) {
	engine := fakeEngine(t, "hello there friend")
	defer engine.Close()
	completions := fakeCompletions(t, "bonjour mon ami")
	defer completions.Close()

	h := testHandler(t, "ws"+strings.TrimPrefix(engine.URL, "http"), completions.URL)
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+u.Host+"/api/session", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	send := func(d directive) {
		t.Helper()
		if err := conn.WriteJSON(d); err != nil {
			t.Fatalf("write %s: %v", d.Type, err)
		}
	}

	send(directive{Type: "start", TargetLanguage: "French"})
	send(directive{Type: "audio", Audio: base64.StdEncoding.EncodeToString([]byte{0, 1, 2, 3})})
	time.Sleep(200 * time.Millisecond)
	send(directive{Type: "stop"})

	var transcripts, translations []string
	var statuses []string
	deadline := time.Now().Add(5 * time.Second)
	for {
		conn.SetReadDeadline(deadline)
		var e session.Event
		if err := conn.ReadJSON(&e); err != nil {
			break // server closed the socket after the last event
		}
		switch e.Type {
		case "transcript_delta":
			transcripts = append(transcripts, e.Text)
		case "translation_delta":
			translations = append(translations, e.Text)
		case "status":
			statuses = append(statuses, e.Message)
		case "error":
			t.Errorf("unexpected error event: %s", e.Message)
		}
	}

	if strings.Join(transcripts, "") != "hello there friend" {
		t.Errorf("transcripts = %v", transcripts)
	}
	if strings.Join(translations, "") != "bonjour mon ami" {
		t.Errorf("translations = %v", translations)
	}
	if len(statuses) == 0 || statuses[len(statuses)-1] != "closed" {
		t.Errorf("statuses = %v, want trailing \"closed\"", statuses)
	}
}

func TestUnknownDirectiveFailsSession(t *testing.T) {
	engine := fakeEngine(t, "x")
	defer engine.Close()
	completions := fakeCompletions(t, "y")
	defer completions.Close()

	h := testHandler(t, "ws"+strings.TrimPrefix(engine.URL, "http"), completions.URL)
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+u.Host+"/api/session", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.WriteJSON(directive{Type: "frobnicate"})

	var sawError bool
	deadline := time.Now().Add(5 * time.Second)
	for {
		conn.SetReadDeadline(deadline)
		var e session.Event
		if err := conn.ReadJSON(&e); err != nil {
			break
		}
		if e.Type == "error" && strings.Contains(e.Message, "protocol violation") {
			sawError = true
		}
	}
	if !sawError {
		t.Error("unknown directive did not produce a protocol violation event")
	}
}

func TestTranslateRequiresFields(t *testing.T) {
	h := testHandler(t, "ws://unused", "http://unused")
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	resp, err := http.PostForm(srv.URL+"/api/translate", url.Values{"text": {"hello"}})
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestTranscribeResponseIsValidJSON(t *testing.T) {
	// The recognition engine may hand back text with control characters;
	// the response must still be strict JSON.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"text":"hello\u0001world"}`)
	}))
	defer upstream.Close()

	h := NewHandler(Config{
		ASR:     asr.Config{TranscribeURL: upstream.URL, Model: "whisper-1"},
		Session: session.DefaultConfig(),
	}, nil, log.New(io.Discard))
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("audio", "clip.wav")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte("RIFF"))
	mw.Close()

	resp, err := http.Post(srv.URL+"/api/transcribe", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	if out.Text != "hello\x01world" {
		t.Errorf("text = %q, want %q", out.Text, "hello\x01world")
	}
}

func TestTranscribeRequiresFile(t *testing.T) {
	h := testHandler(t, "ws://unused", "http://unused")
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/transcribe", "application/x-www-form-urlencoded", strings.NewReader(""))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := testHandler(t, "ws://unused", "http://unused")
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/api/translate", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header on preflight")
	}
}
