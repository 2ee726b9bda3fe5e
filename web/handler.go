package web

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"babel.town/asr"
	"babel.town/session"
	"babel.town/translate"
)

var upgrader = websocket.Upgrader{
	// Browser clients come from arbitrary origins; auth is out of scope here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Config collects everything the handler needs to reach the upstream
// engines and shape sessions.
type Config struct {
	ASR       asr.Config
	Translate translate.Config
	Session   session.Config
}

// Handler serves the streaming session socket and the stateless one-shot
// endpoints.
type Handler struct {
	cfg        Config
	translator *translate.Client
	archiver   session.Archiver
	logger     *log.Logger
}

func NewHandler(cfg Config, archiver session.Archiver, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{
		cfg:        cfg,
		translator: translate.NewClient(cfg.Translate, logger),
		archiver:   archiver,
		logger:     logger,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors)

	r.Get("/", h.handleIndex)
	r.Get("/api/session", h.handleSession)
	r.Post("/api/transcribe", h.handleTranscribe)
	r.Post("/api/translate", h.handleTranslate)

	return r
}

func (h *Handler) handleIndex(w http.ResponseWriter, _ *http.Request) {
	tmpl := template.Must(template.New("index").Parse(`
<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Babel</title>
    <script src="https://cdn.tailwindcss.com"></script>
</head>
<body class="bg-gray-100">
    <div class="container mx-auto px-4 py-8 max-w-2xl">
        <h1 class="text-3xl font-bold mb-6">Babel</h1>
        <form id="form" class="bg-white shadow rounded-lg p-4 space-y-4">
            <textarea name="text" rows="4" class="w-full border rounded p-2" placeholder="Text to translate"></textarea>
            <input name="target_language" class="border rounded p-2" value="English">
            <button class="bg-blue-600 text-white rounded px-4 py-2">Translate</button>
        </form>
        <pre id="out" class="mt-4 whitespace-pre-wrap"></pre>
    </div>
    <script>
        document.getElementById('form').addEventListener('submit', async (e) => {
            e.preventDefault();
            const out = document.getElementById('out');
            out.textContent = '';
            const resp = await fetch('/api/translate', { method: 'POST', body: new URLSearchParams(new FormData(e.target)) });
            const reader = resp.body.getReader();
            const decoder = new TextDecoder();
            for (;;) {
                const { done, value } = await reader.read();
                if (done) break;
                out.textContent += decoder.decode(value);
            }
        });
    </script>
</body>
</html>
`))

	if err := tmpl.Execute(w, nil); err != nil {
		h.logger.Error("failed to execute template", "error", err.Error())
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// directive is one inbound client message on the session socket.
type directive struct {
	Type           string `json:"type"`
	TargetLanguage string `json:"target_language,omitempty"`
	Audio          string `json:"data,omitempty"`
}

// handleSession upgrades to a websocket and runs one session over it. The
// read loop is the only caller of session methods; the writer goroutine is
// the only writer to the socket, pumping the session's ordered event stream.
func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	dial := func(ctx context.Context) (session.Recognizer, error) {
		return asr.Dial(ctx, h.cfg.ASR, h.logger.With().WithPrefix("hear"))
	}
	sess := session.New(context.Background(), h.cfg.Session, dial, h.translator, h.archiver, h.logger)

	// Writer owns the connection teardown: once the session closes its
	// event stream, closing the socket unblocks the read loop below.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range sess.Events() {
			if err := conn.WriteJSON(e); err != nil {
				h.logger.Debug("client write failed", "error", err)
				break
			}
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}()

	for {
		var d directive
		if err := conn.ReadJSON(&d); err != nil {
			sess.Stop()
			break
		}

		switch d.Type {
		case "start":
			sess.Start(d.TargetLanguage)
		case "audio":
			data, err := base64.StdEncoding.DecodeString(d.Audio)
			if err != nil {
				sess.Abort("audio payload is not base64")
				continue
			}
			if err := sess.Audio(data); errors.Is(err, session.ErrNotStreaming) {
				sess.Abort("audio directive before start")
			}
		case "stop":
			sess.Stop()
		default:
			sess.Abort(fmt.Sprintf("unknown directive %q", d.Type))
		}
	}

	<-done
}

// handleTranscribe is the stateless one-shot path: a whole audio file in,
// recognized text out. No session, no streaming.
func (h *Handler) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("audio")
	if err != nil {
		http.Error(w, "missing audio file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	text, err := asr.Transcribe(r.Context(), h.cfg.ASR, file, header.Filename)
	if err != nil {
		h.logger.Error("transcription failed", "error", err)
		http.Error(w, "transcription failed", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{"text": text}); err != nil {
		h.logger.Error("failed to write transcription response", "error", err)
	}
}

// handleTranslate streams a one-shot translation back as plain text.
func (h *Handler) handleTranslate(w http.ResponseWriter, r *http.Request) {
	text := r.FormValue("text")
	lang := r.FormValue("target_language")
	if text == "" || lang == "" {
		http.Error(w, "text and target_language are required", http.StatusBadRequest)
		return
	}

	deltas, err := h.translator.Stream(r.Context(), text, lang)
	if err != nil {
		h.logger.Error("translation failed", "error", err)
		http.Error(w, "translation failed", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	flusher, _ := w.(http.Flusher)
	for d := range deltas {
		if d.Err != nil {
			h.logger.Error("translation stream failed", "error", d.Err)
			return
		}
		fmt.Fprint(w, d.Content)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// cors allows browser clients from any origin. The deployment fronts this
// with its own proxy when a tighter policy is needed.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
