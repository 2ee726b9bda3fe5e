package asr

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	openai "github.com/sashabaranov/go-openai"

	"babel.town/transcript"
)

const (
	// PingInterval and PongTimeout keep the upstream socket alive through
	// long silences.
	PingInterval = 30 * time.Second
	PongTimeout  = 60 * time.Second

	// audioQueueSize bounds the outbound audio buffer. Intake never blocks
	// on the upstream write; a full queue is reported to the caller.
	audioQueueSize = 100
)

// Config locates the upstream recognition engine.
type Config struct {
	// URL is the realtime websocket endpoint, e.g. ws://host:8002/v1/realtime.
	URL string
	// APIKey authenticates both the realtime and one-shot endpoints.
	APIKey string
	// TranscribeURL is the OpenAI-compatible base URL for one-shot
	// transcription, e.g. http://host:8000/v1.
	TranscribeURL string
	// Model names the recognition model for one-shot requests.
	Model string
	// SampleRate describes the PCM16 mono frames we forward.
	SampleRate int
}

// Stream is one live recognition session over the upstream websocket. Audio
// frames go up as base64 append messages; transcript fragments come back on
// the channel pair returned by Receive.
type Stream struct {
	conn       *websocket.Conn
	audio      chan []byte
	done       chan struct{}
	writerDone chan struct{}
	logger     *log.Logger
	seq        int
}

type appendMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type commitMessage struct {
	Type string `json:"type"`
}

type transcriptMessage struct {
	Type    string `json:"type"`
	Delta   string `json:"delta,omitempty"`
	Text    string `json:"text,omitempty"`
	Replace int    `json:"replace,omitempty"`
	Seq     int    `json:"seq,omitempty"`
}

// Dial opens a recognition stream. The language hint rides along as a query
// parameter; engines that do their own detection ignore it.
func Dial(ctx context.Context, cfg Config, logger *log.Logger) (*Stream, error) {
	if logger == nil {
		logger = log.Default()
	}

	header := http.Header{}
	if cfg.APIKey != "" {
		header.Set("Authorization", fmt.Sprintf("Bearer %s", cfg.APIKey))
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to recognition engine: %w", err)
	}

	s := &Stream{
		conn:       conn,
		audio:      make(chan []byte, audioQueueSize),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		logger:     logger,
	}

	go s.writeLoop()
	go s.keepAlive()

	return s, nil
}

// SendAudio queues one PCM16 frame for the upstream engine. It never blocks:
// a full queue means the upstream writer has stalled, which the caller
// treats as a session error rather than propagating backpressure to intake.
func (s *Stream) SendAudio(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	select {
	case <-s.done:
		return fmt.Errorf("recognition stream closed")
	default:
	}
	select {
	case s.audio <- data:
		return nil
	default:
		return fmt.Errorf("audio queue full")
	}
}

// Commit tells the engine no more audio is coming. The engine answers with a
// final fragment and closes its side. The commit rides the audio queue so it
// is serialized after every frame already queued; a nil entry is the
// sentinel the write loop understands.
func (s *Stream) Commit() error {
	select {
	case <-s.done:
		return fmt.Errorf("recognition stream closed")
	case s.audio <- nil:
		return nil
	}
}

// Receive starts the read loop and returns the fragment and error channels.
// Both close when the upstream stream ends; an entry on the error channel
// means the stream ended abnormally.
func (s *Stream) Receive(ctx context.Context) (<-chan transcript.Fragment, <-chan error) {
	frags := make(chan transcript.Fragment)
	errs := make(chan error, 1)

	go func() {
		defer close(frags)
		defer close(errs)

		for {
			var msg transcriptMessage
			if err := s.conn.ReadJSON(&msg); err != nil {
				if ctx.Err() != nil {
					return
				}
				if websocket.IsUnexpectedCloseError(err,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway) {
					errs <- fmt.Errorf("recognition stream closed unexpectedly: %w", err)
				}
				return
			}

			frag, ok := s.fragment(msg)
			if !ok {
				continue
			}

			select {
			case frags <- frag:
			case <-ctx.Done():
				return
			}

			if frag.Final {
				return
			}
		}
	}()

	return frags, errs
}

// fragment maps a wire message to a transcript fragment. Engines that omit
// sequence numbers get a locally assigned one; they are then in arrival
// order by construction.
func (s *Stream) fragment(msg transcriptMessage) (transcript.Fragment, bool) {
	switch msg.Type {
	case "transcript.delta":
		seq := msg.Seq
		if seq == 0 {
			s.seq++
			seq = s.seq
		} else {
			s.seq = seq
		}
		return transcript.Fragment{
			Seq:     seq,
			Text:    msg.Delta,
			Replace: msg.Replace,
		}, true
	case "transcript.final":
		s.seq++
		return transcript.Fragment{
			Seq:   s.seq,
			Text:  msg.Text,
			Final: true,
		}, true
	default:
		s.logger.Debug("ignored message", "type", msg.Type)
		return transcript.Fragment{}, false
	}
}

// Close tears the stream down. Safe to call more than once. The close frame
// goes out through the write loop, which owns all data writes on the socket;
// Close only waits for it and then drops the connection.
func (s *Stream) Close() error {
	select {
	case <-s.done:
		return nil
	default:
		close(s.done)
	}

	select {
	case <-s.writerDone:
	case <-time.After(time.Second):
		// A stalled write is unblocked by closing the connection.
	}
	return s.conn.Close()
}

// writeLoop drains the audio queue onto the socket. It is the only writer
// of data frames; on shutdown it also writes the close frame.
func (s *Stream) writeLoop() {
	defer close(s.writerDone)
	for {
		select {
		case <-s.done:
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-s.audio:
			var msg any
			if data == nil {
				msg = commitMessage{Type: "input_audio_buffer.commit"}
			} else {
				msg = appendMessage{
					Type:  "input_audio_buffer.append",
					Audio: base64.StdEncoding.EncodeToString(data),
				}
			}
			if err := s.conn.WriteJSON(msg); err != nil {
				s.logger.Error("failed to write upstream message", "error", err)
				return
			}
		}
	}
}

func (s *Stream) keepAlive() {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(PongTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, []byte{}, deadline); err != nil {
				s.logger.Debug("keepalive ping failed", "error", err)
				return
			}
		}
	}
}

// Transcribe runs the one-shot recognition path: the whole audio payload in,
// recognized text out. Serves the stateless upload endpoint, independent of
// any streaming session.
func Transcribe(ctx context.Context, cfg Config, audio io.Reader, filename string) (string, error) {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = cfg.TranscribeURL
	client := openai.NewClientWithConfig(clientCfg)

	resp, err := client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    cfg.Model,
		Reader:   audio,
		FilePath: filename,
	})
	if err != nil {
		return "", fmt.Errorf("transcription failed: %w", err)
	}
	return resp.Text, nil
}
