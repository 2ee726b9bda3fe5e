package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"babel.town/chunk"
	"babel.town/transcript"
	"babel.town/translate"
)

// State is the session lifecycle position.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateStopping
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	}
	return "unknown"
}

// ErrNotStreaming is returned for audio frames arriving outside the
// streaming state.
var ErrNotStreaming = errors.New("session is not streaming")

// Recognizer is the upstream ASR stream the session relays audio into.
// asr.Stream satisfies it; tests substitute fakes.
type Recognizer interface {
	SendAudio(data []byte) error
	Commit() error
	Receive(ctx context.Context) (<-chan transcript.Fragment, <-chan error)
	Close() error
}

// RecognizerDialer opens the upstream recognition stream when a session
// leaves idle.
type RecognizerDialer func(ctx context.Context) (Recognizer, error)

// Translator streams one chunk through the translation engine.
type Translator interface {
	Stream(ctx context.Context, text, targetLanguage string) (<-chan translate.Delta, error)
}

// Event is one outbound message to the client. Events leave the session on
// a single ordered channel; the connection handler is the only writer to
// the socket.
type Event struct {
	Type         string `json:"type"`
	Message      string `json:"message,omitempty"`
	Text         string `json:"text,omitempty"`
	IsCorrection bool   `json:"is_correction,omitempty"`
}

// Summary is the archived record of a finished session.
type Summary struct {
	ID             string
	TargetLanguage string
	StartedAt      time.Time
	EndedAt        time.Time
	Transcript     string
	Translation    string
	Chunks         int
	Error          string
}

// Archiver persists session summaries. Archive failures never affect the
// session itself.
type Archiver interface {
	Save(ctx context.Context, summary Summary) error
}

// Config carries the per-deployment policy values.
type Config struct {
	Chunk        chunk.Config
	DrainTimeout time.Duration
	OutboxSize   int
	RetryBackoff time.Duration
}

func DefaultConfig() Config {
	return Config{
		Chunk:        chunk.DefaultConfig(),
		DrainTimeout: 10 * time.Second,
		OutboxSize:   256,
		RetryBackoff: 500 * time.Millisecond,
	}
}

// job is one filtered chunk queued for translation.
type job struct {
	seq  int
	text string
}

// Session owns all mutable state for one client connection: the running
// transcript, the chunk pipeline, and the upstream handles. Nothing here is
// shared across sessions.
type Session struct {
	ID string

	cfg        Config
	dial       RecognizerDialer
	translator Translator
	archiver   Archiver
	logger     *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	state          State
	targetLanguage string
	rec            Recognizer
	startedAt      time.Time
	failure        error
	eventsClosed   bool

	events chan Event
	jobs   chan job
	stop   chan struct{}

	stopOnce   sync.Once
	workerDone sync.WaitGroup

	// Owned by the relay goroutine.
	builder *transcript.Builder
	chunker *chunk.Chunker
	filter  *chunk.Filter
	chunks  int

	// Owned by the translation worker, read after it exits.
	translation strings.Builder
}

// New builds an idle session. The context bounds the session's whole life;
// canceling it hard-stops everything.
func New(ctx context.Context, cfg Config, dial RecognizerDialer, translator Translator, archiver Archiver, logger *log.Logger) *Session {
	if logger == nil {
		logger = log.Default()
	}
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(ctx)
	return &Session{
		ID:         id,
		cfg:        cfg,
		dial:       dial,
		translator: translator,
		archiver:   archiver,
		logger:     logger.With("session", id[:8]),
		ctx:        ctx,
		cancel:     cancel,
		state:      StateIdle,
		events:     make(chan Event, cfg.OutboxSize),
		jobs:       make(chan job, 8),
		stop:       make(chan struct{}),
	}
}

// Events is the ordered outbound stream. It closes when the session is
// fully finished.
func (s *Session) Events() <-chan Event { return s.events }

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start moves idle → connecting → streaming: it opens the upstream
// recognition stream and launches the relay. The translation connection
// opens lazily on the first accepted chunk.
func (s *Session) Start(targetLanguage string) error {
	if strings.TrimSpace(targetLanguage) == "" {
		return s.failf("start directive is missing a target language")
	}

	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return s.failf("start directive in state %s", s.state)
	}
	s.state = StateConnecting
	s.targetLanguage = targetLanguage
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.emit(Event{Type: "status", Message: "connecting"})

	rec, err := s.dial(s.ctx)
	if err != nil {
		return s.fail(fmt.Errorf("recognition engine unavailable: %w", err))
	}

	s.mu.Lock()
	s.rec = rec
	s.state = StateStreaming
	s.mu.Unlock()

	s.builder = transcript.NewBuilder(s.logger)
	s.chunker = chunk.NewChunker(s.cfg.Chunk, time.Now())
	s.filter = chunk.NewFilter(s.cfg.Chunk, s.logger)

	s.workerDone.Add(1)
	go s.translateLoop()
	go s.run()

	s.emit(Event{Type: "status", Message: "streaming"})
	s.logger.Info("session started", "language", targetLanguage)
	return nil
}

// Audio forwards one PCM frame upstream. Frames outside streaming are a
// protocol violation.
func (s *Session) Audio(data []byte) error {
	s.mu.Lock()
	state, rec := s.state, s.rec
	s.mu.Unlock()

	if state != StateStreaming {
		if state == StateStopping || state == StateClosed {
			// Frames racing a stop are dropped, not an error.
			return nil
		}
		return ErrNotStreaming
	}

	if err := rec.SendAudio(data); err != nil {
		return s.fail(fmt.Errorf("audio relay failed: %w", err))
	}
	return nil
}

// Stop begins the drain: no more audio goes upstream, the engine is asked
// to finalize, pending text flushes regardless of thresholds, and in-flight
// translations complete within the drain timeout.
func (s *Session) Stop() {
	s.mu.Lock()
	switch s.state {
	case StateStreaming:
		s.state = StateStopping
		s.mu.Unlock()
		s.emit(Event{Type: "status", Message: "stopping"})
		s.stopOnce.Do(func() { close(s.stop) })
	case StateIdle, StateConnecting:
		s.state = StateClosed
		s.mu.Unlock()
		s.cancel()
		s.closeEvents()
	default:
		s.mu.Unlock()
	}
}

// run is the relay goroutine: it consumes recognition fragments, reconciles
// them, feeds the chunk pipeline, and shuts the session down when the
// upstream ends or the drain times out.
func (s *Session) run() {
	frags, errs := s.rec.Receive(s.ctx)

	poll := s.cfg.Chunk.Interval / 2
	if poll < 50*time.Millisecond {
		poll = 50 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	stop := s.stop
	var drain <-chan time.Time

consume:
	for {
		select {
		case <-s.ctx.Done():
			s.finish(false)
			return

		case frag, ok := <-frags:
			if !ok {
				break consume
			}
			for _, delta := range s.builder.Apply(frag) {
				s.emitTranscript(delta)
			}
			s.tryChunk(false)

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				s.fail(err)
				s.finish(false)
				return
			}

		case <-ticker.C:
			s.tryChunk(false)

		case <-stop:
			stop = nil
			if err := s.rec.Commit(); err != nil {
				s.logger.Warn("commit failed", "error", err)
				break consume
			}
			drain = time.After(s.cfg.DrainTimeout)

		case <-drain:
			s.logger.Warn("drain timeout, forcing close")
			break consume
		}
	}

	s.tryChunk(true)
	s.finish(true)
}

// tryChunk runs one pass of the chunk pipeline over the unfrozen tail.
// force bypasses the thresholds on stop.
func (s *Session) tryChunk(force bool) {
	// Leave the span unfrozen when the translation queue is full; the
	// chunker proposes it again once the worker catches up. Intake must
	// never block here.
	if !force && len(s.jobs) == cap(s.jobs) {
		s.chunker.Defer(time.Now())
		return
	}

	cand, ok := s.chunker.Next(s.builder.Unfrozen(), s.builder.Frozen(), time.Now(), force)
	if !ok {
		return
	}

	admitted, ok := s.filter.Admit(cand)
	if !ok {
		// Redundant with the previous chunk's tail; its text stays
		// unfrozen and merges into the next window.
		s.chunker.Defer(time.Now())
		return
	}

	s.builder.Freeze(cand.End)
	s.chunks++
	j := job{seq: s.chunks, text: admitted.Text}

	select {
	case s.jobs <- j:
		s.logger.Debug("chunk accepted", "seq", j.seq, "chars", len(j.text))
	case <-s.ctx.Done():
	}
}

// translateLoop is the single translation worker. One worker means chunk N
// always flushes fully before chunk N+1 regardless of upstream completion
// order.
func (s *Session) translateLoop() {
	defer s.workerDone.Done()

	for j := range s.jobs {
		s.translateChunk(j)
	}
}

// translateChunk streams one chunk through the engine, retrying once with
// backoff if the request failed before any output was produced. A chunk
// that fails twice gets a scoped error event; the session keeps going.
func (s *Session) translateChunk(j job) {
	s.mu.Lock()
	lang := s.targetLanguage
	s.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(s.cfg.RetryBackoff):
			case <-s.ctx.Done():
				return
			}
		}

		deltas, err := s.translator.Stream(s.ctx, j.text, lang)
		if err != nil {
			lastErr = err
			continue
		}

		emitted := false
		var streamErr error
		for d := range deltas {
			if d.Err != nil {
				streamErr = d.Err
				break
			}
			emitted = true
			s.translation.WriteString(d.Content)
			s.emit(Event{Type: "translation_delta", Text: d.Content})
		}
		if streamErr == nil {
			return
		}
		lastErr = streamErr
		if emitted {
			// Retrying after partial output would duplicate text, so a
			// mid-stream failure is reported instead of retried.
			break
		}
	}

	s.logger.Error("chunk translation failed", "seq", j.seq, "error", lastErr)
	s.emit(Event{
		Type:    "error",
		Message: fmt.Sprintf("translation failed for chunk %d (%q)", j.seq, snippet(j.text)),
	})
}

// finish drains the translation worker, archives the summary, and closes
// the event stream. graceful distinguishes a drained stop from a failure
// path that already emitted its error.
func (s *Session) finish(graceful bool) {
	close(s.jobs)

	done := make(chan struct{})
	go func() {
		s.workerDone.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.DrainTimeout):
		s.logger.Warn("translation worker did not drain in time")
		s.cancel()
		<-done
	}

	s.mu.Lock()
	if s.state != StateError {
		s.state = StateClosed
	}
	failure := s.failure
	s.mu.Unlock()

	if graceful {
		s.emit(Event{Type: "status", Message: "closed"})
	}

	s.archive(failure)
	s.cancel()
	if rec := s.recognizer(); rec != nil {
		rec.Close()
	}
	s.closeEvents()
	s.logger.Info("session closed", "chunks", s.chunks, "misses", s.builder.Misses())
}

func (s *Session) recognizer() Recognizer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec
}

// fail records a fatal error, tells the client, and cancels the session.
// The relay goroutine notices the cancellation and runs the shutdown path.
func (s *Session) fail(err error) error {
	s.mu.Lock()
	if s.state == StateError || s.state == StateClosed {
		s.mu.Unlock()
		return err
	}
	wasIdle := s.state == StateIdle || s.state == StateConnecting
	s.state = StateError
	s.failure = err
	s.mu.Unlock()

	s.logger.Error("session failed", "error", err)
	s.emit(Event{Type: "error", Message: err.Error()})
	s.cancel()

	if wasIdle {
		// No relay goroutine is running yet; close out here.
		s.closeEvents()
	}
	return err
}

func (s *Session) failf(format string, args ...any) error {
	return s.fail(fmt.Errorf(format, args...))
}

// Abort fails the session for a protocol violation detected by the
// transport layer, e.g. a malformed or out-of-order directive.
func (s *Session) Abort(reason string) {
	s.failf("protocol violation: %s", reason)
}

// emit queues one event for the connection writer. A full outbox means the
// client cannot keep up; the session dies rather than stalling upstream
// reads. The mutex serializes emission against closeEvents: Stop and fail
// run on the transport goroutine and can otherwise race the relay's
// shutdown into a send on a closed channel.
func (s *Session) emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventsClosed {
		return
	}
	select {
	case s.events <- e:
	default:
		s.logger.Error("outbox overflow, dropping session", "type", e.Type)
		s.cancel()
	}
}

// closeEvents closes the outbound stream exactly once.
func (s *Session) closeEvents() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventsClosed {
		return
	}
	s.eventsClosed = true
	close(s.events)
}

func (s *Session) emitTranscript(d transcript.Delta) {
	if d.Text == "" && d.Replaced == 0 {
		return
	}
	if d.Replaced > 0 {
		// Corrections re-send the whole transcript; the client replaces
		// its display. Appends stay incremental.
		s.emit(Event{Type: "transcript_delta", Text: s.builder.String(), IsCorrection: true})
		return
	}
	s.emit(Event{Type: "transcript_delta", Text: d.Text})
}

func (s *Session) archive(failure error) {
	if s.archiver == nil {
		return
	}

	summary := Summary{
		ID:             s.ID,
		TargetLanguage: s.targetLanguage,
		StartedAt:      s.startedAt,
		EndedAt:        time.Now(),
		Transcript:     s.builder.String(),
		Translation:    s.translation.String(),
		Chunks:         s.chunks,
	}
	if failure != nil {
		summary.Error = failure.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.archiver.Save(ctx, summary); err != nil {
		s.logger.Warn("failed to archive session", "error", err)
	}
}

func snippet(s string) string {
	runes := []rune(s)
	if len(runes) > 32 {
		return string(runes[:32]) + "…"
	}
	return s
}
