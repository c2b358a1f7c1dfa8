// Package conversation drives one voice session: it opens the live
// transport, streams the microphone, schedules assistant audio and turns the
// server's event stream into status changes, tool dispatches and history.
//
// All session state is owned by a single loop goroutine. Audio device
// callbacks and background work post events back into that loop.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/rafiqa/internal/audio"
	"github.com/ent0n29/rafiqa/internal/capture"
	"github.com/ent0n29/rafiqa/internal/live"
	"github.com/ent0n29/rafiqa/internal/observability"
	"github.com/ent0n29/rafiqa/internal/playback"
	"github.com/ent0n29/rafiqa/internal/tools"
)

const (
	defaultOpenTimeout = 15 * time.Second
	internalQueueDepth = 64
)

var ackResult = map[string]any{"result": "ok"}

// Deps are the collaborators a Machine drives. Transport, Microphone,
// Speaker, Dispatcher and Notifier are required.
type Deps struct {
	Transport   Transport
	Microphone  capture.Source
	Speaker     playback.Output
	Dispatcher  Dispatcher
	Notifier    Notifier
	Fulfiller   Fulfiller
	Synthesizer Synthesizer
	Observer    Observer
	Logger      zerolog.Logger
	Metrics     *observability.Metrics
}

type Options struct {
	Mode    Mode
	Session live.SessionConfig
	// FrameSize is the capture frame length in samples.
	FrameSize int
	// OnSubmit receives the dictated text in ModeDictation.
	OnSubmit    func(text string)
	OpenTimeout time.Duration
}

type pendingClarification struct {
	call     live.ToolCall
	arg      string
	question string
	promptID uint64
	askedAt  time.Time
	muted    bool
}

// Machine is the conversation state machine for one session.
type Machine struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger

	mu      sync.Mutex
	status  Status
	history []HistoryEntry
	running bool
	closed  bool
	// awaiting mirrors pending != nil for readers outside the loop.
	awaiting bool

	// owned by the loop
	conn     Conn
	capture  *capture.Capture
	player   *playback.Scheduler
	input    strings.Builder
	output   strings.Builder
	pending  *pendingClarification
	image    string
	turnAt   time.Time
	heardAny bool

	ctx      context.Context
	cancel   context.CancelFunc
	internal chan any
	loopDone chan struct{}
	done     chan struct{}

	closeOnce sync.Once
}

func New(deps Deps, opts Options) (*Machine, error) {
	switch {
	case deps.Transport == nil:
		return nil, errors.New("conversation: transport is required")
	case deps.Speaker == nil:
		return nil, errors.New("conversation: speaker is required")
	case deps.Dispatcher == nil:
		return nil, errors.New("conversation: dispatcher is required")
	case deps.Notifier == nil:
		return nil, errors.New("conversation: notifier is required")
	}
	if opts.Mode == "" {
		opts.Mode = ModeConversational
	}
	if opts.Mode == ModeDictation && opts.OnSubmit == nil {
		return nil, errors.New("conversation: dictation mode needs OnSubmit")
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = defaultOpenTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Machine{
		deps:     deps,
		opts:     opts,
		logger:   deps.Logger.With().Str("mode", string(opts.Mode)).Logger(),
		status:   StatusIdle,
		ctx:      ctx,
		cancel:   cancel,
		internal: make(chan any, internalQueueDepth),
		loopDone: make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start connects, waits for the session to open and begins capturing. It is
// a no-op while the machine is listening or already holds a session. Any
// failure tears the machine down; a new one is needed to retry.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return ErrClosed
	case m.status == StatusListening, m.running:
		// Status returns to idle between turns, so the session handle is
		// checked as well.
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	started := time.Now()
	conn, err := m.deps.Transport.Connect(ctx, m.opts.Session)
	if err != nil {
		m.fail("Could not connect to the assistant.", err)
		return fmt.Errorf("connect: %w", err)
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		if err := conn.Close(); err != nil {
			m.logger.Debug().Err(err).Msg("close live session")
		}
		close(m.loopDone)
		return ErrClosed
	}
	m.conn = conn
	m.mu.Unlock()

	if err := m.awaitOpen(ctx); err != nil {
		m.fail("The assistant did not answer.", err)
		return err
	}
	if err := m.begin(); err != nil {
		m.fail("Microphone access was denied.", err)
		return err
	}
	m.deps.Metrics.SessionEvent("started")
	m.deps.Metrics.ObserveTurnStage(observability.StageSessionOpen, time.Since(started))
	m.logger.Info().Dur("open_ms", time.Since(started)).Msg("conversation started")

	go m.run(conn.Events())
	return nil
}

func (m *Machine) awaitOpen(ctx context.Context) error {
	timer := time.NewTimer(m.opts.OpenTimeout)
	defer timer.Stop()
	events := m.conn.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.ctx.Done():
			return ErrClosed
		case <-timer.C:
			return errors.New("timed out waiting for session open")
		case ev, ok := <-events:
			if !ok {
				return live.ErrClosed
			}
			switch ev.Type {
			case live.EventOpen:
				return nil
			case live.EventClosed:
				return live.ErrClosed
			case live.EventError:
				if ev.Fatal() {
					return ev.Err
				}
				m.logger.Warn().Err(ev.Err).Msg("live error before open")
			default:
				m.logger.Debug().Str("type", string(ev.Type)).Msg("event before open ignored")
			}
		}
	}
}

// begin wires playback and capture to an open connection.
func (m *Machine) begin() error {
	player := playback.NewScheduler(m.deps.Speaker, func(id uint64) {
		m.post(playbackEnded{id: id})
	})
	m.mu.Lock()
	m.player = player
	m.mu.Unlock()
	c, err := capture.Start(m.deps.Microphone, capture.Config{FrameSize: m.opts.FrameSize}, m.conn, m.logger, m.deps.Metrics)
	if err != nil {
		return err
	}
	m.capture = c
	m.setStatus(StatusListening)
	return nil
}

// fail reports a Start failure and releases everything acquired so far.
func (m *Machine) fail(message string, err error) {
	m.logger.Error().Err(err).Msg("conversation start failed")
	m.deps.Metrics.SessionEvent("start_failed")
	m.deps.Notifier.Notify(Notification{Level: LevelError, Message: message})
	close(m.loopDone)
	m.teardown()
}

func (m *Machine) run(events <-chan live.Event) {
	defer func() {
		close(m.loopDone)
		m.teardown()
	}()
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !m.dispatch(ev) {
				return
			}
		case ev := <-m.internal:
			if !m.dispatch(ev) {
				return
			}
		}
	}
}

// post hands an event to the loop. Events posted after the loop exits are
// discarded.
func (m *Machine) post(ev any) {
	select {
	case m.internal <- ev:
	case <-m.loopDone:
	}
}

// dispatch applies one event. It returns false when the session must end.
func (m *Machine) dispatch(ev any) bool {
	switch e := ev.(type) {
	case live.Event:
		switch e.Type {
		case live.EventInputTranscript:
			m.onInputTranscript(e.Text)
		case live.EventOutputTranscript:
			m.onOutputTranscript(e.Text)
		case live.EventAudio:
			m.onAudio(e.Audio)
		case live.EventToolCall:
			m.onToolCall(e.Calls)
		case live.EventTurnComplete:
			return m.onTurnComplete()
		case live.EventInterrupted:
			m.onInterrupted()
		case live.EventError:
			return m.onError(e)
		case live.EventClosed:
			m.onClosed()
			return false
		case live.EventOpen:
		}
	case playbackEnded:
		m.onPlaybackEnded(e.id)
	case fulfillmentDone:
		m.onFulfillmentDone(e)
	case promptSynthesized:
		m.onPromptSynthesized(e)
	default:
		m.logger.Warn().Type("event", ev).Msg("unknown conversation event")
	}
	return true
}

func (m *Machine) onInputTranscript(text string) {
	if text == "" {
		return
	}
	if p := m.pending; p != nil && !p.muted {
		// The user is answering; stop the question if it is still playing.
		p.muted = true
		if p.promptID != 0 {
			m.player.Stop(p.promptID)
		}
	}
	if m.input.Len() == 0 && m.output.Len() == 0 {
		m.turnAt = time.Now()
		m.heardAny = false
	}
	m.input.WriteString(text)
	m.setStatus(StatusProcessing)
	m.observeTranscript(RoleUser, text)
}

func (m *Machine) onOutputTranscript(text string) {
	if text == "" {
		return
	}
	m.output.WriteString(text)
	m.setStatus(StatusSpeaking)
	m.observeTranscript(RoleModel, text)
}

func (m *Machine) onAudio(wire string) {
	buf, err := audio.DecodeWirePlayback(wire)
	if err != nil {
		m.deps.Metrics.ObserveDecodeError()
		m.logger.Warn().Err(err).Msg("dropping undecodable audio chunk")
		return
	}
	if !m.heardAny && !m.turnAt.IsZero() {
		m.heardAny = true
		m.deps.Metrics.ObserveFirstAudioLatency(time.Since(m.turnAt))
	}
	if _, _, err := m.player.Enqueue(buf); err != nil {
		m.logger.Warn().Err(err).Msg("enqueue assistant audio")
		return
	}
	m.setStatus(StatusSpeaking)
}

func (m *Machine) onToolCall(calls []live.ToolCall) {
	for _, call := range calls {
		if c, ok := tools.NeedsClarification(call.Name, call.Args); ok {
			m.beginClarification(call, c)
			continue
		}

		m.deps.Dispatcher.Dispatch(call.Name, call.Args)
		if m.deps.Fulfiller != nil && m.deps.Fulfiller.Handles(call.Name) {
			m.deps.Metrics.ObserveToolCall(call.Name, "fulfilling")
			m.setStatus(StatusProcessing)
			go m.fulfill(call)
			continue
		}
		m.deps.Metrics.ObserveToolCall(call.Name, "dispatched")
		m.sendToolResult(call, ackResult)
	}
}

func (m *Machine) beginClarification(call live.ToolCall, c tools.Clarification) {
	if m.pending != nil {
		m.logger.Warn().Str("tool", call.Name).Msg("clarification already pending; call rejected")
		m.deps.Metrics.ObserveToolCall(call.Name, "rejected")
		m.sendToolResult(call, map[string]any{"error": "clarification already pending"})
		return
	}
	m.deps.Metrics.ObserveToolCall(call.Name, "clarify")
	m.deps.Metrics.ObserveTurnIndicator("clarification_requested")
	p := &pendingClarification{call: call, arg: c.Arg, question: c.Question, askedAt: time.Now()}
	m.setPending(p)
	// The request that triggered the call is consumed by it; the next
	// utterance is the answer.
	m.input.Reset()
	m.output.Reset()
	m.setStatus(StatusSpeaking)
	m.observeTranscript(RoleModel, c.Question)
	m.logger.Debug().Str("tool", call.Name).Str("arg", c.Arg).Msg("asking for clarification")

	if m.deps.Synthesizer == nil {
		return
	}
	go func() {
		buf, err := m.deps.Synthesizer.Synthesize(m.ctx, c.Question)
		m.post(promptSynthesized{pending: p, buf: buf, err: err})
	}()
}

func (m *Machine) onPromptSynthesized(e promptSynthesized) {
	if e.pending != m.pending || e.pending.muted {
		return
	}
	if e.err != nil {
		m.logger.Warn().Err(e.err).Msg("clarification prompt synthesis failed")
		m.deps.Notifier.Notify(Notification{Level: LevelInfo, Message: e.pending.question})
		return
	}
	id, _, err := m.player.Enqueue(e.buf)
	if err != nil {
		m.logger.Warn().Err(err).Msg("enqueue clarification prompt")
		m.deps.Notifier.Notify(Notification{Level: LevelInfo, Message: e.pending.question})
		return
	}
	e.pending.promptID = id
	m.deps.Metrics.ObserveTurnStage(observability.StageClarificationPrompt, time.Since(e.pending.askedAt))
	m.setStatus(StatusSpeaking)
}

func (m *Machine) fulfill(call live.ToolCall) {
	started := time.Now()
	res, err := m.deps.Fulfiller.Fulfill(m.ctx, call.Name, call.Args)
	m.deps.Metrics.ObserveTurnStage(observability.StageToolFulfillment, time.Since(started))
	m.post(fulfillmentDone{call: call, result: res, err: err})
}

func (m *Machine) onFulfillmentDone(e fulfillmentDone) {
	if e.err != nil {
		m.deps.Metrics.ObserveToolCall(e.call.Name, "failed")
		m.logger.Error().Err(e.err).Str("tool", e.call.Name).Msg("tool fulfillment failed")
		m.deps.Notifier.Notify(Notification{Level: LevelError, Message: fmt.Sprintf("Couldn't finish %s.", e.call.Name)})
		m.sendToolResult(e.call, map[string]any{"error": e.err.Error()})
		return
	}
	m.deps.Metrics.ObserveToolCall(e.call.Name, "fulfilled")
	if e.result.ImageURL != "" {
		m.image = e.result.ImageURL
		if m.deps.Observer != nil {
			m.deps.Observer.ObserveImage(e.result.ImageURL)
		}
	}
	response := e.result.Response
	if response == nil {
		response = ackResult
	}
	m.sendToolResult(e.call, response)
}

func (m *Machine) sendToolResult(call live.ToolCall, result map[string]any) {
	if err := m.conn.SendToolResult(call.ID, call.Name, result); err != nil {
		m.logger.Warn().Err(err).Str("tool", call.Name).Msg("send tool result")
	}
}

func (m *Machine) onTurnComplete() bool {
	input := strings.TrimSpace(m.input.String())
	output := strings.TrimSpace(m.output.String())
	image := m.image
	turnAt := m.turnAt
	m.input.Reset()
	m.output.Reset()
	m.image = ""
	m.turnAt = time.Time{}
	m.heardAny = false
	defer m.setStatus(StatusIdle)

	if p := m.pending; p != nil && input != "" {
		m.setPending(nil)
		if p.promptID != 0 {
			m.player.Stop(p.promptID)
		}
		args := tools.MergeAnswer(p.call.Args, p.arg, input)
		m.deps.Dispatcher.Dispatch(p.call.Name, args)
		m.sendToolResult(p.call, ackResult)
		m.deps.Metrics.ObserveToolCall(p.call.Name, "clarified")
		m.logger.Debug().Str("tool", p.call.Name).Msg("clarification answered")
		return true
	}

	if m.opts.Mode == ModeDictation {
		if input == "" {
			return true
		}
		m.deps.Metrics.SessionEvent("dictation_submitted")
		m.opts.OnSubmit(input)
		return false
	}

	m.mu.Lock()
	if input != "" {
		m.history = append(m.history, HistoryEntry{Role: RoleUser, Text: input})
	}
	if output != "" || image != "" {
		m.history = append(m.history, HistoryEntry{Role: RoleModel, Text: output, Image: image})
	}
	m.mu.Unlock()
	if !turnAt.IsZero() {
		m.deps.Metrics.ObserveTurnStage(observability.StageTurnTotal, time.Since(turnAt))
	}
	return true
}

func (m *Machine) onInterrupted() {
	m.player.Interrupt()
	m.deps.Metrics.ObserveTurnIndicator("barge_in")
	m.setStatus(StatusIdle)
}

func (m *Machine) onError(e live.Event) bool {
	m.logger.Error().Err(e.Err).Bool("fatal", e.Fatal()).Msg("live session error")
	m.deps.Notifier.Notify(Notification{Level: LevelError, Message: "Connection problem with the assistant."})
	m.setStatus(StatusIdle)
	return !e.Fatal()
}

func (m *Machine) onClosed() {
	m.logger.Info().Msg("live session closed by server")
	m.deps.Metrics.SessionEvent("remote_closed")
}

func (m *Machine) onPlaybackEnded(id uint64) {
	if !m.player.Finished(id) {
		return
	}
	if m.Status() == StatusSpeaking {
		m.setStatus(StatusIdle)
	}
}

func (m *Machine) setPending(p *pendingClarification) {
	m.pending = p
	m.mu.Lock()
	m.awaiting = p != nil
	m.mu.Unlock()
}

func (m *Machine) setStatus(s Status) {
	m.mu.Lock()
	changed := m.status != s
	m.status = s
	m.mu.Unlock()
	if changed && m.deps.Observer != nil {
		m.deps.Observer.ObserveStatus(s)
	}
}

func (m *Machine) observeTranscript(role Role, text string) {
	if m.deps.Observer != nil {
		m.deps.Observer.ObserveTranscript(role, text)
	}
}

// Close ends the session and returns the conversation history, or nil in
// dictation mode. It is safe to call more than once and from any goroutine
// except the loop.
func (m *Machine) Close() []HistoryEntry {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()

	m.cancel()
	if running {
		<-m.done
	} else {
		m.teardown()
	}
	if m.opts.Mode == ModeDictation {
		return nil
	}
	return m.History()
}

// teardown releases the capture, transport and speaker in that order.
func (m *Machine) teardown() {
	m.closeOnce.Do(func() {
		m.cancel()
		// A Start still connecting sees closed and releases its own conn.
		m.mu.Lock()
		m.closed = true
		conn := m.conn
		m.mu.Unlock()

		m.capture.Stop()
		if conn != nil {
			if err := conn.Close(); err != nil {
				m.logger.Debug().Err(err).Msg("close live session")
			}
		}
		if m.player != nil {
			if err := m.player.Teardown(); err != nil {
				m.logger.Debug().Err(err).Msg("release speaker")
			}
		} else if err := m.deps.Speaker.Close(); err != nil {
			m.logger.Debug().Err(err).Msg("release speaker")
		}
		m.pending = nil
		m.mu.Lock()
		m.awaiting = false
		m.status = StatusIdle
		m.mu.Unlock()
		m.deps.Metrics.SessionEvent("closed")
		m.logger.Info().Msg("conversation closed")
		close(m.done)
	})
}

// Done is closed once the session has ended for any reason.
func (m *Machine) Done() <-chan struct{} { return m.done }

func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// History returns a copy of the committed turns.
func (m *Machine) History() []HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]HistoryEntry, len(m.history))
	copy(out, m.history)
	return out
}

func (m *Machine) Mode() Mode { return m.opts.Mode }

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{
		Mode:                 m.opts.Mode,
		Status:               m.status,
		PendingClarification: m.awaiting,
		HistoryLength:        len(m.history),
		Closed:               m.closed,
	}
	if m.player != nil && !m.closed {
		s.PlaybackInFlight = m.player.InFlight()
	}
	return s
}
