// Package session hosts one live voice conversation: the duplex bridge
// between a browser WebSocket and the upstream realtime speech service,
// the turn-taking state machine, barge-in handling, tool dispatch, and
// playback context injection.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/melodyhq/voice-gateway/pkg/gateway/actions"
	"github.com/melodyhq/voice-gateway/pkg/gateway/live/protocol"
	"github.com/melodyhq/voice-gateway/pkg/gateway/upstream"
)

const (
	// defaultToolSettleDelay is how long after a tool result lands before
	// the follow-up response is requested, giving the upstream time to
	// ingest the function output.
	defaultToolSettleDelay = 500 * time.Millisecond

	defaultOutboundQueueSize  = 128
	outboundPriorityQueueSize = 16

	// contextFetchTimeout bounds the playback snapshot fetch during
	// injection; a stale answer beats a stalled conversation.
	contextFetchTimeout = 2 * time.Second
)

var errBackpressure = errors.New("live outbound backpressure")

// ClientConn is the subset of *websocket.Conn the session needs for the
// browser leg.
type ClientConn interface {
	wsWriter
	ReadMessage() (messageType int, data []byte, err error)
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

type Config struct {
	Voice                 string
	BargeInGrace          time.Duration
	ToolResultSettleDelay time.Duration
	HistoryLimit          int
	PingInterval          time.Duration
	WriteTimeout          time.Duration
	ReadTimeout           time.Duration
	MaxJSONMessageBytes   int64
	OutboundQueueSize     int
}

type Dependencies struct {
	Client      ClientConn
	Link        upstream.Link
	Actions     actions.Service
	Logger      *slog.Logger
	SessionID   string
	UserRef     string
	Credential  string
	SeedContext string
	Config      Config
	Now         func() time.Time
}

// Session is one live conversation. Run owns all mutable state; only
// Cancel and Warn may be called from other goroutines.
type Session struct {
	client     ClientConn
	link       upstream.Link
	actions    actions.Service
	logger     *slog.Logger
	sessionID  string
	userRef    string
	credential string
	seed       string
	cfg        Config
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame

	guard         turnGuard
	hist          *history
	inj           injector
	assistantText strings.Builder
	toolResults   chan toolOutcome
	contextFacts  chan playbackFetch
	bargeTimer    *time.Timer
	settleTimer   *time.Timer
}

// playbackFetch is a completed off-loop playback snapshot plus the work
// that was deferred until it lands. An empty fact means the fetch failed.
type playbackFetch struct {
	fact string
	then func()
}

type inboundFrame struct {
	data []byte
	err  error
}

func New(deps Dependencies) (*Session, error) {
	if deps.Client == nil {
		return nil, fmt.Errorf("client connection is required")
	}
	if deps.Link == nil {
		return nil, fmt.Errorf("upstream link is required")
	}
	if deps.Actions == nil {
		return nil, fmt.Errorf("action service is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = defaultOutboundQueueSize
	}
	if deps.Config.ToolResultSettleDelay <= 0 {
		deps.Config.ToolResultSettleDelay = defaultToolSettleDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		client:           deps.Client,
		link:             deps.Link,
		actions:          deps.Actions,
		logger:           deps.Logger.With("session_id", deps.SessionID),
		sessionID:        deps.SessionID,
		userRef:          deps.UserRef,
		credential:       deps.Credential,
		seed:             deps.SeedContext,
		cfg:              deps.Config,
		now:              deps.Now,
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan outboundFrame, outboundPriorityQueueSize),
		outboundNormal:   make(chan outboundFrame, deps.Config.OutboundQueueSize),
		hist:             newHistory(deps.Config.HistoryLimit),
		toolResults:      make(chan toolOutcome, 4),
		contextFacts:     make(chan playbackFetch, 4),
	}, nil
}

// Cancel asks the session to shut down. Safe from any goroutine.
func (s *Session) Cancel() { s.cancel() }

// Warn pushes a priority error frame to the client, used by the server
// during drain. Safe from any goroutine.
func (s *Session) Warn(code, message string) error {
	return s.sendJSON(protocol.ServerError{Type: protocol.TypeError, Code: code, Message: message}, true)
}

// Run drives the session until either leg closes or Cancel is called.
func (s *Session) Run() error {
	defer s.cancel()
	defer func() { _ = s.link.Close() }()

	if s.cfg.MaxJSONMessageBytes > 0 {
		s.client.SetReadLimit(s.cfg.MaxJSONMessageBytes)
	}
	if s.cfg.ReadTimeout > 0 {
		_ = s.client.SetReadDeadline(s.now().Add(s.cfg.ReadTimeout))
		s.client.SetPongHandler(func(string) error {
			return s.client.SetReadDeadline(s.now().Add(s.cfg.ReadTimeout))
		})
	}

	writerDone := make(chan error, 1)
	writer := &outboundWriter{
		ws:       s.client,
		ctx:      s.ctx,
		cfg:      s.cfg,
		priority: s.outboundPriority,
		normal:   s.outboundNormal,
	}
	go func() { writerDone <- writer.Run() }()

	inbound := make(chan inboundFrame, 8)
	go s.readClient(inbound)

	if err := s.configureUpstream(); err != nil {
		_ = s.Warn("upstream_error", "failed to configure the speech service")
		return err
	}
	if err := s.sendJSON(protocol.ServerAgentReady{
		Type:      protocol.TypeAgentReady,
		SessionID: s.sessionID,
		Voice:     s.voice(),
	}, true); err != nil {
		return err
	}

	for {
		select {
		case <-s.ctx.Done():
			return nil
		case err := <-writerDone:
			if err != nil {
				return fmt.Errorf("client write: %w", err)
			}
			return nil
		case frame, ok := <-inbound:
			if !ok {
				return nil
			}
			if frame.err != nil {
				s.logger.Debug("client read ended", "error", frame.err)
				return nil
			}
			s.handleClientFrame(frame.data)
		case ev, ok := <-s.link.Events():
			if !ok {
				s.logger.Info("upstream closed")
				_ = s.Warn("upstream_closed", "the speech service closed the connection")
				return nil
			}
			s.handleUpstreamEvent(ev)
		case out := <-s.toolResults:
			s.completeToolCall(out)
		case out := <-s.contextFacts:
			s.landPlaybackContext(out)
		case <-timerC(s.bargeTimer):
			s.bargeTimer = nil
			s.fireBargeIn()
		case <-timerC(s.settleTimer):
			s.settleTimer = nil
			s.requestResponse()
		}
	}
}

// timerC returns the timer's channel, or a nil channel that never fires.
func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func (s *Session) voice() string {
	if s.cfg.Voice != "" {
		return s.cfg.Voice
	}
	return sessionVoice
}

// configureUpstream sends the session profile and, when a playback snapshot
// was captured at bootstrap, seeds it into the conversation.
func (s *Session) configureUpstream() error {
	if err := s.link.Send(sessionConfig(s.cfg.Voice)); err != nil {
		return err
	}
	if strings.TrimSpace(s.seed) != "" {
		if err := s.link.Send(upstream.SystemMessage(s.seed)); err != nil {
			return err
		}
		s.hist.append("system", s.seed)
		s.inj.lastFact = s.seed
	}
	return nil
}

func (s *Session) readClient(out chan<- inboundFrame) {
	defer close(out)
	for {
		_, data, err := s.client.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) handleClientFrame(data []byte) {
	msg, err := protocol.DecodeClientMessage(data)
	if err != nil {
		_ = s.sendJSON(protocol.ErrorFrom(err), true)
		return
	}
	s.handleClientMessage(msg)
}

func (s *Session) handleClientMessage(msg any) {
	switch m := msg.(type) {
	case protocol.ClientAudioAppend:
		s.forwardUpstream(upstream.AudioAppend{Type: upstream.TypeAudioAppend, AudioB64: m.AudioB64})
	case protocol.ClientAudioCommit:
		s.forwardUpstream(upstream.AudioCommit{Type: upstream.TypeAudioCommit})
	case protocol.ClientItemCreate:
		text := itemText(m.Item)
		item := m.Item
		forward := func() {
			if text != "" {
				s.hist.append(item.Role, text)
			}
			s.forwardUpstream(upstreamItem(item))
		}
		if text != "" {
			s.maybeInjectPlaybackContext(text, forward)
		} else {
			forward()
		}
	case protocol.ClientResponseCreate:
		s.requestResponse()
	case protocol.ClientResponseCancel:
		s.cancelActiveResponse()
	case protocol.ClientTextMessage:
		text := m.Text
		s.maybeInjectPlaybackContext(text, func() {
			s.hist.append("user", text)
			if !s.forwardUpstream(upstream.UserMessage(text)) {
				return
			}
			s.requestResponse()
		})
	}
}

func itemText(item protocol.ConversationItem) string {
	var parts []string
	for _, c := range item.Content {
		if strings.TrimSpace(c.Text) != "" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, " ")
}

func upstreamItem(item protocol.ConversationItem) upstream.ItemCreate {
	content := make([]upstream.ContentPart, 0, len(item.Content))
	for _, c := range item.Content {
		content = append(content, upstream.ContentPart{Type: c.Type, Text: c.Text})
	}
	return upstream.ItemCreate{
		Type: upstream.TypeItemCreate,
		Item: upstream.Item{Type: item.Type, Role: item.Role, Content: content},
	}
}

// forwardUpstream sends one message on the link, surfacing failures to the
// client as non-fatal errors. Reports whether the send succeeded.
func (s *Session) forwardUpstream(v any) bool {
	if err := s.link.Send(v); err != nil {
		s.logger.Warn("upstream send failed", "error", err)
		_ = s.sendJSON(protocol.ServerError{
			Type:    protocol.TypeError,
			Code:    "upstream_send_failed",
			Message: "failed to reach the speech service",
		}, true)
		return false
	}
	return true
}

// requestResponse asks for a new turn, subject to the single-flight guard.
// The active flag is set before the send; only a local send failure rolls it
// back.
func (s *Session) requestResponse() {
	if !s.guard.beginResponse() {
		s.logger.Debug("response request dropped, turn already active")
		return
	}
	if err := s.link.Send(upstream.ResponseCreate{Type: upstream.TypeResponseCreate}); err != nil {
		s.guard.sendFailed()
		s.logger.Warn("response create failed", "error", err)
		_ = s.sendJSON(protocol.ServerError{
			Type:    protocol.TypeError,
			Code:    "upstream_send_failed",
			Message: "failed to start a response",
		}, true)
	}
}

// cancelActiveResponse sends exactly one cancel for the active turn; with no
// turn active it is a local no-op and nothing goes upstream.
func (s *Session) cancelActiveResponse() {
	if !s.guard.beginCancel() {
		return
	}
	if err := s.link.Send(upstream.ResponseCancel{Type: upstream.TypeResponseCancel}); err != nil {
		s.logger.Warn("response cancel failed", "error", err)
	}
}

func (s *Session) handleUpstreamEvent(ev upstream.Event) {
	switch ev.Type {
	case upstream.EventSessionCreated, upstream.EventSessionUpdated:
		s.logger.Debug("upstream session event", "type", ev.Type)
	case upstream.EventSpeechStarted:
		s.guard.speechStarted()
		_ = s.sendJSON(protocol.ServerSpeechStarted{Type: protocol.TypeSpeechStarted}, true)
		s.scheduleBargeIn()
	case upstream.EventSpeechStopped:
		s.guard.speechStopped()
		_ = s.sendJSON(protocol.ServerSpeechStopped{Type: protocol.TypeSpeechStopped}, true)
	case upstream.EventTranscriptionCompleted:
		if strings.TrimSpace(ev.Transcript) != "" {
			s.hist.append("user", ev.Transcript)
			s.maybeInjectPlaybackContext(ev.Transcript, nil)
		}
		s.relay(ev, false)
	case upstream.EventResponseCreated:
		s.guard.responseCreated()
		s.relay(ev, true)
	case upstream.EventAudioDelta:
		s.guard.audioStarted()
		s.relay(ev, false)
	case upstream.EventAudioTranscriptDelta, upstream.EventTextDelta:
		s.assistantText.WriteString(ev.DeltaB64)
		s.relay(ev, false)
	case upstream.EventAudioDone, upstream.EventAudioTranscriptDone, upstream.EventTextDone, upstream.EventBufferCommitted:
		s.relay(ev, false)
	case upstream.EventResponseDone:
		s.finishTurn(false)
		s.relay(ev, true)
	case upstream.EventResponseCancelled:
		s.finishTurn(true)
		s.relay(ev, true)
	case upstream.EventOutputItemDone:
		if call, ok := ev.FunctionCall(); ok {
			s.dispatchToolCall(call)
			return
		}
		s.relay(ev, false)
	case upstream.EventRateLimitsUpdated:
		s.logger.Debug("rate limits updated")
	case upstream.EventError:
		s.handleUpstreamError(ev.Error)
	default:
		s.relay(ev, false)
	}
}

// finishTurn closes out the active turn and flushes the accumulated
// assistant transcript into history. Cancelled turns keep whatever text was
// already spoken.
func (s *Session) finishTurn(cancelled bool) {
	if cancelled {
		s.guard.responseCancelled()
	} else {
		s.guard.responseDone()
	}
	s.stopBargeTimer()
	if text := strings.TrimSpace(s.assistantText.String()); text != "" {
		s.hist.append("assistant", text)
	}
	s.assistantText.Reset()
}

// handleUpstreamError swallows the benign cancel race and surfaces
// everything else as a non-fatal client error.
func (s *Session) handleUpstreamError(apiErr *upstream.APIError) {
	if apiErr == nil {
		return
	}
	if apiErr.CancelNotActive() {
		s.logger.Debug("cancel raced a finished response")
		return
	}
	s.logger.Warn("upstream error", "code", apiErr.Code, "message", apiErr.Message)
	code := apiErr.Code
	if code == "" {
		code = "upstream_error"
	}
	_ = s.sendJSON(protocol.ServerError{
		Type:    protocol.TypeError,
		Code:    code,
		Message: apiErr.Message,
		Param:   apiErr.Param,
	}, true)
}

// scheduleBargeIn interrupts the active turn when the user starts speaking
// over it. A zero grace cancels immediately; otherwise the cancel is
// deferred and skipped if the turn completes first.
func (s *Session) scheduleBargeIn() {
	if !s.guard.active || s.guard.cancelPending {
		return
	}
	if s.cfg.BargeInGrace <= 0 {
		s.fireBargeIn()
		return
	}
	s.stopBargeTimer()
	s.bargeTimer = time.NewTimer(s.cfg.BargeInGrace)
}

func (s *Session) fireBargeIn() {
	if !s.guard.active {
		return
	}
	s.logger.Debug("barge-in, cancelling active response", "state", s.guard.state.String())
	s.cancelActiveResponse()
}

func (s *Session) stopBargeTimer() {
	if s.bargeTimer != nil {
		s.bargeTimer.Stop()
		s.bargeTimer = nil
	}
}

// dispatchToolCall decodes and routes one function call. The action runs off
// the loop goroutine; its outcome comes back through toolResults so history
// and follow-up ordering stay on the loop.
func (s *Session) dispatchToolCall(item *upstream.OutputItem) {
	call, err := decodeToolCall(item)
	if err != nil {
		s.logger.Warn("tool call rejected", "tool", item.Name, "error", err)
		s.completeToolCall(failedOutcome(toolCall{name: item.Name, callID: item.CallID}, err))
		return
	}
	s.logger.Info("tool call", "tool", call.name)
	go func() {
		out := s.invokeTool(s.ctx, call)
		select {
		case s.toolResults <- out:
		case <-s.ctx.Done():
		}
	}()
}

// completeToolCall lands one outcome: history first, then the function
// output upstream, then the client notification, then the deferred
// follow-up turn.
func (s *Session) completeToolCall(out toolOutcome) {
	s.hist.appendToolResult(out.name, out.output())
	s.forwardUpstream(upstream.ToolOutput(out.callID, out.output()))

	if out.failure != nil {
		_ = s.sendJSON(protocol.ServerActionResult{
			Type:    protocol.TypeActionError,
			Action:  out.name,
			Message: out.failure.Message,
			Kind:    string(out.failure.Kind),
		}, true)
	} else {
		_ = s.sendJSON(protocol.ServerActionResult{
			Type:    protocol.TypeActionCompleted,
			Action:  out.name,
			Message: out.message,
			Result:  out.result,
		}, true)
		if affectsPlayback(out.name) {
			s.inj.reset()
		}
	}

	if s.settleTimer != nil {
		s.settleTimer.Stop()
	}
	s.settleTimer = time.NewTimer(s.cfg.ToolResultSettleDelay)
}

func affectsPlayback(tool string) bool {
	switch tool {
	case toolPlayTrack, toolPausePlayback, toolResumePlayback, toolSkipNext,
		toolSkipPrevious, toolSeek, toolTransferPlay, toolSearchAndPlay, toolPlayPlaylist:
		return true
	}
	return false
}

// maybeInjectPlaybackContext fetches a playback snapshot off the loop
// goroutine when the user asks about the current track, so a slow action
// service cannot stall relay of upstream deltas. The snapshot and the
// continuation land back on the loop through contextFacts; text that is
// not asking about playback runs the continuation immediately.
func (s *Session) maybeInjectPlaybackContext(text string, then func()) {
	if !wantsPlaybackContext(text) {
		if then != nil {
			then()
		}
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, contextFetchTimeout)
		defer cancel()
		out := playbackFetch{then: then}
		np, err := s.actions.CurrentTrack(ctx, s.credential)
		if err != nil {
			s.logger.Warn("playback context fetch failed", "error", err)
		} else {
			out.fact = playbackFact(np)
		}
		select {
		case s.contextFacts <- out:
		case <-s.ctx.Done():
		}
	}()
}

// landPlaybackContext splices the fetched fact into the conversation, then
// resumes the deferred work. Identical consecutive facts are not
// re-injected.
func (s *Session) landPlaybackContext(out playbackFetch) {
	if out.fact != "" && s.inj.shouldInject(out.fact) {
		if s.forwardUpstream(upstream.SystemMessage(out.fact)) {
			s.hist.append("system", out.fact)
		}
	}
	if out.then != nil {
		out.then()
	}
}

// relay forwards the upstream frame to the client unmodified.
func (s *Session) relay(ev upstream.Event, priority bool) {
	s.enqueue(outboundFrame{payload: ev.Raw}, priority)
}

func (s *Session) sendJSON(v any, priority bool) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode outbound: %w", err)
	}
	return s.enqueue(outboundFrame{payload: payload}, priority)
}

// enqueue places a frame on the writer lanes. Priority frames block until
// accepted; normal frames (audio deltas) are dropped under backpressure
// rather than stalling the loop.
func (s *Session) enqueue(frame outboundFrame, priority bool) error {
	if priority {
		select {
		case s.outboundPriority <- frame:
			return nil
		case <-s.ctx.Done():
			return s.ctx.Err()
		}
	}
	select {
	case s.outboundNormal <- frame:
		return nil
	default:
		s.logger.Debug("outbound frame dropped", "reason", "backpressure")
		return errBackpressure
	}
}
