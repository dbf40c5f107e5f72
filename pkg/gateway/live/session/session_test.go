package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/melodyhq/voice-gateway/pkg/gateway/actions"
	"github.com/melodyhq/voice-gateway/pkg/gateway/live/protocol"
	"github.com/melodyhq/voice-gateway/pkg/gateway/upstream"
)

type fakeClient struct{}

func (fakeClient) ReadMessage() (int, []byte, error)                    { return 0, nil, io.EOF }
func (fakeClient) SetReadLimit(int64)                                   {}
func (fakeClient) SetReadDeadline(time.Time) error                      { return nil }
func (fakeClient) SetPongHandler(func(string) error)                    {}
func (fakeClient) SetWriteDeadline(time.Time) error                     { return nil }
func (fakeClient) WriteMessage(int, []byte) error                       { return nil }
func (fakeClient) WriteControl(int, []byte, time.Time) error            { return nil }
func (fakeClient) Close() error                                         { return nil }

type fakeLink struct {
	sent    []any
	sendErr error
	events  chan upstream.Event
}

func newFakeLink() *fakeLink {
	return &fakeLink{events: make(chan upstream.Event, 16)}
}

func (l *fakeLink) Send(v any) error {
	if l.sendErr != nil {
		return l.sendErr
	}
	l.sent = append(l.sent, v)
	return nil
}

func (l *fakeLink) Events() <-chan upstream.Event { return l.events }
func (l *fakeLink) Close() error                  { return nil }

func (l *fakeLink) countByType(match func(any) bool) int {
	n := 0
	for _, v := range l.sent {
		if match(v) {
			n++
		}
	}
	return n
}

func isResponseCreate(v any) bool { _, ok := v.(upstream.ResponseCreate); return ok }
func isResponseCancel(v any) bool { _, ok := v.(upstream.ResponseCancel); return ok }

type fakeActions struct {
	pauseCalls         int
	currentCalls       int
	transferCalls      int
	lastTransferDevice string
	np                 *actions.NowPlaying
	npErr              error
	pauseErr           error

	// currentGate, when set, blocks CurrentTrack until the gate closes.
	currentGate chan struct{}
}

func (a *fakeActions) Play(context.Context, string, string, string) error { return nil }
func (a *fakeActions) Pause(context.Context, string) error {
	a.pauseCalls++
	return a.pauseErr
}
func (a *fakeActions) Resume(context.Context, string) error                { return nil }
func (a *fakeActions) SkipNext(context.Context, string) error              { return nil }
func (a *fakeActions) SkipPrevious(context.Context, string) error          { return nil }
func (a *fakeActions) Seek(context.Context, string, int64) error           { return nil }
func (a *fakeActions) SetVolume(context.Context, string, int) error        { return nil }
func (a *fakeActions) Queue(context.Context, string, string, string) error { return nil }
func (a *fakeActions) CurrentTrack(context.Context, string) (*actions.NowPlaying, error) {
	a.currentCalls++
	if a.currentGate != nil {
		<-a.currentGate
	}
	if a.npErr != nil {
		return nil, a.npErr
	}
	if a.np == nil {
		return &actions.NowPlaying{Playing: false}, nil
	}
	return a.np, nil
}
func (a *fakeActions) TransferPlayback(_ context.Context, _ string, deviceID string) error {
	a.transferCalls++
	a.lastTransferDevice = deviceID
	return nil
}
func (a *fakeActions) Discover(context.Context, string, string, int) (*actions.Discovery, error) {
	return &actions.Discovery{}, nil
}
func (a *fakeActions) Recommendations(context.Context, string, actions.RecommendationQuery) (*actions.Discovery, error) {
	return &actions.Discovery{}, nil
}
func (a *fakeActions) CreatePlaylist(context.Context, string, string, actions.PlaylistRequest) (*actions.Playlist, error) {
	return &actions.Playlist{Name: "p", URI: "spotify:playlist:p"}, nil
}
func (a *fakeActions) PlayPlaylist(context.Context, string, string) error { return nil }
func (a *fakeActions) WebSearch(context.Context, string, int) ([]actions.SearchHit, error) {
	return nil, nil
}

func newTestSession(t *testing.T, cfg Config) (*Session, *fakeLink, *fakeActions) {
	t.Helper()
	link := newFakeLink()
	acts := &fakeActions{}
	s, err := New(Dependencies{
		Client:     fakeClient{},
		Link:       link,
		Actions:    acts,
		SessionID:  "sess-1",
		UserRef:    "user-1",
		Credential: "tok-1",
		Config:     cfg,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(s.cancel)
	return s, link, acts
}

// drainFrames empties both outbound lanes and returns the decoded messages,
// priority lane first.
func drainFrames(t *testing.T, s *Session) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, ch := range []chan outboundFrame{s.outboundPriority, s.outboundNormal} {
		for drained := false; !drained; {
			select {
			case f := <-ch:
				var decoded map[string]any
				if err := json.Unmarshal(f.payload, &decoded); err != nil {
					t.Fatalf("bad outbound frame %q: %v", f.payload, err)
				}
				out = append(out, decoded)
			default:
				drained = true
			}
		}
	}
	return out
}

// settlePlaybackContext waits for the off-loop playback fetch and lands it
// the way Run's event loop would.
func settlePlaybackContext(t *testing.T, s *Session) {
	t.Helper()
	select {
	case out := <-s.contextFacts:
		s.landPlaybackContext(out)
	case <-time.After(time.Second):
		t.Fatalf("playback context fetch never landed")
	}
}

func mustEvent(t *testing.T, raw string) upstream.Event {
	t.Helper()
	ev, err := upstream.DecodeEvent([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeEvent(%s): %v", raw, err)
	}
	return ev
}

func TestResponseCreateSingleFlight(t *testing.T) {
	s, link, _ := newTestSession(t, Config{})
	s.handleClientMessage(protocolResponseCreate())
	s.handleClientMessage(protocolResponseCreate())
	if n := link.countByType(isResponseCreate); n != 1 {
		t.Fatalf("response.create sent %d times, want 1", n)
	}
}

func TestResponseCreateSendFailureResetsGuard(t *testing.T) {
	s, link, _ := newTestSession(t, Config{})
	link.sendErr = errors.New("boom")
	s.handleClientMessage(protocolResponseCreate())
	if s.guard.active {
		t.Fatalf("guard still active after send failure")
	}

	link.sendErr = nil
	s.handleClientMessage(protocolResponseCreate())
	if n := link.countByType(isResponseCreate); n != 1 {
		t.Fatalf("response.create sent %d times, want 1", n)
	}
}

func TestCancelWhenIdleIsLocalNoOp(t *testing.T) {
	s, link, _ := newTestSession(t, Config{})
	s.handleClientMessage(protocolResponseCancel())
	if len(link.sent) != 0 {
		t.Fatalf("idle cancel reached upstream: %v", link.sent)
	}
}

func TestBargeInCancelsExactlyOnce(t *testing.T) {
	s, link, _ := newTestSession(t, Config{})
	s.handleClientMessage(protocolResponseCreate())

	speech := mustEvent(t, `{"type":"input_audio_buffer.speech_started"}`)
	s.handleUpstreamEvent(speech)
	s.handleUpstreamEvent(speech)

	if n := link.countByType(isResponseCancel); n != 1 {
		t.Fatalf("response.cancel sent %d times, want 1", n)
	}

	// After the turn ends, a fresh barge-in is meaningless: nothing active.
	s.handleUpstreamEvent(mustEvent(t, `{"type":"response.cancelled"}`))
	s.handleUpstreamEvent(speech)
	if n := link.countByType(isResponseCancel); n != 1 {
		t.Fatalf("cancel sent for idle session, total %d", n)
	}
}

func TestBargeInGraceSkipsCancelWhenTurnCompletes(t *testing.T) {
	s, link, _ := newTestSession(t, Config{BargeInGrace: time.Hour})
	s.handleClientMessage(protocolResponseCreate())

	s.handleUpstreamEvent(mustEvent(t, `{"type":"input_audio_buffer.speech_started"}`))
	if s.bargeTimer == nil {
		t.Fatalf("grace period did not arm the barge timer")
	}
	if n := link.countByType(isResponseCancel); n != 0 {
		t.Fatalf("cancel sent before grace elapsed")
	}

	s.handleUpstreamEvent(mustEvent(t, `{"type":"response.done"}`))
	if s.bargeTimer != nil {
		t.Fatalf("barge timer survived turn completion")
	}
	if n := link.countByType(isResponseCancel); n != 0 {
		t.Fatalf("cancel sent for a completed turn")
	}
}

func TestAudioForwarding(t *testing.T) {
	s, link, _ := newTestSession(t, Config{})
	s.handleClientMessage(protocolAudioAppend("AAAA"))
	s.handleClientMessage(protocolAudioCommit())

	if len(link.sent) != 2 {
		t.Fatalf("sent=%v", link.sent)
	}
	if a, ok := link.sent[0].(upstream.AudioAppend); !ok || a.AudioB64 != "AAAA" {
		t.Fatalf("sent[0]=%#v", link.sent[0])
	}
	if _, ok := link.sent[1].(upstream.AudioCommit); !ok {
		t.Fatalf("sent[1]=%#v", link.sent[1])
	}
}

func TestTextMessageInjectsIdleContextOnce(t *testing.T) {
	s, link, acts := newTestSession(t, Config{})
	s.handleClientMessage(protocolText("hey, what's playing right now?"))
	settlePlaybackContext(t, s)

	if acts.currentCalls != 1 {
		t.Fatalf("CurrentTrack calls=%d, want 1", acts.currentCalls)
	}
	if len(link.sent) < 3 {
		t.Fatalf("sent=%v", link.sent)
	}
	sys, ok := link.sent[0].(upstream.ItemCreate)
	if !ok || sys.Item.Role != "system" {
		t.Fatalf("sent[0]=%#v, want system item", link.sent[0])
	}
	if sys.Item.Content[0].Text != "CURRENT SPOTIFY STATUS: No track is currently playing." {
		t.Fatalf("fact=%q", sys.Item.Content[0].Text)
	}
	if user, ok := link.sent[1].(upstream.ItemCreate); !ok || user.Item.Role != "user" {
		t.Fatalf("sent[1]=%#v, want user item", link.sent[1])
	}
	if !isResponseCreate(link.sent[2]) {
		t.Fatalf("sent[2]=%#v, want response.create", link.sent[2])
	}
	if last, _ := s.hist.last(); last.Role != "user" {
		t.Fatalf("history last=%+v", last)
	}

	// The same question again must not re-inject the identical fact.
	s.handleClientMessage(protocolText("what's playing?"))
	settlePlaybackContext(t, s)
	systemItems := link.countByType(func(v any) bool {
		ic, ok := v.(upstream.ItemCreate)
		return ok && ic.Item.Role == "system"
	})
	if systemItems != 1 {
		t.Fatalf("system injections=%d, want 1", systemItems)
	}
}

func TestPlaybackContextFetchDoesNotBlockHandling(t *testing.T) {
	s, link, acts := newTestSession(t, Config{})
	acts.currentGate = make(chan struct{})

	done := make(chan struct{})
	go func() {
		s.handleClientMessage(protocolText("what's playing?"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("message handling blocked on the playback fetch")
	}
	if len(link.sent) != 0 {
		t.Fatalf("sent before the fetch landed: %v", link.sent)
	}

	// Releasing the fetch lands the fact first, then the deferred user
	// message and turn request, preserving the injection ordering.
	close(acts.currentGate)
	settlePlaybackContext(t, s)
	if len(link.sent) != 3 {
		t.Fatalf("sent=%v", link.sent)
	}
	if sys, ok := link.sent[0].(upstream.ItemCreate); !ok || sys.Item.Role != "system" {
		t.Fatalf("sent[0]=%#v, want system item", link.sent[0])
	}
	if user, ok := link.sent[1].(upstream.ItemCreate); !ok || user.Item.Role != "user" {
		t.Fatalf("sent[1]=%#v, want user item", link.sent[1])
	}
	if !isResponseCreate(link.sent[2]) {
		t.Fatalf("sent[2]=%#v, want response.create", link.sent[2])
	}
}

func TestPauseToolDispatchOrdering(t *testing.T) {
	s, link, acts := newTestSession(t, Config{})
	item := &upstream.OutputItem{Type: "function_call", Name: toolPausePlayback, CallID: "call_1", Arguments: "{}"}

	call, err := decodeToolCall(item)
	if err != nil {
		t.Fatalf("decodeToolCall() error = %v", err)
	}
	out := s.invokeTool(context.Background(), call)
	s.completeToolCall(out)

	if acts.pauseCalls != 1 {
		t.Fatalf("Pause calls=%d, want 1", acts.pauseCalls)
	}
	last, _ := s.hist.last()
	if last.Role != "tool" || last.Tool != toolPausePlayback {
		t.Fatalf("history last=%+v", last)
	}
	if n := link.countByType(isResponseCreate); n != 0 {
		t.Fatalf("follow-up requested before settle delay")
	}
	if s.settleTimer == nil {
		t.Fatalf("settle timer not armed")
	}
	output, ok := link.sent[len(link.sent)-1].(upstream.ItemCreate)
	if !ok || output.Item.Type != "function_call_output" || output.Item.CallID != "call_1" {
		t.Fatalf("last sent=%#v", link.sent[len(link.sent)-1])
	}

	// The settle timer firing requests the follow-up turn, after the
	// history entry and function output above.
	s.settleTimer.Stop()
	s.settleTimer = nil
	s.requestResponse()
	if !isResponseCreate(link.sent[len(link.sent)-1]) {
		t.Fatalf("follow-up response.create missing")
	}

	frames := drainFrames(t, s)
	foundCompleted := false
	for _, f := range frames {
		if f["type"] == "spotify_action_completed" && f["action"] == toolPausePlayback {
			foundCompleted = true
		}
	}
	if !foundCompleted {
		t.Fatalf("client never saw spotify_action_completed: %v", frames)
	}
}

func TestUnknownToolProducesStructuredResult(t *testing.T) {
	s, link, _ := newTestSession(t, Config{})
	s.dispatchToolCall(&upstream.OutputItem{Type: "function_call", Name: "order_pizza", CallID: "c9"})

	output, ok := link.sent[0].(upstream.ItemCreate)
	if !ok || output.Item.Type != "function_call_output" {
		t.Fatalf("sent[0]=%#v", link.sent[0])
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(output.Item.Output), &decoded); err != nil {
		t.Fatalf("output not JSON: %v", err)
	}
	if decoded["success"] != false {
		t.Fatalf("output=%v", decoded)
	}
	errText, _ := decoded["error"].(string)
	if errText == "" || !json.Valid([]byte(output.Item.Output)) {
		t.Fatalf("output=%v", decoded)
	}

	frames := drainFrames(t, s)
	found := false
	for _, f := range frames {
		if f["type"] == "spotify_action_error" && f["action"] == "order_pizza" {
			found = true
		}
	}
	if !found {
		t.Fatalf("client never saw spotify_action_error: %v", frames)
	}
}

func TestToolFailureKeepsSessionAlive(t *testing.T) {
	s, link, acts := newTestSession(t, Config{})
	acts.pauseErr = &actions.Failure{Kind: actions.FailureNoActiveDevice, Message: "no active playback device found"}

	call, _ := decodeToolCall(&upstream.OutputItem{Type: "function_call", Name: toolPausePlayback, CallID: "c1"})
	out := s.invokeTool(context.Background(), call)
	s.completeToolCall(out)

	output := link.sent[0].(upstream.ItemCreate)
	var decoded map[string]any
	_ = json.Unmarshal([]byte(output.Item.Output), &decoded)
	if decoded["error_kind"] != "no_active_device" {
		t.Fatalf("output=%v", decoded)
	}
	if s.settleTimer == nil {
		t.Fatalf("failed tool call must still schedule a follow-up")
	}
}

func TestCancelNotActiveErrorSwallowed(t *testing.T) {
	s, link, _ := newTestSession(t, Config{})
	s.handleUpstreamEvent(mustEvent(t, `{"type":"error","error":{"code":"response_cancel_not_active","message":"Cancellation failed"}}`))
	if len(link.sent) != 0 {
		t.Fatalf("sent=%v", link.sent)
	}
	if frames := drainFrames(t, s); len(frames) != 0 {
		t.Fatalf("client saw swallowed error: %v", frames)
	}
}

func TestOtherUpstreamErrorsRelayedNonFatal(t *testing.T) {
	s, _, _ := newTestSession(t, Config{})
	s.handleUpstreamEvent(mustEvent(t, `{"type":"error","error":{"code":"rate_limit_exceeded","message":"slow down"}}`))
	frames := drainFrames(t, s)
	if len(frames) != 1 || frames[0]["type"] != "error" || frames[0]["code"] != "rate_limit_exceeded" {
		t.Fatalf("frames=%v", frames)
	}
	if fatal, _ := frames[0]["fatal"].(bool); fatal {
		t.Fatalf("transient upstream error marked fatal")
	}
}

func TestTranscriptionAppendsHistoryAndRelays(t *testing.T) {
	s, _, _ := newTestSession(t, Config{})
	raw := `{"type":"conversation.item.input_audio_transcription.completed","transcript":"play some jazz"}`
	s.handleUpstreamEvent(mustEvent(t, raw))

	last, _ := s.hist.last()
	if last.Role != "user" || last.Content != "play some jazz" {
		t.Fatalf("history last=%+v", last)
	}
	frames := drainFrames(t, s)
	if len(frames) != 1 || frames[0]["transcript"] != "play some jazz" {
		t.Fatalf("frames=%v", frames)
	}
}

func TestAssistantTranscriptAccumulatedIntoHistory(t *testing.T) {
	s, _, _ := newTestSession(t, Config{})
	s.handleUpstreamEvent(mustEvent(t, `{"type":"response.created"}`))
	s.handleUpstreamEvent(mustEvent(t, `{"type":"response.audio_transcript.delta","delta":"Sure, "}`))
	s.handleUpstreamEvent(mustEvent(t, `{"type":"response.audio_transcript.delta","delta":"pausing now."}`))
	s.handleUpstreamEvent(mustEvent(t, `{"type":"response.done"}`))

	last, _ := s.hist.last()
	if last.Role != "assistant" || last.Content != "Sure, pausing now." {
		t.Fatalf("history last=%+v", last)
	}
	if s.guard.active {
		t.Fatalf("guard still active after response.done")
	}
}

func TestSpeechEventsReachClient(t *testing.T) {
	s, _, _ := newTestSession(t, Config{})
	s.handleUpstreamEvent(mustEvent(t, `{"type":"input_audio_buffer.speech_started"}`))
	s.handleUpstreamEvent(mustEvent(t, `{"type":"input_audio_buffer.speech_stopped"}`))
	frames := drainFrames(t, s)
	if len(frames) != 2 || frames[0]["type"] != "speech_started" || frames[1]["type"] != "speech_stopped" {
		t.Fatalf("frames=%v", frames)
	}
}

// Small constructors keep the tests readable.

func protocolResponseCreate() any {
	return protocol.ClientResponseCreate{Type: protocol.TypeResponseCreate}
}

func protocolResponseCancel() any {
	return protocol.ClientResponseCancel{Type: protocol.TypeResponseCancel}
}

func protocolAudioAppend(b64 string) any {
	return protocol.ClientAudioAppend{Type: protocol.TypeAudioAppend, AudioB64: b64}
}

func protocolAudioCommit() any {
	return protocol.ClientAudioCommit{Type: protocol.TypeAudioCommit}
}

func protocolText(text string) any {
	return protocol.ClientTextMessage{Type: protocol.TypeTextMessage, Text: text}
}
