package session

// turnState tracks where the conversation is in its turn cycle. The guard is
// owned by the session event loop and is not safe for concurrent use.
type turnState int

const (
	turnIdle turnState = iota
	turnListening
	turnThinking
	turnSpeaking
	turnCancelled
)

func (t turnState) String() string {
	switch t {
	case turnIdle:
		return "idle"
	case turnListening:
		return "listening"
	case turnThinking:
		return "thinking"
	case turnSpeaking:
		return "speaking"
	case turnCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// turnGuard is the single-flight gate on response creation. The active flag
// is set optimistically before response.create goes out and cleared only by
// a terminal response event; a failed local send is the one other path back.
type turnGuard struct {
	state         turnState
	active        bool
	cancelPending bool
}

// beginResponse reports whether a new response may be requested and, when
// allowed, marks the turn active before anything is sent.
func (g *turnGuard) beginResponse() bool {
	if g.active {
		return false
	}
	g.active = true
	g.state = turnThinking
	return true
}

// sendFailed rolls back an optimistic beginResponse after a local write
// error. Upstream rejections do not come through here; their terminal event
// clears the flag instead.
func (g *turnGuard) sendFailed() {
	g.active = false
	g.state = turnIdle
}

// responseCreated covers server-initiated turns (VAD-triggered) where no
// local beginResponse happened.
func (g *turnGuard) responseCreated() {
	g.active = true
	if g.state != turnSpeaking {
		g.state = turnThinking
	}
}

func (g *turnGuard) speechStarted() {
	if !g.active {
		g.state = turnListening
	}
}

func (g *turnGuard) speechStopped() {
	if !g.active && g.state == turnListening {
		g.state = turnIdle
	}
}

func (g *turnGuard) audioStarted() {
	if g.active {
		g.state = turnSpeaking
	}
}

func (g *turnGuard) responseDone() {
	g.active = false
	g.cancelPending = false
	g.state = turnIdle
}

func (g *turnGuard) responseCancelled() {
	g.active = false
	g.cancelPending = false
	g.state = turnCancelled
}

// beginCancel reports whether a cancel should be sent: only when a turn is
// active and no cancel is already in flight. Cancelling an idle session is a
// local no-op.
func (g *turnGuard) beginCancel() bool {
	if !g.active || g.cancelPending {
		return false
	}
	g.cancelPending = true
	return true
}
