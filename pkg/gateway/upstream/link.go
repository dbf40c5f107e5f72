package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// Link is the session's handle on the upstream leg. Send is safe for
// concurrent use; Events is closed when the upstream connection dies.
type Link interface {
	Send(v any) error
	Events() <-chan Event
	Close() error
}

// Dialer opens realtime links. The zero WS dialer falls back to
// websocket.DefaultDialer.
type Dialer struct {
	URL    string
	APIKey string
	Model  string
	Logger *slog.Logger
	WS     *websocket.Dialer
}

// Dial connects, authenticates, and starts the read loop. The model is
// carried as a query parameter per the realtime API contract.
func (d Dialer) Dial(ctx context.Context) (Link, error) {
	if strings.TrimSpace(d.URL) == "" {
		return nil, fmt.Errorf("upstream: url is required")
	}
	if strings.TrimSpace(d.APIKey) == "" {
		return nil, fmt.Errorf("upstream: api key is required")
	}
	target, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("upstream: parse url: %w", err)
	}
	if d.Model != "" {
		q := target.Query()
		q.Set("model", d.Model)
		target.RawQuery = q.Encode()
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+d.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := d.WS
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, target.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("upstream: dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("upstream: dial: %w", err)
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	link := &wsLink{
		conn:   conn,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
		logger: logger,
	}
	go link.readLoop()
	return link, nil
}

type wsLink struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	events  chan Event
	done    chan struct{}
	logger  *slog.Logger
	once    sync.Once
}

func (l *wsLink) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("upstream: encode: %w", err)
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("upstream: write: %w", err)
	}
	return nil
}

func (l *wsLink) Events() <-chan Event { return l.events }

func (l *wsLink) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.conn.Close()
	})
	return err
}

func (l *wsLink) readLoop() {
	defer close(l.events)
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.logger.Debug("upstream read ended", "error", err)
			}
			return
		}
		ev, err := DecodeEvent(data)
		if err != nil {
			l.logger.Warn("upstream sent malformed frame", "error", err)
			continue
		}
		// The session may stop draining before Close; the done channel
		// keeps a full buffer from pinning this goroutine forever.
		select {
		case l.events <- ev:
		case <-l.done:
			return
		}
	}
}
