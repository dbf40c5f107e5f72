// Package spotify implements the actions.Service against the Spotify Web
// API. Playback endpoints answer 204 on success; 404 means no active device
// and 403 means the account lacks premium, both of which map to typed
// failures rather than hard errors.
package spotify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/melodyhq/voice-gateway/pkg/gateway/actions"
)

const defaultBaseURL = "https://api.spotify.com/v1"

// Generator turns a free-form prompt into a titled song list. Implemented by
// the playlist package.
type Generator interface {
	Generate(ctx context.Context, prompt string, numberOfSongs int, name string) (GeneratedPlaylist, error)
}

// GeneratedPlaylist is the generator's output before any tracks are resolved.
type GeneratedPlaylist struct {
	Name        string
	Description string
	Songs       []string
}

// CreationGate answers whether the user may create another playlist today.
// Implemented by the quota package.
type CreationGate interface {
	Allow(ctx context.Context, userRef string) (bool, error)
}

// WebSearcher serves the web_search tool. Implemented by the tavily package.
type WebSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]actions.SearchHit, error)
}

// Option configures a Service.
type Option func(*Service)

// WithBaseURL overrides the API base URL.
func WithBaseURL(u string) Option {
	return func(s *Service) { s.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Service) { s.client = client }
}

// WithGenerator wires the playlist generator.
func WithGenerator(g Generator) Option {
	return func(s *Service) { s.generator = g }
}

// WithCreationGate wires the daily playlist-creation gate.
func WithCreationGate(g CreationGate) Option {
	return func(s *Service) { s.gate = g }
}

// WithWebSearcher wires the web search provider.
func WithWebSearcher(w WebSearcher) Option {
	return func(s *Service) { s.searcher = w }
}

// Service talks to the Spotify Web API using the per-call user credential.
// It holds no per-user state and is safe for concurrent use.
type Service struct {
	baseURL   string
	client    *http.Client
	generator Generator
	gate      CreationGate
	searcher  WebSearcher
}

var _ actions.Service = (*Service)(nil)

// New creates a Service.
func New(opts ...Option) *Service {
	s := &Service{
		baseURL: defaultBaseURL,
		client:  http.DefaultClient,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// do issues one request and maps failure statuses. A nil out skips decoding.
func (s *Service) do(ctx context.Context, cred, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		blob, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("spotify: marshal request: %w", err)
		}
		reader = bytes.NewReader(blob)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("spotify: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return actions.Genericf("spotify: request failed: %v", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return actions.Genericf("spotify: decode response: %v", err)
		}
		return nil
	default:
		return failureFromStatus(resp)
	}
}

func failureFromStatus(resp *http.Response) *actions.Failure {
	switch resp.StatusCode {
	case http.StatusNotFound:
		return &actions.Failure{
			Kind:    actions.FailureNoActiveDevice,
			Message: "no active playback device found",
		}
	case http.StatusForbidden:
		return &actions.Failure{
			Kind:    actions.FailurePremiumRequired,
			Message: "this action requires a premium subscription",
		}
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &actions.Failure{
		Kind:    actions.FailureGeneric,
		Message: fmt.Sprintf("spotify: status %d: %s", resp.StatusCode, msg),
	}
}

// Play starts playback. With a song it resolves the track first; without one
// it behaves like resume.
func (s *Service) Play(ctx context.Context, cred, song, artist string) error {
	if strings.TrimSpace(song) == "" {
		return s.do(ctx, cred, http.MethodPut, "/me/player/play", struct{}{}, nil)
	}
	track, err := s.findTrack(ctx, cred, song, artist)
	if err != nil {
		return err
	}
	body := map[string]any{"uris": []string{track.URI}}
	return s.do(ctx, cred, http.MethodPut, "/me/player/play", body, nil)
}

func (s *Service) Pause(ctx context.Context, cred string) error {
	return s.do(ctx, cred, http.MethodPut, "/me/player/pause", nil, nil)
}

func (s *Service) Resume(ctx context.Context, cred string) error {
	return s.do(ctx, cred, http.MethodPut, "/me/player/play", struct{}{}, nil)
}

func (s *Service) SkipNext(ctx context.Context, cred string) error {
	return s.do(ctx, cred, http.MethodPost, "/me/player/next", nil, nil)
}

func (s *Service) SkipPrevious(ctx context.Context, cred string) error {
	return s.do(ctx, cred, http.MethodPost, "/me/player/previous", nil, nil)
}

func (s *Service) Seek(ctx context.Context, cred string, positionMS int64) error {
	if positionMS < 0 {
		return actions.Genericf("seek position must be >= 0")
	}
	path := fmt.Sprintf("/me/player/seek?position_ms=%d", positionMS)
	return s.do(ctx, cred, http.MethodPut, path, nil, nil)
}

func (s *Service) SetVolume(ctx context.Context, cred string, percent int) error {
	if percent < 0 {
		percent = 0
	} else if percent > 100 {
		percent = 100
	}
	path := fmt.Sprintf("/me/player/volume?volume_percent=%d", percent)
	return s.do(ctx, cred, http.MethodPut, path, nil, nil)
}

func (s *Service) Queue(ctx context.Context, cred, song, artist string) error {
	track, err := s.findTrack(ctx, cred, song, artist)
	if err != nil {
		return err
	}
	path := "/me/player/queue?uri=" + url.QueryEscape(track.URI)
	return s.do(ctx, cred, http.MethodPost, path, nil, nil)
}

// CurrentTrack reports the playback snapshot. Spotify answers 204 when
// nothing is playing; that is a valid idle snapshot, not a failure.
func (s *Service) CurrentTrack(ctx context.Context, cred string) (*actions.NowPlaying, error) {
	var body struct {
		IsPlaying  bool      `json:"is_playing"`
		ProgressMS int64     `json:"progress_ms"`
		Item       *apiTrack `json:"item"`
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/me/player/currently-playing", nil)
	if err != nil {
		return nil, fmt.Errorf("spotify: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred)
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, actions.Genericf("spotify: request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return &actions.NowPlaying{Playing: false}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, failureFromStatus(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, actions.Genericf("spotify: decode response: %v", err)
	}
	np := &actions.NowPlaying{Playing: body.IsPlaying, ProgressMS: body.ProgressMS}
	if body.Item != nil {
		track := body.Item.toTrack()
		np.Track = &track
	}
	return np, nil
}

func (s *Service) TransferPlayback(ctx context.Context, cred, deviceID string) error {
	if strings.TrimSpace(deviceID) == "" {
		return actions.Genericf("device id is required")
	}
	body := map[string]any{"device_ids": []string{deviceID}, "play": true}
	return s.do(ctx, cred, http.MethodPut, "/me/player", body, nil)
}

func (s *Service) PlayPlaylist(ctx context.Context, cred, uri string) error {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return actions.Genericf("playlist uri is required")
	}
	if !strings.HasPrefix(uri, "spotify:playlist:") {
		uri = "spotify:playlist:" + uri
	}
	body := map[string]any{"context_uri": uri}
	return s.do(ctx, cred, http.MethodPut, "/me/player/play", body, nil)
}

// WebSearch delegates to the wired provider.
func (s *Service) WebSearch(ctx context.Context, query string, limit int) ([]actions.SearchHit, error) {
	if s.searcher == nil {
		return nil, actions.Genericf("web search is not configured")
	}
	return s.searcher.Search(ctx, query, limit)
}
