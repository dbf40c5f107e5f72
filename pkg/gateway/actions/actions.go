// Package actions defines the interface the voice session uses to act on the
// user's music account. The gateway never talks to the streaming API
// directly; everything flows through a Service implementation.
package actions

import (
	"context"
	"fmt"
	"strings"
)

// FailureKind distinguishes the failure classes callers react to.
type FailureKind string

const (
	FailureNoActiveDevice  FailureKind = "no_active_device"
	FailurePremiumRequired FailureKind = "premium_required"
	FailureGeneric         FailureKind = "generic"
)

// Failure is the structured error every Service operation may return.
type Failure struct {
	Kind    FailureKind
	Message string
}

func (f *Failure) Error() string {
	if f == nil {
		return ""
	}
	if strings.TrimSpace(f.Message) == "" {
		return string(f.Kind)
	}
	return f.Message
}

// Genericf builds a generic failure from a format string.
func Genericf(format string, args ...any) *Failure {
	return &Failure{Kind: FailureGeneric, Message: fmt.Sprintf(format, args...)}
}

// AsFailure extracts a *Failure from err, wrapping unknown errors as generic.
func AsFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	if f, ok := err.(*Failure); ok {
		return f
	}
	return &Failure{Kind: FailureGeneric, Message: err.Error()}
}

// Track describes one track on the user's account.
type Track struct {
	Name       string `json:"name"`
	Artists    string `json:"artists"`
	Album      string `json:"album,omitempty"`
	URI        string `json:"uri,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// NowPlaying is the current playback snapshot.
type NowPlaying struct {
	Playing    bool   `json:"playing"`
	Track      *Track `json:"track,omitempty"`
	ProgressMS int64  `json:"progress_ms,omitempty"`
}

// Discovery is the result of a discovery or recommendation query.
type Discovery struct {
	Tracks   []Track `json:"tracks"`
	Strategy string  `json:"strategy,omitempty"`
	Message  string  `json:"message,omitempty"`
}

// RecommendationQuery narrows a recommendation request.
type RecommendationQuery struct {
	Kind   string // similar_artist, top_by_genre, artist_top_tracks
	Artist string
	Genre  string
	Limit  int
}

// PlaylistRequest asks for a generated playlist.
type PlaylistRequest struct {
	Prompt        string
	NumberOfSongs int
	Name          string // optional; generated from the prompt when empty
}

// Playlist is a created playlist.
type Playlist struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	URI         string   `json:"uri"`
	URL         string   `json:"url,omitempty"`
	Songs       []string `json:"songs,omitempty"`
}

// SearchHit is one web search result.
type SearchHit struct {
	Title   string `json:"title"`
	URL     string `json:"url,omitempty"`
	Snippet string `json:"snippet"`
}

// Service exposes every playback, discovery, and playlist operation the
// session's tool dispatcher may invoke. Each call carries the user's access
// credential; implementations must return *Failure for expected failures so
// the dispatcher can keep the conversation alive.
type Service interface {
	Play(ctx context.Context, cred, song, artist string) error
	Pause(ctx context.Context, cred string) error
	Resume(ctx context.Context, cred string) error
	SkipNext(ctx context.Context, cred string) error
	SkipPrevious(ctx context.Context, cred string) error
	Seek(ctx context.Context, cred string, positionMS int64) error
	SetVolume(ctx context.Context, cred string, percent int) error
	Queue(ctx context.Context, cred, song, artist string) error
	CurrentTrack(ctx context.Context, cred string) (*NowPlaying, error)
	TransferPlayback(ctx context.Context, cred, deviceID string) error
	Discover(ctx context.Context, cred, query string, limit int) (*Discovery, error)
	Recommendations(ctx context.Context, cred string, q RecommendationQuery) (*Discovery, error)
	CreatePlaylist(ctx context.Context, cred, userRef string, req PlaylistRequest) (*Playlist, error)
	PlayPlaylist(ctx context.Context, cred, uri string) error
	WebSearch(ctx context.Context, query string, limit int) ([]SearchHit, error)
}
