package spotify

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/melodyhq/voice-gateway/pkg/gateway/actions"
)

const (
	defaultPlaylistSongs = 20
	maxPlaylistSongs     = 50
)

// CreatePlaylist generates a song list from the prompt, creates a private
// playlist on the user's account, and fills it with whichever songs resolve
// to real tracks. The creation gate is consulted first; a denied gate is a
// generic failure the agent can explain.
func (s *Service) CreatePlaylist(ctx context.Context, cred, userRef string, req actions.PlaylistRequest) (*actions.Playlist, error) {
	if s.generator == nil {
		return nil, actions.Genericf("playlist generation is not configured")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, actions.Genericf("playlist prompt is required")
	}
	n := req.NumberOfSongs
	if n <= 0 {
		n = defaultPlaylistSongs
	}
	if n > maxPlaylistSongs {
		n = maxPlaylistSongs
	}

	if s.gate != nil {
		ok, err := s.gate.Allow(ctx, userRef)
		if err != nil {
			return nil, actions.Genericf("playlist limit check failed: %v", err)
		}
		if !ok {
			return nil, actions.Genericf("daily playlist limit reached")
		}
	}

	generated, err := s.generator.Generate(ctx, req.Prompt, n, req.Name)
	if err != nil {
		return nil, actions.Genericf("playlist generation failed: %v", err)
	}
	if len(generated.Songs) == 0 {
		return nil, actions.Genericf("playlist generation produced no songs")
	}

	var me struct {
		ID string `json:"id"`
	}
	if err := s.do(ctx, cred, http.MethodGet, "/me", nil, &me); err != nil {
		return nil, err
	}

	var created struct {
		ID           string `json:"id"`
		URI          string `json:"uri"`
		ExternalURLs struct {
			Spotify string `json:"spotify"`
		} `json:"external_urls"`
	}
	createBody := map[string]any{
		"name":        generated.Name,
		"description": generated.Description,
		"public":      false,
	}
	if err := s.do(ctx, cred, http.MethodPost, "/users/"+me.ID+"/playlists", createBody, &created); err != nil {
		return nil, err
	}

	uris := make([]string, 0, len(generated.Songs))
	resolved := make([]string, 0, len(generated.Songs))
	for _, song := range generated.Songs {
		tracks, err := s.searchTracks(ctx, cred, song, 1)
		if err != nil || len(tracks) == 0 {
			// Unresolvable songs are skipped; a playlist with most of its
			// tracks beats failing the whole request.
			continue
		}
		uris = append(uris, tracks[0].URI)
		resolved = append(resolved, song)
	}
	if len(uris) == 0 {
		return nil, actions.Genericf("none of the generated songs could be found")
	}
	addBody := map[string]any{"uris": uris}
	if err := s.do(ctx, cred, http.MethodPost, "/playlists/"+created.ID+"/tracks", addBody, nil); err != nil {
		return nil, fmt.Errorf("spotify: add tracks: %w", err)
	}

	return &actions.Playlist{
		Name:        generated.Name,
		Description: generated.Description,
		URI:         created.URI,
		URL:         created.ExternalURLs.Spotify,
		Songs:       resolved,
	}, nil
}
