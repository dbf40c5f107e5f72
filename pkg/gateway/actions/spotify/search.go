package spotify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/melodyhq/voice-gateway/pkg/gateway/actions"
)

const (
	defaultDiscoverLimit = 10
	maxSearchLimit       = 50
)

type apiArtist struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type apiAlbum struct {
	Name string `json:"name"`
}

type apiTrack struct {
	Name       string      `json:"name"`
	URI        string      `json:"uri"`
	DurationMS int64       `json:"duration_ms"`
	Album      apiAlbum    `json:"album"`
	Artists    []apiArtist `json:"artists"`
}

func (t *apiTrack) toTrack() actions.Track {
	names := make([]string, 0, len(t.Artists))
	for _, a := range t.Artists {
		names = append(names, a.Name)
	}
	return actions.Track{
		Name:       t.Name,
		Artists:    strings.Join(names, ", "),
		Album:      t.Album.Name,
		URI:        t.URI,
		DurationMS: t.DurationMS,
	}
}

type searchResponse struct {
	Tracks struct {
		Items []apiTrack `json:"items"`
	} `json:"tracks"`
	Artists struct {
		Items []apiArtist `json:"items"`
	} `json:"artists"`
}

func (s *Service) searchTracks(ctx context.Context, cred, query string, limit int) ([]apiTrack, error) {
	if limit <= 0 {
		limit = defaultDiscoverLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	path := fmt.Sprintf("/search?q=%s&type=track&limit=%d", url.QueryEscape(query), limit)
	var body searchResponse
	if err := s.do(ctx, cred, http.MethodGet, path, nil, &body); err != nil {
		return nil, err
	}
	return body.Tracks.Items, nil
}

// findTrack resolves a song name (optionally scoped by artist) to the top
// search hit.
func (s *Service) findTrack(ctx context.Context, cred, song, artist string) (*apiTrack, error) {
	query := "track:" + song
	if strings.TrimSpace(artist) != "" {
		query += " artist:" + artist
	}
	tracks, err := s.searchTracks(ctx, cred, query, 1)
	if err != nil {
		return nil, err
	}
	if len(tracks) == 0 {
		// A scoped search can miss on slightly wrong artist names; retry
		// with the free-form query before giving up.
		tracks, err = s.searchTracks(ctx, cred, strings.TrimSpace(song+" "+artist), 1)
		if err != nil {
			return nil, err
		}
	}
	if len(tracks) == 0 {
		return nil, actions.Genericf("no track found for %q", song)
	}
	return &tracks[0], nil
}

// Discover runs a free-form discovery query and returns matching tracks.
func (s *Service) Discover(ctx context.Context, cred, query string, limit int) (*actions.Discovery, error) {
	if strings.TrimSpace(query) == "" {
		return nil, actions.Genericf("discovery query is required")
	}
	tracks, err := s.searchTracks(ctx, cred, query, limit)
	if err != nil {
		return nil, err
	}
	out := &actions.Discovery{Strategy: "search"}
	for i := range tracks {
		out.Tracks = append(out.Tracks, tracks[i].toTrack())
	}
	if len(out.Tracks) == 0 {
		out.Message = fmt.Sprintf("nothing found for %q", query)
	}
	return out, nil
}

// Recommendations answers the typed recommendation kinds: an artist's top
// tracks, tracks similar to an artist, or top tracks in a genre.
func (s *Service) Recommendations(ctx context.Context, cred string, q actions.RecommendationQuery) (*actions.Discovery, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultDiscoverLimit
	}
	switch q.Kind {
	case "artist_top_tracks", "similar_artist":
		if strings.TrimSpace(q.Artist) == "" {
			return nil, actions.Genericf("artist is required for %s recommendations", q.Kind)
		}
		return s.artistTopTracks(ctx, cred, q.Artist, limit, q.Kind)
	case "top_by_genre":
		if strings.TrimSpace(q.Genre) == "" {
			return nil, actions.Genericf("genre is required for top_by_genre recommendations")
		}
		tracks, err := s.searchTracks(ctx, cred, fmt.Sprintf("genre:%q", q.Genre), limit)
		if err != nil {
			return nil, err
		}
		out := &actions.Discovery{Strategy: "top_by_genre"}
		for i := range tracks {
			out.Tracks = append(out.Tracks, tracks[i].toTrack())
		}
		return out, nil
	default:
		return nil, actions.Genericf("unknown recommendation kind %q", q.Kind)
	}
}

func (s *Service) artistTopTracks(ctx context.Context, cred, artist string, limit int, strategy string) (*actions.Discovery, error) {
	path := fmt.Sprintf("/search?q=%s&type=artist&limit=1", url.QueryEscape(artist))
	var found searchResponse
	if err := s.do(ctx, cred, http.MethodGet, path, nil, &found); err != nil {
		return nil, err
	}
	if len(found.Artists.Items) == 0 {
		return nil, actions.Genericf("artist %q not found", artist)
	}
	var body struct {
		Tracks []apiTrack `json:"tracks"`
	}
	topPath := fmt.Sprintf("/artists/%s/top-tracks?market=from_token", found.Artists.Items[0].ID)
	if err := s.do(ctx, cred, http.MethodGet, topPath, nil, &body); err != nil {
		return nil, err
	}
	out := &actions.Discovery{Strategy: strategy}
	for i := range body.Tracks {
		if len(out.Tracks) >= limit {
			break
		}
		out.Tracks = append(out.Tracks, body.Tracks[i].toTrack())
	}
	return out, nil
}
