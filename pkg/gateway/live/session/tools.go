package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/melodyhq/voice-gateway/pkg/gateway/actions"
	"github.com/melodyhq/voice-gateway/pkg/gateway/upstream"
)

// Tool names registered with the upstream session. Dispatch is a closed set:
// every supported call decodes to a typed variant below, and anything else
// becomes a structured unknown-function result.
const (
	toolPlayTrack       = "play_track"
	toolPausePlayback   = "pause_playback"
	toolResumePlayback  = "resume_playback"
	toolSkipNext        = "skip_to_next"
	toolSkipPrevious    = "skip_to_previous"
	toolSeek            = "seek_to_position"
	toolSetVolume       = "set_volume"
	toolAddToQueue      = "add_to_queue"
	toolGetCurrent      = "get_currently_playing"
	toolTransferPlay    = "transfer_playback"
	toolSearchAndPlay   = "search_and_play"
	toolDiscoverMusic   = "discover_music"
	toolRecommendations = "get_recommendations"
	toolSearchByDesc    = "search_music_by_description"
	toolCreatePlaylist  = "create_playlist"
	toolPlayPlaylist    = "play_playlist"
	toolWebSearch       = "web_search"
)

type toolArgs interface{ isToolArgs() }

type playTrackArgs struct {
	Song   string `json:"song"`
	Artist string `json:"artist"`
}

type noArgs struct{}

type seekArgs struct {
	PositionMS int64 `json:"position_ms"`
}

type setVolumeArgs struct {
	VolumePercent int `json:"volume_percent"`
}

type queueArgs struct {
	Song   string `json:"song"`
	Artist string `json:"artist"`
}

type transferPlaybackArgs struct {
	DeviceID string `json:"device_id"`
}

type searchAndPlayArgs struct {
	Query string `json:"query"`
}

type discoverArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type recommendationsArgs struct {
	Type   string `json:"type"`
	Artist string `json:"artist"`
	Genre  string `json:"genre"`
	Limit  int    `json:"limit"`
}

type describeSearchArgs struct {
	Description string `json:"description"`
	Limit       int    `json:"limit"`
}

type createPlaylistArgs struct {
	Prompt        string `json:"prompt"`
	NumberOfSongs int    `json:"numberOfSongs"`
	PlaylistName  string `json:"playlistName"`
}

type playPlaylistArgs struct {
	PlaylistURI string `json:"playlistUri"`
	PlaylistID  string `json:"playlistId"`
}

type webSearchArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

func (playTrackArgs) isToolArgs()        {}
func (noArgs) isToolArgs()               {}
func (seekArgs) isToolArgs()             {}
func (setVolumeArgs) isToolArgs()        {}
func (queueArgs) isToolArgs()            {}
func (transferPlaybackArgs) isToolArgs() {}
func (searchAndPlayArgs) isToolArgs()    {}
func (discoverArgs) isToolArgs()         {}
func (recommendationsArgs) isToolArgs()  {}
func (describeSearchArgs) isToolArgs()   {}
func (createPlaylistArgs) isToolArgs()   {}
func (playPlaylistArgs) isToolArgs()     {}
func (webSearchArgs) isToolArgs()        {}

// toolCall is one decoded function call ready for dispatch.
type toolCall struct {
	name   string
	callID string
	args   toolArgs
}

type errUnknownTool struct{ name string }

func (e errUnknownTool) Error() string { return fmt.Sprintf("unknown function %q", e.name) }

// parseArgs tolerates the shapes models actually emit: empty arguments, a
// JSON object, or a JSON object wrapped in a JSON string.
func parseArgs(raw string, into any) error {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		unquoted, err := strconv.Unquote(raw)
		if err != nil {
			return fmt.Errorf("unwrap string arguments: %w", err)
		}
		raw = unquoted
		if strings.TrimSpace(raw) == "" {
			return nil
		}
	}
	if err := json.Unmarshal([]byte(raw), into); err != nil {
		return fmt.Errorf("parse arguments: %w", err)
	}
	return nil
}

// decodeToolCall resolves a function-call completion to a typed variant.
// Unknown names return errUnknownTool; malformed arguments are an error on
// the matching name.
func decodeToolCall(item *upstream.OutputItem) (toolCall, error) {
	call := toolCall{name: item.Name, callID: item.CallID}

	var args toolArgs
	var err error
	switch item.Name {
	case toolPlayTrack:
		var a playTrackArgs
		err = parseArgs(item.Arguments, &a)
		args = a
	case toolPausePlayback, toolResumePlayback, toolSkipNext, toolSkipPrevious, toolGetCurrent:
		args = noArgs{}
	case toolSeek:
		var a seekArgs
		err = parseArgs(item.Arguments, &a)
		args = a
	case toolSetVolume:
		var a setVolumeArgs
		err = parseArgs(item.Arguments, &a)
		args = a
	case toolAddToQueue:
		var a queueArgs
		err = parseArgs(item.Arguments, &a)
		args = a
	case toolTransferPlay:
		var a transferPlaybackArgs
		err = parseArgs(item.Arguments, &a)
		args = a
	case toolSearchAndPlay:
		var a searchAndPlayArgs
		err = parseArgs(item.Arguments, &a)
		args = a
	case toolDiscoverMusic:
		var a discoverArgs
		err = parseArgs(item.Arguments, &a)
		args = a
	case toolRecommendations:
		var a recommendationsArgs
		err = parseArgs(item.Arguments, &a)
		args = a
	case toolSearchByDesc:
		var a describeSearchArgs
		err = parseArgs(item.Arguments, &a)
		args = a
	case toolCreatePlaylist:
		var a createPlaylistArgs
		err = parseArgs(item.Arguments, &a)
		args = a
	case toolPlayPlaylist:
		var a playPlaylistArgs
		err = parseArgs(item.Arguments, &a)
		args = a
	case toolWebSearch:
		var a webSearchArgs
		err = parseArgs(item.Arguments, &a)
		args = a
	default:
		return call, errUnknownTool{name: item.Name}
	}
	if err != nil {
		return call, fmt.Errorf("%s: %w", item.Name, err)
	}
	call.args = args
	return call, nil
}

// toolOutcome is what a dispatched call produced, in both the form the
// upstream model consumes and the form the client displays.
type toolOutcome struct {
	name    string
	callID  string
	success bool
	message string
	result  any
	failure *actions.Failure
}

func (o toolOutcome) output() string {
	body := map[string]any{"success": o.success}
	if o.message != "" {
		body["message"] = o.message
	}
	if o.result != nil {
		body["result"] = o.result
	}
	if o.failure != nil {
		body["error"] = o.failure.Message
		body["error_kind"] = string(o.failure.Kind)
	}
	blob, err := json.Marshal(body)
	if err != nil {
		return `{"success":false,"error":"result serialization failed"}`
	}
	return string(blob)
}

func failedOutcome(call toolCall, err error) toolOutcome {
	return toolOutcome{
		name:    call.name,
		callID:  call.callID,
		failure: actions.AsFailure(err),
	}
}

// invokeTool routes one decoded call to the action service. Expected
// failures come back inside the outcome so the conversation continues.
func (s *Session) invokeTool(ctx context.Context, call toolCall) toolOutcome {
	cred := s.credential
	out := toolOutcome{name: call.name, callID: call.callID, success: true}

	switch a := call.args.(type) {
	case playTrackArgs:
		if err := s.actions.Play(ctx, cred, a.Song, a.Artist); err != nil {
			return failedOutcome(call, err)
		}
		if a.Song != "" {
			out.message = fmt.Sprintf("Now playing %s", describeSong(a.Song, a.Artist))
		} else {
			out.message = "Playback started"
		}
	case noArgs:
		return s.invokeSimple(ctx, call)
	case seekArgs:
		if err := s.actions.Seek(ctx, cred, a.PositionMS); err != nil {
			return failedOutcome(call, err)
		}
		out.message = fmt.Sprintf("Jumped to %ds", a.PositionMS/1000)
	case setVolumeArgs:
		if err := s.actions.SetVolume(ctx, cred, a.VolumePercent); err != nil {
			return failedOutcome(call, err)
		}
		out.message = fmt.Sprintf("Volume set to %d%%", a.VolumePercent)
	case queueArgs:
		if err := s.actions.Queue(ctx, cred, a.Song, a.Artist); err != nil {
			return failedOutcome(call, err)
		}
		out.message = fmt.Sprintf("Added %s to the queue", describeSong(a.Song, a.Artist))
	case transferPlaybackArgs:
		if err := s.actions.TransferPlayback(ctx, cred, a.DeviceID); err != nil {
			return failedOutcome(call, err)
		}
		out.message = "Playback transferred"
	case searchAndPlayArgs:
		if err := s.actions.Play(ctx, cred, a.Query, ""); err != nil {
			return failedOutcome(call, err)
		}
		out.message = fmt.Sprintf("Playing the top match for %q", a.Query)
	case discoverArgs:
		d, err := s.actions.Discover(ctx, cred, a.Query, a.Limit)
		if err != nil {
			return failedOutcome(call, err)
		}
		out.result = d
	case recommendationsArgs:
		d, err := s.actions.Recommendations(ctx, cred, actions.RecommendationQuery{
			Kind:   a.Type,
			Artist: a.Artist,
			Genre:  a.Genre,
			Limit:  a.Limit,
		})
		if err != nil {
			return failedOutcome(call, err)
		}
		out.result = d
	case describeSearchArgs:
		d, err := s.actions.Discover(ctx, cred, a.Description, a.Limit)
		if err != nil {
			return failedOutcome(call, err)
		}
		out.result = d
	case createPlaylistArgs:
		pl, err := s.actions.CreatePlaylist(ctx, cred, s.userRef, actions.PlaylistRequest{
			Prompt:        a.Prompt,
			NumberOfSongs: a.NumberOfSongs,
			Name:          a.PlaylistName,
		})
		if err != nil {
			return failedOutcome(call, err)
		}
		out.result = pl
		out.message = fmt.Sprintf("Created playlist %q with %d songs", pl.Name, len(pl.Songs))
	case playPlaylistArgs:
		uri := a.PlaylistURI
		if uri == "" {
			uri = a.PlaylistID
		}
		if err := s.actions.PlayPlaylist(ctx, cred, uri); err != nil {
			return failedOutcome(call, err)
		}
		out.message = "Playing the playlist"
	case webSearchArgs:
		hits, err := s.actions.WebSearch(ctx, a.Query, a.Limit)
		if err != nil {
			return failedOutcome(call, err)
		}
		out.result = hits
	default:
		return failedOutcome(call, actions.Genericf("unroutable tool call %q", call.name))
	}
	return out
}

func (s *Session) invokeSimple(ctx context.Context, call toolCall) toolOutcome {
	cred := s.credential
	out := toolOutcome{name: call.name, callID: call.callID, success: true}
	var err error
	switch call.name {
	case toolPausePlayback:
		err = s.actions.Pause(ctx, cred)
		out.message = "Playback paused"
	case toolResumePlayback:
		err = s.actions.Resume(ctx, cred)
		out.message = "Playback resumed"
	case toolSkipNext:
		err = s.actions.SkipNext(ctx, cred)
		out.message = "Skipped to the next track"
	case toolSkipPrevious:
		err = s.actions.SkipPrevious(ctx, cred)
		out.message = "Went back to the previous track"
	case toolGetCurrent:
		var np *actions.NowPlaying
		np, err = s.actions.CurrentTrack(ctx, cred)
		if err == nil {
			out.result = np
			if np.Playing && np.Track != nil {
				out.message = fmt.Sprintf("Currently playing %q by %s", np.Track.Name, np.Track.Artists)
			} else {
				out.message = "No track is currently playing."
			}
		}
	default:
		err = actions.Genericf("unroutable tool call %q", call.name)
	}
	if err != nil {
		return failedOutcome(call, err)
	}
	return out
}

func describeSong(song, artist string) string {
	if artist == "" {
		return fmt.Sprintf("%q", song)
	}
	return fmt.Sprintf("%q by %s", song, artist)
}
