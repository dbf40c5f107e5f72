package session

import "github.com/melodyhq/voice-gateway/pkg/gateway/upstream"

const agentInstructions = "You are Melody, a friendly voice assistant that controls the user's " +
	"Spotify playback. Keep answers short and conversational; you are speaking, not writing. " +
	"Use the provided tools for every playback action instead of describing what the user " +
	"should do. When a tool fails because there is no active device, tell the user to open " +
	"Spotify on one of their devices. Never invent track names; when unsure, search first. " +
	"Expand numbers and abbreviations for speech and do not use markdown."

const (
	sessionVoice        = "alloy"
	audioFormatPCM16    = "pcm16"
	transcriptionModel  = "whisper-1"
	vadThreshold        = 0.5
	vadPrefixPaddingMS  = 300
	vadSilenceMS        = 500
	responseTemperature = 0.8
)

// sessionConfig builds the session.update payload sent right after the
// upstream link opens.
func sessionConfig(voice string) upstream.SessionUpdate {
	if voice == "" {
		voice = sessionVoice
	}
	return upstream.SessionUpdate{
		Type: upstream.TypeSessionUpdate,
		Session: upstream.SessionConfig{
			Modalities:        []string{"text", "audio"},
			Instructions:      agentInstructions,
			Voice:             voice,
			InputAudioFormat:  audioFormatPCM16,
			OutputAudioFormat: audioFormatPCM16,
			InputAudioTranscription: &upstream.TranscriptionConfig{
				Model: transcriptionModel,
			},
			TurnDetection: &upstream.TurnDetection{
				Type:              "server_vad",
				Threshold:         vadThreshold,
				PrefixPaddingMS:   vadPrefixPaddingMS,
				SilenceDurationMS: vadSilenceMS,
			},
			Tools:       toolSchemas(),
			ToolChoice:  "auto",
			Temperature: responseTemperature,
		},
	}
}

func fn(name, description string, props map[string]any, required ...string) upstream.Tool {
	params := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		params["required"] = required
	}
	return upstream.Tool{Type: "function", Name: name, Description: description, Parameters: params}
}

func strProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func intProp(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}

func toolSchemas() []upstream.Tool {
	return []upstream.Tool{
		fn(toolPlayTrack, "Play a specific song, optionally scoped by artist. Without a song, resumes playback.",
			map[string]any{"song": strProp("Song title"), "artist": strProp("Artist name")}),
		fn(toolPausePlayback, "Pause the current playback.", map[string]any{}),
		fn(toolResumePlayback, "Resume paused playback.", map[string]any{}),
		fn(toolSkipNext, "Skip to the next track.", map[string]any{}),
		fn(toolSkipPrevious, "Go back to the previous track.", map[string]any{}),
		fn(toolSeek, "Seek to a position in the current track.",
			map[string]any{"position_ms": intProp("Position in milliseconds")}, "position_ms"),
		fn(toolSetVolume, "Set the playback volume.",
			map[string]any{"volume_percent": intProp("Volume from 0 to 100")}, "volume_percent"),
		fn(toolAddToQueue, "Add a song to the playback queue.",
			map[string]any{"song": strProp("Song title"), "artist": strProp("Artist name")}, "song"),
		fn(toolGetCurrent, "Get the currently playing track.", map[string]any{}),
		fn(toolTransferPlay, "Transfer playback to another of the user's devices.",
			map[string]any{"device_id": strProp("Target device id")}, "device_id"),
		fn(toolSearchAndPlay, "Search for music by free-form query and play the top match.",
			map[string]any{"query": strProp("Free-form search query")}, "query"),
		fn(toolDiscoverMusic, "Discover tracks matching a mood, era, or style query.",
			map[string]any{"query": strProp("Discovery query"), "limit": intProp("Maximum results")}, "query"),
		fn(toolRecommendations, "Get recommendations by artist or genre.",
			map[string]any{
				"type":   strProp("One of similar_artist, artist_top_tracks, top_by_genre"),
				"artist": strProp("Seed artist for artist-based kinds"),
				"genre":  strProp("Seed genre for top_by_genre"),
				"limit":  intProp("Maximum results"),
			}, "type"),
		fn(toolSearchByDesc, "Find tracks from a natural-language description of the music.",
			map[string]any{"description": strProp("Description of the desired music"), "limit": intProp("Maximum results")}, "description"),
		fn(toolCreatePlaylist, "Create a playlist on the user's account from a prompt.",
			map[string]any{
				"prompt":        strProp("What the playlist should be about"),
				"numberOfSongs": intProp("How many songs to include"),
				"playlistName":  strProp("Optional explicit playlist name"),
			}, "prompt"),
		fn(toolPlayPlaylist, "Start playing an existing playlist.",
			map[string]any{"playlistUri": strProp("Spotify playlist URI"), "playlistId": strProp("Playlist id when no URI is known")}),
		fn(toolWebSearch, "Search the web for music facts, charts, or release news.",
			map[string]any{"query": strProp("Search query"), "limit": intProp("Maximum results")}, "query"),
	}
}
