package session

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/melodyhq/voice-gateway/pkg/gateway/actions"
)

// The injector watches what the user says for signs they are asking about
// the current track, and splices a fresh playback snapshot into the
// conversation so the agent answers from facts instead of guessing.

var playbackKeywords = []string{
	"what's playing",
	"whats playing",
	"currently playing",
	"this song",
	"this track",
	"what song",
	"what track",
	"who sings this",
	"who is this",
}

var playbackPattern = regexp.MustCompile(`(?i)tell me about.*playing`)

// wantsPlaybackContext reports whether the text is asking about current
// playback.
func wantsPlaybackContext(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range playbackKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return playbackPattern.MatchString(text)
}

// playbackFact renders the snapshot as a system-entry fact. An idle player
// is an explicit fact, never an omission.
func playbackFact(np *actions.NowPlaying) string {
	if np == nil || !np.Playing || np.Track == nil {
		return "CURRENT SPOTIFY STATUS: No track is currently playing."
	}
	fact := fmt.Sprintf("CURRENT SPOTIFY STATUS: Playing %q by %s", np.Track.Name, np.Track.Artists)
	if np.Track.Album != "" {
		fact += fmt.Sprintf(" from the album %q", np.Track.Album)
	}
	return fact + "."
}

// PlaybackSeed renders a snapshot for seeding a brand-new conversation, in
// the same shape the in-session injector uses.
func PlaybackSeed(np *actions.NowPlaying) string { return playbackFact(np) }

// injector dedupes consecutive context injections: re-injecting the exact
// fact that was last spliced in adds noise without information.
type injector struct {
	lastFact string
}

// shouldInject records the fact and reports whether it differs from the one
// injected immediately before.
func (i *injector) shouldInject(fact string) bool {
	if fact == i.lastFact {
		return false
	}
	i.lastFact = fact
	return true
}

// reset clears the dedupe state, called when playback state may have moved
// (after any playback-affecting tool call).
func (i *injector) reset() { i.lastFact = "" }
