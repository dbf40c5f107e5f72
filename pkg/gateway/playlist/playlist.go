// Package playlist turns free-form prompts into titled song lists using the
// Gemini API. Track resolution and playlist creation stay with the Spotify
// action service; this package only produces the list.
package playlist

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/melodyhq/voice-gateway/pkg/gateway/actions/spotify"
)

const (
	defaultModel     = "gemini-2.5-flash"
	defaultMaxTokens = 2048
)

// Option configures a Generator.
type Option func(*Generator)

// WithModel sets the model ID.
func WithModel(model string) Option {
	return func(g *Generator) { g.model = model }
}

// Generator implements spotify.Generator.
type Generator struct {
	client *genai.Client
	model  string
}

var _ spotify.Generator = (*Generator)(nil)

// New creates a Generator with the given API key.
func New(ctx context.Context, apiKey string, opts ...Option) (*Generator, error) {
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("playlist: %w", err)
	}
	g := &Generator{client: gc, model: defaultModel}
	for _, o := range opts {
		o(g)
	}
	return g, nil
}

// Generate asks the model for a playlist and parses its JSON reply.
func (g *Generator) Generate(ctx context.Context, prompt string, numberOfSongs int, name string) (spotify.GeneratedPlaylist, error) {
	contents := genai.Text(buildPrompt(prompt, numberOfSongs, name))
	maxTokens := int32(defaultMaxTokens)
	config := &genai.GenerateContentConfig{
		MaxOutputTokens:  maxTokens,
		ResponseMIMEType: "application/json",
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: systemInstruction}},
		},
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return spotify.GeneratedPlaylist{}, fmt.Errorf("playlist: generate: %w", err)
	}
	generated, err := parsePlaylist(resp.Text())
	if err != nil {
		return spotify.GeneratedPlaylist{}, err
	}
	if name != "" {
		generated.Name = name
	}
	if len(generated.Songs) > numberOfSongs && numberOfSongs > 0 {
		generated.Songs = generated.Songs[:numberOfSongs]
	}
	return generated, nil
}

const systemInstruction = "You are a music curator. Answer with a single JSON object: " +
	`{"name": string, "description": string, "songs": ["Song Title - Artist", ...]}. ` +
	"No markdown, no commentary."

func buildPrompt(prompt string, numberOfSongs int, name string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Create a playlist of exactly %d songs for: %s.\n", numberOfSongs, prompt)
	b.WriteString("Every entry must be a real, findable recording formatted as \"Song Title - Artist\".\n")
	if name != "" {
		fmt.Fprintf(&b, "The playlist is named %q; keep the description consistent with that name.\n", name)
	}
	return b.String()
}

func parsePlaylist(text string) (spotify.GeneratedPlaylist, error) {
	text = strings.TrimSpace(text)
	// Some models wrap JSON in a fenced block despite the MIME type hint.
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
		text = strings.TrimSpace(text)
	}
	var decoded struct {
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Songs       []string `json:"songs"`
	}
	if err := json.Unmarshal([]byte(text), &decoded); err != nil {
		return spotify.GeneratedPlaylist{}, fmt.Errorf("playlist: parse model reply: %w", err)
	}
	songs := make([]string, 0, len(decoded.Songs))
	for _, s := range decoded.Songs {
		s = strings.TrimSpace(s)
		if s != "" {
			songs = append(songs, s)
		}
	}
	if len(songs) == 0 {
		return spotify.GeneratedPlaylist{}, fmt.Errorf("playlist: model reply had no songs")
	}
	if strings.TrimSpace(decoded.Name) == "" {
		decoded.Name = "Generated Playlist"
	}
	return spotify.GeneratedPlaylist{
		Name:        decoded.Name,
		Description: decoded.Description,
		Songs:       songs,
	}, nil
}
