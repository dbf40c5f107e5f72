package session

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/melodyhq/voice-gateway/pkg/gateway/actions"
	"github.com/melodyhq/voice-gateway/pkg/gateway/upstream"
)

func TestDecodeToolCallTypedVariants(t *testing.T) {
	cases := []struct {
		name string
		args string
		want any
	}{
		{toolPlayTrack, `{"song":"Chameleon","artist":"Herbie Hancock"}`, playTrackArgs{Song: "Chameleon", Artist: "Herbie Hancock"}},
		{toolPausePlayback, "", noArgs{}},
		{toolSeek, `{"position_ms":90000}`, seekArgs{PositionMS: 90000}},
		{toolSetVolume, `{"volume_percent":30}`, setVolumeArgs{VolumePercent: 30}},
		{toolTransferPlay, `{"device_id":"dev42"}`, transferPlaybackArgs{DeviceID: "dev42"}},
		{toolCreatePlaylist, `{"prompt":"rainy sunday","numberOfSongs":12,"playlistName":"Rain"}`, createPlaylistArgs{Prompt: "rainy sunday", NumberOfSongs: 12, PlaylistName: "Rain"}},
		{toolWebSearch, `{"query":"2024 grammys","limit":3}`, webSearchArgs{Query: "2024 grammys", Limit: 3}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			call, err := decodeToolCall(&upstream.OutputItem{Type: "function_call", Name: tc.name, CallID: "c1", Arguments: tc.args})
			if err != nil {
				t.Fatalf("decodeToolCall() error = %v", err)
			}
			if call.args != tc.want {
				t.Fatalf("args=%#v, want %#v", call.args, tc.want)
			}
		})
	}
}

func TestDecodeToolCallStringEncodedArguments(t *testing.T) {
	// Models sometimes double-encode the arguments object.
	call, err := decodeToolCall(&upstream.OutputItem{
		Type:      "function_call",
		Name:      toolSeek,
		CallID:    "c2",
		Arguments: `"{\"position_ms\":5000}"`,
	})
	if err != nil {
		t.Fatalf("decodeToolCall() error = %v", err)
	}
	if call.args != (seekArgs{PositionMS: 5000}) {
		t.Fatalf("args=%#v", call.args)
	}
}

func TestDecodeToolCallUnknownName(t *testing.T) {
	_, err := decodeToolCall(&upstream.OutputItem{Type: "function_call", Name: "order_pizza", CallID: "c3"})
	var unknown errUnknownTool
	if !errors.As(err, &unknown) {
		t.Fatalf("err=%v, want errUnknownTool", err)
	}
	if unknown.name != "order_pizza" {
		t.Fatalf("name=%q", unknown.name)
	}
}

func TestDecodeToolCallMalformedArguments(t *testing.T) {
	_, err := decodeToolCall(&upstream.OutputItem{Type: "function_call", Name: toolSeek, Arguments: `{"position_ms":`})
	if err == nil {
		t.Fatalf("expected error")
	}
	var unknown errUnknownTool
	if errors.As(err, &unknown) {
		t.Fatalf("malformed args misreported as unknown tool")
	}
}

func TestTransferPlaybackRoutesToActionService(t *testing.T) {
	s, _, acts := newTestSession(t, Config{})

	call, err := decodeToolCall(&upstream.OutputItem{
		Type:      "function_call",
		Name:      toolTransferPlay,
		CallID:    "c7",
		Arguments: `{"device_id":"dev42"}`,
	})
	if err != nil {
		t.Fatalf("decodeToolCall() error = %v", err)
	}

	out := s.invokeTool(context.Background(), call)
	if !out.success || out.message != "Playback transferred" {
		t.Fatalf("outcome=%+v", out)
	}
	if acts.transferCalls != 1 || acts.lastTransferDevice != "dev42" {
		t.Fatalf("transferCalls=%d device=%q", acts.transferCalls, acts.lastTransferDevice)
	}
}

func TestParseArgsEmptyAndNull(t *testing.T) {
	var a seekArgs
	if err := parseArgs("", &a); err != nil {
		t.Fatalf("empty: %v", err)
	}
	if err := parseArgs("null", &a); err != nil {
		t.Fatalf("null: %v", err)
	}
	if a != (seekArgs{}) {
		t.Fatalf("args mutated: %+v", a)
	}
}

func TestToolOutcomeOutput(t *testing.T) {
	out := toolOutcome{name: toolPausePlayback, callID: "c1", success: true, message: "Playback paused"}
	s := out.output()
	if !strings.Contains(s, `"success":true`) || !strings.Contains(s, "Playback paused") {
		t.Fatalf("output=%s", s)
	}

	failed := failedOutcome(toolCall{name: "x", callID: "c2"}, &actions.Failure{Kind: actions.FailureNoActiveDevice, Message: "no device"})
	s = failed.output()
	if !strings.Contains(s, `"success":false`) || !strings.Contains(s, "no_active_device") {
		t.Fatalf("output=%s", s)
	}
}
