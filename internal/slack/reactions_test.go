package slack

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseReaction(t *testing.T) {
	verdicts := map[string]ReviewVerdict{
		"+1":               VerdictConfirmed,
		"thumbsup":         VerdictConfirmed,
		"white_check_mark": VerdictConfirmed,
		"heavy_check_mark": VerdictConfirmed,
		"-1":               VerdictRejected,
		"thumbsdown":       VerdictRejected,
		"x":                VerdictRejected,
		"no_entry_sign":    VerdictRejected,
		"shrug":            VerdictSkipped,
		"eyes":             VerdictUnknown,
		"":                 VerdictUnknown,
	}
	for reaction, want := range verdicts {
		if got := ParseReaction(reaction); got != want {
			t.Errorf("ParseReaction(%q) = %q, want %q", reaction, got, want)
		}
	}
}

func TestParseReactionEvent(t *testing.T) {
	tests := []struct {
		name string
		data string
		want ReactionEvent
	}{
		{
			name: "colon wrapped",
			data: `{"metadata":{"text":":-1:","user_id":"U42","channel_id":"CALERTS","message_ts":"1700000000.000100"}}`,
			want: ReactionEvent{Reaction: "-1", UserID: "U42", Channel: "CALERTS", MessageTS: "1700000000.000100"},
		},
		{
			name: "bare name",
			data: `{"metadata":{"text":"white_check_mark","user_id":"U7","channel_id":"CALERTS","message_ts":"1700000001.000200"}}`,
			want: ReactionEvent{Reaction: "white_check_mark", UserID: "U7", Channel: "CALERTS", MessageTS: "1700000001.000200"},
		},
		{
			name: "missing message ts",
			data: `{"metadata":{"text":":shrug:","user_id":"U7"}}`,
			want: ReactionEvent{Reaction: "shrug", UserID: "U7"},
		},
		{
			name: "single colon kept",
			data: `{"metadata":{"text":":"}}`,
			want: ReactionEvent{Reaction: ":"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt, err := ParseReactionEvent([]byte(tt.data), discardLogger())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if *evt != tt.want {
				t.Errorf("got %+v, want %+v", *evt, tt.want)
			}
		})
	}
}

func TestParseReactionEvent_InvalidJSON(t *testing.T) {
	if _, err := ParseReactionEvent([]byte("{"), discardLogger()); err == nil {
		t.Error("expected error for truncated payload")
	}
}

func TestParseInteraction(t *testing.T) {
	tests := []struct {
		name      string
		actionID  string
		wantID    string
		wantVerd  ReviewVerdict
		wantMatch bool
	}{
		{"acknowledge", ActionAcknowledge + "alert-1", "alert-1", VerdictConfirmed, true},
		{"dispute", ActionDispute + "alert-2", "alert-2", VerdictRejected, true},
		{"missing id", ActionDispute, "", VerdictUnknown, false},
		{"other action", "gate_approve:123", "", VerdictUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, verdict, ok := ParseInteraction(InteractionEvent{ActionID: tt.actionID})
			if ok != tt.wantMatch || id != tt.wantID || verdict != tt.wantVerd {
				t.Errorf("ParseInteraction(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tt.actionID, id, verdict, ok, tt.wantID, tt.wantVerd, tt.wantMatch)
			}
		})
	}
}

func TestInteractionEventDecode(t *testing.T) {
	var evt InteractionEvent
	data := `{"action_id":"aegis_dispute:alert-9","user_id":"U1","user_name":"dana","channel_id":"CALERTS","message_ts":"1.5"}`
	if err := json.Unmarshal([]byte(data), &evt); err != nil {
		t.Fatal(err)
	}
	id, verdict, ok := ParseInteraction(evt)
	if !ok || id != "alert-9" || verdict != VerdictRejected {
		t.Errorf("got (%q, %q, %v)", id, verdict, ok)
	}
	if evt.UserName != "dana" || evt.MessageTS != "1.5" {
		t.Errorf("decoded %+v", evt)
	}
}
