package slack

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// Button action id prefixes. The alert id follows the prefix.
const (
	ActionAcknowledge = "aegis_ack:"
	ActionDispute     = "aegis_dispute:"
)

// ReactionEvent is the structure received from slack-forwarder via NATS.
type ReactionEvent struct {
	Reaction  string `json:"reaction"`
	UserID    string `json:"user_id"`
	Channel   string `json:"channel"`
	MessageTS string `json:"message_ts"`
}

// InteractionEvent matches the slack-gateway interaction event format.
type InteractionEvent struct {
	ActionID  string `json:"action_id"`
	Value     string `json:"value"`
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name"`
	ChannelID string `json:"channel_id"`
	MessageTS string `json:"message_ts"`
}

// ReviewVerdict is a reviewer's judgement of a posted alert.
type ReviewVerdict string

const (
	VerdictConfirmed ReviewVerdict = "confirmed"
	VerdictRejected  ReviewVerdict = "rejected"
	VerdictSkipped   ReviewVerdict = "skipped"
	VerdictUnknown   ReviewVerdict = "unknown"
)

// ParseReaction converts a Slack reaction emoji name to a review verdict.
func ParseReaction(reaction string) ReviewVerdict {
	switch reaction {
	case "+1", "thumbsup", "white_check_mark", "heavy_check_mark":
		return VerdictConfirmed
	case "-1", "thumbsdown", "x", "no_entry_sign":
		return VerdictRejected
	case "shrug":
		return VerdictSkipped
	default:
		return VerdictUnknown
	}
}

// ParseReactionEvent parses a NATS message payload from slack-forwarder into a ReactionEvent.
func ParseReactionEvent(data []byte, logger *slog.Logger) (*ReactionEvent, error) {
	// The slack-forwarder publishes events with metadata in a wrapper.
	var wrapper struct {
		Metadata map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("parse reaction wrapper: %w", err)
	}

	evt := &ReactionEvent{
		Reaction:  wrapper.Metadata["text"],
		UserID:    wrapper.Metadata["user_id"],
		Channel:   wrapper.Metadata["channel_id"],
		MessageTS: wrapper.Metadata["message_ts"],
	}
	if evt.MessageTS == "" {
		logger.Debug("reaction event without message_ts", "reaction", evt.Reaction)
	}

	// Clean reaction text (remove colons if present)
	if len(evt.Reaction) > 2 && evt.Reaction[0] == ':' && evt.Reaction[len(evt.Reaction)-1] == ':' {
		evt.Reaction = evt.Reaction[1 : len(evt.Reaction)-1]
	}

	return evt, nil
}

// ParseInteraction maps a button interaction to the alert it targets.
// ok is false for actions that are not alert buttons.
func ParseInteraction(evt InteractionEvent) (alertID string, verdict ReviewVerdict, ok bool) {
	switch {
	case strings.HasPrefix(evt.ActionID, ActionAcknowledge):
		alertID, verdict = strings.TrimPrefix(evt.ActionID, ActionAcknowledge), VerdictConfirmed
	case strings.HasPrefix(evt.ActionID, ActionDispute):
		alertID, verdict = strings.TrimPrefix(evt.ActionID, ActionDispute), VerdictRejected
	default:
		return "", VerdictUnknown, false
	}
	if alertID == "" {
		return "", VerdictUnknown, false
	}
	return alertID, verdict, true
}
