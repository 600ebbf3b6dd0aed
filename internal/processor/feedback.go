package processor

import (
	"context"
	"encoding/json"

	"github.com/MikeSquared-Agency/aegis/internal/hermes"
	"github.com/MikeSquared-Agency/aegis/internal/model"
	"github.com/MikeSquared-Agency/aegis/internal/slack"
	"github.com/MikeSquared-Agency/aegis/internal/trust"
)

const rejectionPrompt = "Thanks. What made this a false positive? Replies in this thread are used to tune the rule."

// HandleReaction processes Slack reaction feedback from slack-forwarder via NATS.
// Reactions on posted alerts become human trust signals for the alert's rule.
func (p *Processor) HandleReaction(subject string, data []byte) {
	evt, err := slack.ParseReactionEvent(data, p.logger)
	if err != nil {
		p.logger.Error("failed to parse reaction", "error", err)
		return
	}

	verdict := slack.ParseReaction(evt.Reaction)
	if verdict == slack.VerdictUnknown || p.opts.Slack == nil {
		return // not a review reaction
	}

	alert, ok := p.opts.Slack.Take(evt.MessageTS)
	if !ok {
		return // not a message we're tracking
	}
	p.applyFeedback(context.Background(), alert, verdict, evt.UserID, evt.MessageTS)
}

// HandleInteraction processes Acknowledge/Dispute button presses relayed by slack-gateway.
func (p *Processor) HandleInteraction(subject string, data []byte) {
	var evt slack.InteractionEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		p.logger.Warn("failed to parse interaction event", "error", err)
		return
	}

	alertID, verdict, ok := slack.ParseInteraction(evt)
	if !ok || p.opts.Slack == nil {
		return // not an alert action, ignore
	}

	// A mismatched action must not consume the message's feedback slot.
	alert, ok := p.opts.Slack.Tracked(evt.MessageTS)
	if ok && alert.ID != alertID {
		p.logger.Warn("interaction alert id does not match message", "action_alert_id", alertID, "message_alert_id", alert.ID)
		return
	}
	if ok {
		alert, ok = p.opts.Slack.Take(evt.MessageTS)
	}
	if !ok {
		p.logger.Info("feedback for untracked alert ignored", "alert_id", alertID, "message_ts", evt.MessageTS)
		return
	}

	reviewer := evt.UserID
	if evt.UserName != "" {
		reviewer = evt.UserName
	}
	p.applyFeedback(context.Background(), alert, verdict, reviewer, evt.MessageTS)
}

func (p *Processor) applyFeedback(ctx context.Context, alert model.Alert, verdict slack.ReviewVerdict, reviewer, messageTS string) {
	p.logger.Info("processing alert feedback",
		"alert_id", alert.ID,
		"rule_id", alert.RuleID,
		"verdict", string(verdict),
		"reviewer", reviewer,
	)

	if p.opts.Feedback != nil {
		if err := p.opts.Feedback.UpdateAlertFeedback(ctx, alert.ID, string(verdict), ""); err != nil {
			p.logger.Error("failed to update alert feedback", "alert_id", alert.ID, "error", err)
		}
	}

	if verdict != slack.VerdictConfirmed && verdict != slack.VerdictRejected {
		return
	}
	correct := verdict == slack.VerdictConfirmed

	if p.opts.Trust != nil {
		rec := p.opts.Trust.Observe(ctx, alert.RuleID, alert.Severity, correct, trust.SourceHuman)
		p.logger.Info("rule trust updated", "rule_id", rec.RuleID, "score", rec.Score, "total", rec.Total)
	}

	if p.opts.Hermes != nil {
		if err := p.opts.Hermes.Publish(hermes.SubjectFeedback, hermes.FeedbackSignal{
			AlertID:      alert.ID,
			SessionID:    alert.SessionID,
			RuleID:       alert.RuleID,
			Category:     alert.Category,
			Severity:     alert.Severity.String(),
			FeedbackType: string(verdict),
			ReviewerID:   reviewer,
		}); err != nil {
			p.logger.Error("failed to publish feedback signal", "error", err)
		}
	}

	if !correct && p.opts.Slack != nil {
		if err := p.opts.Slack.PostThread(ctx, messageTS, rejectionPrompt); err != nil {
			p.logger.Error("failed to post correction thread", "error", err)
		}
	}
}
