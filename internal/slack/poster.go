package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/aegis/internal/model"
)

const defaultPostMessageURL = "https://slack.com/api/chat.postMessage"

// maxTracked bounds the message ts -> alert map used to resolve reactions.
const maxTracked = 2048

type Poster struct {
	token   string
	channel string
	client  *http.Client
	logger  *slog.Logger
	apiURL  string

	mu      sync.Mutex
	tracked map[string]model.Alert
	order   []string
}

func NewPoster(token, channel string, logger *slog.Logger) *Poster {
	return &Poster{
		token:   token,
		channel: channel,
		client:  &http.Client{Timeout: 10 * time.Second},
		apiURL:  defaultPostMessageURL,
		logger:  logger,
		tracked: make(map[string]model.Alert),
	}
}

// PostAlert posts an alert for reviewer feedback.
// Returns the message timestamp (ts) which is used for tracking reactions.
func (p *Poster) PostAlert(ctx context.Context, alert model.Alert) (string, error) {
	text := formatAlertMessage(alert)

	ts, err := p.post(ctx, map[string]any{
		"channel": p.channel,
		"text":    text,
		"blocks": []map[string]any{
			{
				"type": "section",
				"text": map[string]any{
					"type": "mrkdwn",
					"text": text,
				},
			},
			{
				"type": "context",
				"elements": []map[string]any{
					{
						"type": "mrkdwn",
						"text": "React: :+1: valid | :-1: false positive | :shrug: skip",
					},
				},
			},
			{
				"type": "actions",
				"elements": []map[string]any{
					button("Acknowledge", ActionAcknowledge+alert.ID, "primary"),
					button("Dispute", ActionDispute+alert.ID, "danger"),
				},
			},
		},
	})
	if err != nil {
		return "", err
	}

	p.track(ts, alert)
	p.logger.Info("posted alert to slack", "ts", ts, "alert_id", alert.ID, "rule_id", alert.RuleID)
	return ts, nil
}

// Write implements output.Sink.
func (p *Poster) Write(ctx context.Context, alert model.Alert) error {
	_, err := p.PostAlert(ctx, alert)
	return err
}

func (p *Poster) Close() error { return nil }

// Tracked returns the alert posted as message ts.
func (p *Poster) Tracked(ts string) (model.Alert, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.tracked[ts]
	return a, ok
}

// Take returns the alert posted as message ts and stops tracking it, so
// feedback on a message is applied once.
func (p *Poster) Take(ts string) (model.Alert, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.tracked[ts]
	delete(p.tracked, ts)
	return a, ok
}

func (p *Poster) track(ts string, alert model.Alert) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.tracked[ts]; !ok {
		p.order = append(p.order, ts)
	}
	p.tracked[ts] = alert
	for len(p.order) > maxTracked {
		delete(p.tracked, p.order[0])
		p.order = p.order[1:]
	}
}

// PostThread posts a threaded reply to a message.
func (p *Poster) PostThread(ctx context.Context, threadTS, text string) error {
	_, err := p.post(ctx, map[string]any{
		"channel":   p.channel,
		"thread_ts": threadTS,
		"text":      text,
	})
	return err
}

func (p *Poster) post(ctx context.Context, payload map[string]any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("slack post: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var slackResp struct {
		OK    bool   `json:"ok"`
		TS    string `json:"ts"`
		Error string `json:"error,omitempty"`
	}
	if err := json.Unmarshal(respBody, &slackResp); err != nil {
		return "", fmt.Errorf("parse slack response: %w", err)
	}
	if !slackResp.OK {
		return "", fmt.Errorf("slack error: %s", slackResp.Error)
	}
	return slackResp.TS, nil
}

func button(text, actionID, style string) map[string]any {
	return map[string]any{
		"type":      "button",
		"text":      map[string]any{"type": "plain_text", "text": text},
		"action_id": actionID,
		"style":     style,
	}
}

func severityEmoji(s model.Severity) string {
	switch s {
	case model.SeverityCritical:
		return ":rotating_light:"
	case model.SeverityHigh:
		return ":red_circle:"
	case model.SeverityMedium:
		return ":large_orange_circle:"
	default:
		return ":large_blue_circle:"
	}
}

func formatAlertMessage(a model.Alert) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "%s *%s* `%s` (%s)\n", severityEmoji(a.Severity), strings.ToUpper(a.Severity.String()), a.RuleID, a.Category)
	fmt.Fprintf(&sb, "*Session:* %s | %.1fs-%.1fs", a.SessionID, a.StartSec, a.EndSec)
	if a.Speaker != "" {
		fmt.Fprintf(&sb, " | %s", a.Speaker)
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "> %s\n", a.Excerpt)
	if a.Message != "" {
		fmt.Fprintf(&sb, "%s\n", a.Message)
	}
	if a.Suggestion != "" {
		fmt.Fprintf(&sb, "*Try instead:* %s\n", a.Suggestion)
	}
	if a.Unreviewed {
		sb.WriteString("_Unreviewed: automatic review was unavailable._\n")
	}
	if a.Supersedes != "" {
		fmt.Fprintf(&sb, "_Supersedes alert %s._\n", a.Supersedes)
	}
	return strings.TrimRight(sb.String(), "\n")
}
