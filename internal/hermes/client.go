package hermes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// SubjectSegment carries transcript segments from the transcription service.
	SubjectSegment = "swarm.aegis.transcript.segment"
	// SubjectControl carries session control commands.
	SubjectControl = "swarm.aegis.session.control"
	// SubjectAlert is where emitted alerts are published.
	SubjectAlert = "swarm.aegis.alert"
	// SubjectBackpressure is published when a window is dropped to keep up.
	SubjectBackpressure = "swarm.aegis.backpressure"
	// SubjectFeedback carries reviewer feedback on alerts.
	SubjectFeedback = "swarm.aegis.feedback"
	// SubjectSlackReaction carries Slack reaction events relayed by the Slack bridge.
	SubjectSlackReaction = "swarm.slack.reaction"
	// SubjectSlackInteraction carries Slack button presses relayed by slack-gateway.
	SubjectSlackInteraction = "swarm.slack.interaction"
)

// Control commands accepted on SubjectControl.
const (
	ControlBoundary = "boundary"
	ControlReset    = "reset"
	ControlReload   = "reload"
)

// ControlMessage asks the running session to act.
type ControlMessage struct {
	Command   string `json:"command"`
	SessionID string `json:"session_id,omitempty"`
}

// BackpressureSignal reports a window dropped because matching fell behind.
type BackpressureSignal struct {
	SessionID     string    `json:"session_id"`
	DroppedWindow string    `json:"dropped_window"`
	QueueDepth    int       `json:"queue_depth"`
	Timestamp     time.Time `json:"timestamp"`
}

// FeedbackSignal is emitted when a human confirms or rejects an alert,
// so rule owners can tune thresholds.
type FeedbackSignal struct {
	AlertID      string `json:"alert_id"`
	SessionID    string `json:"session_id"`
	RuleID       string `json:"rule_id"`
	Category     string `json:"category"`
	Severity     string `json:"severity"`
	FeedbackType string `json:"feedback_type"` // confirmed | rejected
	ReviewerID   string `json:"reviewer_id"`
}

type Client struct {
	conn   *nats.Conn
	subs   []*nats.Subscription
	logger *slog.Logger
}

func NewClient(ctx context.Context, url, token string, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name("aegis"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &Client{conn: nc, logger: logger}, nil
}

func (c *Client) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return c.conn.Publish(subject, payload)
}

func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.subs = append(c.subs, sub)
	c.logger.Info("subscribed", "subject", subject)
	return nil
}

// Connected reports whether the connection is currently up.
func (c *Client) Connected() bool {
	return c.conn.IsConnected()
}

// Drain unsubscribes, lets pending messages finish and closes the connection.
func (c *Client) Drain() error {
	return c.conn.Drain()
}

func (c *Client) Close() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.conn.Close()
}
