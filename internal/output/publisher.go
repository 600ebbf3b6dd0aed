package output

import (
	"context"
	"fmt"
	"sync"

	"github.com/MikeSquared-Agency/aegis/internal/model"
)

// Publisher is the message-bus call a PublishSink needs.
type Publisher interface {
	Publish(subject string, v any) error
}

// PublishSink publishes each alert as JSON on a subject.
type PublishSink struct {
	pub     Publisher
	subject string
}

func NewPublishSink(pub Publisher, subject string) *PublishSink {
	return &PublishSink{pub: pub, subject: subject}
}

func (p *PublishSink) Write(_ context.Context, alert model.Alert) error {
	if err := p.pub.Publish(p.subject, alert); err != nil {
		return fmt.Errorf("publish alert %s: %w", alert.ID, err)
	}
	return nil
}

func (p *PublishSink) Close() error { return nil }

// Recorder keeps alerts in memory, in write order. With a Limit only the
// most recent Limit alerts are kept.
type Recorder struct {
	Limit int

	mu     sync.Mutex
	alerts []model.Alert
}

func (r *Recorder) Write(_ context.Context, alert model.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	if r.Limit > 0 && len(r.alerts) > r.Limit {
		r.alerts = append(r.alerts[:0], r.alerts[len(r.alerts)-r.Limit:]...)
	}
	return nil
}

func (r *Recorder) Close() error { return nil }

// Alerts returns a copy of the recorded alerts.
func (r *Recorder) Alerts() []model.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Alert, len(r.alerts))
	copy(out, r.alerts)
	return out
}
