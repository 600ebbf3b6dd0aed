// Package output delivers alerts to their destinations.
package output

import (
	"context"
	"errors"

	"github.com/MikeSquared-Agency/aegis/internal/model"
)

// Sink is an alert destination. Alerts are append-only; a sink never
// retracts what it has written.
type Sink interface {
	Write(ctx context.Context, alert model.Alert) error
	Close() error
}

// SinkFunc adapts a function to Sink. Close is a no-op.
type SinkFunc func(ctx context.Context, alert model.Alert) error

func (f SinkFunc) Write(ctx context.Context, alert model.Alert) error { return f(ctx, alert) }
func (f SinkFunc) Close() error                                        { return nil }

// Multi fans out alerts to several sinks. If one sink fails the remaining
// sinks still receive the alert.
type Multi struct {
	sinks []Sink
}

// NewMulti creates a Multi over sinks, skipping nils.
func NewMulti(sinks ...Sink) *Multi {
	m := &Multi{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Add appends a sink. It must not be called concurrently with Write.
func (m *Multi) Add(s Sink) {
	m.sinks = append(m.sinks, s)
}

func (m *Multi) Write(ctx context.Context, alert model.Alert) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Write(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MinSeverity forwards only alerts at or above a severity.
type MinSeverity struct {
	Min  model.Severity
	Next Sink
}

func (m MinSeverity) Write(ctx context.Context, alert model.Alert) error {
	if alert.Severity < m.Min {
		return nil
	}
	return m.Next.Write(ctx, alert)
}

func (m MinSeverity) Close() error { return m.Next.Close() }
