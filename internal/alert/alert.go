// Package alert delivers operator alerts raised by the control plane, such
// as a VM found in a power state that disagrees with its record.
package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// Severity of an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert types.
const (
	TypePowerDrift      = "PowerDrift"
	TypeUnexpectedStop  = "UnexpectedStop"
	TypeOperationFailed = "OperationFailed"
	TypeStalledWork     = "StalledWork"
)

// Alert is one notification.
type Alert struct {
	Type     string
	Severity Severity
	VMID     string
	VMName   string
	HostID   string
	Subject  string
	Body     string
}

// Key identifies alerts that are duplicates of each other.
func (a Alert) Key() string {
	return a.Type + "|" + a.VMID + "|" + a.HostID + "|" + a.Subject
}

// Sink delivers alerts.
type Sink interface {
	Send(ctx context.Context, a Alert) error
}

// LogSink writes alerts to a logger.
type LogSink struct {
	log *zap.SugaredLogger
}

// NewLogSink creates a LogSink.
func NewLogSink(log *zap.SugaredLogger) *LogSink {
	return &LogSink{log: log}
}

// Send implements Sink.
func (s *LogSink) Send(_ context.Context, a Alert) error {
	kv := []interface{}{"type", a.Type, "vm", a.VMID, "name", a.VMName, "host", a.HostID, "body", a.Body}
	switch a.Severity {
	case SeverityCritical:
		s.log.Errorw(a.Subject, kv...)
	case SeverityWarning:
		s.log.Warnw(a.Subject, kv...)
	default:
		s.log.Infow(a.Subject, kv...)
	}
	return nil
}

// Deduper drops alerts already sent within a window.
type Deduper struct {
	next   Sink
	window time.Duration
	seen   *cache.Cache
}

// NewDeduper wraps next so that an alert with the same Key is delivered at
// most once per window.
func NewDeduper(next Sink, window time.Duration) *Deduper {
	return &Deduper{next: next, window: window, seen: cache.New(window, 2*window)}
}

// Send implements Sink.
func (d *Deduper) Send(ctx context.Context, a Alert) error {
	// Add fails if the key is present and unexpired.
	if err := d.seen.Add(a.Key(), struct{}{}, d.window); err != nil {
		return nil
	}
	if err := d.next.Send(ctx, a); err != nil {
		d.seen.Delete(a.Key())
		return err
	}
	return nil
}

// Multi fans an alert out to several sinks.
type Multi []Sink

// Send implements Sink. Every sink is tried.
func (m Multi) Send(ctx context.Context, a Alert) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("alert %s: %w", a.Type, errors.Join(errs...))
	}
	return nil
}
