package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

// SentrySink reports alerts as Sentry events.
type SentrySink struct {
	hub *sentry.Hub
}

// NewSentrySink creates a SentrySink with its own client.
func NewSentrySink(opts sentry.ClientOptions) (*SentrySink, error) {
	client, err := sentry.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create sentry client: %w", err)
	}
	return &SentrySink{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

// Send implements Sink.
func (s *SentrySink) Send(_ context.Context, a Alert) error {
	event := sentry.NewEvent()
	event.Level = sentryLevel(a.Severity)
	event.Message = a.Subject
	event.Tags = map[string]string{
		"alert_type": a.Type,
		"vm_id":      a.VMID,
		"vm_name":    a.VMName,
		"host_id":    a.HostID,
	}
	if a.Body != "" {
		event.Extra = map[string]interface{}{"body": a.Body}
	}
	event.Fingerprint = []string{a.Type, a.VMID}

	s.hub.CaptureEvent(event)
	return nil
}

// Flush waits up to timeout for queued events to be sent.
func (s *SentrySink) Flush(timeout time.Duration) bool {
	return s.hub.Flush(timeout)
}

func sentryLevel(sev Severity) sentry.Level {
	switch sev {
	case SeverityCritical:
		return sentry.LevelError
	case SeverityWarning:
		return sentry.LevelWarning
	default:
		return sentry.LevelInfo
	}
}
