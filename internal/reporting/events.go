package reporting

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType defines the type of event
type EventType string

const (
	// Service lifecycle events
	EventTypeServiceStarting       EventType = "service.starting"
	EventTypeServiceAwaitingHealth EventType = "service.awaiting_health"
	EventTypeServiceRunning        EventType = "service.running"
	EventTypeServiceStopping       EventType = "service.stopping"
	EventTypeServiceStopped        EventType = "service.stopped"
	EventTypeServiceFailed         EventType = "service.failed"
	EventTypeServiceRetrying       EventType = "service.retrying"
	EventTypeServiceExited         EventType = "service.exited"

	// Health events
	EventTypeHealthCheck EventType = "health.check"

	// Orchestrator events
	EventTypeLevelStarted   EventType = "level.started"
	EventTypeSystemStartup  EventType = "system.startup"
	EventTypeSystemShutdown EventType = "system.shutdown"
	EventTypeConfigReload   EventType = "config.reload"
)

// EventSeverity indicates the importance of an event
type EventSeverity string

const (
	SeverityDebug EventSeverity = "debug"
	SeverityInfo  EventSeverity = "info"
	SeverityWarn  EventSeverity = "warn"
	SeverityError EventSeverity = "error"
)

var severityRank = map[EventSeverity]int{
	SeverityDebug: 0,
	SeverityInfo:  1,
	SeverityWarn:  2,
	SeverityError: 3,
}

// Event is one lifecycle notification. Events are values; publishers
// never share them after Publish.
type Event struct {
	ID        string        `json:"id"`
	Type      EventType     `json:"type"`
	Service   string        `json:"service,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Severity  EventSeverity `json:"severity"`
	RunID     string        `json:"run_id,omitempty"`

	From     string `json:"from,omitempty"`
	To       string `json:"to,omitempty"`
	Attempt  int    `json:"attempt,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Detail   string `json:"detail,omitempty"`
	Error    string `json:"error,omitempty"`
}

// NewEvent creates an info-level event stamped with the current time.
func NewEvent(eventType EventType, service string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Service:   service,
		Timestamp: time.Now(),
		Severity:  SeverityInfo,
	}
}

// WithTransition records the state change that produced the event.
func (e Event) WithTransition(from, to string) Event {
	e.From, e.To = from, to
	return e
}

// WithDetail sets a human-readable detail.
func (e Event) WithDetail(format string, args ...any) Event {
	e.Detail = fmt.Sprintf(format, args...)
	return e
}

// WithError attaches err and raises the severity to error.
func (e Event) WithError(err error) Event {
	if err != nil {
		e.Error = err.Error()
		e.Severity = SeverityError
	}
	return e
}

// WithExitCode attaches a process exit code.
func (e Event) WithExitCode(code int) Event {
	e.ExitCode = &code
	return e
}

// WithAttempt records the restart attempt number.
func (e Event) WithAttempt(n int) Event {
	e.Attempt = n
	return e
}

// WithSeverity overrides the severity.
func (e Event) WithSeverity(s EventSeverity) Event {
	e.Severity = s
	return e
}

// WithRunID ties the event to one orchestrator run.
func (e Event) WithRunID(id string) Event {
	e.RunID = id
	return e
}

// String renders a single-line description of the event.
func (e Event) String() string {
	var b strings.Builder
	b.WriteString(string(e.Type))
	if e.Service != "" {
		fmt.Fprintf(&b, " %s", e.Service)
	}
	if e.From != "" || e.To != "" {
		fmt.Fprintf(&b, " %s -> %s", e.From, e.To)
	}
	if e.Attempt > 0 {
		fmt.Fprintf(&b, " attempt=%d", e.Attempt)
	}
	if e.ExitCode != nil {
		fmt.Fprintf(&b, " exit=%d", *e.ExitCode)
	}
	if e.Detail != "" {
		fmt.Fprintf(&b, " (%s)", e.Detail)
	}
	if e.Error != "" {
		fmt.Fprintf(&b, ": %s", e.Error)
	}
	return b.String()
}
