package ingest

import "time"

// PublishEvent is emitted once per publish attempt.
type PublishEvent struct {
	ReportID string
	Subject  string
	Outcome  OutcomeKind
	Reason   string
	Err      error
	Duration time.Duration
}

// Violations reported for bodies that never reach validation.
const (
	Malformed           Violation = "malformed"
	TooLarge            Violation = "too_large"
	UnsupportedEncoding Violation = "unsupported_encoding"
)

// ValidationEvent is emitted when a submission is refused before publishing.
// Field is empty when the body itself could not be read or parsed.
type ValidationEvent struct {
	Field     string
	Violation Violation
	Err       error
}

// Observer receives pipeline events. Implementations must not block.
type Observer interface {
	PublishCompleted(PublishEvent)
	ReportInvalid(ValidationEvent)
}

type nopObserver struct{}

func (nopObserver) PublishCompleted(PublishEvent) {}
func (nopObserver) ReportInvalid(ValidationEvent) {}
