package changes

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/timzifer/signalboard/signals"
)

// Severity controls how a notification is presented.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// ParseSeverity maps text onto a severity, defaulting to info.
func ParseSeverity(value string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(value))) {
	case SeveritySuccess:
		return SeveritySuccess
	case SeverityWarning:
		return SeverityWarning
	case SeverityError:
		return SeverityError
	default:
		return SeverityInfo
	}
}

// Notification is a human readable message shown for a limited time.
type Notification struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Direction string    `json:"direction,omitempty"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// NewNotification builds a notification that is not tied to a change event.
func NewNotification(kind string, severity Severity, message string, at time.Time) Notification {
	return Notification{
		ID:        uuid.NewString(),
		Kind:      kind,
		Severity:  severity,
		Message:   message,
		CreatedAt: at,
	}
}

// Describe renders an event as a notification.
func Describe(e Event) Notification {
	n := Notification{
		ID:        e.ID,
		Kind:      string(e.Kind),
		Direction: e.Direction,
		Severity:  SeverityInfo,
		CreatedAt: e.Timestamp,
	}
	name := Title(e.Direction)
	switch e.Kind {
	case KindSignalChanged:
		n.Message = fmt.Sprintf("%s signal changed from %s to %s", name, e.Old, e.New)
	case KindStatusChanged:
		if signals.Status(e.New) == signals.StatusOn {
			n.Severity = SeveritySuccess
			n.Message = fmt.Sprintf("%s signal is now active", name)
		} else {
			n.Severity = SeverityWarning
			n.Message = fmt.Sprintf("%s signal is now inactive", name)
		}
	case KindDurationChanged:
		n.Message = fmt.Sprintf("%s signal duration updated to %ss", name, e.New)
	case KindDirectionAdded:
		n.Message = fmt.Sprintf("%s signal appeared showing %s", name, e.New)
	case KindDirectionRemoved:
		n.Severity = SeverityWarning
		n.Message = fmt.Sprintf("%s signal is no longer reported", name)
	default:
		n.Message = fmt.Sprintf("%s signal changed", name)
	}
	return n
}

// Title upper-cases the first letter of a direction key.
func Title(direction string) string {
	r, size := utf8.DecodeRuneInString(direction)
	if r == utf8.RuneError {
		return direction
	}
	return string(unicode.ToUpper(r)) + direction[size:]
}
