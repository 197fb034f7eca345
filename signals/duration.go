package signals

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Duration bounds accepted from operators.
const (
	MinDuration     = 10
	MaxDuration     = 120
	DefaultDuration = 50
)

// ErrInvalidDuration is returned for durations outside the accepted range.
var ErrInvalidDuration = errors.New("duration must be between 10-120 seconds")

// ValidateDuration parses operator input and checks the accepted range.
func ValidateDuration(text string) (int, error) {
	value, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidDuration, text)
	}
	if err := CheckDuration(value); err != nil {
		return 0, err
	}
	return value, nil
}

// CheckDuration checks seconds against the accepted range.
func CheckDuration(seconds int) error {
	if seconds < MinDuration || seconds > MaxDuration {
		return fmt.Errorf("%w: got %d", ErrInvalidDuration, seconds)
	}
	return nil
}
