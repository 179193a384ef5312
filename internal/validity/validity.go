// Package validity turns a validity interval into a concrete certificate
// validity window.
//
// Two forms are accepted, following the OpenSSH ssh-keygen -V time format:
//
//	+104w       relative to issuance time, one or more <N><unit> groups (+1w2d12h)
//	20270101    absolute calendar date (midnight UTC)
//	20270101120000  absolute calendar time, YYYYMMDDHHMMSS in UTC
//
// Supported units are s (seconds), m (minutes), h (hours), d (days) and w (weeks).
package validity

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultSpec is two years, the validity used when none is requested.
const DefaultSpec = "+104w"

const (
	absoluteLayout     = "20060102150405"
	absoluteDateLayout = "20060102"
)

var (
	// ErrInvalidSpec is returned when a validity interval cannot be parsed.
	ErrInvalidSpec = errors.New("invalid validity interval")
	// ErrNotInFuture is returned when the resulting expiry is not after issuance time.
	ErrNotInFuture = errors.New("expiry must be after issuance time")
)

var units = map[byte]time.Duration{
	's': time.Second,
	'm': time.Minute,
	'h': time.Hour,
	'd': 24 * time.Hour,
	'w': 7 * 24 * time.Hour,
}

// Window is the validity of a single certificate.
type Window struct {
	// Spec is the validity string the window was parsed from.
	Spec     string
	IssuedAt time.Time
	Expires  time.Time
}

// Lifetime returns the duration between issuance and expiry.
func (w Window) Lifetime() time.Duration {
	return w.Expires.Sub(w.IssuedAt)
}

// KeygenArg renders the window as the from:to argument accepted by ssh-keygen -V.
// Both ends are UTC with a Z suffix so the local zone of ssh-keygen, and any
// repeated hour at a DST change, cannot shift them.
func (w Window) KeygenArg() string {
	return w.IssuedAt.UTC().Format(absoluteLayout) + "Z:" + w.Expires.UTC().Format(absoluteLayout) + "Z"
}

// Parse resolves spec relative to now. Times are truncated to whole seconds,
// the resolution of an SSH certificate.
func Parse(spec string, now time.Time) (Window, error) {
	spec = strings.TrimSpace(spec)
	now = now.Truncate(time.Second)

	var (
		expires time.Time
		err     error
	)

	switch {
	case spec == "":
		return Window{}, fmt.Errorf("%w: empty", ErrInvalidSpec)
	case spec[0] == '+':
		var offset time.Duration
		offset, err = parseRelative(spec[1:])
		expires = now.Add(offset)
	default:
		expires, err = parseAbsolute(spec)
	}
	if err != nil {
		return Window{}, fmt.Errorf("%w %q: %v", ErrInvalidSpec, spec, err)
	}

	if !expires.After(now) {
		return Window{}, fmt.Errorf("%w: %q resolves to %s", ErrNotInFuture, spec, expires.UTC().Format(time.RFC3339))
	}

	return Window{Spec: spec, IssuedAt: now, Expires: expires}, nil
}

func parseRelative(s string) (time.Duration, error) {
	if s == "" {
		return 0, errors.New("missing offset after '+'")
	}

	var total time.Duration
	for s != "" {
		i := 0
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
		}
		if i == 0 {
			return 0, fmt.Errorf("expected a number at %q", s)
		}
		if i == len(s) {
			return 0, fmt.Errorf("missing unit after %q", s)
		}

		unit, ok := units[s[i]]
		if !ok {
			return 0, fmt.Errorf("unknown unit %q", s[i])
		}

		n, err := strconv.ParseInt(s[:i], 10, 64)
		if err != nil {
			return 0, err
		}
		if n > int64(maxDuration/unit) {
			return 0, errors.New("offset too large")
		}

		step := time.Duration(n) * unit
		if total > maxDuration-step {
			return 0, errors.New("offset too large")
		}
		total += step
		s = s[i+1:]
	}

	return total, nil
}

const maxDuration = time.Duration(1<<63 - 1)

func parseAbsolute(s string) (time.Time, error) {
	for _, r := range s {
		if r < '0' || r > '9' {
			return time.Time{}, errors.New("absolute time must be numeric")
		}
	}

	switch len(s) {
	case len(absoluteLayout):
		return time.ParseInLocation(absoluteLayout, s, time.UTC)
	case len(absoluteDateLayout):
		return time.ParseInLocation(absoluteDateLayout, s, time.UTC)
	default:
		return time.Time{}, errors.New("absolute time must be YYYYMMDD or YYYYMMDDHHMMSS")
	}
}
