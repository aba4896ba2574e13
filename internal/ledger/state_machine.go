package ledger

import (
	"math"
	"time"
)

var transitions = map[Status]map[Status]bool{
	StatusPending: {StatusQueued: true, StatusFilled: true, StatusFailed: true, StatusCancelled: true},
	StatusQueued:  {StatusPending: true, StatusFilled: true, StatusFailed: true, StatusCancelled: true},
	StatusFailed:  {StatusPending: true, StatusQueued: true},
	// FILLED and CANCELLED are terminal
}

// CanTransition reports whether from -> to is in the allowed set.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// CancelEligibility: only PENDING and QUEUED payments may be cancelled.
func CancelEligibility(s Status) bool {
	return s == StatusPending || s == StatusQueued
}

// RetryBackoff spaces retry attempts of FAILED payments.
type RetryBackoff struct {
	Base time.Duration
	Max  time.Duration
}

var DefaultRetryBackoff = RetryBackoff{Base: time.Hour, Max: 24 * time.Hour}

// NextRetryAt returns now + Base*2^attemptCount, capped at Max.
func (b RetryBackoff) NextRetryAt(now time.Time, attemptCount int) time.Time {
	if attemptCount < 0 {
		attemptCount = 0
	}
	delay := float64(b.Base) * math.Pow(2, float64(attemptCount))
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	return now.Add(time.Duration(delay))
}
