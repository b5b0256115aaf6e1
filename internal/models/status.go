package models

import (
	"fmt"
	"time"
)

// ProcessingStatus is the lifecycle state of a persisted Listing.
//
//	active ──► expired ──► removed
//	   │                     ▲
//	   └─────────────────────┘
//
// removed is terminal. There is no way back to active.
type ProcessingStatus string

const (
	StatusActive  ProcessingStatus = "active"
	StatusExpired ProcessingStatus = "expired"
	StatusRemoved ProcessingStatus = "removed"
)

var validTransitions = map[ProcessingStatus][]ProcessingStatus{
	StatusActive:  {StatusExpired, StatusRemoved},
	StatusExpired: {StatusRemoved},
}

func ParseStatus(s string) (ProcessingStatus, error) {
	st := ProcessingStatus(s)
	switch st {
	case StatusActive, StatusExpired, StatusRemoved:
		return st, nil
	}
	return "", fmt.Errorf("unknown processing status %q", s)
}

func IsTransitionAllowed(from, to ProcessingStatus) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsExpiredAt reports whether an active listing is past its expiry at now.
// The maintenance sweep expires exactly the listings for which this is true.
func IsExpiredAt(status ProcessingStatus, expiresAt *time.Time, now time.Time) bool {
	return status == StatusActive && expiresAt != nil && !expiresAt.After(now)
}

// IsVisibleAt is the serving predicate:
// status = active AND (expires_at IS NULL OR expires_at > now).
func IsVisibleAt(status ProcessingStatus, expiresAt *time.Time, now time.Time) bool {
	return status == StatusActive && (expiresAt == nil || expiresAt.After(now))
}
