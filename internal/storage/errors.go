package storage

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound is returned when a lookup by id finds nothing.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned when a member submits a contract twice.
	ErrConflict = errors.New("contract already submitted by this member")
	// ErrRateLimited is returned while the submission cooldown is running.
	ErrRateLimited = errors.New("submission cooldown not elapsed")
)

// CooldownError carries the remaining wait of a rate-limited submission.
type CooldownError struct {
	RetryAfter time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("%s: retry in %s", ErrRateLimited, e.RetryAfter.Round(time.Second))
}

// Is matches ErrRateLimited.
func (e *CooldownError) Is(target error) bool {
	return target == ErrRateLimited
}

// CheckSubmission applies the duplicate and cooldown rules for a submitter.
// A nil profile or one without a previous submission is never rate limited.
func CheckSubmission(profile *SubmitterProfile, contractKey string, now time.Time, cooldown time.Duration) error {
	if profile == nil {
		return nil
	}
	if profile.HasSubmitted(contractKey) {
		return ErrConflict
	}
	if profile.LastSubmissionAt == nil || cooldown <= 0 {
		return nil
	}
	elapsed := now.Sub(*profile.LastSubmissionAt)
	if elapsed < cooldown {
		return &CooldownError{RetryAfter: cooldown - elapsed}
	}
	return nil
}
