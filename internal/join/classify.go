package join

import (
	"errors"
	"time"

	"joinbot/internal/identity"
)

// Class is the taxonomy bucket of one attempt; it drives the scheduler's next step.
type Class int

const (
	ClassJoined          Class = iota // new membership
	ClassAlreadyMember                // success, not counted
	ClassThrottled                    // transient; Outcome.Wait is mandatory
	ClassTargetDead                   // permanent for the target
	ClassTargetForbidden              // permanent for this account on this target
	ClassAccountDead                  // permanent for the account
	ClassUnknown
)

func (c Class) String() string {
	switch c {
	case ClassJoined:
		return "joined"
	case ClassAlreadyMember:
		return "already_member"
	case ClassThrottled:
		return "throttled"
	case ClassTargetDead:
		return "target_dead"
	case ClassTargetForbidden:
		return "target_forbidden"
	case ClassAccountDead:
		return "account_dead"
	default:
		return "unknown"
	}
}

// Success reports whether the account ends up a member.
func (c Class) Success() bool { return c == ClassJoined || c == ClassAlreadyMember }

type rule struct {
	class Class
	match func(error) bool
}

func is(targets ...error) func(error) bool {
	return func(err error) bool {
		for _, t := range targets {
			if errors.Is(err, t) {
				return true
			}
		}
		return false
	}
}

func isFloodWait(err error) bool {
	var fw *FloodWaitError
	return errors.As(err, &fw)
}

// rules is evaluated top to bottom; the first match wins.
var rules = []rule{
	{ClassAlreadyMember, is(ErrAlreadyMember)},
	{ClassThrottled, isFloodWait},
	{ClassTargetDead, is(ErrInviteExpired, ErrInviteInvalid, ErrTargetPrivate, ErrTargetNotFound)},
	{ClassTargetForbidden, is(ErrBannedFromTarget, ErrWriteForbidden)},
	{ClassAccountDead, is(ErrDeactivated, ErrSessionInvalid, ErrFrozen, identity.ErrNoCredentials)},
}

// Classify maps an attempt error to its Class. A nil error is a new join.
func Classify(err error) (Class, time.Duration) {
	if err == nil {
		return ClassJoined, 0
	}
	for _, r := range rules {
		if !r.match(err) {
			continue
		}
		if r.class == ClassThrottled {
			var fw *FloodWaitError
			errors.As(err, &fw)
			return ClassThrottled, fw.Wait
		}
		return r.class, 0
	}
	return ClassUnknown, 0
}
