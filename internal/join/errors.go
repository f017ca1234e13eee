package join

import (
	"errors"
	"fmt"
	"time"
)

// Errors a Client reports. Adapters translate protocol errors into these at
// their boundary; the executor never looks at message text.
var (
	ErrAlreadyMember = errors.New("already a member")

	ErrInviteExpired  = errors.New("invite link expired")
	ErrInviteInvalid  = errors.New("invite link invalid")
	ErrTargetPrivate  = errors.New("target is private")
	ErrTargetNotFound = errors.New("target does not exist")

	ErrBannedFromTarget = errors.New("account banned from target")
	ErrWriteForbidden   = errors.New("account may not write to target")

	ErrDeactivated    = errors.New("account deactivated")
	ErrSessionInvalid = errors.New("session invalid or revoked")
	ErrFrozen         = errors.New("account frozen")
)

// FloodWaitError is a platform-mandated pause before the account may try again.
type FloodWaitError struct {
	Wait time.Duration
}

func (e *FloodWaitError) Error() string { return fmt.Sprintf("flood wait %s", e.Wait) }

// FloodWait builds a FloodWaitError.
func FloodWait(d time.Duration) error { return &FloodWaitError{Wait: d} }
