package linkqueue

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var ErrInvalidTarget = errors.New("invalid join target")

type TargetKind string

const (
	TargetPublic TargetKind = "public" // @handle
	TargetInvite TargetKind = "invite" // private invite hash
)

// Target identifies a group or channel to join.
type Target struct {
	Kind  TargetKind
	Value string
}

// Key is the normalized form stored on links; two inputs that refer to the
// same group produce the same key.
func (t Target) Key() string { return string(t.Kind) + ":" + t.Value }

func (t Target) String() string {
	if t.Kind == TargetInvite {
		return "t.me/+" + t.Value
	}
	return "@" + t.Value
}

var (
	handleRe = regexp.MustCompile(`^[a-z][a-z0-9_]{3,31}$`)
	inviteRe = regexp.MustCompile(`^[A-Za-z0-9_-]{8,64}$`)
)

var hostPrefixes = []string{"t.me/", "telegram.me/", "telegram.dog/"}

// ParseTarget accepts links and handles in the forms operators paste:
//
//	https://t.me/name, t.me/name, @name, name
//	https://t.me/+HASH, t.me/joinchat/HASH
//
// Public handles are case-insensitive; invite hashes are not.
func ParseTarget(raw string) (Target, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	s = strings.TrimPrefix(s, "www.")

	lower := strings.ToLower(s)
	for _, p := range hostPrefixes {
		if strings.HasPrefix(lower, p) {
			s = s[len(p):]
			break
		}
	}
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	s = strings.Trim(s, "/")

	switch {
	case strings.HasPrefix(s, "+"):
		return invite(raw, s[1:])
	case strings.HasPrefix(strings.ToLower(s), "joinchat/"):
		return invite(raw, s[len("joinchat/"):])
	}

	// Drop message suffixes such as name/123.
	if i := strings.Index(s, "/"); i >= 0 {
		s = s[:i]
	}
	s = strings.ToLower(strings.TrimPrefix(s, "@"))
	if !handleRe.MatchString(s) {
		return Target{}, fmt.Errorf("%w: %q", ErrInvalidTarget, raw)
	}
	return Target{Kind: TargetPublic, Value: s}, nil
}

func invite(raw, hash string) (Target, error) {
	hash = strings.Trim(hash, "/")
	if !inviteRe.MatchString(hash) {
		return Target{}, fmt.Errorf("%w: %q", ErrInvalidTarget, raw)
	}
	return Target{Kind: TargetInvite, Value: hash}, nil
}

// ParseKey reverses Target.Key.
func ParseKey(key string) (Target, error) {
	kind, v, ok := strings.Cut(key, ":")
	if !ok || v == "" {
		return Target{}, fmt.Errorf("%w: key %q", ErrInvalidTarget, key)
	}
	switch TargetKind(kind) {
	case TargetPublic, TargetInvite:
		return Target{Kind: TargetKind(kind), Value: v}, nil
	}
	return Target{}, fmt.Errorf("%w: key %q", ErrInvalidTarget, key)
}
