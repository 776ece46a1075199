package identity

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidIdentity is returned when an identity string is empty or does not
// match either supported format.
var ErrInvalidIdentity = errors.New("invalid identity")

var (
	loginIDRegexp   = regexp.MustCompile(`^[0-9]{1,10}$`)
	storageIDRegexp = regexp.MustCompile(`^[a-f0-9]{24}$`)
)

// Resolver maps an opaque storage ID to its canonical login ID.
// The server's account directory and the local contacts table both satisfy it.
type Resolver interface {
	ResolveStorageID(storageID string) (loginID string, ok bool)
}

// Identity is a canonicalized reference to one account. The canonical form is
// always the short numeric login ID, never the opaque storage ID. The zero
// value is invalid.
type Identity struct {
	id string
}

// Parse canonicalizes raw into an Identity. Only the numeric login ID format
// is accepted here; storage IDs need a Resolver and must go through ParseWith.
func Parse(raw string) (Identity, error) {
	if raw == "" {
		return Identity{}, fmt.Errorf("%w: empty", ErrInvalidIdentity)
	}
	if loginIDRegexp.MatchString(raw) {
		return Identity{id: raw}, nil
	}
	if storageIDRegexp.MatchString(raw) {
		return Identity{}, fmt.Errorf("%w: storage ID %q needs a resolver", ErrInvalidIdentity, raw)
	}
	return Identity{}, fmt.Errorf("%w: %q", ErrInvalidIdentity, raw)
}

// ParseWith canonicalizes raw, resolving storage IDs through r. An
// unresolvable storage ID is an error: mapping it to anything else would
// produce a conversation key no other participant can compute.
func ParseWith(raw string, r Resolver) (Identity, error) {
	if raw == "" {
		return Identity{}, fmt.Errorf("%w: empty", ErrInvalidIdentity)
	}
	if loginIDRegexp.MatchString(raw) {
		return Identity{id: raw}, nil
	}
	if storageIDRegexp.MatchString(raw) {
		if r == nil {
			return Identity{}, fmt.Errorf("%w: storage ID %q needs a resolver", ErrInvalidIdentity, raw)
		}
		login, ok := r.ResolveStorageID(raw)
		if !ok || !loginIDRegexp.MatchString(login) {
			return Identity{}, fmt.Errorf("%w: storage ID %q has no login mapping", ErrInvalidIdentity, raw)
		}
		return Identity{id: login}, nil
	}
	return Identity{}, fmt.Errorf("%w: %q", ErrInvalidIdentity, raw)
}

// MustParse is Parse for compile-time-known identities. Panics on error.
func MustParse(raw string) Identity {
	id, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// String returns the canonical login ID.
func (i Identity) String() string { return i.id }

// IsZero reports whether i is the invalid zero value.
func (i Identity) IsZero() bool { return i.id == "" }

// ConversationKey derives the canonical two-party conversation key. It is
// symmetric: ConversationKey(a, b) == ConversationKey(b, a). Both identities
// are already canonical, so a plain lexicographic tie-break suffices.
func ConversationKey(a, b Identity) (string, error) {
	if a.IsZero() || b.IsZero() {
		return "", fmt.Errorf("%w: zero identity in conversation key", ErrInvalidIdentity)
	}
	if a.id <= b.id {
		return a.id + "_" + b.id, nil
	}
	return b.id + "_" + a.id, nil
}

// ConversationKeyStrings canonicalizes both raw identities with r and derives
// the conversation key. Sending and receiving code paths must both use this;
// any divergence silently fragments a conversation's history.
func ConversationKeyStrings(rawA, rawB string, r Resolver) (string, error) {
	a, err := ParseWith(rawA, r)
	if err != nil {
		return "", err
	}
	b, err := ParseWith(rawB, r)
	if err != nil {
		return "", err
	}
	return ConversationKey(a, b)
}
