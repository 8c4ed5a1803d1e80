package models

import (
	"fmt"
	"strings"
)

type IdentityKind string

const (
	KindUser  IdentityKind = "user"
	KindGuest IdentityKind = "guest"
)

// Identity is either an authenticated user or a guest device. Every store
// operation is keyed by it instead of a pair of optional ids.
type Identity struct {
	Kind IdentityKind
	ID   string
}

func UserIdentity(userID string) Identity {
	return Identity{Kind: KindUser, ID: strings.TrimSpace(userID)}
}

func GuestIdentity(deviceID string) Identity {
	return Identity{Kind: KindGuest, ID: strings.TrimSpace(deviceID)}
}

func (i Identity) IsGuest() bool { return i.Kind == KindGuest }

func (i Identity) IsZero() bool { return i.ID == "" }

// Key is the persisted form, e.g. "user:42" or "guest:ab12".
func (i Identity) Key() string {
	return string(i.Kind) + ":" + i.ID
}

func (i Identity) String() string { return i.Key() }

func (i Identity) Validate() error {
	if i.Kind != KindUser && i.Kind != KindGuest {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidIdentity, i.Kind)
	}
	if i.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidIdentity)
	}
	if len(i.Key()) > 191 {
		return fmt.Errorf("%w: id too long", ErrInvalidIdentity)
	}
	return nil
}

func ParseIdentity(key string) (Identity, error) {
	kind, id, ok := strings.Cut(strings.TrimSpace(key), ":")
	if !ok {
		return Identity{}, fmt.Errorf("%w: %q", ErrInvalidIdentity, key)
	}
	ident := Identity{Kind: IdentityKind(kind), ID: id}
	if err := ident.Validate(); err != nil {
		return Identity{}, err
	}
	return ident, nil
}
