package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

type Kind string

const (
	KindAnonymous     Kind = "anonymous"
	KindAuthenticated Kind = "authenticated"
)

// Identity owns conversations. It is either Anonymous(id) or Authenticated(id).
type Identity struct {
	Kind Kind
	ID   string
}

var ErrInvalid = errors.New("invalid identity")

func Anonymous(id string) Identity     { return Identity{Kind: KindAnonymous, ID: id} }
func Authenticated(id string) Identity { return Identity{Kind: KindAuthenticated, ID: id} }

func (i Identity) IsAnonymous() bool     { return i.Kind == KindAnonymous }
func (i Identity) IsAuthenticated() bool { return i.Kind == KindAuthenticated }

func (i Identity) Validate() error {
	if strings.TrimSpace(i.ID) == "" {
		return fmt.Errorf("%w: empty id", ErrInvalid)
	}
	switch i.Kind {
	case KindAnonymous:
		// anonymous ids name HotStore keys directly
		if strings.Contains(i.ID, ":") {
			return fmt.Errorf("%w: anonymous id %q contains ':'", ErrInvalid, i.ID)
		}
		return nil
	case KindAuthenticated:
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalid, i.Kind)
	}
}

// String renders the identity as "anon:<id>" or "user:<id>".
func (i Identity) String() string {
	switch i.Kind {
	case KindAnonymous:
		return "anon:" + i.ID
	case KindAuthenticated:
		return "user:" + i.ID
	default:
		return string(i.Kind) + ":" + i.ID
	}
}

// Parse is the inverse of String.
func Parse(s string) (Identity, error) {
	prefix, id, ok := strings.Cut(s, ":")
	if !ok {
		return Identity{}, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	var out Identity
	switch prefix {
	case "anon":
		out = Anonymous(id)
	case "user":
		out = Authenticated(id)
	default:
		return Identity{}, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	if err := out.Validate(); err != nil {
		return Identity{}, err
	}
	return out, nil
}

// ConversationHash is the idempotency key of an owner's current conversation in a
// session scope.
func ConversationHash(owner Identity, scope string) string {
	sum := blake2b.Sum256([]byte(owner.String() + "\x00" + strings.TrimSpace(scope)))
	return hex.EncodeToString(sum[:])
}
