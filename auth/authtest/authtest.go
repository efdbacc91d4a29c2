// Package authtest provides in-memory Authenticators for tests and local
// development.
package authtest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ggoodman/rpc-server-go/auth"
)

// Tokens authenticates a fixed set of tokens, each mapped to a user id.
type Tokens map[string]string

var _ auth.Authenticator = Tokens(nil)

// CheckAuthentication implements auth.Authenticator.
func (t Tokens) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	userID, ok := t[tok]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", auth.ErrUnauthorized)
	}
	return User{ID: userID}, nil
}

// User is a UserInfo with static claims.
type User struct {
	ID     string
	Values map[string]any
}

func (u User) UserID() string { return u.ID }

func (u User) Claims(ref any) error {
	claims := map[string]any{"sub": u.ID}
	for k, v := range u.Values {
		claims[k] = v
	}
	b, err := json.Marshal(claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}
