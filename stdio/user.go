package stdio

import (
	"encoding/json"
	"os/user"

	"github.com/ggoodman/rpc-server-go/auth"
)

// UserProvider provides a string user ID to associate with the stdio peer.
// No bearer token crosses a pipe; whoever can spawn the process is trusted
// as the local user.
type UserProvider interface {
	CurrentUserID() (string, error)
}

// OSUserProvider resolves the user ID using the operating system's current user.
// The returned ID is user.Username when available; falling back to user.Uid.
type OSUserProvider struct{}

func (OSUserProvider) CurrentUserID() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	if u.Username != "" {
		return u.Username, nil
	}
	return u.Uid, nil
}

// StaticUserProvider always reports the same user ID.
type StaticUserProvider string

func (p StaticUserProvider) CurrentUserID() (string, error) { return string(p), nil }

// localUser is the auth.UserInfo handed to procedures. Its only claim is sub.
type localUser struct {
	id string
}

var _ auth.UserInfo = localUser{}

func (u localUser) UserID() string { return u.id }

func (u localUser) Claims(ref any) error {
	b, err := json.Marshal(map[string]string{"sub": u.id})
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}
