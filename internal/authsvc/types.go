package authsvc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// UserID accepts both numeric and string ids.
type UserID string

func (id *UserID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = UserID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("user id: %w", err)
	}
	*id = UserID(n.String())
	return nil
}

type User struct {
	ID        UserID `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// DisplayName prefers the full name and falls back to the username.
func (u User) DisplayName() string {
	full := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if full != "" {
		return full
	}
	return u.Username
}

// Profile is the registration payload.
type Profile struct {
	Username        string `json:"username"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"password_confirm"`
	FirstName       string `json:"first_name"`
	LastName        string `json:"last_name"`
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginPayload is the login answer. Raw is kept for callers that need fields
// beyond the token pair.
type LoginPayload struct {
	Access  string          `json:"access,omitempty"`
	Refresh string          `json:"refresh,omitempty"`
	Raw     json.RawMessage `json:"-"`
}

type meEnvelope struct {
	Authenticated *bool `json:"authenticated"`
	User          *User `json:"user"`
}
