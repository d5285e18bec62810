// Package conversation maintains the in-memory model of every conversation an
// adapter has seen and produces a Delta describing exactly what changed for
// each incoming platform event.
package conversation

import "fmt"

// UserInfo describes one known member of a conversation.
type UserInfo struct {
	UserID    string
	Username  string
	FirstName string
	LastName  string
	Email     string
	IsBot     bool
}

// DisplayName derives a human-readable name: username, else name parts, else
// email, else "User <id>".
func (u *UserInfo) DisplayName() string {
	if u.Username != "" {
		return u.Username
	}
	switch {
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	case u.LastName != "":
		return u.LastName
	}
	if u.Email != "" {
		return u.Email
	}
	return fmt.Sprintf("User %s", u.UserID)
}
