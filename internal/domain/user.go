package domain

import (
	"time"

	"github.com/google/uuid"
)

// UserID identifies a trading account.
type UserID string

// NewUserID returns a fresh random user id.
func NewUserID() UserID {
	return UserID(uuid.New().String())
}

// User is a trading account. Balance is never negative.
type User struct {
	ID        UserID
	Balance   Money
	IsBanned  bool
	Roles     []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a copy of u that shares no slices with it.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.Roles = append([]string(nil), u.Roles...)
	return &c
}
