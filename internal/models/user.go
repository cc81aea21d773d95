// Package models defines user identity and membership classification types.
package models

import "time"

// UserStatus is the persisted marketplace membership status of a user.
type UserStatus string

const (
	UserStatusNew        UserStatus = "new"
	UserStatusPending    UserStatus = "pending"
	UserStatusRegistered UserStatus = "registered"
	UserStatusActive     UserStatus = "active"
	UserStatusTrial      UserStatus = "trial"
	UserStatusExpired    UserStatus = "expired"
	UserStatusSuspended  UserStatus = "suspended"
)

// UserType is the coarse membership classification derived from UserStatus.
// It is distinct from Mode: type answers "who is this user to the
// marketplace", mode answers "where are they in the conversation".
type UserType string

const (
	UserTypeNew        UserType = "NEW_USER"
	UserTypePending    UserType = "PENDING_USER"
	UserTypeRegistered UserType = "REGISTERED_USER"
	UserTypeTrial      UserType = "TRIAL_USER"
	UserTypeExpired    UserType = "EXPIRED_USER"
)

// DeriveUserType maps a persisted membership status to a UserType.
// Unknown or absent statuses classify as a new user.
func DeriveUserType(status UserStatus) UserType {
	switch status {
	case UserStatusRegistered, UserStatusActive:
		return UserTypeRegistered
	case UserStatusTrial:
		return UserTypeTrial
	case UserStatusPending:
		return UserTypePending
	case UserStatusExpired, UserStatusSuspended:
		return UserTypeExpired
	default:
		return UserTypeNew
	}
}

// User is the identity plus marketplace profile of one Messenger user.
// Created lazily on first contact; never hard-deleted except by an explicit
// admin delete, which cascades to all dependent records.
type User struct {
	ID            string     `json:"id"` // Facebook-scoped sender id, stable and unique
	Name          string     `json:"name,omitempty"`
	Phone         string     `json:"phone,omitempty"`
	Status        UserStatus `json:"status"`
	MembershipEnd *time.Time `json:"membership_end,omitempty"`
	IsAdmin       bool       `json:"is_admin,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Type returns the derived membership classification for the user.
// A nil user classifies as new.
func (u *User) Type() UserType {
	if u == nil {
		return UserTypeNew
	}
	return DeriveUserType(u.Status)
}

// Listing is one marketplace listing created through the listing flow.
type Listing struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Title       string    `json:"title"`
	Price       string    `json:"price,omitempty"`
	Description string    `json:"description,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}
