package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Role is the closed set of account roles.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
	RoleOwner Role = "owner"
)

// ParseRole returns the role named by s.
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleUser, RoleAdmin, RoleOwner:
		return Role(s), true
	}
	return "", false
}

// CanManageOrders reports whether the role may list every order and change
// order status.
func (r Role) CanManageOrders() bool {
	return r == RoleAdmin || r == RoleOwner
}

// CanManageUsers reports whether the role may administer accounts.
// Only the owner may promote or demote admins.
func (r Role) CanManageUsers() bool {
	return r == RoleOwner
}

// CanViewDashboard reports whether the role may read dashboard statistics.
func (r Role) CanViewDashboard() bool {
	return r == RoleAdmin || r == RoleOwner
}

// Identity is the authenticated caller of an operation.
type Identity struct {
	UserID uuid.UUID
	Role   Role
}

// IsZero reports whether the identity is unauthenticated.
func (i Identity) IsZero() bool {
	return i.UserID == uuid.Nil
}

// User is a stored account.
type User struct {
	ID           uuid.UUID `json:"_id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Identity returns the identity claim for the user.
func (u *User) Identity() Identity {
	return Identity{UserID: u.ID, Role: u.Role}
}

// LoginParams are the credentials for password sign in.
type LoginParams struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// Session is returned after a successful sign in.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	User      *User     `json:"user"`
}

// AuthService authenticates users and issues identity tokens.
type AuthService interface {
	Login(ctx context.Context, params LoginParams) (*Session, error)
	ParseToken(token string) (Identity, error)
}
