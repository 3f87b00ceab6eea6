package auth

import (
	"context"
	"errors"
)

type contextKey string

const userContextKey contextKey = "auth_user"

const (
	RoleStudent = "student"
	RoleFaculty = "faculty"
	RoleAdmin   = "admin"
)

// Capability names an action a principal may perform. Every role decision in
// the service layer goes through User.Can.
type Capability string

const (
	CapTakeQuiz     Capability = "quiz:take"
	CapAuthorQuiz   Capability = "quiz:author"
	CapGradeAttempt Capability = "attempt:grade"
	CapViewResults  Capability = "quiz:results"
	CapUseAI        Capability = "ai:process"
	CapViewAll      Capability = "all:view"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrNotQuizOwner    = errors.New("only the quiz author may perform this action")
)

var roleCapabilities = map[string]map[Capability]struct{}{
	RoleStudent: {
		CapTakeQuiz: {},
	},
	RoleFaculty: {
		CapAuthorQuiz:   {},
		CapGradeAttempt: {},
		CapViewResults:  {},
		CapUseAI:        {},
	},
	RoleAdmin: {
		CapAuthorQuiz:   {},
		CapGradeAttempt: {},
		CapViewResults:  {},
		CapUseAI:        {},
		CapViewAll:      {},
	},
}

// User is the authenticated principal issued by the identity service.
type User struct {
	ID   int64  `json:"id"`
	Role string `json:"role"`
}

func (u *User) Can(c Capability) bool {
	if u == nil {
		return false
	}
	_, ok := roleCapabilities[u.Role][c]
	return ok
}

// Require returns ErrUnauthenticated for a nil user and ErrForbidden when the
// role lacks the capability.
func (u *User) Require(c Capability) error {
	if u == nil {
		return ErrUnauthenticated
	}
	if !u.Can(c) {
		return ErrForbidden
	}
	return nil
}

func IsKnownRole(role string) bool {
	_, ok := roleCapabilities[role]
	return ok
}

func CurrentUser(ctx context.Context) (*User, bool) {
	v := ctx.Value(userContextKey)
	if v == nil {
		return nil, false
	}
	u, ok := v.(*User)
	return u, ok
}

// ContextWithUser injects an authenticated user into context.
// Useful for tests and internal handlers.
func ContextWithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}
