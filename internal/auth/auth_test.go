package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestCapabilityMatrix(t *testing.T) {
	tests := []struct {
		role string
		cap  Capability
		want bool
	}{
		{RoleStudent, CapTakeQuiz, true},
		{RoleStudent, CapAuthorQuiz, false},
		{RoleStudent, CapUseAI, false},
		{RoleFaculty, CapTakeQuiz, false},
		{RoleFaculty, CapGradeAttempt, true},
		{RoleFaculty, CapUseAI, true},
		{RoleFaculty, CapViewAll, false},
		{RoleAdmin, CapViewAll, true},
		{"guest", CapTakeQuiz, false},
	}
	for _, tt := range tests {
		t.Run(tt.role+"/"+string(tt.cap), func(t *testing.T) {
			u := &User{ID: 1, Role: tt.role}
			if got := u.Can(tt.cap); got != tt.want {
				t.Fatalf("Can(%s)=%v want %v", tt.cap, got, tt.want)
			}
		})
	}

	var nilUser *User
	if err := nilUser.Require(CapTakeQuiz); err != ErrUnauthenticated {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestRequireAuthAcceptsSignedToken(t *testing.T) {
	a := NewAuthenticator("test-secret")
	token, err := a.SignToken(User{ID: 42, Role: RoleFaculty}, time.Minute)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	var got *User
	h := a.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = CurrentUser(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/quizzes", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got == nil || got.ID != 42 || got.Role != RoleFaculty {
		t.Fatalf("unexpected user in context: %+v", got)
	}
}

func TestRequireAuthRejects(t *testing.T) {
	a := NewAuthenticator("test-secret")
	other := NewAuthenticator("other-secret")
	foreign, _ := other.SignToken(User{ID: 1, Role: RoleStudent}, time.Minute)
	expired, _ := a.SignToken(User{ID: 1, Role: RoleStudent}, -time.Minute)
	unknownRole, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "1", "role": "janitor"}).SignedString([]byte("test-secret"))

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic abc"},
		{"foreign signature", "Bearer " + foreign},
		{"expired", "Bearer " + expired},
		{"unknown role", "Bearer " + unknownRole},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			h := a.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", w.Code)
			}
			if called {
				t.Fatalf("next handler must not run")
			}
		})
	}
}

func TestRequireCapability(t *testing.T) {
	h := RequireCapability(CapUseAI)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ai/process", nil)
	req = req.WithContext(ContextWithUser(req.Context(), &User{ID: 3, Role: RoleStudent}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for student, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/ai/process", nil)
	req = req.WithContext(ContextWithUser(req.Context(), &User{ID: 4, Role: RoleFaculty}))
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for faculty, got %d", w.Code)
	}
}
