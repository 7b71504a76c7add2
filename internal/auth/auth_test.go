package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type storedToken struct {
	userID    string
	expiresAt time.Time
	revoked   bool
}

type fakeUserStore struct {
	mu      sync.Mutex
	users   map[string]*User
	tokens  map[string]*storedToken
	touched []string
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{
		users:  make(map[string]*User),
		tokens: make(map[string]*storedToken),
	}
}

func (f *fakeUserStore) GetUserByID(_ context.Context, id string) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s not found", id)
	}
	cp := *user
	return &cp, nil
}

func (f *fakeUserStore) GetUserByEmail(_ context.Context, email string) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.Email == email {
			cp := *user
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("user %s not found", email)
}

func (f *fakeUserStore) CreateUser(_ context.Context, user *User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[user.ID] = user
	return nil
}

func (f *fakeUserStore) ListUsers(_ context.Context) ([]*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*User
	for _, user := range f.users {
		cp := *user
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeUserStore) TouchLastLogin(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, id)
	return nil
}

func (f *fakeUserStore) StoreRefreshToken(_ context.Context, userID, token string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[token] = &storedToken{userID: userID, expiresAt: expiresAt}
	return nil
}

func (f *fakeUserStore) ConsumeRefreshToken(_ context.Context, userID, token string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.tokens[token]
	if !ok || st.userID != userID || st.revoked || !st.expiresAt.After(time.Now()) {
		return false, nil
	}
	st.revoked = true
	return true, nil
}

func (f *fakeUserStore) RevokeRefreshToken(_ context.Context, userID, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.tokens[token]; ok && st.userID == userID {
		st.revoked = true
	}
	return nil
}

func (f *fakeUserStore) RevokeAllRefreshTokens(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, st := range f.tokens {
		if st.userID == userID {
			st.revoked = true
		}
	}
	return nil
}

func newTestService(t *testing.T) (*Service, *fakeUserStore, *User) {
	t.Helper()
	store := newFakeUserStore()
	hash, err := HashPassword("hunter2!")
	if err != nil {
		t.Fatalf("hashing password: %v", err)
	}
	user := &User{
		ID:       "11111111-1111-1111-1111-111111111111",
		Email:    "analyst@example.com",
		Name:     "Test Analyst",
		Password: hash,
		Role:     RoleAnalyst,
	}
	if err := store.CreateUser(context.Background(), user); err != nil {
		t.Fatal(err)
	}
	svc := NewService(Config{JWTSecret: "test-secret"}, store)
	return svc, store, user
}

func TestLogin_RejectsBadCredentials(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Login(ctx, "analyst@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password: err = %v, want ErrInvalidCredentials", err)
	}
	if _, err := svc.Login(ctx, "nobody@example.com", "hunter2!"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown user: err = %v, want ErrInvalidCredentials", err)
	}
}

func TestLogin_IssuesPairAndRecordsLogin(t *testing.T) {
	svc, store, user := newTestService(t)

	pair, err := svc.Login(context.Background(), user.Email, "hunter2!")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if pair.TokenType != "Bearer" {
		t.Errorf("TokenType = %q", pair.TokenType)
	}

	claims, err := svc.ValidateToken(pair.AccessToken)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if claims.UserID != user.ID || claims.Email != user.Email || claims.Role != RoleAnalyst {
		t.Errorf("claims = %+v", claims)
	}
	if claims.Name != "Test Analyst" {
		t.Errorf("claims.Name = %q", claims.Name)
	}

	if len(store.touched) != 1 || store.touched[0] != user.ID {
		t.Errorf("last login touched = %v, want [%s]", store.touched, user.ID)
	}
}

func TestValidateToken_RejectsRefreshToken(t *testing.T) {
	svc, _, user := newTestService(t)

	pair, err := svc.Login(context.Background(), user.Email, "hunter2!")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ValidateToken(pair.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("refresh token accepted as bearer credential: err = %v", err)
	}
}

func TestRefreshTokens_SingleUse(t *testing.T) {
	svc, _, user := newTestService(t)
	ctx := context.Background()

	pair, err := svc.Login(ctx, user.Email, "hunter2!")
	if err != nil {
		t.Fatal(err)
	}

	next, err := svc.RefreshTokens(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("first refresh error = %v", err)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Error("refresh did not rotate the refresh token")
	}

	if _, err := svc.RefreshTokens(ctx, pair.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("replayed refresh token: err = %v, want ErrInvalidToken", err)
	}
}

func TestRefreshTokens_RejectsAccessToken(t *testing.T) {
	svc, _, user := newTestService(t)
	ctx := context.Background()

	pair, err := svc.Login(ctx, user.Email, "hunter2!")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RefreshTokens(ctx, pair.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("access token redeemed as refresh: err = %v", err)
	}
}

func TestLogoutAll_RevokesEverySession(t *testing.T) {
	svc, _, user := newTestService(t)
	ctx := context.Background()

	first, err := svc.Login(ctx, user.Email, "hunter2!")
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.Login(ctx, user.Email, "hunter2!")
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.LogoutAll(ctx, user.ID); err != nil {
		t.Fatalf("LogoutAll() error = %v", err)
	}

	for i, token := range []string{first.RefreshToken, second.RefreshToken} {
		if _, err := svc.RefreshTokens(ctx, token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("session %d still refreshable after logout-all: err = %v", i, err)
		}
	}
}

func TestMiddleware(t *testing.T) {
	svc, _, user := newTestService(t)

	pair, err := svc.Login(context.Background(), user.Email, "hunter2!")
	if err != nil {
		t.Fatal(err)
	}

	var gotClaims *Claims
	handler := svc.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClaims, _ = GetUserFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"malformed header", "Token abc", http.StatusUnauthorized},
		{"garbage token", "Bearer not-a-jwt", http.StatusUnauthorized},
		{"refresh token", "Bearer " + pair.RefreshToken, http.StatusUnauthorized},
		{"valid token", "Bearer " + pair.AccessToken, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}

	if gotClaims == nil || gotClaims.UserID != user.ID {
		t.Errorf("claims not propagated to handler: %+v", gotClaims)
	}
}

func TestRequireRole(t *testing.T) {
	svc, _, user := newTestService(t)

	pair, err := svc.Login(context.Background(), user.Email, "hunter2!")
	if err != nil {
		t.Fatal(err)
	}

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name       string
		roles      []Role
		wantStatus int
	}{
		{"allowed role", []Role{RoleAnalyst}, http.StatusOK},
		{"one of several", []Role{RoleAdmin, RoleAnalyst}, http.StatusOK},
		{"wrong role", []Role{RoleAdmin}, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := svc.Middleware(RequireRole(tt.roles...)(ok))
			req := httptest.NewRequest(http.MethodPost, "/api/v1/actions/x/validate", nil)
			req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}

	// Role gating without authentication is a 401, not a 403.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/users", nil)
	rec := httptest.NewRecorder()
	RequireRole(RoleAdmin)(ok).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", rec.Code)
	}
}
