package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Mode != AuthModeNone {
		t.Errorf("expected mode %q, got %q", AuthModeNone, cfg.Mode)
	}
	if len(cfg.SkipPaths) != 2 {
		t.Errorf("expected 2 skip paths, got %d", len(cfg.SkipPaths))
	}
}

func TestUserHasRole(t *testing.T) {
	tests := []struct {
		name     string
		user     *User
		role     Role
		expected bool
	}{
		{"nil user", nil, RoleAdmin, false},
		{"admin has admin", &User{Roles: []Role{RoleAdmin}}, RoleAdmin, true},
		{"admin has operator", &User{Roles: []Role{RoleAdmin}}, RoleOperator, true},
		{"admin has viewer", &User{Roles: []Role{RoleAdmin}}, RoleViewer, true},
		{"operator has operator", &User{Roles: []Role{RoleOperator}}, RoleOperator, true},
		{"operator no admin", &User{Roles: []Role{RoleOperator}}, RoleAdmin, false},
		{"viewer has viewer", &User{Roles: []Role{RoleViewer}}, RoleViewer, true},
		{"viewer no operator", &User{Roles: []Role{RoleViewer}}, RoleOperator, false},
		{"multiple roles", &User{Roles: []Role{RoleOperator, RoleViewer}}, RoleViewer, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.user.HasRole(tt.role)
			if got != tt.expected {
				t.Errorf("HasRole(%v) = %v, want %v", tt.role, got, tt.expected)
			}
		})
	}
}

func TestUserHasAnyRole(t *testing.T) {
	user := &User{Roles: []Role{RoleOperator}}

	if !user.HasAnyRole(RoleOperator, RoleViewer) {
		t.Error("expected HasAnyRole to return true for operator")
	}
	if user.HasAnyRole(RoleAdmin) {
		t.Error("expected HasAnyRole to return false for admin only")
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()

	if GetUserFromContext(ctx) != nil {
		t.Error("expected nil user from empty context")
	}
	if GetRolesFromContext(ctx) != nil {
		t.Error("expected nil roles from empty context")
	}

	user := &User{ID: "test-user", Roles: []Role{RoleOperator}}
	ctx = SetUserInContext(ctx, user)

	got := GetUserFromContext(ctx)
	if got == nil || got.ID != "test-user" {
		t.Error("expected user from context")
	}

	roles := GetRolesFromContext(ctx)
	if len(roles) != 1 || roles[0] != RoleOperator {
		t.Error("expected operator role from context")
	}

	if !HasRole(ctx, RoleOperator) {
		t.Error("expected HasRole to return true")
	}
	if HasRole(ctx, RoleAdmin) {
		t.Error("expected HasRole to return false for admin")
	}
}

func TestTokenAuthenticator(t *testing.T) {
	config := &Config{
		Mode:   AuthModeToken,
		Tokens: []string{"test-token-1", "test-token-2"},
		TokenRoles: map[string][]Role{
			"test-token-1": {RoleAdmin},
		},
	}
	auth := NewTokenAuthenticator(config)

	tests := []struct {
		name        string
		headers     map[string]string
		expectError bool
		expectRole  Role
	}{
		{
			name:        "missing credentials",
			headers:     map[string]string{},
			expectError: true,
		},
		{
			name:        "invalid token",
			headers:     map[string]string{"X-Admin-Token": "invalid"},
			expectError: true,
		},
		{
			name:        "valid token via X-Admin-Token",
			headers:     map[string]string{"X-Admin-Token": "test-token-1"},
			expectError: false,
			expectRole:  RoleAdmin,
		},
		{
			name:        "valid token via Bearer",
			headers:     map[string]string{"Authorization": "Bearer test-token-2"},
			expectError: false,
			expectRole:  RoleOperator,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}

			user, err := auth.Authenticate(req)
			if tt.expectError {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if !user.HasRole(tt.expectRole) {
				t.Errorf("expected role %v, got %v", tt.expectRole, user.Roles)
			}
		})
	}
}

func TestMiddlewareNoAuth(t *testing.T) {
	config := &Config{Mode: AuthModeNone}
	mw := NewMiddleware(config, nil)

	called := false
	handler := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !called {
		t.Error("handler was not called")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
}

func TestMiddlewareSkipPaths(t *testing.T) {
	config := &Config{
		Mode:      AuthModeToken,
		Tokens:    []string{"test-token"},
		SkipPaths: []string{"/custom"},
	}
	auth := NewTokenAuthenticator(config)
	mw := NewMiddleware(config, auth)

	handler := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		path       string
		expectCode int
	}{
		{"/healthz", http.StatusOK},
		{"/readyz", http.StatusOK},
		{"/custom", http.StatusOK},
		{"/protected", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.expectCode {
				t.Errorf("path %s: expected status %d, got %d", tt.path, tt.expectCode, rec.Code)
			}
		})
	}
}

func TestMiddlewareRequireRoles(t *testing.T) {
	config := &Config{
		Mode:   AuthModeToken,
		Tokens: []string{"admin-token", "viewer-token"},
		TokenRoles: map[string][]Role{
			"admin-token":  {RoleAdmin},
			"viewer-token": {RoleViewer},
		},
	}
	auth := NewTokenAuthenticator(config)
	mw := NewMiddleware(config, auth)

	baseHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	roleHandler := mw.RequireRoles(RoleAdmin, RoleOperator)(baseHandler)
	authHandler := mw.Handler(roleHandler)

	tests := []struct {
		name       string
		token      string
		expectCode int
	}{
		{"admin allowed", "admin-token", http.StatusOK},
		{"viewer forbidden", "viewer-token", http.StatusForbidden},
		{"no token", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			if tt.token != "" {
				req.Header.Set("X-Admin-Token", tt.token)
			}
			rec := httptest.NewRecorder()
			authHandler.ServeHTTP(rec, req)

			if rec.Code != tt.expectCode {
				t.Errorf("expected status %d, got %d", tt.expectCode, rec.Code)
			}
		})
	}
}

func TestMiddlewareMisconfigured(t *testing.T) {
	config := &Config{Mode: AuthModeToken}
	mw := NewMiddleware(config, nil)

	handler := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/protected", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", rec.Code)
	}
}
