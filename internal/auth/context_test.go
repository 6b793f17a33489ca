// ABOUTME: Unit tests for authentication context functions
// ABOUTME: Tests AuthContext role helpers and context propagation

package auth

import (
	"context"
	"testing"

	"github.com/2389/parlor/internal/store"
)

func TestAuthContext_IsAdmin(t *testing.T) {
	tests := []struct {
		role store.Role
		want bool
	}{
		{store.RoleAdmin, true},
		{store.RoleOperator, false},
		{store.RoleUser, false},
		{store.RolePersona, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			auth := &AuthContext{AccountID: "acct", Role: tt.role}
			if got := auth.IsAdmin(); got != tt.want {
				t.Errorf("IsAdmin() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAuthContext_HasRole(t *testing.T) {
	auth := &AuthContext{AccountID: "op-1", Role: store.RoleOperator}

	if !auth.HasRole(store.RoleOperator, store.RoleAdmin) {
		t.Error("HasRole() = false, want true for operator")
	}
	if auth.HasRole(store.RoleAdmin) {
		t.Error("HasRole(admin) = true, want false")
	}
	if auth.HasRole() {
		t.Error("HasRole() with no roles should be false")
	}
}

func TestWithAuth_FromContext(t *testing.T) {
	authCtx := &AuthContext{AccountID: "acct-1", Role: store.RoleUser}
	ctx := WithAuth(context.Background(), authCtx)

	got := FromContext(ctx)
	if got != authCtx {
		t.Errorf("FromContext() = %v, want %v", got, authCtx)
	}
}

func TestFromContext_Missing(t *testing.T) {
	if got := FromContext(context.Background()); got != nil {
		t.Errorf("FromContext() = %v, want nil", got)
	}
}

func TestFromContext_WrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), authContextKey{}, "not-auth")
	if got := FromContext(ctx); got != nil {
		t.Errorf("FromContext() = %v, want nil", got)
	}
}

func TestMustFromContext_Panics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("MustFromContext() should panic without AuthContext")
		}
	}()
	MustFromContext(context.Background())
}
