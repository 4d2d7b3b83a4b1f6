package rpcapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testAuthenticator() *Authenticator {
	return NewAuthenticator([]byte("test-signing-secret"))
}

func TestAuthenticateAcceptsValidBearerToken(t *testing.T) {
	a := testAuthenticator()
	token, err := a.Issue(RoleOperator, "alice", time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/v1/trades", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	role, subject, err := a.Authenticate(r)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if role != RoleOperator || subject != "alice" {
		t.Errorf("Authenticate() = (%s, %s), want (operator, alice)", role, subject)
	}
}

func TestAuthenticateAcceptsTokenQueryParam(t *testing.T) {
	a := testAuthenticator()
	token, err := a.Issue(RoleReadonly, "dashboard", time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil)
	role, _, err := a.Authenticate(r)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if role != RoleReadonly {
		t.Errorf("role = %s, want readonly", role)
	}
}

func TestAuthenticateRejectsMissingToken(t *testing.T) {
	a := testAuthenticator()
	r := httptest.NewRequest(http.MethodGet, "/v1/trades", nil)
	if _, _, err := a.Authenticate(r); err == nil {
		t.Fatal("Authenticate() error = nil, want errMissingBearer")
	}
}

func TestAuthenticateRejectsExpiredToken(t *testing.T) {
	a := testAuthenticator()
	token, err := a.Issue(RoleAdmin, "bob", -time.Minute)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	r := httptest.NewRequest(http.MethodGet, "/v1/trades", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	if _, _, err := a.Authenticate(r); err == nil {
		t.Fatal("Authenticate() error = nil, want expired-token error")
	}
}

func TestAuthenticateRejectsWrongSigningSecret(t *testing.T) {
	a := testAuthenticator()
	other := NewAuthenticator([]byte("a-different-secret"))
	token, err := other.Issue(RoleAdmin, "eve", time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	r := httptest.NewRequest(http.MethodGet, "/v1/trades", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	if _, _, err := a.Authenticate(r); err == nil {
		t.Fatal("Authenticate() error = nil, want signature verification failure")
	}
}

func TestRoleAtLeast(t *testing.T) {
	cases := []struct {
		role Role
		min  Role
		want bool
	}{
		{RoleAdmin, RoleReadonly, true},
		{RoleAdmin, RoleAdmin, true},
		{RoleOperator, RoleAdmin, false},
		{RoleReadonly, RoleOperator, false},
		{RoleOperator, RoleOperator, true},
	}
	for _, c := range cases {
		if got := c.role.atLeast(c.min); got != c.want {
			t.Errorf("%s.atLeast(%s) = %v, want %v", c.role, c.min, got, c.want)
		}
	}
}
