package rpcapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// Role is an Operator API RBAC role (spec.md §4.12/§6): readonly can
// only read, operator can additionally write config sections and
// wallet status, admin is additionally required for circuit
// reset/kill-switch and destructive config edits.
type Role string

const (
	RoleReadonly Role = "readonly"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// rank orders roles for a >= comparison; higher ranks can do
// everything a lower rank can.
var rank = map[Role]int{RoleReadonly: 0, RoleOperator: 1, RoleAdmin: 2}

func (r Role) atLeast(min Role) bool {
	return rank[r] >= rank[min]
}

// claims is the JWT payload an operator dashboard token carries. Only
// the fields this package needs are declared; unknown claims are
// ignored by jwt.ParseWithClaims the same way go-ethereum's Engine API
// JWT auth ignores claims it does not check.
type claims struct {
	Role    Role   `json:"role"`
	Subject string `json:"sub"`
	jwt.RegisteredClaims
}

var errMissingBearer = errors.New("rpcapi: missing bearer token")
var errInvalidToken = errors.New("rpcapi: invalid or expired token")
var errInsufficientRole = errors.New("rpcapi: role does not permit this operation")

// Authenticator verifies HS256 bearer tokens against a shared signing
// secret, the same symmetric scheme go-ethereum's Engine API auth uses
// for its JWT handshake (node/node_auth_test.go), here carrying an
// RBAC role claim instead of a bare issued-at freshness check.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret []byte) *Authenticator {
	return &Authenticator{secret: secret}
}

// Authenticate parses and verifies the request's bearer token,
// returning the caller's role and subject. A token query parameter is
// accepted alongside the Authorization header because the browser
// WebSocket API cannot set custom headers on the upgrade request.
func (a *Authenticator) Authenticate(r *http.Request) (Role, string, error) {
	raw := r.URL.Query().Get("token")
	if raw == "" {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			return "", "", errMissingBearer
		}
		raw = strings.TrimPrefix(header, "Bearer ")
	}

	var c claims
	_, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", errInvalidToken, err)
	}
	if _, ok := rank[c.Role]; !ok {
		return "", "", fmt.Errorf("%w: unrecognized role %q", errInvalidToken, c.Role)
	}
	return c.Role, c.Subject, nil
}

// Issue mints a bearer token for role. Only tests call it;
// cmd/operatord does not issue or print a token at startup. Not exposed
// over HTTP -- token issuance is an operational/out-of-band concern,
// not a dashboard self-service endpoint.
func (a *Authenticator) Issue(role Role, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		Role:    role,
		Subject: subject,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString(a.secret)
}

type actorKey struct{}
type roleKey struct{}

func withActor(ctx context.Context, role Role, subject string) context.Context {
	ctx = context.WithValue(ctx, roleKey{}, role)
	return context.WithValue(ctx, actorKey{}, subject)
}

func actorFromContext(ctx context.Context) string {
	sub, _ := ctx.Value(actorKey{}).(string)
	if sub == "" {
		return "unknown"
	}
	return sub
}

func roleFromContext(ctx context.Context) Role {
	role, _ := ctx.Value(roleKey{}).(Role)
	return role
}

// requireRole wraps next so it only runs for callers authenticated at
// or above min.
func (s *Server) requireRole(min Role, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		role, subject, err := s.auth.Authenticate(r)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, err.Error())
			return
		}
		if !role.atLeast(min) {
			writeJSONError(w, http.StatusForbidden, errInsufficientRole.Error())
			return
		}
		next(w, r.WithContext(withActor(r.Context(), role, subject)))
	}
}
