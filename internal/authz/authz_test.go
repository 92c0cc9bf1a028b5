package authz

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oriys/courier/internal/config"
	"github.com/oriys/courier/internal/domain"
	"github.com/oriys/courier/internal/registry"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type accountArg struct {
	UserID string `json:"userId"`
}

type mockUsers struct {
	ids map[string]string
}

func (m *mockUsers) UserIDBySubject(_ context.Context, subject string) (string, error) {
	id, ok := m.ids[subject]
	if !ok {
		return "", errors.New("unknown user")
	}
	return id, nil
}

func testConfig() config.AuthConfig {
	return config.AuthConfig{
		JWTSecret:        "test-secret",
		SubjectClaimPath: "sub",
		RolesClaimPath:   "realm_access.roles",
		JWTExpiration:    time.Hour,
	}
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func bearer(t *testing.T, svc *JWTService, subject string, roles ...string) http.Header {
	t.Helper()
	token, err := svc.Generate(subject, roles)
	require.NoError(t, err)
	h := make(http.Header)
	h.Set("Authorization", "Bearer "+token)
	return h
}

func TestJWTServiceRoundTrip(t *testing.T) {
	svc := NewJWTService(testConfig())
	token, err := svc.Generate("alice", []string{"admin", "user"})
	require.NoError(t, err)

	id, err := svc.VerifyIdentity(context.Background(), "Bearer "+token)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Subject)
	assert.Equal(t, []string{"admin", "user"}, id.Roles)
	assert.True(t, svc.IsAuthorized(context.Background(), id, []string{"admin"}))
	assert.False(t, svc.IsAuthorized(context.Background(), id, []string{"auditor"}))

	wrapped := base64.StdEncoding.EncodeToString([]byte(token))
	id, err = svc.VerifyIdentity(context.Background(), "Bearer "+wrapped)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Subject)
}

func TestJWTServiceRejects(t *testing.T) {
	svc := NewJWTService(testConfig())
	other := NewJWTService(config.AuthConfig{JWTSecret: "other", SubjectClaimPath: "sub", RolesClaimPath: "roles", JWTExpiration: time.Hour})
	foreign, err := other.Generate("mallory", nil)
	require.NoError(t, err)

	for name, header := range map[string]string{
		"empty":     "",
		"no bearer": "Basic abc",
		"garbage":   "Bearer not-a-token",
		"wrong key": "Bearer " + foreign,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := svc.VerifyIdentity(context.Background(), header)
			assert.Error(t, err)
		})
	}
}

func TestJWTServicePublicKeyFromAuthServer(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pemKey := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	fetches := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches++
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": map[string]string{"public": pemKey}})
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.PublicKeyURL = srv.URL
	cfg.PublicKeyPath = "keys.public"
	svc := NewJWTService(cfg)

	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub": "bob",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(key)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		id, err := svc.VerifyIdentity(context.Background(), "Bearer "+token)
		require.NoError(t, err)
		assert.Equal(t, "bob", id.Subject)
	}
	assert.Equal(t, 1, fetches)
}

func TestGateSequencing(t *testing.T) {
	svc := NewJWTService(testConfig())
	users := &mockUsers{ids: map[string]string{"alice": "u-alice"}}
	gate := NewGate(svc, users, quietLogger())

	handler := func(context.Context, *accountArg) (string, error) { return "", nil }
	adminOnly := registry.Func("adminOnly", handler).AllowForUserRoles("admin").Function()
	selfOrAdmin := registry.Func("getAccount", handler).
		AllowForSelf(func(a *accountArg) string { return a.UserID }).
		AllowForUserRoles("admin").Function()
	everyone := registry.Func("ping", handler).AllowForEveryUser().Function()
	internal := registry.Func("purge", handler).AllowForInternalUse().Function()
	undeclared := registry.Func("hidden", handler).Function()

	ctx := context.Background()
	call := func(h http.Header, internal bool) *domain.ServiceFunctionCall {
		return &domain.ServiceFunctionCall{Headers: h, Internal: internal}
	}
	code := func(err *domain.ExecutionError) domain.ErrorCode {
		if err == nil {
			return ""
		}
		return err.ErrorCode
	}

	tests := []struct {
		name string
		req  Request
		want domain.ErrorCode
	}{
		{"internal-only rejected externally", Request{Call: call(bearer(t, svc, "alice", "admin"), false), Function: internal}, domain.CodeServiceFunctionNotAuthorized},
		{"internal-only allowed internally", Request{Call: call(nil, true), Function: internal}, ""},
		{"internal call skips checks", Request{Call: call(nil, true), Function: adminOnly}, ""},
		{"missing credentials", Request{Call: call(nil, false), Function: everyone}, domain.CodeUserNotAuthenticated},
		{"every user", Request{Call: call(bearer(t, svc, "carol"), false), Function: everyone}, ""},
		{"role granted", Request{Call: call(bearer(t, svc, "dave", "admin"), false), Function: adminOnly}, ""},
		{"role missing", Request{Call: call(bearer(t, svc, "dave", "user"), false), Function: adminOnly}, domain.CodeServiceFunctionNotAuthorized},
		{"self matches", Request{Call: call(bearer(t, svc, "alice"), false), Function: selfOrAdmin, Argument: &accountArg{UserID: "u-alice"}}, ""},
		{"self mismatch", Request{Call: call(bearer(t, svc, "alice"), false), Function: selfOrAdmin, Argument: &accountArg{UserID: "u-bob"}}, domain.CodeServiceFunctionNotAuthorized},
		{"self unknown user falls back to role", Request{Call: call(bearer(t, svc, "erin", "admin"), false), Function: selfOrAdmin, Argument: &accountArg{UserID: "u-x"}}, ""},
		{"no rules declared", Request{Call: call(bearer(t, svc, "alice", "admin"), false), Function: undeclared}, domain.CodeServiceFunctionNotAuthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := gate.Authorize(ctx, tt.req)
			assert.Equal(t, tt.want, code(err))
		})
	}
}

func TestGateDisabled(t *testing.T) {
	gate := NewGate(nil, nil, quietLogger())
	fn := registry.Func("adminOnly", func(context.Context, *accountArg) (string, error) { return "", nil }).
		AllowForUserRoles("admin").Function()

	id, err := gate.Authorize(context.Background(), Request{Call: &domain.ServiceFunctionCall{}, Function: fn})
	assert.Nil(t, err)
	assert.Nil(t, id)

	internal := registry.NoArgFunc("purge", func(context.Context) (int, error) { return 0, nil }).AllowForInternalUse().Function()
	_, err = gate.Authorize(context.Background(), Request{Call: &domain.ServiceFunctionCall{}, Function: internal})
	require.NotNil(t, err)
	assert.Equal(t, http.StatusForbidden, err.StatusCode)
}
