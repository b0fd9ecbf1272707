package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"tangled.org/arabica.social/modgate/internal/database/memstore"
	"tangled.org/arabica.social/modgate/internal/moderation"
)

// Bearer tokens of the operators in the test operator file.
const (
	AdminToken    = "admin-token"
	ViewerToken   = "viewer-token"
	DetectorToken = "detector-token"
	LegacyToken   = "legacy-token"
)

// TestContext holds a handler wired to an in-memory store.
type TestContext struct {
	Store   *memstore.Store
	Engine  *moderation.Engine
	Handler *Handler
}

// NewTestContext builds a handler over a fresh memstore with four operators:
// admin (every permission), viewer (read-only), detector and legacy.
func NewTestContext(t testing.TB) *TestContext {
	t.Helper()

	store := memstore.New()
	opts := moderation.DefaultEngineOptions()
	opts.Settings.CacheTTL = 0
	engine := moderation.NewEngine(store, opts)

	ops, err := moderation.NewOperators(writeTestOperators(t))
	if err != nil {
		t.Fatalf("load test operators: %v", err)
	}

	return &TestContext{
		Store:   store,
		Engine:  engine,
		Handler: NewHandler(engine, ops, DefaultConfig()),
	}
}

func writeTestOperators(t testing.TB) string {
	t.Helper()

	all := moderation.AllPermissions()
	cfg := moderation.OperatorsConfig{
		Roles: map[moderation.RoleName]*moderation.Role{
			moderation.RoleAdmin: {Description: "Full control", Permissions: all},
			moderation.RoleOperator: {Description: "Read only", Permissions: []moderation.Permission{
				moderation.PermissionViewRollout,
				moderation.PermissionForecast,
				moderation.PermissionViewAuditLog,
			}},
			"detector": {Description: "Detection layer", Permissions: []moderation.Permission{moderation.PermissionSubmitDecision}},
			"legacy":   {Description: "Legacy generation", Permissions: []moderation.Permission{moderation.PermissionLegacyEnforce}},
		},
		Operators: []moderation.Operator{
			{ID: "alice", Role: moderation.RoleAdmin, TokenSHA256: moderation.HashToken(AdminToken)},
			{ID: "bob", Role: moderation.RoleOperator, TokenSHA256: moderation.HashToken(ViewerToken)},
			{ID: "detector", Role: "detector", TokenSHA256: moderation.HashToken(DetectorToken)},
			{ID: "legacy-app", Role: "legacy", TokenSHA256: moderation.HashToken(LegacyToken)},
		},
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal operators: %v", err)
	}
	path := filepath.Join(t.TempDir(), "operators.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write operators: %v", err)
	}
	return path
}

// NewRequest creates a request carrying token as a bearer token. A non-nil
// body is JSON encoded.
func NewRequest(method, url, token string, body any) *http.Request {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			panic(err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, url, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}
