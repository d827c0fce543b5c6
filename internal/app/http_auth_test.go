package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"mindmesh/api/internal/auth"
)

func postJSON(t *testing.T, server *HTTPServer, path, body, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func decodePayload(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
	return payload
}

func TestAuthSignUpReturnsSession(t *testing.T) {
	server := NewHTTPServer(newTestService(newFakeStore()), nil, "*")

	rr := postJSON(t, server, "/api/auth/signup",
		`{"email":"ada@example.com","password":"hunter2secret","username":"ada"}`, "")
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodePayload(t, rr)
	accessToken, _ := payload["accessToken"].(string)
	refreshToken, _ := payload["refreshToken"].(string)
	if accessToken == "" || refreshToken == "" {
		t.Fatalf("expected tokens, got %v", payload)
	}
	if payload["username"] != "ada" {
		t.Fatalf("username = %v, want ada", payload["username"])
	}
}

func TestAuthSignUpDuplicateEmailConflicts(t *testing.T) {
	server := NewHTTPServer(newTestService(newFakeStore()), nil, "*")

	first := postJSON(t, server, "/api/auth/signup",
		`{"email":"ada@example.com","password":"hunter2secret","username":"ada"}`, "")
	if first.Code != http.StatusCreated {
		t.Fatalf("first signup: %d body=%s", first.Code, first.Body.String())
	}

	second := postJSON(t, server, "/api/auth/signup",
		`{"email":"ada@example.com","password":"hunter2secret","username":"other"}`, "")
	if second.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d body=%s", second.Code, second.Body.String())
	}
	if decodePayload(t, second)["code"] != "EMAIL_EXISTS" {
		t.Fatalf("expected EMAIL_EXISTS, got %s", second.Body.String())
	}
}

func TestAuthSignInWrongPassword(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	signUpUser(t, svc, "ada@example.com", "ada")
	server := NewHTTPServer(svc, nil, "*")

	rr := postJSON(t, server, "/api/auth/signin",
		`{"email":"ada@example.com","password":"wrong-password"}`, "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d body=%s", rr.Code, rr.Body.String())
	}
	if decodePayload(t, rr)["code"] != "INVALID_CREDENTIALS" {
		t.Fatalf("expected INVALID_CREDENTIALS, got %s", rr.Body.String())
	}
}

func TestSessionRefreshThenLogout(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	session := signUpUser(t, svc, "ada@example.com", "ada")
	server := NewHTTPServer(svc, nil, "*")

	rr := postJSON(t, server, "/api/session/refresh",
		`{"refreshToken":"`+session.RefreshToken+`"}`, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("refresh: %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodePayload(t, rr)
	newAccess, _ := payload["accessToken"].(string)
	newRefresh, _ := payload["refreshToken"].(string)
	if newAccess == "" || newRefresh == "" || newRefresh == session.RefreshToken {
		t.Fatalf("expected rotated tokens, got %v", payload)
	}

	rr = postJSON(t, server, "/api/session/logout",
		`{"refreshToken":"`+newRefresh+`"}`, newAccess)
	if rr.Code != http.StatusOK {
		t.Fatalf("logout: %d body=%s", rr.Code, rr.Body.String())
	}

	// The access token no longer opens protected routes.
	req := httptest.NewRequest(http.MethodGet, "/api/profile", nil)
	req.Header.Set("Authorization", "Bearer "+newAccess)
	check := httptest.NewRecorder()
	server.Handler().ServeHTTP(check, req)
	assertUnauthorizedCode(t, check)
}

func TestPasswordResetRequestReturnsDevTokenWithoutSMTP(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	signUpUser(t, svc, "ada@example.com", "ada")
	server := NewHTTPServer(svc, nil, "*")

	rr := postJSON(t, server, "/api/auth/reset-password/request",
		`{"email":"ada@example.com"}`, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("request reset: %d body=%s", rr.Code, rr.Body.String())
	}
	token, _ := decodePayload(t, rr)["devResetToken"].(string)
	if token == "" {
		t.Fatalf("expected dev reset token without SMTP, body=%s", rr.Body.String())
	}

	// Unknown email answers identically, minus the token.
	rr = postJSON(t, server, "/api/auth/reset-password/request",
		`{"email":"nobody@example.com"}`, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("unknown email: %d body=%s", rr.Code, rr.Body.String())
	}
	if _, ok := decodePayload(t, rr)["devResetToken"]; ok {
		t.Fatalf("unknown email leaked a token: %s", rr.Body.String())
	}
}

func TestSessionEndpointWithoutToken(t *testing.T) {
	server := NewHTTPServer(newTestService(newFakeStore()), nil, "*")

	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if decodePayload(t, rr)["authenticated"] != false {
		t.Fatalf("expected authenticated false, got %s", rr.Body.String())
	}
}

func TestProtectedRouteWithoutBearerReturnsUnauthorized(t *testing.T) {
	server := NewHTTPServer(newTestService(newFakeStore()), nil, "*")
	req := httptest.NewRequest(http.MethodGet, "/api/maps", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	assertUnauthorizedCode(t, rr)
}

func TestProtectedRouteWithExpiredBearerReturnsUnauthorized(t *testing.T) {
	server := NewHTTPServer(newTestService(newFakeStore()), nil, "*")

	token, err := auth.IssueToken([]byte("test-secret"), auth.Claims{
		Sub:  "usr-1",
		Name: "ada",
		JTI:  "jti-expired",
		Exp:  time.Now().Add(-1 * time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/maps", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	assertUnauthorizedCode(t, rr)
}

func assertUnauthorizedCode(t *testing.T, rr *httptest.ResponseRecorder) {
	t.Helper()
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if payload["code"] != "UNAUTHORIZED" {
		t.Fatalf("expected code UNAUTHORIZED, got %v", payload["code"])
	}
}
