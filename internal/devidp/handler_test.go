package devidp_test

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/carebridge-health/portal/internal/devidp"
	"github.com/carebridge-health/portal/internal/email"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func newTestHandler(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tokens := devidp.NewTokenIssuer(key, "http://idp.test", 0)
	h := devidp.NewHandler(devidp.NewStore(), tokens, email.NewLogSender(zap.NewNop()), nil, "http://idp.test", zap.NewNop())

	router := gin.New()
	h.Register(router)
	return router
}

func post(t *testing.T, router *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

type sessionReply struct {
	ExternalID   string `json:"external_id"`
	Email        string `json:"email"`
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

type errorReply struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeSession(t *testing.T, w *httptest.ResponseRecorder) sessionReply {
	t.Helper()
	var s sessionReply
	if err := json.Unmarshal(w.Body.Bytes(), &s); err != nil {
		t.Fatalf("decode session: %v (body %s)", err, w.Body.String())
	}
	return s
}

func TestSignup_200_issuesSession(t *testing.T) {
	router := newTestHandler(t)

	w := post(t, router, "/v1/signup", gin.H{
		"email":        "a@x.com",
		"password":     "password1",
		"display_name": "Ada Reyes",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	s := decodeSession(t, w)
	if s.ExternalID == "" || s.IDToken == "" || s.RefreshToken == "" {
		t.Fatalf("session = %+v", s)
	}
	if s.ExpiresIn != 3600 {
		t.Fatalf("expires_in = %d", s.ExpiresIn)
	}
}

func TestSignup_409_duplicateEmail(t *testing.T) {
	router := newTestHandler(t)

	body := gin.H{"email": "a@x.com", "password": "password1"}
	post(t, router, "/v1/signup", body)
	w := post(t, router, "/v1/signup", body)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
	var e errorReply
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.Error.Code != "EMAIL_EXISTS" {
		t.Fatalf("code = %q", e.Error.Code)
	}
}

func TestSignin_401_wrongPassword(t *testing.T) {
	router := newTestHandler(t)

	post(t, router, "/v1/signup", gin.H{"email": "a@x.com", "password": "password1"})
	w := post(t, router, "/v1/signin", gin.H{"email": "a@x.com", "password": "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	var e errorReply
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.Error.Code != "INVALID_CREDENTIALS" {
		t.Fatalf("code = %q", e.Error.Code)
	}
}

func TestSignin_401_unknownAccount_sameCodeAsBadPassword(t *testing.T) {
	router := newTestHandler(t)

	w := post(t, router, "/v1/signin", gin.H{"email": "ghost@x.com", "password": "whatever"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	var e errorReply
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.Error.Code != "INVALID_CREDENTIALS" {
		t.Fatalf("code = %q; must not distinguish unknown accounts", e.Error.Code)
	}
}

func TestToken_resumesSessionFromRefreshToken(t *testing.T) {
	router := newTestHandler(t)

	w := post(t, router, "/v1/signup", gin.H{
		"email": "a@x.com", "password": "password1", "display_name": "Ada",
	})
	first := decodeSession(t, w)

	w = post(t, router, "/v1/token", gin.H{"refresh_token": first.RefreshToken})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	resumed := decodeSession(t, w)
	if resumed.ExternalID != first.ExternalID || resumed.Email != "a@x.com" {
		t.Fatalf("resumed = %+v", resumed)
	}
	if resumed.IDToken == "" {
		t.Fatal("no fresh id token")
	}
}

func TestSignout_revokesRefreshToken(t *testing.T) {
	router := newTestHandler(t)

	w := post(t, router, "/v1/signup", gin.H{"email": "a@x.com", "password": "password1"})
	s := decodeSession(t, w)

	w = post(t, router, "/v1/signout", gin.H{"refresh_token": s.RefreshToken})
	if w.Code != http.StatusOK {
		t.Fatalf("signout status = %d", w.Code)
	}

	w = post(t, router, "/v1/token", gin.H{"refresh_token": s.RefreshToken})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("revoked token still resumed: status %d", w.Code)
	}

	// Double sign-out stays 200.
	w = post(t, router, "/v1/signout", gin.H{"refresh_token": s.RefreshToken})
	if w.Code != http.StatusOK {
		t.Fatalf("double signout status = %d", w.Code)
	}
}

func TestPasswordReset_doesNotRevealAccountExistence(t *testing.T) {
	router := newTestHandler(t)

	post(t, router, "/v1/signup", gin.H{"email": "a@x.com", "password": "password1"})

	known := post(t, router, "/v1/password-reset", gin.H{"email": "a@x.com"})
	unknown := post(t, router, "/v1/password-reset", gin.H{"email": "ghost@x.com"})
	if known.Code != http.StatusOK || unknown.Code != http.StatusOK {
		t.Fatalf("statuses = %d / %d, want 200 / 200", known.Code, unknown.Code)
	}
}

func TestOAuthStart_notConfigured(t *testing.T) {
	router := newTestHandler(t)

	w := post(t, router, "/v1/oauth/start", gin.H{"provider": "google"})
	if w.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", w.Code)
	}
}

func TestPublicKeyPEM_served(t *testing.T) {
	router := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/publickey.pem", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("BEGIN PUBLIC KEY")) {
		t.Fatalf("body = %q", w.Body.String())
	}
}
