package server

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/campus/userservice/internal/accounts"
	"github.com/MarcoPoloResearchLab/campus/userservice/internal/auth"
	"github.com/MarcoPoloResearchLab/campus/userservice/internal/users"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testFrontendOrigin = "http://localhost:5173"
	testGoogleClientID = "campus-web"
	testGoogleKeyID    = "idp-key"
)

type testServer struct {
	handler  http.Handler
	db       *gorm.DB
	store    *users.Store
	sessions *auth.SessionManager
	idp      *fakeIdentityProvider
}

type serverOption func(*Dependencies, *accounts.ServiceConfig)

func withLimiter(limiter RateLimiter, register, login int) serverOption {
	return func(deps *Dependencies, _ *accounts.ServiceConfig) {
		deps.Limiter = limiter
		if register > 0 {
			deps.RegisterRule.Name = "register"
			deps.RegisterRule.Limit = register
			deps.RegisterRule.Window = time.Minute
		}
		if login > 0 {
			deps.LoginRule.Name = "login"
			deps.LoginRule.Limit = login
			deps.LoginRule.Window = time.Minute
		}
	}
}

func withLogger(logger *zap.Logger) serverOption {
	return func(deps *Dependencies, cfg *accounts.ServiceConfig) {
		deps.Logger = logger
		cfg.Logger = logger
	}
}

func withoutGoogleFederation() serverOption {
	return func(_ *Dependencies, cfg *accounts.ServiceConfig) {
		cfg.Google = nil
		cfg.GoogleVerifier = nil
	}
}

func newTestServer(t *testing.T, options ...serverOption) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(append(users.Models(), &auth.Session{})...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	store, err := users.NewStore(users.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	sessions, err := auth.NewSessionManager(auth.SessionManagerConfig{
		Database:      db,
		SigningSecret: []byte("server-test-secret"),
	})
	if err != nil {
		t.Fatalf("failed to construct session manager: %v", err)
	}
	hasher, err := auth.NewPasswordHasher(auth.PasswordHasherConfig{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	})
	if err != nil {
		t.Fatalf("failed to construct hasher: %v", err)
	}

	idp := newFakeIdentityProvider(t)
	google := auth.NewGoogleClient(auth.GoogleClientConfig{
		ClientID:     testGoogleClientID,
		ClientSecret: "campus-secret",
		RedirectURI:  "http://localhost:8080/oauth/google/callback",
		TokenURL:     idp.server.URL + "/token",
		HTTPClient:   idp.server.Client(),
	})
	verifier, err := auth.NewGoogleVerifier(auth.GoogleVerifierConfig{
		Audience:   testGoogleClientID,
		JWKSURL:    idp.server.URL + "/certs",
		HTTPClient: idp.server.Client(),
	})
	if err != nil {
		t.Fatalf("failed to construct verifier: %v", err)
	}

	serviceConfig := accounts.ServiceConfig{
		Store:          store,
		Sessions:       sessions,
		Hasher:         hasher,
		Google:         google,
		GoogleVerifier: verifier,
	}
	deps := Dependencies{
		Sessions:       sessions,
		Health:         store,
		FrontendOrigin: testFrontendOrigin,
	}
	for _, option := range options {
		option(&deps, &serviceConfig)
	}

	service, err := accounts.NewService(serviceConfig)
	if err != nil {
		t.Fatalf("failed to construct accounts service: %v", err)
	}
	deps.Accounts = service

	handler, err := NewHTTPHandler(deps)
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	return &testServer{handler: handler, db: db, store: store, sessions: sessions, idp: idp}
}

// do sends a request and returns the recorder. Body may be empty.
func (s *testServer) do(t *testing.T, method, path, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, path, http.NoBody)
	} else {
		request = httptest.NewRequest(method, path, strings.NewReader(body))
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set("User-Agent", "server-test")
	for _, cookie := range cookies {
		request.AddCookie(cookie)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func (s *testServer) register(t *testing.T, email, username string) {
	t.Helper()
	body := fmt.Sprintf(`{"email":%q,"username":%q,"name":"Ada","surname":"Lovelace","password":"Abcdef12","confirm_password":"Abcdef12","consent":true}`, email, username)
	recorder := s.do(t, http.MethodPost, "/auth/register", body)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func (s *testServer) login(t *testing.T, email, password string) *http.Cookie {
	t.Helper()
	recorder := s.do(t, http.MethodPost, "/auth/login", fmt.Sprintf(`{"email":%q,"password":%q}`, email, password))
	if recorder.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	cookie := sessionCookie(recorder)
	if cookie == nil || cookie.Value == "" {
		t.Fatalf("login: expected a session cookie")
	}
	return cookie
}

func sessionCookie(recorder *httptest.ResponseRecorder) *http.Cookie {
	for _, cookie := range recorder.Result().Cookies() {
		if cookie.Name == "user_session" {
			return cookie
		}
	}
	return nil
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode body %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func expectMessage(t *testing.T, recorder *httptest.ResponseRecorder, key string, status int, message string) {
	t.Helper()
	if recorder.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(t, recorder)
	if payload[key] != message {
		t.Fatalf("expected %s %q, got %v", key, message, payload[key])
	}
}

// fakeIdentityProvider serves a token endpoint and a JWKS document signed
// with a throwaway RSA key.
type fakeIdentityProvider struct {
	server     *httptest.Server
	privateKey *rsa.PrivateKey

	mu     sync.Mutex
	claims jwt.MapClaims
	codes  []string
}

func newFakeIdentityProvider(t *testing.T) *fakeIdentityProvider {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	idp := &fakeIdentityProvider{privateKey: privateKey}
	mux := http.NewServeMux()
	mux.HandleFunc("/certs", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []any{map[string]string{
				"kty": "RSA",
				"alg": "RS256",
				"use": "sig",
				"kid": testGoogleKeyID,
				"n":   base64.RawURLEncoding.EncodeToString(privateKey.PublicKey.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(privateKey.PublicKey.E)).Bytes()),
			}},
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		idp.mu.Lock()
		idp.codes = append(idp.codes, r.PostForm.Get("code"))
		claims := idp.claims
		idp.mu.Unlock()
		if claims == nil {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		token.Header["kid"] = testGoogleKeyID
		signed, err := token.SignedString(privateKey)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"access_token": "access-token",
			"id_token":     signed,
			"token_type":   "Bearer",
		})
	})
	idp.server = httptest.NewServer(mux)
	t.Cleanup(idp.server.Close)
	return idp
}

// assert sets the identity the next token exchange will return.
func (p *fakeIdentityProvider) assert(subject, email string) {
	now := time.Now().UTC()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.claims = jwt.MapClaims{
		"iss":            "https://accounts.google.com",
		"aud":            testGoogleClientID,
		"sub":            subject,
		"email":          email,
		"email_verified": true,
		"given_name":     "Grace",
		"family_name":    "Hopper",
		"picture":        "https://example.com/grace.png",
		"iat":            now.Unix(),
		"exp":            now.Add(5 * time.Minute).Unix(),
	}
}
