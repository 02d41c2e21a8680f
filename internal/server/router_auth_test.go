package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/campus/userservice/internal/accounts"
	"github.com/MarcoPoloResearchLab/campus/userservice/internal/auth"
	"github.com/MarcoPoloResearchLab/campus/userservice/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRequireSessionLogsRejectedCookieAtInfoLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/profile/me", http.NoBody)
	request.AddCookie(&http.Cookie{Name: "user_session", Value: "expired-token"})
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	cookies := &stubCookies{}
	handler := &httpHandler{
		accounts: stubAccounts{authenticateErr: accounts.ErrUnauthenticated},
		sessions: cookies,
		logger:   zap.New(core),
	}

	handler.requireSession(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	if !ctx.IsAborted() {
		t.Fatalf("expected the chain to be aborted")
	}
	if cookies.cleared != 1 {
		t.Fatalf("expected the rejected cookie to be cleared once, got %d", cookies.cleared)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.InfoLevel {
		t.Fatalf("expected info level, got %s", entry.Level)
	}
	if entry.Message != "session rejected" {
		t.Fatalf("unexpected log message: %q", entry.Message)
	}
	hasCause := false
	for _, field := range entry.Context {
		if field.Type == zapcore.ErrorType && errors.Is(field.Interface.(error), accounts.ErrUnauthenticated) {
			hasCause = true
			break
		}
	}
	if !hasCause {
		t.Fatalf("expected error context, got %v", entry.Context)
	}
}

func TestRequireSessionWithoutCookieStaysQuiet(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/profile/me", http.NoBody)

	core, logs := observer.New(zapcore.DebugLevel)
	cookies := &stubCookies{}
	handler := &httpHandler{
		accounts: stubAccounts{authenticateErr: accounts.ErrUnauthenticated},
		sessions: cookies,
		logger:   zap.New(core),
	}

	handler.requireSession(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d", recorder.Code)
	}
	if cookies.cleared != 0 {
		t.Fatalf("did not expect a cookie to be cleared")
	}
	if logs.Len() != 0 {
		t.Fatalf("expected no log entries, got %d", logs.Len())
	}
}

func TestRequireSessionStoresPrincipal(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/profile/me", http.NoBody)
	request.AddCookie(&http.Cookie{Name: "user_session", Value: "valid-token"})
	ctx.Request = request

	expected := auth.Principal{UserID: "user-1", SessionID: "session-1"}
	handler := &httpHandler{
		accounts: stubAccounts{principal: expected},
		sessions: &stubCookies{},
		logger:   zap.NewNop(),
	}

	handler.requireSession(ctx)

	if ctx.IsAborted() {
		t.Fatalf("expected the chain to continue")
	}
	principal, ok := principalFromContext(ctx)
	if !ok || principal != expected {
		t.Fatalf("unexpected principal %+v", principal)
	}
}

func TestLogoutClearsCookieEvenWhenRevokeFails(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodPost, "/auth/logout", http.NoBody)
	ctx.Set(principalContextKey, auth.Principal{UserID: "user-1", SessionID: "session-1"})

	cookies := &stubCookies{}
	handler := &httpHandler{
		accounts: stubAccounts{logoutErr: accounts.ErrLogoutFailed},
		sessions: cookies,
		logger:   zap.NewNop(),
	}

	handler.handleLogout(ctx)

	expectMessage(t, recorder, "message", http.StatusInternalServerError, "Logout failed.")
	if cookies.cleared != 1 {
		t.Fatalf("expected the cookie to be cleared, got %d", cookies.cleared)
	}
}

type stubCookies struct {
	cleared int
}

func (s *stubCookies) TokenFromRequest(r *http.Request) string {
	cookie, err := r.Cookie("user_session")
	if err != nil {
		return ""
	}
	return cookie.Value
}

func (s *stubCookies) WriteCookie(http.ResponseWriter, auth.IssuedSession) {}

func (s *stubCookies) ClearCookie(http.ResponseWriter) {
	s.cleared++
}

type stubAccounts struct {
	principal       auth.Principal
	authenticateErr error
	logoutErr       error
}

func (s stubAccounts) Register(context.Context, accounts.RegisterInput) (users.User, error) {
	return users.User{}, errors.New("not implemented")
}

func (s stubAccounts) Login(context.Context, accounts.LoginInput, accounts.RequestMeta) (accounts.LoginResult, error) {
	return accounts.LoginResult{}, errors.New("not implemented")
}

func (s stubAccounts) Logout(context.Context, auth.Principal) error {
	return s.logoutErr
}

func (s stubAccounts) Authenticate(context.Context, string, auth.ClientInfo) (auth.Principal, error) {
	return s.principal, s.authenticateErr
}

func (s stubAccounts) GoogleAuthorizationURL() (string, error) {
	return "", accounts.ErrProviderNotConfigured
}

func (s stubAccounts) CompleteGoogleLogin(context.Context, string, accounts.RequestMeta) (accounts.LoginResult, error) {
	return accounts.LoginResult{}, accounts.ErrProviderNotConfigured
}

func (s stubAccounts) GetProfile(context.Context, auth.Principal) (accounts.Profile, error) {
	return accounts.Profile{}, errors.New("not implemented")
}

func (s stubAccounts) UpdateProfile(context.Context, auth.Principal, accounts.ProfileUpdateInput) (accounts.Profile, error) {
	return accounts.Profile{}, errors.New("not implemented")
}
