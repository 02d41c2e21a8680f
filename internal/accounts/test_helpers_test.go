package accounts

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/campus/userservice/internal/auth"
	"github.com/MarcoPoloResearchLab/campus/userservice/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var testNow = time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)

var testClient = auth.ClientInfo{IP: "203.0.113.5", UserAgent: "accounts-test"}

type testEnv struct {
	db       *gorm.DB
	store    *users.Store
	sessions *auth.SessionManager
	hasher   *auth.PasswordHasher
	google   *stubGoogle
	verifier *stubVerifier
	service  *Service
	now      time.Time
}

func (e *testEnv) clock() time.Time {
	return e.now
}

type envOption func(*ServiceConfig, *testEnv)

func withStore(wrap func(*users.Store) UserStore) envOption {
	return func(cfg *ServiceConfig, env *testEnv) {
		cfg.Store = wrap(env.store)
	}
}

func withoutGoogle() envOption {
	return func(cfg *ServiceConfig, _ *testEnv) {
		cfg.Google = nil
		cfg.GoogleVerifier = nil
	}
}

func newTestEnv(t *testing.T, options ...envOption) *testEnv {
	t.Helper()
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
	models := append(users.Models(), &auth.Session{})
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	env := &testEnv{db: db, now: testNow, google: &stubGoogle{}, verifier: &stubVerifier{}}

	store, err := users.NewStore(users.StoreConfig{Database: db, Clock: env.clock})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	sessions, err := auth.NewSessionManager(auth.SessionManagerConfig{
		Database:      db,
		SigningSecret: []byte("accounts-test-secret"),
		Clock:         env.clock,
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
	env.store = store
	env.sessions = sessions
	env.hasher = hasher

	cfg := ServiceConfig{
		Store:          store,
		Sessions:       sessions,
		Hasher:         hasher,
		Google:         env.google,
		GoogleVerifier: env.verifier,
		Clock:          env.clock,
	}
	for _, option := range options {
		option(&cfg, env)
	}
	service, err := NewService(cfg)
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	env.service = service
	return env
}

func validRegistration(email string) RegisterInput {
	return RegisterInput{
		Email:    email,
		Username: "",
		Name:     "Ada",
		Surname:  "Lovelace",
		Password: "Abcdef12",
		Consent:  true,
	}
}

func (e *testEnv) mustRegister(t *testing.T, input RegisterInput) users.User {
	t.Helper()
	user, err := e.service.Register(context.Background(), input)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	return user
}

func (e *testEnv) mustLogin(t *testing.T, email, password string) LoginResult {
	t.Helper()
	result, err := e.service.Login(context.Background(), LoginInput{Email: email, Password: password}, RequestMeta{Client: testClient})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	return result
}

func (e *testEnv) countUsers(t *testing.T) int64 {
	t.Helper()
	var count int64
	if err := e.db.Model(&users.User{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count users: %v", err)
	}
	return count
}

type stubGoogle struct {
	tokens   auth.GoogleTokens
	err      error
	urlErr   error
	exchange []string
}

func (g *stubGoogle) AuthorizationURL() (string, error) {
	if g.urlErr != nil {
		return "", g.urlErr
	}
	return "https://accounts.google.com/o/oauth2/v2/auth?client_id=test", nil
}

func (g *stubGoogle) Exchange(_ context.Context, code string) (auth.GoogleTokens, error) {
	g.exchange = append(g.exchange, code)
	if g.err != nil {
		return auth.GoogleTokens{}, g.err
	}
	if g.tokens.IDToken == "" {
		return auth.GoogleTokens{IDToken: "id-token-for-" + code}, nil
	}
	return g.tokens, nil
}

type stubVerifier struct {
	claims auth.GoogleClaims
	err    error
}

func (v *stubVerifier) Verify(_ context.Context, _ string) (auth.GoogleClaims, error) {
	if v.err != nil {
		return auth.GoogleClaims{}, v.err
	}
	return v.claims, nil
}

func googleClaims(subject, email string) auth.GoogleClaims {
	return auth.GoogleClaims{
		Subject:       subject,
		Email:         email,
		EmailVerified: true,
		GivenName:     "Grace",
		FamilyName:    "Hopper",
		Picture:       "https://example.com/grace.png",
	}
}

// blindStore hides existing rows from the pre-checks so writes hit the unique indexes.
type blindStore struct {
	*users.Store
}

func (blindStore) FindByEmail(context.Context, string) (users.User, error) {
	return users.User{}, users.ErrNotFound
}

func (blindStore) FindByUsername(context.Context, string) (users.User, error) {
	return users.User{}, users.ErrNotFound
}

// failingLoginStore refuses to stamp last_login.
type failingLoginStore struct {
	*users.Store
}

func (failingLoginStore) RecordLogin(context.Context, string, time.Time) error {
	return fmt.Errorf("disk full")
}
