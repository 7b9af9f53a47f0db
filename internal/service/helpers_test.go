package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/myeline/careauth/internal/domain"
	"github.com/myeline/careauth/internal/repository"
	"github.com/myeline/careauth/internal/security"
)

const testPassword = "Str0ng!Pass"

var testEpoch = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

type countingHasher struct {
	inner    *security.PasswordHasher
	compares atomic.Int64
	dummies  atomic.Int64
	// gate, when set, runs inside Compare before the hash is checked.
	gate func(password string)
}

func (h *countingHasher) Hash(password string) (string, error) { return h.inner.Hash(password) }

func (h *countingHasher) Compare(hash, password string) error {
	h.compares.Add(1)
	if h.gate != nil {
		h.gate(password)
	}
	return h.inner.Compare(hash, password)
}

func (h *countingHasher) CompareDummy(password string) {
	h.dummies.Add(1)
	h.inner.CompareDummy(password)
}

type sentVerification struct {
	principalID uint
	token       string
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sentVerification
}

func (s *recordingSender) SendVerification(_ context.Context, p *domain.Principal, token string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentVerification{principalID: p.ID, token: token})
	return nil
}

func (s *recordingSender) last() sentVerification {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return sentVerification{}
	}
	return s.sent[len(s.sent)-1]
}

type testStack struct {
	db         *gorm.DB
	clock      *FixedTimeProvider
	hasher     *countingHasher
	sender     *recordingSender
	principals repository.PrincipalRepository
	sessions   *SessionManager
	access     *AccessService
	auth       *AuthService
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := repository.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	db := newTestDB(t)
	return newTestStackWithSessions(t, db, repository.NewSessionRepository(db))
}

// newRedisTestStack keeps principals in sqlite and sessions in an in-process
// redis, the split a production deployment with SESSION_STORE=redis uses.
func newRedisTestStack(t *testing.T) (*testStack, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return newTestStackWithSessions(t, newTestDB(t), repository.NewRedisSessionRepository(client, "test:session")), server
}

func newTestStackWithSessions(t *testing.T, db *gorm.DB, sessionRepo repository.SessionRepository) *testStack {
	t.Helper()
	st := &testStack{
		db:         db,
		clock:      NewFixedTimeProvider(testEpoch),
		hasher:     &countingHasher{inner: security.NewPasswordHasher(4)},
		sender:     &recordingSender{},
		principals: repository.NewPrincipalRepository(db),
	}
	uow := repository.NewUnitOfWork(db)
	st.sessions = NewSessionManager(sessionRepo, st.principals, "test-pepper", SessionPolicy{}, st.clock, nil)
	st.access = NewAccessService(repository.NewGrantRepository(db), st.principals, uow, st.clock, nil)
	st.auth = NewAuthService(
		st.principals,
		repository.NewVerificationTokenRepository(db),
		uow,
		st.sessions,
		st.access,
		st.hasher,
		st.sender,
		AuthSettings{TokenPepper: "test-pepper"},
		st.clock,
		nil,
	)
	return st
}

// createPrincipal inserts a principal directly, bypassing registration rules
// so admins can be seeded.
func (st *testStack) createPrincipal(t *testing.T, username string, role domain.Role, verified bool) *domain.Principal {
	t.Helper()
	hash, err := st.hasher.Hash(testPassword)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	p := &domain.Principal{
		Email:        username + "@example.com",
		Username:     username,
		PasswordHash: hash,
		FirstName:    "Test",
		LastName:     strings.ToUpper(username[:1]) + username[1:],
		Role:         role,
	}
	if err := st.principals.Create(t.Context(), p); err != nil {
		t.Fatalf("create %s: %v", username, err)
	}
	if verified {
		now := st.clock.Now()
		if err := st.principals.MarkVerified(t.Context(), p.ID, now); err != nil {
			t.Fatalf("verify %s: %v", username, err)
		}
		p.EmailVerifiedAt = &now
	}
	return p
}

func (st *testStack) login(t *testing.T, email string, remember bool) *LoginResult {
	t.Helper()
	res, err := st.auth.Login(t.Context(), LoginInput{
		Email:       email,
		Password:    testPassword,
		Remember:    remember,
		Fingerprint: Fingerprint{IP: "198.51.100.7", UserAgent: "careauth-test/1.0"},
	})
	if err != nil {
		t.Fatalf("login %s: %v", email, err)
	}
	return res
}

func validRegisterInput(email, username string) RegisterInput {
	return RegisterInput{
		Email:         email,
		Username:      username,
		Password:      testPassword,
		FirstName:     "Ada",
		LastName:      "Lovelace",
		Role:          "patient",
		AgreedToTerms: true,
	}
}
