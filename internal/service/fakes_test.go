package service

import (
	"context"
	"errors"
	"maps"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"marketplace-api/internal/event"
	"marketplace-api/internal/model"
	"marketplace-api/internal/password"
	"marketplace-api/internal/token"
)

const testSecret = "test-secret-with-enough-entropy"

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type memUserStore struct {
	mu    sync.Mutex
	users map[string]model.User

	findErr   error
	updateErr error
}

func newMemUserStore() *memUserStore {
	return &memUserStore{users: map[string]model.User{}}
}

func cloneUser(u model.User) model.User {
	u.Metadata = maps.Clone(u.Metadata)
	return u
}

func (s *memUserStore) FindByID(_ context.Context, id string) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return model.User{}, s.findErr
	}
	u, ok := s.users[id]
	if !ok {
		return model.User{}, model.ErrUserNotFound
	}
	return cloneUser(u), nil
}

func (s *memUserStore) FindByEmail(_ context.Context, email string) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return model.User{}, s.findErr
	}
	for _, u := range s.users {
		if strings.EqualFold(u.Email, strings.TrimSpace(email)) {
			return cloneUser(u), nil
		}
	}
	return model.User{}, model.ErrUserNotFound
}

func (s *memUserStore) Create(_ context.Context, u model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if strings.EqualFold(existing.Email, u.Email) {
			return model.ErrUserAlreadyExists
		}
	}
	s.users[u.ID] = cloneUser(u)
	return nil
}

func (s *memUserStore) Update(_ context.Context, u model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	if _, ok := s.users[u.ID]; !ok {
		return model.ErrUserNotFound
	}
	for id, existing := range s.users {
		if id != u.ID && strings.EqualFold(existing.Email, u.Email) {
			return model.ErrUserAlreadyExists
		}
	}
	s.users[u.ID] = cloneUser(u)
	return nil
}

func (s *memUserStore) get(id string) model.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneUser(s.users[id])
}

func (s *memUserStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

func (s *memUserStore) put(u model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = cloneUser(u)
}

type memLedgerStore struct {
	mu      sync.Mutex
	entries []model.RevocationEntry

	insertErr error
	deleteErr error
	batches   int
}

func (s *memLedgerStore) InsertIfAbsent(_ context.Context, entry model.RevocationEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return false, s.insertErr
	}
	for _, e := range s.entries {
		if e.Token == entry.Token {
			return false, nil
		}
	}
	s.entries = append(s.entries, entry)
	return true, nil
}

func (s *memLedgerStore) IsRevoked(_ context.Context, tok string, userID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.Token == tok && e.UserID == userID && !e.ExpiresAt.Before(now) {
			return true, nil
		}
	}
	return false, nil
}

func (s *memLedgerStore) DeleteExpiredBatch(_ context.Context, cutoff time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return 0, s.deleteErr
	}
	s.batches++

	sort.SliceStable(s.entries, func(i, j int) bool { return s.entries[i].ExpiresAt.Before(s.entries[j].ExpiresAt) })

	kept := s.entries[:0]
	var removed int64
	for _, e := range s.entries {
		if e.ExpiresAt.Before(cutoff) && removed < int64(limit) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return removed, nil
}

func (s *memLedgerStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

type recordingBus struct {
	mu     sync.Mutex
	events []event.Event
}

func (b *recordingBus) Publish(e event.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

func (b *recordingBus) Subscribe() (<-chan event.Event, func()) {
	return event.Nop{}.Subscribe()
}

func (b *recordingBus) types() []event.Type {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]event.Type, 0, len(b.events))
	for _, e := range b.events {
		out = append(out, e.Type)
	}
	return out
}

var errStoreDown = errors.New("connection refused")

type authFixture struct {
	svc    *AuthService
	users  *memUserStore
	ledger *memLedgerStore
	rl     *RevocationLedger
	codec  *token.Codec
	hasher *password.Hasher
	bus    *recordingBus
	clock  *testClock
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()

	clock := newTestClock()

	codec, err := token.NewCodec(token.Config{Secret: []byte(testSecret)})
	require.NoError(t, err)
	codec.SetClock(clock.Now)

	hasher, err := password.NewHasher(bcrypt.MinCost)
	require.NoError(t, err)

	ledgerStore := &memLedgerStore{}
	ledger, err := NewRevocationLedger(codec, ledgerStore)
	require.NoError(t, err)
	ledger.SetClock(clock.Now)

	users := newMemUserStore()
	bus := &recordingBus{}

	svc, err := NewAuthService(AuthConfig{}, users, ledger, codec, hasher, bus)
	require.NoError(t, err)
	svc.SetClock(clock.Now)

	return &authFixture{
		svc:    svc,
		users:  users,
		ledger: ledgerStore,
		rl:     ledger,
		codec:  codec,
		hasher: hasher,
		bus:    bus,
		clock:  clock,
	}
}

func validRegistration() model.RegisterRequest {
	return model.RegisterRequest{
		FirstName:   "Ada",
		LastName:    "Obi",
		Email:       "ada@example.com",
		PhoneNumber: "+2348031234567",
		Password:    "correct horse battery",
	}
}

// registerAndSignIn creates the default user and signs them in.
func (f *authFixture) registerAndSignIn(t *testing.T) (model.UserView, model.SignInResult) {
	t.Helper()

	req := validRegistration()
	view, err := f.svc.Register(context.Background(), req)
	require.NoError(t, err)

	res, err := f.svc.SignIn(context.Background(), model.Credentials{Username: req.Email, Password: req.Password})
	require.NoError(t, err)

	return view, res
}
