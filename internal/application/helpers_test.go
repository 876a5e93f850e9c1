package application

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Ahm3tJ4f/song-pal-bot/internal/adapters/db/store"
	"github.com/Ahm3tJ4f/song-pal-bot/internal/domain"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC)

type sentMessage struct {
	ChatID int64
	Msg    domain.OutboundMessage
}

type fakeMessenger struct {
	mu     sync.Mutex
	sent   []sentMessage
	failOn map[int64]bool
}

func (m *fakeMessenger) SendMessage(_ context.Context, chatID int64, msg domain.OutboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn[chatID] {
		return errors.New("chat not found")
	}
	m.sent = append(m.sent, sentMessage{ChatID: chatID, Msg: msg})
	return nil
}

func (m *fakeMessenger) To(chatID int64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var texts []string
	for _, s := range m.sent {
		if s.ChatID == chatID {
			texts = append(texts, s.Msg.Text)
		}
	}
	return texts
}

// sequence returns a generator that yields codes in order and then repeats the last one.
func sequence(codes ...string) func() (string, error) {
	var mu sync.Mutex
	i := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		code := codes[i]
		if i < len(codes)-1 {
			i++
		}
		return code, nil
	}
}

type fixture struct {
	svc       *PairService
	repo      *store.Repository
	messenger *fakeMessenger
}

func newFixture(t *testing.T, mutate func(*Options)) fixture {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(store.DriverSQLite, filepath.Join(t.TempDir(), "songpal_test.db"))
	require.NoError(t, err)
	require.NoError(t, store.RunMigrations(ctx, db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	repo := store.NewRepository(db)
	messenger := &fakeMessenger{failOn: map[int64]bool{}}
	opts := Options{
		Messenger:     messenger,
		PublicBaseURL: "https://songpal.test/",
		PreviewAgents: []string{"TelegramBot"},
		Now:           func() time.Time { return testNow },
	}
	if mutate != nil {
		mutate(&opts)
	}

	svc, err := NewPairService(repo, opts)
	require.NoError(t, err)
	return fixture{svc: svc, repo: repo, messenger: messenger}
}

func (f fixture) identity(t *testing.T, externalID int64, name string) domain.Identity {
	t.Helper()
	identity, err := f.svc.GetOrCreateIdentity(context.Background(), externalID, name, "")
	require.NoError(t, err)
	return identity
}

// pair connects a and b and returns the connected connection.
func (f fixture) pair(t *testing.T, a, b domain.Identity) domain.Connection {
	t.Helper()
	ctx := context.Background()
	pending, err := f.svc.IssueOrFetchCode(ctx, a.ID)
	require.NoError(t, err)
	conn, err := f.svc.Redeem(ctx, b.ID, pending.PairCode)
	require.NoError(t, err)
	return conn
}

// activeCount returns how many pending or connected connections involve the identity.
func (f fixture) activeCount(t *testing.T, identityID uint) int {
	t.Helper()
	conns, err := f.repo.ListConnections(context.Background(), domain.ConnectionFilter{IdentityID: &identityID})
	require.NoError(t, err)
	n := 0
	for _, c := range conns {
		if c.State.Active() {
			n++
		}
	}
	return n
}
