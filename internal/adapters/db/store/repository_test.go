package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/Ahm3tJ4f/song-pal-bot/internal/domain"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func openTestRepository(t *testing.T) *Repository {
	t.Helper()
	ctx := context.Background()

	db, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "songpal_test.db"))
	require.NoError(t, err)
	require.NoError(t, RunMigrations(ctx, db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return NewRepository(db)
}

func createIdentity(t *testing.T, repo *Repository, externalID int64) domain.Identity {
	t.Helper()
	identity, err := repo.GetOrCreateIdentity(context.Background(), domain.Identity{
		ExternalID: externalID,
		FirstName:  "User",
		CreatedAt:  t0,
	})
	require.NoError(t, err)
	return identity
}

func TestGetOrCreateIdentityIsIdempotent(t *testing.T) {
	repo := openTestRepository(t)
	ctx := context.Background()

	first, err := repo.GetOrCreateIdentity(ctx, domain.Identity{ExternalID: 42, FirstName: "Alice", LastName: "Liddell", CreatedAt: t0})
	require.NoError(t, err)
	second, err := repo.GetOrCreateIdentity(ctx, domain.Identity{ExternalID: 42, FirstName: "Other", CreatedAt: t0})
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
	require.Equal(t, "Alice", second.FirstName)
	require.Equal(t, "Liddell", second.LastName)
	require.Nil(t, second.ActiveConnectionID)

	_, err = repo.GetIdentityByExternalID(ctx, 43)
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = repo.GetIdentityByID(ctx, first.ID+10)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPendingPairCodeIsUnique(t *testing.T) {
	repo := openTestRepository(t)
	ctx := context.Background()
	a := createIdentity(t, repo, 1)
	b := createIdentity(t, repo, 2)

	conn, err := repo.CreateConnection(ctx, domain.Connection{InitiatorID: a.ID, PairCode: "AB3K9", CreatedAt: t0})
	require.NoError(t, err)
	require.Equal(t, "ab3k9", conn.PairCode)
	require.Equal(t, domain.ConnectionPending, conn.State)

	_, err = repo.CreateConnection(ctx, domain.Connection{InitiatorID: b.ID, PairCode: "ab3k9", CreatedAt: t0})
	require.ErrorIs(t, err, domain.ErrPairCodeTaken)

	found, err := repo.FindPendingByCode(ctx, " Ab3K9 ")
	require.NoError(t, err)
	require.Equal(t, conn.ID, found.ID)

	ok, err := repo.MarkDisconnected(ctx, conn.ID, domain.ConnectionPending, t0)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = repo.FindPendingByCode(ctx, "ab3k9")
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = repo.CreateConnection(ctx, domain.Connection{InitiatorID: b.ID, PairCode: "ab3k9", CreatedAt: t0})
	require.NoError(t, err)
}

func TestOnePendingConnectionPerInitiator(t *testing.T) {
	repo := openTestRepository(t)
	ctx := context.Background()
	a := createIdentity(t, repo, 1)

	_, err := repo.CreateConnection(ctx, domain.Connection{InitiatorID: a.ID, PairCode: "aaaaa", CreatedAt: t0})
	require.NoError(t, err)

	_, err = repo.CreateConnection(ctx, domain.Connection{InitiatorID: a.ID, PairCode: "bbbbb", CreatedAt: t0})
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestActiveConnectionSlot(t *testing.T) {
	repo := openTestRepository(t)
	ctx := context.Background()
	a := createIdentity(t, repo, 1)

	conn, err := repo.CreateConnection(ctx, domain.Connection{InitiatorID: a.ID, PairCode: "aaaaa", CreatedAt: t0})
	require.NoError(t, err)

	claimed, err := repo.ClaimActiveConnection(ctx, a.ID, conn.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	claimed, err = repo.ClaimActiveConnection(ctx, a.ID, conn.ID)
	require.NoError(t, err)
	require.False(t, claimed)

	// Releasing a different connection leaves the slot alone.
	require.NoError(t, repo.ReleaseActiveConnection(ctx, a.ID, conn.ID+1))
	locked, err := repo.LockIdentity(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, locked.ActiveConnectionID)
	require.Equal(t, conn.ID, *locked.ActiveConnectionID)

	require.NoError(t, repo.ReleaseActiveConnection(ctx, a.ID, conn.ID))
	locked, err = repo.LockIdentity(ctx, a.ID)
	require.NoError(t, err)
	require.Nil(t, locked.ActiveConnectionID)
}

func TestConditionalTransitions(t *testing.T) {
	repo := openTestRepository(t)
	ctx := context.Background()
	a := createIdentity(t, repo, 1)
	b := createIdentity(t, repo, 2)
	c := createIdentity(t, repo, 3)

	conn, err := repo.CreateConnection(ctx, domain.Connection{InitiatorID: a.ID, PairCode: "aaaaa", CreatedAt: t0})
	require.NoError(t, err)

	ok, err := repo.MarkConnected(ctx, conn.ID, a.ID, t0)
	require.NoError(t, err)
	require.False(t, ok, "initiator cannot be counterpart")

	ok, err = repo.MarkConnected(ctx, conn.ID, b.ID, t0)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = repo.MarkConnected(ctx, conn.ID, c.ID, t0)
	require.NoError(t, err)
	require.False(t, ok, "second redemption must lose")

	ok, err = repo.MarkDisconnected(ctx, conn.ID, domain.ConnectionPending, t0)
	require.NoError(t, err)
	require.False(t, ok)

	later := t0.Add(time.Hour)
	ok, err = repo.MarkDisconnected(ctx, conn.ID, domain.ConnectionConnected, later)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = repo.MarkDisconnected(ctx, conn.ID, domain.ConnectionConnected, later.Add(time.Hour))
	require.NoError(t, err)
	require.False(t, ok)

	stored, err := repo.GetConnectionByID(ctx, conn.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ConnectionDisconnected, stored.State)
	require.Equal(t, b.ID, *stored.CounterpartID)
	require.True(t, stored.DisconnectedAt.Equal(later))
}

func TestLatestConnection(t *testing.T) {
	repo := openTestRepository(t)
	ctx := context.Background()
	a := createIdentity(t, repo, 1)
	b := createIdentity(t, repo, 2)

	old, err := repo.CreateConnection(ctx, domain.Connection{InitiatorID: a.ID, PairCode: "aaaaa", CreatedAt: t0})
	require.NoError(t, err)
	_, err = repo.MarkConnected(ctx, old.ID, b.ID, t0)
	require.NoError(t, err)
	_, err = repo.MarkDisconnected(ctx, old.ID, domain.ConnectionConnected, t0)
	require.NoError(t, err)

	current, err := repo.CreateConnection(ctx, domain.Connection{InitiatorID: b.ID, PairCode: "bbbbb", CreatedAt: t0.Add(time.Minute)})
	require.NoError(t, err)

	latest, err := repo.LatestConnection(ctx, b.ID, nil)
	require.NoError(t, err)
	require.Equal(t, current.ID, latest.ID)

	disconnected := domain.ConnectionDisconnected
	latest, err = repo.LatestConnection(ctx, b.ID, &disconnected)
	require.NoError(t, err)
	require.Equal(t, old.ID, latest.ID)

	connected := domain.ConnectionConnected
	_, err = repo.LatestConnection(ctx, a.ID, &connected)
	require.ErrorIs(t, err, domain.ErrNotFound)

	pending, err := repo.ListPendingByInitiator(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, current.ID, pending[0].ID)
}

func TestInTxRollsBack(t *testing.T) {
	repo := openTestRepository(t)
	ctx := context.Background()
	a := createIdentity(t, repo, 1)

	boom := errors.New("boom")
	err := repo.InTx(ctx, func(tx domain.Repository) error {
		if _, err := tx.CreateConnection(ctx, domain.Connection{InitiatorID: a.ID, PairCode: "aaaaa", CreatedAt: t0}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = repo.FindPendingByCode(ctx, "aaaaa")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestInTxReportsAbortedTransactionsAsConflict(t *testing.T) {
	repo := openTestRepository(t)
	ctx := context.Background()
	a := createIdentity(t, repo, 1)

	for _, code := range []string{"40P01", "40001"} {
		err := repo.InTx(ctx, func(tx domain.Repository) error {
			if _, err := tx.CreateConnection(ctx, domain.Connection{InitiatorID: a.ID, PairCode: "bbbbb", CreatedAt: t0}); err != nil {
				return err
			}
			return fmt.Errorf("mark disconnected: %w", &pgconn.PgError{Code: code})
		})
		require.ErrorIs(t, err, domain.ErrConflict, code)

		_, err = repo.FindPendingByCode(ctx, "bbbbb")
		require.ErrorIs(t, err, domain.ErrNotFound)
	}

	err := repo.InTx(ctx, func(domain.Repository) error {
		return &pgconn.PgError{Code: "23503"}
	})
	require.Error(t, err)
	require.NotErrorIs(t, err, domain.ErrConflict)
}

func TestExchangeLifecycle(t *testing.T) {
	repo := openTestRepository(t)
	ctx := context.Background()
	a := createIdentity(t, repo, 1)
	b := createIdentity(t, repo, 2)

	conn, err := repo.CreateConnection(ctx, domain.Connection{InitiatorID: a.ID, PairCode: "aaaaa", CreatedAt: t0})
	require.NoError(t, err)
	_, err = repo.MarkConnected(ctx, conn.ID, b.ID, t0)
	require.NoError(t, err)

	exchange, err := repo.CreateExchange(ctx, domain.Exchange{
		SenderID: a.ID, ReceiverID: b.ID, ConnectionID: conn.ID,
		Link: "https://open.spotify.com/track/1", AccessToken: "tok-1", CreatedAt: t0,
	})
	require.NoError(t, err)

	_, err = repo.CreateExchange(ctx, domain.Exchange{
		SenderID: b.ID, ReceiverID: a.ID, ConnectionID: conn.ID,
		Link: "https://open.spotify.com/track/2", AccessToken: "tok-1", CreatedAt: t0,
	})
	require.ErrorIs(t, err, domain.ErrConflict)

	pending, err := repo.ListPendingListens(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, int64(2), pending[0].ReceiverExternalID)

	clickAt := t0.Add(time.Minute)
	opened, first, err := repo.MarkExchangeOpened(ctx, exchange.ID, clickAt, false)
	require.NoError(t, err)
	require.False(t, first)
	require.True(t, opened.ClickedAt.Equal(clickAt))
	require.Nil(t, opened.ListenedAt)

	listenAt := t0.Add(2 * time.Minute)
	opened, first, err = repo.MarkExchangeOpened(ctx, exchange.ID, listenAt, true)
	require.NoError(t, err)
	require.True(t, first)
	require.True(t, opened.ClickedAt.Equal(clickAt))
	require.True(t, opened.ListenedAt.Equal(listenAt))

	opened, first, err = repo.MarkExchangeOpened(ctx, exchange.ID, listenAt.Add(time.Hour), true)
	require.NoError(t, err)
	require.False(t, first)
	require.True(t, opened.ListenedAt.Equal(listenAt))

	pending, err = repo.ListPendingListens(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)

	_, _, err = repo.MarkExchangeOpened(ctx, exchange.ID+99, listenAt, true)
	require.ErrorIs(t, err, domain.ErrNotFound)

	byToken, err := repo.GetExchangeByToken(ctx, "tok-1")
	require.NoError(t, err)
	require.Equal(t, exchange.ID, byToken.ID)

	list, err := repo.ListExchanges(ctx, domain.ExchangeFilter{ConnectionID: &conn.ID})
	require.NoError(t, err)
	require.Len(t, list, 1)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.Identities)
	require.EqualValues(t, 1, stats.ConnectionsByState[domain.ConnectionConnected])
	require.EqualValues(t, 1, stats.Exchanges)
	require.EqualValues(t, 1, stats.ListenedExchanges)
	require.NoError(t, repo.Ping(ctx))
}
