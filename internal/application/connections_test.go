package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/Ahm3tJ4f/song-pal-bot/internal/domain"
	"github.com/stretchr/testify/require"
)

func TestIssueOrFetchCodeReturnsSamePendingConnection(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	alice := f.identity(t, 1001, "Alice")

	first, err := f.svc.IssueOrFetchCode(ctx, alice.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ConnectionPending, first.State)
	require.Nil(t, first.CounterpartID)
	require.True(t, validPairCode(first.PairCode), "code %q", first.PairCode)

	second, err := f.svc.IssueOrFetchCode(ctx, alice.ID)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, first.PairCode, second.PairCode)
	require.Equal(t, 1, f.activeCount(t, alice.ID))
}

func TestIssueOrFetchCodeRejectsConnectedIdentity(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.identity(t, 1001, "Alice")
	bob := f.identity(t, 1002, "Bob")
	f.pair(t, alice, bob)

	_, err := f.svc.IssueOrFetchCode(context.Background(), alice.ID)
	require.ErrorIs(t, err, domain.ErrAlreadyConnected)
	_, err = f.svc.IssueOrFetchCode(context.Background(), bob.ID)
	require.ErrorIs(t, err, domain.ErrAlreadyConnected)
}

func TestIssueOrFetchCodeRetriesOnCollision(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.PairCodes = sequence("aaaaa", "aaaaa", "aaaaa", "bbbbb")
	})
	ctx := context.Background()
	alice := f.identity(t, 1001, "Alice")
	bob := f.identity(t, 1002, "Bob")

	first, err := f.svc.IssueOrFetchCode(ctx, alice.ID)
	require.NoError(t, err)
	require.Equal(t, "aaaaa", first.PairCode)

	second, err := f.svc.IssueOrFetchCode(ctx, bob.ID)
	require.NoError(t, err)
	require.Equal(t, "bbbbb", second.PairCode)
	require.NotEqual(t, first.ID, second.ID)
}

func TestIssueOrFetchCodeGivesUpAfterAttemptBudget(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.PairCodes = sequence("aaaaa")
		o.PairCodeAttempts = 3
	})
	ctx := context.Background()
	alice := f.identity(t, 1001, "Alice")
	bob := f.identity(t, 1002, "Bob")

	_, err := f.svc.IssueOrFetchCode(ctx, alice.ID)
	require.NoError(t, err)

	_, err = f.svc.IssueOrFetchCode(ctx, bob.ID)
	require.ErrorIs(t, err, domain.ErrPairCodeTaken)
	require.Equal(t, 0, f.activeCount(t, bob.ID))
}

func TestPairCodeIsReusableAfterConnection(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.PairCodes = sequence("aaaaa")
	})
	ctx := context.Background()
	alice := f.identity(t, 1001, "Alice")
	bob := f.identity(t, 1002, "Bob")
	carol := f.identity(t, 1003, "Carol")

	f.pair(t, alice, bob)

	pending, err := f.svc.IssueOrFetchCode(ctx, carol.ID)
	require.NoError(t, err)
	require.Equal(t, "aaaaa", pending.PairCode)
}

func TestRedeemConnectsBothParties(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	alice := f.identity(t, 1001, "Alice")
	bob := f.identity(t, 1002, "Bob")

	pending, err := f.svc.IssueOrFetchCode(ctx, alice.ID)
	require.NoError(t, err)

	conn, err := f.svc.Redeem(ctx, bob.ID, "  "+pending.PairCode+"  ")
	require.NoError(t, err)
	require.Equal(t, pending.ID, conn.ID)
	require.Equal(t, domain.ConnectionConnected, conn.State)
	require.NotNil(t, conn.CounterpartID)
	require.Equal(t, bob.ID, *conn.CounterpartID)
	require.NotNil(t, conn.ConnectedAt)
	require.True(t, conn.ConnectedAt.Equal(testNow))

	for _, id := range []uint{alice.ID, bob.ID} {
		connected := domain.ConnectionConnected
		active, err := f.svc.GetActiveConnection(ctx, id, &connected)
		require.NoError(t, err)
		require.Equal(t, conn.ID, active.ID)
		require.Equal(t, 1, f.activeCount(t, id))
	}
}

func TestRedeemIsCaseInsensitive(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.PairCodes = sequence("ab3k9")
	})
	ctx := context.Background()
	alice := f.identity(t, 1001, "Alice")
	bob := f.identity(t, 1002, "Bob")

	_, err := f.svc.IssueOrFetchCode(ctx, alice.ID)
	require.NoError(t, err)

	conn, err := f.svc.Redeem(ctx, bob.ID, "AB3K9")
	require.NoError(t, err)
	require.Equal(t, "ab3k9", conn.PairCode)
}

func TestRedeemErrors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	alice := f.identity(t, 1001, "Alice")
	bob := f.identity(t, 1002, "Bob")
	carol := f.identity(t, 1003, "Carol")
	dave := f.identity(t, 1004, "Dave")

	pending, err := f.svc.IssueOrFetchCode(ctx, alice.ID)
	require.NoError(t, err)

	_, err = f.svc.Redeem(ctx, alice.ID, pending.PairCode)
	require.ErrorIs(t, err, domain.ErrCannotJoinOwnCode)

	_, err = f.svc.Redeem(ctx, bob.ID, "zzzzz")
	require.ErrorIs(t, err, domain.ErrInvalidOrExpiredCode)

	_, err = f.svc.Redeem(ctx, bob.ID, "not-a-code")
	require.ErrorIs(t, err, domain.ErrInvalidOrExpiredCode)

	f.pair(t, carol, dave)
	_, err = f.svc.Redeem(ctx, carol.ID, pending.PairCode)
	require.ErrorIs(t, err, domain.ErrAlreadyConnected)

	// The failed attempts left the code redeemable.
	conn, err := f.svc.Redeem(ctx, bob.ID, pending.PairCode)
	require.NoError(t, err)
	require.Equal(t, pending.ID, conn.ID)

	_, err = f.svc.Redeem(ctx, carol.ID, pending.PairCode)
	require.ErrorIs(t, err, domain.ErrInvalidOrExpiredCode)
}

func TestRedeemAbandonsCallersOwnPendingCode(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	alice := f.identity(t, 1001, "Alice")
	bob := f.identity(t, 1002, "Bob")
	carol := f.identity(t, 1003, "Carol")

	alicePending, err := f.svc.IssueOrFetchCode(ctx, alice.ID)
	require.NoError(t, err)
	bobPending, err := f.svc.IssueOrFetchCode(ctx, bob.ID)
	require.NoError(t, err)

	_, err = f.svc.Redeem(ctx, bob.ID, alicePending.PairCode)
	require.NoError(t, err)

	abandoned, err := f.repo.GetConnectionByID(ctx, bobPending.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ConnectionDisconnected, abandoned.State)
	require.Nil(t, abandoned.CounterpartID)
	require.NotNil(t, abandoned.DisconnectedAt)

	_, err = f.svc.Redeem(ctx, carol.ID, bobPending.PairCode)
	require.ErrorIs(t, err, domain.ErrInvalidOrExpiredCode)
	require.Equal(t, 1, f.activeCount(t, bob.ID))
}

func TestConcurrentRedeemHasExactlyOneWinner(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	alice := f.identity(t, 1001, "Alice")
	pending, err := f.svc.IssueOrFetchCode(ctx, alice.ID)
	require.NoError(t, err)

	const racers = 8
	ids := make([]uint, racers)
	for i := range ids {
		ids[i] = f.identity(t, int64(2000+i), "Racer").ID
	}

	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.svc.Redeem(ctx, id, pending.PairCode)
		}()
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, domain.ErrInvalidOrExpiredCode):
		default:
			t.Fatalf("unexpected redeem error: %v", err)
		}
	}
	require.Equal(t, 1, winners)
	require.Equal(t, 1, f.activeCount(t, alice.ID))
}

func TestLeaveDisconnectsAndFreesBothParties(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	alice := f.identity(t, 1001, "Alice")
	bob := f.identity(t, 1002, "Bob")
	conn := f.pair(t, alice, bob)

	left, err := f.svc.Leave(ctx, bob.ID)
	require.NoError(t, err)
	require.Equal(t, conn.ID, left.ID)
	require.Equal(t, domain.ConnectionDisconnected, left.State)
	require.NotNil(t, left.DisconnectedAt)
	disconnectedAt := *left.DisconnectedAt

	connected := domain.ConnectionConnected
	for _, id := range []uint{alice.ID, bob.ID} {
		_, err := f.svc.GetActiveConnection(ctx, id, &connected)
		require.ErrorIs(t, err, domain.ErrNotFound)
		require.Equal(t, 0, f.activeCount(t, id))
	}

	_, err = f.svc.Leave(ctx, alice.ID)
	require.ErrorIs(t, err, domain.ErrNotPaired)

	stored, err := f.repo.GetConnectionByID(ctx, conn.ID)
	require.NoError(t, err)
	require.True(t, stored.DisconnectedAt.Equal(disconnectedAt))

	// Both can pair again, including with each other.
	again := f.pair(t, bob, alice)
	require.NotEqual(t, conn.ID, again.ID)
}

func TestLeaveWithoutConnection(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	alice := f.identity(t, 1001, "Alice")

	_, err := f.svc.Leave(ctx, alice.ID)
	require.ErrorIs(t, err, domain.ErrNotPaired)

	// A pending code is not a connection to leave.
	_, err = f.svc.IssueOrFetchCode(ctx, alice.ID)
	require.NoError(t, err)
	_, err = f.svc.Leave(ctx, alice.ID)
	require.ErrorIs(t, err, domain.ErrNotPaired)
}

func TestAtMostOneActiveConnectionAcrossSequence(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	people := []domain.Identity{
		f.identity(t, 1, "A"),
		f.identity(t, 2, "B"),
		f.identity(t, 3, "C"),
	}

	codes := map[uint]string{}
	steps := []func(){
		func() { c, _ := f.svc.IssueOrFetchCode(ctx, people[0].ID); codes[people[0].ID] = c.PairCode },
		func() { c, _ := f.svc.IssueOrFetchCode(ctx, people[1].ID); codes[people[1].ID] = c.PairCode },
		func() { _, _ = f.svc.Redeem(ctx, people[2].ID, codes[people[0].ID]) },
		func() { _, _ = f.svc.Redeem(ctx, people[0].ID, codes[people[1].ID]) },
		func() { _, _ = f.svc.Redeem(ctx, people[1].ID, codes[people[0].ID]) },
		func() { _, _ = f.svc.Leave(ctx, people[2].ID) },
		func() { _, _ = f.svc.Redeem(ctx, people[0].ID, codes[people[1].ID]) },
		func() { c, _ := f.svc.IssueOrFetchCode(ctx, people[2].ID); codes[people[2].ID] = c.PairCode },
		func() { _, _ = f.svc.Redeem(ctx, people[1].ID, codes[people[2].ID]) },
	}
	for _, step := range steps {
		step()
		for _, p := range people {
			require.LessOrEqual(t, f.activeCount(t, p.ID), 1)
		}
	}
}

// abortingStore fails every transaction the way the database does when it breaks a deadlock.
type abortingStore struct {
	domain.Store
}

func (abortingStore) InTx(context.Context, func(domain.Repository) error) error {
	return fmt.Errorf("%w: deadlock detected", domain.ErrConflict)
}

func TestAbortedRedeemRepliesWithRetryHint(t *testing.T) {
	f := newFixture(t, nil)
	f.identity(t, 1001, "Alice")

	svc, err := NewPairService(abortingStore{Store: f.repo}, Options{Messenger: f.messenger})
	require.NoError(t, err)

	replies, err := svc.Simulate(context.Background(), 1001, "Alice", "/connect ab3k9")
	require.NoError(t, err)
	require.Equal(t, []string{svc.messages.ErrorText(domain.KindConflict)}, texts(replies))
}
