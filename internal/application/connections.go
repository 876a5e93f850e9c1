package application

import (
	"context"
	"errors"
	"fmt"

	"github.com/Ahm3tJ4f/song-pal-bot/internal/domain"
)

// IssueOrFetchCode returns the caller's pending connection, creating one with a fresh pair code
// when none exists. Code collisions and lost slot races are retried in a new transaction.
func (s *PairService) IssueOrFetchCode(ctx context.Context, identityID uint) (domain.Connection, error) {
	var lastErr error
	for attempt := 1; attempt <= s.pairCodeAttempts; attempt++ {
		code, err := s.newPairCode()
		if err != nil {
			return domain.Connection{}, fmt.Errorf("generate pair code: %w", err)
		}

		conn, err := s.issueCode(ctx, identityID, code)
		switch {
		case err == nil:
			return conn, nil
		case errors.Is(err, domain.ErrPairCodeTaken), errors.Is(err, domain.ErrConflict):
			s.logger.Debug("pair code issue retry", "identity_id", identityID, "attempt", attempt, "error", err)
			lastErr = err
		default:
			return domain.Connection{}, err
		}
	}
	return domain.Connection{}, fmt.Errorf("issue pair code after %d attempts: %w", s.pairCodeAttempts, lastErr)
}

func (s *PairService) issueCode(ctx context.Context, identityID uint, code string) (domain.Connection, error) {
	var result domain.Connection
	err := s.store.InTx(ctx, func(tx domain.Repository) error {
		identity, err := tx.LockIdentity(ctx, identityID)
		if err != nil {
			return err
		}

		if identity.ActiveConnectionID != nil {
			active, err := tx.GetConnectionByID(ctx, *identity.ActiveConnectionID)
			if err != nil {
				return err
			}
			switch active.State {
			case domain.ConnectionConnected:
				return domain.ErrAlreadyConnected
			case domain.ConnectionPending:
				result = active
				return nil
			}
			if err := tx.ReleaseActiveConnection(ctx, identityID, active.ID); err != nil {
				return err
			}
		}

		conn, err := tx.CreateConnection(ctx, domain.Connection{
			InitiatorID: identityID,
			PairCode:    code,
			State:       domain.ConnectionPending,
			CreatedAt:   s.clock(),
		})
		if err != nil {
			return err
		}

		claimed, err := tx.ClaimActiveConnection(ctx, identityID, conn.ID)
		if err != nil {
			return err
		}
		if !claimed {
			return domain.ErrConflict
		}
		result = conn
		return nil
	})
	return result, err
}

// Redeem joins the caller to the pending connection identified by code. The caller's own pending
// codes are abandoned in the same transaction.
func (s *PairService) Redeem(ctx context.Context, identityID uint, code string) (domain.Connection, error) {
	code = NormalizePairCode(code)
	if !validPairCode(code) {
		return domain.Connection{}, domain.ErrInvalidOrExpiredCode
	}

	var result domain.Connection
	err := s.store.InTx(ctx, func(tx domain.Repository) error {
		target, err := tx.FindPendingByCode(ctx, code)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrInvalidOrExpiredCode
		}
		if err != nil {
			return err
		}
		if target.InitiatorID == identityID {
			return domain.ErrCannotJoinOwnCode
		}

		identity, err := tx.LockIdentity(ctx, identityID)
		if err != nil {
			return err
		}
		if identity.ActiveConnectionID != nil {
			active, err := tx.GetConnectionByID(ctx, *identity.ActiveConnectionID)
			if err != nil {
				return err
			}
			if active.State == domain.ConnectionConnected {
				return domain.ErrAlreadyConnected
			}
			if active.State == domain.ConnectionDisconnected {
				if err := tx.ReleaseActiveConnection(ctx, identityID, active.ID); err != nil {
					return err
				}
			}
		}

		now := s.clock()
		own, err := tx.ListPendingByInitiator(ctx, identityID)
		if err != nil {
			return err
		}
		for _, pending := range own {
			if _, err := tx.MarkDisconnected(ctx, pending.ID, domain.ConnectionPending, now); err != nil {
				return err
			}
			if err := tx.ReleaseActiveConnection(ctx, identityID, pending.ID); err != nil {
				return err
			}
		}

		claimed, err := tx.ClaimActiveConnection(ctx, identityID, target.ID)
		if err != nil {
			return err
		}
		if !claimed {
			return domain.ErrConflict
		}

		ok, err := tx.MarkConnected(ctx, target.ID, identityID, now)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrInvalidOrExpiredCode
		}

		result, err = tx.GetConnectionByID(ctx, target.ID)
		return err
	})
	if err != nil {
		return domain.Connection{}, err
	}

	s.logger.Info("connection established", "connection_id", result.ID, "initiator_id", result.InitiatorID, "counterpart_id", identityID)
	return result, nil
}

// Leave disconnects the caller's current connection and frees both parties.
func (s *PairService) Leave(ctx context.Context, identityID uint) (domain.Connection, error) {
	var result domain.Connection
	err := s.store.InTx(ctx, func(tx domain.Repository) error {
		if _, err := tx.LockIdentity(ctx, identityID); err != nil {
			return err
		}

		connected := domain.ConnectionConnected
		conn, err := tx.LatestConnection(ctx, identityID, &connected)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrNotPaired
		}
		if err != nil {
			return err
		}

		ok, err := tx.MarkDisconnected(ctx, conn.ID, domain.ConnectionConnected, s.clock())
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrNotPaired
		}

		if err := tx.ReleaseActiveConnection(ctx, conn.InitiatorID, conn.ID); err != nil {
			return err
		}
		if conn.CounterpartID != nil {
			if err := tx.ReleaseActiveConnection(ctx, *conn.CounterpartID, conn.ID); err != nil {
				return err
			}
		}

		result, err = tx.GetConnectionByID(ctx, conn.ID)
		return err
	})
	if err != nil {
		return domain.Connection{}, err
	}

	s.logger.Info("connection closed", "connection_id", result.ID, "by", identityID)
	return result, nil
}

// GetActiveConnection returns the most recently created connection involving the identity,
// optionally restricted to one state.
func (s *PairService) GetActiveConnection(ctx context.Context, identityID uint, state *domain.ConnectionState) (domain.Connection, error) {
	return s.store.LatestConnection(ctx, identityID, state)
}
