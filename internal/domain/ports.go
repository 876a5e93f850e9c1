package domain

import (
	"context"
	"time"
)

// Repository is the persistence port. Methods that mutate connection state are conditional
// and report whether a row was affected so callers can detect lost races.
type Repository interface {
	GetOrCreateIdentity(ctx context.Context, value Identity) (Identity, error)
	GetIdentityByID(ctx context.Context, id uint) (Identity, error)
	GetIdentityByExternalID(ctx context.Context, externalID int64) (Identity, error)
	LockIdentity(ctx context.Context, id uint) (Identity, error)
	ClaimActiveConnection(ctx context.Context, identityID, connectionID uint) (bool, error)
	ReleaseActiveConnection(ctx context.Context, identityID, connectionID uint) error

	CreateConnection(ctx context.Context, value Connection) (Connection, error)
	GetConnectionByID(ctx context.Context, id uint) (Connection, error)
	FindPendingByCode(ctx context.Context, code string) (Connection, error)
	ListPendingByInitiator(ctx context.Context, initiatorID uint) ([]Connection, error)
	LatestConnection(ctx context.Context, identityID uint, state *ConnectionState) (Connection, error)
	MarkConnected(ctx context.Context, connectionID, counterpartID uint, at time.Time) (bool, error)
	MarkDisconnected(ctx context.Context, connectionID uint, from ConnectionState, at time.Time) (bool, error)
	ListConnections(ctx context.Context, filter ConnectionFilter) ([]Connection, error)

	CreateExchange(ctx context.Context, value Exchange) (Exchange, error)
	GetExchangeByToken(ctx context.Context, token string) (Exchange, error)
	MarkExchangeOpened(ctx context.Context, exchangeID uint, at time.Time, listened bool) (exchange Exchange, firstListen bool, err error)
	ListExchanges(ctx context.Context, filter ExchangeFilter) ([]Exchange, error)
	ListPendingListens(ctx context.Context) ([]PendingListen, error)

	Stats(ctx context.Context) (Stats, error)
	Ping(ctx context.Context) error
}

// Store is a Repository that can run a function inside a single transaction.
// The Repository passed to fn must be used for every call that belongs to the unit.
type Store interface {
	Repository
	InTx(ctx context.Context, fn func(tx Repository) error) error
}

type OutboundMessage struct {
	Text     string
	Markdown bool
}

// Messenger delivers a message to a chat on the messaging platform.
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, msg OutboundMessage) error
}
