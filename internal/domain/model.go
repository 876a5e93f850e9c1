package domain

import "time"

type ConnectionState string

const (
	ConnectionPending      ConnectionState = "pending"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
)

func (s ConnectionState) Valid() bool {
	switch s {
	case ConnectionPending, ConnectionConnected, ConnectionDisconnected:
		return true
	}
	return false
}

// Active reports whether a connection in this state still occupies its identities.
func (s ConnectionState) Active() bool {
	return s == ConnectionPending || s == ConnectionConnected
}

type Identity struct {
	ID                 uint
	ExternalID         int64
	FirstName          string
	LastName           string
	ActiveConnectionID *uint
	CreatedAt          time.Time
}

type Connection struct {
	ID             uint
	InitiatorID    uint
	CounterpartID  *uint
	PairCode       string
	State          ConnectionState
	CreatedAt      time.Time
	ConnectedAt    *time.Time
	DisconnectedAt *time.Time
}

// Involves reports whether identityID is one of the connection's parties.
func (c Connection) Involves(identityID uint) bool {
	if c.InitiatorID == identityID {
		return true
	}
	return c.CounterpartID != nil && *c.CounterpartID == identityID
}

// PartnerOf returns the other party of a connected connection.
func (c Connection) PartnerOf(identityID uint) (uint, bool) {
	if c.CounterpartID == nil {
		return 0, false
	}
	switch identityID {
	case c.InitiatorID:
		return *c.CounterpartID, true
	case *c.CounterpartID:
		return c.InitiatorID, true
	}
	return 0, false
}

type Exchange struct {
	ID           uint
	SenderID     uint
	ReceiverID   uint
	ConnectionID uint
	Link         string
	AccessToken  string
	CreatedAt    time.Time
	ClickedAt    *time.Time
	ListenedAt   *time.Time
}

// PendingListen is an unlistened exchange joined with its receiver, used for reminders.
type PendingListen struct {
	ExchangeID         uint
	AccessToken        string
	ReceiverID         uint
	ReceiverExternalID int64
	CreatedAt          time.Time
}

type ConnectionFilter struct {
	State      *ConnectionState
	IdentityID *uint
	Limit      int
}

type ExchangeFilter struct {
	ConnectionID *uint
	Limit        int
}

type Stats struct {
	Identities         int64
	ConnectionsByState map[ConnectionState]int64
	Exchanges          int64
	ClickedExchanges   int64
	ListenedExchanges  int64
}
