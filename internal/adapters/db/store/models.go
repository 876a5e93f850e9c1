package store

import "time"

type IdentityModel struct {
	ID                 uint   `gorm:"primaryKey"`
	ExternalID         int64  `gorm:"not null;uniqueIndex"`
	FirstName          string `gorm:"not null"`
	LastName           *string
	ActiveConnectionID *uint
	CreatedAt          time.Time
}

func (IdentityModel) TableName() string { return "identities" }

type ConnectionModel struct {
	ID             uint `gorm:"primaryKey"`
	InitiatorID    uint `gorm:"not null;index"`
	CounterpartID  *uint
	PairCode       string `gorm:"not null"`
	State          string `gorm:"not null;default:'pending'"`
	CreatedAt      time.Time
	ConnectedAt    *time.Time
	DisconnectedAt *time.Time
}

func (ConnectionModel) TableName() string { return "connections" }

type ExchangeModel struct {
	ID           uint   `gorm:"primaryKey"`
	SenderID     uint   `gorm:"not null"`
	ReceiverID   uint   `gorm:"not null"`
	ConnectionID uint   `gorm:"not null;index"`
	Link         string `gorm:"not null"`
	AccessToken  string `gorm:"not null;uniqueIndex"`
	CreatedAt    time.Time
	ClickedAt    *time.Time
	ListenedAt   *time.Time
}

func (ExchangeModel) TableName() string { return "song_exchanges" }
