package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type SessionModel struct {
	ID          string `gorm:"primaryKey"`
	UserID      string `gorm:"not null;index"`
	CurrentStep string `gorm:"not null"`
	Status      string `gorm:"not null;index"`
	Progress    datatypes.JSON
	ArgumentID  *string
	Topic       string
	Language    string    `gorm:"not null"`
	MessageSeq  int64     `gorm:"not null;default:0"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null;index"`
	CompletedAt *time.Time
}

type DraftModel struct {
	SessionID      string `gorm:"primaryKey"`
	UserID         string `gorm:"not null;index"`
	Name           string
	Claim          string    `gorm:"type:text"`
	Grounds        string    `gorm:"type:text"`
	GroundsBacking string    `gorm:"type:text"`
	Warrant        string    `gorm:"type:text"`
	WarrantBacking string    `gorm:"type:text"`
	Qualifier      string    `gorm:"type:text"`
	Rebuttal       string    `gorm:"type:text"`
	Version        int64     `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

type MessageModel struct {
	ID        string `gorm:"primaryKey"`
	SessionID string `gorm:"not null;uniqueIndex:idx_message_session_seq"`
	Seq       int64  `gorm:"not null;uniqueIndex:idx_message_session_seq"`
	Role      string `gorm:"not null"`
	Content   string `gorm:"type:text;not null"`
	Step      string
	Metadata  datatypes.JSON
	CreatedAt time.Time `gorm:"not null"`
}

type ArgumentModel struct {
	ID             string `gorm:"primaryKey"`
	UserID         string `gorm:"not null;index"`
	SessionID      string `gorm:"not null;uniqueIndex"`
	Name           string
	Claim          string    `gorm:"type:text"`
	Grounds        string    `gorm:"type:text"`
	GroundsBacking string    `gorm:"type:text"`
	Warrant        string    `gorm:"type:text"`
	WarrantBacking string    `gorm:"type:text"`
	Qualifier      string    `gorm:"type:text"`
	Rebuttal       string    `gorm:"type:text"`
	Completed      bool      `gorm:"not null;default:false"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}
