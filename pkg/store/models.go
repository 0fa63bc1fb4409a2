package store

import (
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
)

// GORM models used for persistence.
type SessionModel struct {
	ID             string `gorm:"primaryKey"`
	CourseID       string `gorm:"not null;index"`
	Title          string `gorm:"not null"`
	Description    *string
	SessionDate    time.Time `gorm:"not null"`
	VideoSourceURL string    `gorm:"type:text"`
	Status         string    `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
}

type TranscriptModel struct {
	ID           string         `gorm:"primaryKey"`
	SessionID    string         `gorm:"not null;index"`
	FullText     string         `gorm:"type:text;not null"`
	DurationMs   int64          `gorm:"not null"`
	Segments     datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt    time.Time      `gorm:"not null"`
	SupersededAt *time.Time     `gorm:"index"`
}

type ChunkModel struct {
	ID           string           `gorm:"primaryKey"`
	TranscriptID string           `gorm:"not null;index"`
	SessionID    string           `gorm:"not null;index"`
	Seq          int              `gorm:"not null"`
	StartMs      int64            `gorm:"not null"`
	EndMs        int64            `gorm:"not null"`
	Text         string           `gorm:"type:text;not null"`
	Embedding    *pgvector.Vector `gorm:"type:vector"`
	CreatedAt    time.Time        `gorm:"not null;index"`
}

type MaterialModel struct {
	ID            string `gorm:"primaryKey"`
	SessionID     string `gorm:"not null;index"`
	Type          string `gorm:"not null"`
	Title         string `gorm:"not null"`
	Content       string `gorm:"type:text;not null"`
	Status        string `gorm:"not null;index"`
	ReviewComment *string
	SourceJobID   string
	CreatedAt     time.Time `gorm:"not null;index"`
	UpdatedAt     time.Time `gorm:"not null"`
}
