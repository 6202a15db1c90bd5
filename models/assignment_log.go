package models

import "time"

// AssignmentLog is an append-only audit trail of agent assignments.
type AssignmentLog struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time

	FileID         string `gorm:"size:36;index;not null"`
	AgentID        uint   `gorm:"index;not null"`
	AssignmentType string `gorm:"size:32;not null"` // automatic | manual
}
