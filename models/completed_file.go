package models

import "time"

// CompletedFile is the processed result an agent produced for a FileRecord.
// Written by the agent-side application; read-only here.
type CompletedFile struct {
	ID        string `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time
	UpdatedAt time.Time

	FilePath string `gorm:"size:512;not null" json:"filePath"`
	Filename string `gorm:"size:255;not null" json:"filename"`
	Size     int64  `json:"size"`
	MimeType string `gorm:"size:128" json:"mimeType"`
	AgentID  *uint  `gorm:"index" json:"agentId,omitempty"`
}
