package models

import "time"

// FileRecord describes an uploaded document and its position in the
// processing lifecycle. Status values are owned by pkg/lifecycle; this struct
// only persists them. UserID is set on creation and never changed afterwards.
type FileRecord struct {
	ID        string `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time
	UpdatedAt time.Time
	UserID    uint `gorm:"index;not null" json:"userId"`
	User      User `gorm:"foreignKey:UserID;references:ID" json:"-"`

	Filename     string    `gorm:"size:255;not null" json:"filename"`     // storage-assigned unique name
	OriginalName string    `gorm:"size:255;not null" json:"originalName"` // name the user uploaded with
	Size         int64     `gorm:"not null" json:"size"`
	MimeType     string    `gorm:"size:128" json:"mimeType"`
	FilePath     string    `gorm:"size:512;not null" json:"filePath"` // blob store key
	Status       string    `gorm:"size:32;index;not null" json:"status"`
	UploadedAt   time.Time `gorm:"index" json:"uploadedAt"`

	AssignedAgentID *uint      `gorm:"index" json:"assignedAgentId,omitempty"`
	AssignedAt      *time.Time `json:"assignedAt,omitempty"`
	AssignmentType  string     `gorm:"size:32" json:"assignmentType,omitempty"`

	CompletedFileID *string    `gorm:"size:36;index" json:"completedFileId,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`

	// Agent feedback, written by the agent-side application.
	ResponseMessage string     `gorm:"size:1024" json:"responseMessage,omitempty"`
	ResponseFileURL string     `gorm:"size:512" json:"responseFileUrl,omitempty"`
	RespondedAt     *time.Time `json:"respondedAt,omitempty"`

	UserComment          string     `gorm:"size:1024" json:"userComment,omitempty"`
	UserCommentUpdatedAt *time.Time `json:"userCommentUpdatedAt,omitempty"`

	// Edit window for completed files: editable while
	// now < EditTimerStartedAt + EditTimerMinutes.
	EditTimerMinutes   *int       `json:"editTimerMinutes,omitempty"`
	EditTimerStartedAt *time.Time `json:"editTimerStartedAt,omitempty"`
}
