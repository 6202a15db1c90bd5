package models

import (
	"time"
)

// User model. Agents are users whose role is "agent"; the Active flag gates
// their eligibility for automatic assignment.
type User struct {
	ID             uint `gorm:"primaryKey"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      *time.Time `gorm:"index"`
	Username       string     `gorm:"size:255;not null;unique"`
	HashedPassword []byte     `gorm:"not null"`
	Active         bool       `gorm:"default:true;not null"`
	RoleID         *uint      `gorm:"index"`
	Role           Role       `gorm:"foreignKey:RoleID;references:ID"`
	Files          []FileRecord
}
