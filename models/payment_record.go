package models

import "time"

// Payment statuses. A record is created pending alongside the gateway order
// and flipped to captured by signature verification.
const (
	PaymentPending  = "pending"
	PaymentCaptured = "captured"
)

// PaymentRecord ties a gateway order to a FileRecord. Amount is in minor
// currency units (paise). Gateway fields stay empty until capture.
type PaymentRecord struct {
	ID        string `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time
	UpdatedAt time.Time

	FileID string `gorm:"size:36;index;not null" json:"fileId"`
	UserID uint   `gorm:"index;not null" json:"userId"`

	Amount   int64  `gorm:"not null" json:"amount"`
	Currency string `gorm:"size:8;not null;default:INR" json:"currency"`
	Status   string `gorm:"size:16;index;not null" json:"status"`

	GatewayOrderID   string `gorm:"size:64;index" json:"gatewayOrderId"`
	GatewayPaymentID string `gorm:"size:64;index" json:"gatewayPaymentId,omitempty"`
	GatewaySignature string `gorm:"size:128" json:"-"`

	// Request fingerprint (user agent, client IP) recorded for audit.
	Metadata string `gorm:"size:512" json:"-"`
}
