package models

import "time"

// AuditRecord is one request/response pair or one system event. Seq is assigned
// by the database and is the only ordering of the audit trail.
type AuditRecord struct {
	Seq             uint64 `gorm:"primaryKey;autoIncrement"`
	CorrelationID   string `gorm:"size:64;index;not null"`
	AccountID       *uint  `gorm:"index"`
	OrderID         string `gorm:"size:32;index"`
	Endpoint        string `gorm:"size:100;not null"`
	Method          string `gorm:"size:10;not null"`
	OutcomeCode     int    `gorm:"not null"`
	RemoteAddr      string `gorm:"size:64"`
	UserAgent       string `gorm:"size:255"`
	RequestPayload  string `gorm:"type:text"`
	ResponsePayload string `gorm:"type:text"`
	CreatedAt       time.Time
}
