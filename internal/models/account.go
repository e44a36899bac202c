package models

import (
	"time"

	"gorm.io/gorm"
)

// Account is an API user. The raw API key is never stored, only its peppered hash.
type Account struct {
	gorm.Model
	Username     string `gorm:"size:80;uniqueIndex;not null"`
	Email        string `gorm:"size:120;uniqueIndex;not null"`
	APIKeyHash   string `gorm:"size:64;uniqueIndex;not null"`
	Broker       string `gorm:"size:50"`
	IsActive     bool   `gorm:"not null;default:true"`
	KeyRotatedAt *time.Time
}
