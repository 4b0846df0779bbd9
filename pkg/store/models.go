package store

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID           string `gorm:"primaryKey"`
	FirstName    string
	LastName     string
	Username     string `gorm:"index"`
	LanguageCode string
	LastSeenAt   time.Time `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time
}

type ProductModel struct {
	ID          string          `gorm:"primaryKey"`
	OwnerID     string          `gorm:"not null;index"`
	Title       string          `gorm:"not null"`
	Description string          `gorm:"type:text;not null"`
	Price       decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	Images      datatypes.JSON  `gorm:"type:jsonb;not null"`
	Published   bool            `gorm:"not null"`
	CreatedAt   time.Time       `gorm:"not null;index"`
	UpdatedAt   time.Time       `gorm:"not null"`
}
