package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// User is a marketplace account keyed by the identifier assigned by the host
// platform. The ID is stable and never regenerated; all ownership checks
// compare against it.
type User struct {
	ID           string    `json:"id"`
	FirstName    string    `json:"firstName"`
	LastName     string    `json:"lastName,omitempty"`
	Username     string    `json:"username,omitempty"`
	LanguageCode string    `json:"languageCode,omitempty"`
	LastSeenAt   time.Time `json:"lastSeenAt"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Product is a listing owned by exactly one user. Images holds permanent
// media references in display order; the first entry is the cover image.
// A persisted product always has at least one image.
type Product struct {
	ID          string          `json:"id"`
	OwnerID     string          `json:"ownerId"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Images      []string        `json:"images"`
	Published   bool            `json:"isPublished"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Cover returns the primary image reference, or "" for a product that has
// not been persisted yet.
func (p Product) Cover() string {
	if len(p.Images) == 0 {
		return ""
	}
	return p.Images[0]
}
