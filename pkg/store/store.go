package store

import (
	"errors"

	"tgmarket/pkg/domain"
)

var (
	// ErrTimeout indicates the record store did not answer within the
	// configured deadline. Callers may retry idempotent reads; writes must
	// not be retried blindly.
	ErrTimeout = errors.New("record store timeout")
)

// Store defines persistence operations for users and products.
type Store interface {
	// users
	UpsertUser(u domain.User) error
	GetUser(id string) (domain.User, bool, error)

	// products
	CreateProduct(p domain.Product) error
	GetProduct(id string) (domain.Product, bool, error)
	UpdateProduct(p domain.Product) error
	DeleteProduct(id string) error
}
