package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"tgmarket/pkg/domain"
)

const migrateLockID int64 = 48151623

const defaultCallTimeout = 5 * time.Second

type GormStoreOptions struct {
	CallTimeout time.Duration
}

type GormStoreOption func(*GormStoreOptions)

// WithCallTimeout bounds every store round trip. Exceeding it surfaces as
// ErrTimeout so callers can tell a slow database from a broken one.
func WithCallTimeout(d time.Duration) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.CallTimeout = d
	}
}

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db      *gorm.DB
	timeout time.Duration
}

// NewGormStore opens the DB and runs auto-migrations under an advisory lock
// so concurrent replicas do not race each other.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	opts := GormStoreOptions{CallTimeout: defaultCallTimeout}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &ProductModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db, timeout: opts.CallTimeout}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get migration conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(context.Background(), conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// call runs fn against a deadline-bound session and maps deadline errors to
// ErrTimeout.
func (s *GormStore) call(fn func(tx *gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	err := fn(s.db.WithContext(ctx))
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}

// UpsertUser inserts the user on first sight and refreshes the identity
// attributes on every later call. CreatedAt is never rewritten.
func (s *GormStore) UpsertUser(u domain.User) error {
	model := userToModel(u)
	return s.call(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"first_name", "last_name", "username", "language_code", "last_seen_at", "updated_at",
			}),
		}).Create(&model).Error
	})
}

// GetUser looks up a user by platform id.
func (s *GormStore) GetUser(id string) (domain.User, bool, error) {
	var model UserModel
	err := s.call(func(tx *gorm.DB) error {
		return tx.First(&model, "id = ?", id).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.User{}, false, nil
	}
	if err != nil {
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// CreateProduct inserts a product row. This is the only point at which a
// product becomes visible to readers.
func (s *GormStore) CreateProduct(p domain.Product) error {
	model, err := productToModel(p)
	if err != nil {
		return err
	}
	return s.call(func(tx *gorm.DB) error {
		return tx.Create(&model).Error
	})
}

// GetProduct looks up a product by id.
func (s *GormStore) GetProduct(id string) (domain.Product, bool, error) {
	var model ProductModel
	err := s.call(func(tx *gorm.DB) error {
		return tx.First(&model, "id = ?", id).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Product{}, false, nil
	}
	if err != nil {
		return domain.Product{}, false, err
	}
	product, err := productFromModel(model)
	if err != nil {
		return domain.Product{}, false, err
	}
	return product, true, nil
}

// UpdateProduct writes title, description, price, image list and publish
// flag in a single row update.
func (s *GormStore) UpdateProduct(p domain.Product) error {
	model, err := productToModel(p)
	if err != nil {
		return err
	}
	return s.call(func(tx *gorm.DB) error {
		return tx.Model(&ProductModel{}).Where("id = ?", model.ID).Updates(map[string]any{
			"title":       model.Title,
			"description": model.Description,
			"price":       model.Price,
			"images":      model.Images,
			"published":   model.Published,
			"updated_at":  model.UpdatedAt,
		}).Error
	})
}

// DeleteProduct removes the product row.
func (s *GormStore) DeleteProduct(id string) error {
	return s.call(func(tx *gorm.DB) error {
		return tx.Delete(&ProductModel{}, "id = ?", id).Error
	})
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		FirstName:    u.FirstName,
		LastName:     u.LastName,
		Username:     u.Username,
		LanguageCode: u.LanguageCode,
		LastSeenAt:   u.LastSeenAt,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		FirstName:    m.FirstName,
		LastName:     m.LastName,
		Username:     m.Username,
		LanguageCode: m.LanguageCode,
		LastSeenAt:   m.LastSeenAt,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func productToModel(p domain.Product) (ProductModel, error) {
	images, err := json.Marshal(p.Images)
	if err != nil {
		return ProductModel{}, fmt.Errorf("marshal image refs: %w", err)
	}
	return ProductModel{
		ID:          p.ID,
		OwnerID:     p.OwnerID,
		Title:       p.Title,
		Description: p.Description,
		Price:       p.Price,
		Images:      images,
		Published:   p.Published,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}, nil
}

func productFromModel(m ProductModel) (domain.Product, error) {
	var images []string
	if len(m.Images) > 0 {
		if err := json.Unmarshal(m.Images, &images); err != nil {
			return domain.Product{}, fmt.Errorf("unmarshal image refs: %w", err)
		}
	}
	return domain.Product{
		ID:          m.ID,
		OwnerID:     m.OwnerID,
		Title:       m.Title,
		Description: m.Description,
		Price:       m.Price,
		Images:      images,
		Published:   m.Published,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}, nil
}
