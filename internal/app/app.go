// Package app orchestrates product mutations: it authorizes the caller,
// promotes staged media into permanent storage, and keeps the product table
// and the filesystem in agreement.
package app

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tgmarket/internal/initdata"
	"tgmarket/internal/session"
	"tgmarket/pkg/domain"
	"tgmarket/pkg/storage"
	"tgmarket/pkg/store"
)

const (
	minTitleLen       = 5
	minDescriptionLen = 20
)

// ShareClient prepares an inline share message on the host platform.
type ShareClient interface {
	SavePreparedInlineMessage(userID string, product domain.Product, imageURL string) (string, error)
}

// Config wires the coordinator's dependencies.
type Config struct {
	Store    store.Store
	Media    storage.MediaStore
	Verifier *initdata.Verifier
	// Sessions is optional; without it only raw payload auth is accepted.
	Sessions *session.Manager
	// Share is optional; without it share preparation is disabled.
	Share ShareClient
	// PublicBaseURL is the externally reachable base used to build media
	// URLs in share messages.
	PublicBaseURL string
}

// App is the coordinator between token verification, staged media and the
// product record store.
type App struct {
	store         store.Store
	media         storage.MediaStore
	verifier      *initdata.Verifier
	sessions      *session.Manager
	share         ShareClient
	publicBaseURL string
	logger        *slog.Logger

	// locks serializes the read-modify-write on a product's reference list
	// per product id, so concurrent edits cannot compute stale superseded
	// sets and double-discard.
	locks sync.Map
}

// New constructs the coordinator.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("app: store is required")
	}
	if cfg.Media == nil {
		return nil, errors.New("app: media store is required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("app: payload verifier is required")
	}
	return &App{
		store:         cfg.Store,
		media:         cfg.Media,
		verifier:      cfg.Verifier,
		sessions:      cfg.Sessions,
		share:         cfg.Share,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		logger:        slog.Default().With(slog.String("component", "coordinator")),
	}, nil
}

// AuthenticateInitData verifies a signed platform payload and upserts the
// user it identifies. The last-seen timestamp advances on every call.
func (a *App) AuthenticateInitData(raw string) (domain.User, error) {
	claim, err := a.verifier.Verify(raw)
	if err != nil {
		return domain.User{}, fmt.Errorf("%w: %s", ErrUnauthorized, err)
	}
	now := time.Now().UTC()
	user := domain.User{
		ID:           strconv.FormatInt(claim.ID, 10),
		FirstName:    claim.FirstName,
		LastName:     claim.LastName,
		Username:     claim.Username,
		LanguageCode: claim.LanguageCode,
		LastSeenAt:   now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.store.UpsertUser(user); err != nil {
		return domain.User{}, a.storeErr("upsert user", err)
	}
	return user, nil
}

// AuthenticateSession resolves a first-party session token to its user.
func (a *App) AuthenticateSession(token string) (domain.User, error) {
	if a.sessions == nil {
		return domain.User{}, fmt.Errorf("%w: session auth disabled", ErrUnauthorized)
	}
	id, err := a.sessions.Subject(token)
	if err != nil {
		return domain.User{}, fmt.Errorf("%w: %s", ErrUnauthorized, err)
	}
	user, ok, err := a.store.GetUser(id)
	if err != nil {
		return domain.User{}, a.storeErr("load user", err)
	}
	if !ok {
		return domain.User{}, fmt.Errorf("%w: unknown session subject", ErrUnauthorized)
	}
	now := time.Now().UTC()
	user.LastSeenAt = now
	user.UpdatedAt = now
	if err := a.store.UpsertUser(user); err != nil {
		return domain.User{}, a.storeErr("upsert user", err)
	}
	return user, nil
}

// ExchangeSession verifies a signed payload once and mints a session token
// for subsequent calls.
func (a *App) ExchangeSession(raw string) (domain.User, string, error) {
	if a.sessions == nil {
		return domain.User{}, "", fmt.Errorf("%w: session auth disabled", ErrUnauthorized)
	}
	user, err := a.AuthenticateInitData(raw)
	if err != nil {
		return domain.User{}, "", err
	}
	token, err := a.sessions.Issue(user.ID)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("issue session: %w", err)
	}
	return user, token, nil
}

// ProductInput carries the client-supplied fields for a create.
type ProductInput struct {
	Title       string
	Description string
	Price       string
	StagedFiles []string
}

// UpdateInput carries the client-supplied fields for an update. KeptImages
// is the ordered subset of current references to retain; NewStagedFiles are
// promoted and appended after them.
type UpdateInput struct {
	Title          string
	Description    string
	Price          string
	KeptImages     []string
	NewStagedFiles []string
	Published      *bool
}

// CreateProduct validates the input, promotes the staged files in order,
// and writes the product row. The row write is the only point at which the
// product becomes visible; nothing partially constructed is ever persisted.
func (a *App) CreateProduct(user domain.User, in ProductInput) (domain.Product, error) {
	price, err := a.validateFields(in.Title, in.Description, in.Price)
	if err != nil {
		return domain.Product{}, err
	}
	if len(in.StagedFiles) == 0 {
		return domain.Product{}, invalidField("images", "at least one image is required")
	}

	refs := a.promoteAll(in.StagedFiles)
	if len(refs) == 0 {
		return domain.Product{}, ErrMediaCommitFailed
	}

	now := time.Now().UTC()
	product := domain.Product{
		ID:          uuid.NewString(),
		OwnerID:     user.ID,
		Title:       strings.TrimSpace(in.Title),
		Description: strings.TrimSpace(in.Description),
		Price:       price,
		Images:      refs,
		Published:   true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := a.store.CreateProduct(product); err != nil {
		a.discardAll(refs)
		return domain.Product{}, a.storeErr("create product", err)
	}
	return product, nil
}

// UpdateProduct replaces a product's fields and media set. Ordering is what
// keeps the record and the filesystem consistent across a crash: promote
// new files, write the row, and only then discard superseded files. The
// worst crash outcome is an orphaned file on disk, never a dangling
// reference.
func (a *App) UpdateProduct(user domain.User, productID string, in UpdateInput) (domain.Product, error) {
	unlock := a.lockProduct(productID)
	defer unlock()

	product, err := a.loadOwned(user, productID)
	if err != nil {
		return domain.Product{}, err
	}
	price, err := a.validateFields(in.Title, in.Description, in.Price)
	if err != nil {
		return domain.Product{}, err
	}

	kept := intersectOrdered(in.KeptImages, product.Images)
	if len(kept)+len(in.NewStagedFiles) == 0 {
		return domain.Product{}, invalidField("images", "at least one image is required")
	}
	superseded := subtract(product.Images, kept)

	promoted := a.promoteAll(in.NewStagedFiles)
	final := append(append([]string{}, kept...), promoted...)
	if len(final) == 0 {
		return domain.Product{}, ErrMediaCommitFailed
	}

	product.Title = strings.TrimSpace(in.Title)
	product.Description = strings.TrimSpace(in.Description)
	product.Price = price
	product.Images = final
	if in.Published != nil {
		product.Published = *in.Published
	}
	product.UpdatedAt = time.Now().UTC()

	if err := a.store.UpdateProduct(product); err != nil {
		// The row still references the old list; only the freshly promoted
		// files are unreferenced and safe to remove.
		a.discardAll(promoted)
		return domain.Product{}, a.storeErr("update product", err)
	}
	a.discardAll(superseded)
	return product, nil
}

// DeleteProduct removes the product row first and then best-effort discards
// its media, for the same crash-ordering reason as update.
func (a *App) DeleteProduct(user domain.User, productID string) error {
	unlock := a.lockProduct(productID)
	defer unlock()

	product, err := a.loadOwned(user, productID)
	if err != nil {
		return err
	}
	if err := a.store.DeleteProduct(productID); err != nil {
		return a.storeErr("delete product", err)
	}
	a.discardAll(product.Images)
	return nil
}

// PrepareShareMessage asks the host platform to prepare an inline message
// for the product and returns the prepared message id.
func (a *App) PrepareShareMessage(user domain.User, productID string) (string, error) {
	if a.share == nil {
		return "", errors.New("share client not configured")
	}
	product, err := a.loadOwned(user, productID)
	if err != nil {
		return "", err
	}
	imageURL := a.publicBaseURL + "/media/" + product.Cover()
	id, err := a.share.SavePreparedInlineMessage(user.ID, product, imageURL)
	if err != nil {
		return "", fmt.Errorf("prepare share message: %w", err)
	}
	return id, nil
}

// loadOwned fetches a product and enforces exclusive ownership.
func (a *App) loadOwned(user domain.User, productID string) (domain.Product, error) {
	product, ok, err := a.store.GetProduct(productID)
	if err != nil {
		return domain.Product{}, a.storeErr("load product", err)
	}
	if !ok {
		return domain.Product{}, ErrProductNotFound
	}
	if product.OwnerID != user.ID {
		return domain.Product{}, ErrNotOwner
	}
	return product, nil
}

func (a *App) validateFields(title, description, priceRaw string) (decimal.Decimal, error) {
	if utf8.RuneCountInString(strings.TrimSpace(title)) < minTitleLen {
		return decimal.Decimal{}, invalidField("title", fmt.Sprintf("must be at least %d characters", minTitleLen))
	}
	if utf8.RuneCountInString(strings.TrimSpace(description)) < minDescriptionLen {
		return decimal.Decimal{}, invalidField("description", fmt.Sprintf("must be at least %d characters", minDescriptionLen))
	}
	price, err := decimal.NewFromString(strings.TrimSpace(priceRaw))
	if err != nil {
		return decimal.Decimal{}, invalidField("price", "must be a decimal number")
	}
	if !price.IsPositive() {
		return decimal.Decimal{}, invalidField("price", "must be greater than zero")
	}
	return price, nil
}

// promoteAll promotes handles in order. A handle that fails is dropped and
// logged; the outcome is per-file, not per-batch.
func (a *App) promoteAll(handles []string) []string {
	refs := make([]string, 0, len(handles))
	for _, handle := range handles {
		ref, err := a.media.Promote(handle)
		if err != nil {
			a.logger.Warn("promote staged file", "handle", handle, "err", err)
			continue
		}
		refs = append(refs, ref)
	}
	return refs
}

func (a *App) discardAll(refs []string) {
	for _, ref := range refs {
		if err := a.media.Discard(ref); err != nil {
			a.logger.Warn("discard media file", "ref", ref, "err", err)
		}
	}
}

func (a *App) lockProduct(id string) func() {
	v, _ := a.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (a *App) storeErr(op string, err error) error {
	if errors.Is(err, store.ErrTimeout) {
		return fmt.Errorf("%s: %w", op, ErrStorageTimeout)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// intersectOrdered keeps the entries of kept that actually appear in
// current, preserving the kept order. Anything else would let a client
// smuggle dangling references into the row.
func intersectOrdered(kept, current []string) []string {
	present := make(map[string]struct{}, len(current))
	for _, ref := range current {
		present[ref] = struct{}{}
	}
	out := make([]string, 0, len(kept))
	for _, ref := range kept {
		if _, ok := present[ref]; ok {
			out = append(out, ref)
		}
	}
	return out
}

func subtract(current, kept []string) []string {
	keep := make(map[string]struct{}, len(kept))
	for _, ref := range kept {
		keep[ref] = struct{}{}
	}
	out := make([]string, 0, len(current))
	for _, ref := range current {
		if _, ok := keep[ref]; !ok {
			out = append(out, ref)
		}
	}
	return out
}
