package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"tgmarket/internal/app"
	"tgmarket/internal/ratelimit"
	"tgmarket/internal/util"
	"tgmarket/pkg/domain"
	"tgmarket/pkg/storage"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	Media          storage.MediaStore
	Limiter        *ratelimit.FixedWindowLimiter
	TrustedProxies *util.TrustedProxies
	MaxUploadBytes int64
}

// Server exposes the marketplace HTTP endpoints.
type Server struct {
	app            *app.App
	media          storage.MediaStore
	limiter        *ratelimit.FixedWindowLimiter
	trustedProxies *util.TrustedProxies
	mux            *http.ServeMux
	maxUploadBytes int64
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app is required")
	}
	if cfg.Media == nil {
		return nil, errors.New("server: media store is required")
	}
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = 20 * 1024 * 1024
	}
	s := &Server{
		app:            cfg.App,
		media:          cfg.Media,
		limiter:        cfg.Limiter,
		trustedProxies: cfg.TrustedProxies,
		mux:            http.NewServeMux(),
		maxUploadBytes: maxUploadBytes,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.HandleFunc("/upload/stage", s.handleStage)
	s.mux.HandleFunc("/staged/", s.handleStagedFile)
	s.mux.HandleFunc("/media/", s.handleMediaFile)

	s.mux.HandleFunc("/auth/session", s.handleSessionExchange)

	s.mux.Handle("/products", s.withUser(s.handleProducts))
	s.mux.Handle("/products/", s.withUser(s.handleProductByID))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, domain.User)

// withUser authenticates the request. A first-party session token arrives
// as "Bearer <jwt>"; a raw platform payload arrives as "tma <initData>".
func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, user)
	})
}

func (s *Server) authenticate(r *http.Request) (domain.User, error) {
	scheme, credential, ok := authCredential(r)
	if !ok {
		return domain.User{}, app.ErrUnauthorized
	}
	switch scheme {
	case "bearer":
		return s.app.AuthenticateSession(credential)
	case "tma":
		return s.app.AuthenticateInitData(credential)
	default:
		return domain.User{}, app.ErrUnauthorized
	}
}

// POST /auth/session
func (s *Server) handleSessionExchange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		InitData string `json:"initData"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.InitData) == "" {
		writeError(w, http.StatusBadRequest, "initData is required")
		return
	}
	user, token, err := s.app.ExchangeSession(req.InitData)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"user":  user,
	})
}

// POST /upload/stage
func (s *Server) handleStage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.limiter != nil {
		ip := util.ClientIP(r, s.trustedProxies)
		if !s.limiter.Allow("stage:" + ip) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "files are required (field: files)")
		return
	}
	type stagedItem struct {
		Handle string `json:"handle"`
		Name   string `json:"name"`
	}
	items := make([]stagedItem, 0, len(files))
	for _, header := range files {
		file, err := header.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid form data")
			return
		}
		handle, err := s.media.Stage(file, header.Filename)
		file.Close()
		if errors.Is(err, storage.ErrEmptyUpload) {
			continue
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "staging failed")
			return
		}
		items = append(items, stagedItem{Handle: handle, Name: header.Filename})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
	})
}

// GET /staged/{handle}
func (s *Server) handleStagedFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	handle := strings.TrimPrefix(r.URL.Path, "/staged/")
	reader, err := s.media.OpenStaged(handle)
	if err != nil {
		notFound(w, "not found")
		return
	}
	defer reader.Close()
	w.Header().Set("Content-Type", contentTypeFor(handle))
	w.Header().Set("Cache-Control", "no-store")
	_, _ = io.Copy(w, reader)
}

// GET /media/{id}
func (s *Server) handleMediaFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	ref := strings.TrimPrefix(r.URL.Path, "/media/")
	reader, err := s.media.OpenMedia(ref)
	if err != nil {
		notFound(w, "not found")
		return
	}
	defer reader.Close()
	w.Header().Set("Content-Type", contentTypeFor(ref))
	// Promoted files never change under a given ref.
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	_, _ = io.Copy(w, reader)
}

func (s *Server) handleProducts(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowMutation(w, user) {
		return
	}
	var req productRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	product, err := s.app.CreateProduct(user, app.ProductInput{
		Title:       req.Title,
		Description: req.Description,
		Price:       req.Price,
		StagedFiles: req.StagedFiles,
	})
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

// /products/{id} or /products/{id}/share
func (s *Server) handleProductByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	path := strings.TrimPrefix(r.URL.Path, "/products/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		notFound(w, "not found")
		return
	}
	if len(parts) == 2 {
		if parts[1] == "share" {
			s.handleShare(w, r, user, id)
			return
		}
		notFound(w, "not found")
		return
	}
	switch r.Method {
	case http.MethodPatch:
		s.handleUpdateProduct(w, r, user, id)
	case http.MethodDelete:
		s.handleDeleteProduct(w, user, id)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleUpdateProduct(w http.ResponseWriter, r *http.Request, user domain.User, id string) {
	if !s.allowMutation(w, user) {
		return
	}
	var req productRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	product, err := s.app.UpdateProduct(user, id, app.UpdateInput{
		Title:          req.Title,
		Description:    req.Description,
		Price:          req.Price,
		KeptImages:     req.KeptMedia,
		NewStagedFiles: req.NewStagedFiles,
		Published:      req.Published,
	})
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (s *Server) handleDeleteProduct(w http.ResponseWriter, user domain.User, id string) {
	if err := s.app.DeleteProduct(user, id); err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request, user domain.User, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	preparedID, err := s.app.PrepareShareMessage(user, id)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"preparedMessageId": preparedID})
}

// allowMutation applies the per-user write budget. It writes the response
// itself when the budget is exhausted.
func (s *Server) allowMutation(w http.ResponseWriter, user domain.User) bool {
	if s.limiter == nil {
		return true
	}
	if s.limiter.Allow("mutate:" + user.ID) {
		return true
	}
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}

func (s *Server) writeAppError(w http.ResponseWriter, err error) {
	var verr *app.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, app.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, app.ErrNotOwner):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, app.ErrProductNotFound):
		notFound(w, "product not found")
	case errors.Is(err, app.ErrStorageTimeout):
		writeError(w, http.StatusServiceUnavailable, "storage timeout")
	case errors.Is(err, app.ErrMediaCommitFailed):
		writeError(w, http.StatusInternalServerError, "media commit failed")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type productRequest struct {
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Price          string   `json:"price"`
	StagedFiles    []string `json:"stagedFiles"`
	KeptMedia      []string `json:"keptMedia"`
	NewStagedFiles []string `json:"newStagedFiles"`
	Published      *bool    `json:"published"`
}

func authCredential(r *http.Request) (scheme, credential string, ok bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	credential = strings.TrimSpace(parts[1])
	if credential == "" {
		return "", "", false
	}
	return strings.ToLower(parts[0]), credential, true
}

func contentTypeFor(name string) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCodeForMarket(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func errorCodeForMarket(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case message == "forbidden":
		return "PRODUCT_FORBIDDEN"
	case message == "product not found":
		return "PRODUCT_NOT_FOUND"
	case message == "media commit failed":
		return "MEDIA_COMMIT_FAILED"
	case message == "storage timeout":
		return "STORE_TIMEOUT"
	case message == "rate limit exceeded":
		return "RATE_LIMIT_EXCEEDED"
	case message == "staging failed":
		return "MEDIA_STAGING_FAILED"
	case message == "invalid form data":
		return "MEDIA_INVALID_UPLOAD_FORM"
	case strings.Contains(message, "files are required"):
		return "MEDIA_FILES_REQUIRED"
	case message == "invalid json body", strings.Contains(message, "initdata is required"):
		return "REQUEST_INVALID_BODY"
	case message == "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case message == "not found":
		return "SYSTEM_NOT_FOUND"
	}

	switch status {
	case http.StatusBadRequest:
		return "VALIDATION_FAILED"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusForbidden:
		return "PRODUCT_FORBIDDEN"
	case http.StatusNotFound:
		return "PRODUCT_NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}
