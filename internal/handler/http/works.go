package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/portfoliohub/portfolio/internal/domain"
	"github.com/portfoliohub/portfolio/internal/service"
	"github.com/portfoliohub/portfolio/internal/upload"
	apperrors "github.com/portfoliohub/portfolio/pkg/errors"
	"github.com/portfoliohub/portfolio/pkg/httputil"
	"github.com/portfoliohub/portfolio/pkg/middleware"
)

const (
	// multipartMemory is kept in memory while parsing; larger parts spill
	// to temporary files.
	multipartMemory = 8 << 20
	maxJSONBody     = 64 << 10
)

// WorksService is the use-case surface the handlers call.
type WorksService interface {
	CreateItem(ctx context.Context, ownerID string, in service.CreateItemInput) (*service.CreateItemResult, error)
	GetItem(ctx context.Context, ownerID string, itemID int64) (*domain.PortfolioItem, error)
	ListItems(ctx context.Context, ownerID string) ([]domain.PortfolioItem, error)
	ListPublicItems(ctx context.Context, ownerID string) (*domain.PublicPortfolio, error)
	UpdateItemFields(ctx context.Context, ownerID string, itemID int64, in service.ItemFields) (*domain.PortfolioItem, error)
	DeleteItem(ctx context.Context, ownerID string, itemID int64) error
	OpenMedia(ctx context.Context, callerID string, mediaID int64) (*service.MediaContent, error)
}

var _ WorksService = (*service.WorksService)(nil)

// WorksHandler handles the portfolio works endpoints.
type WorksHandler struct {
	service   WorksService
	maxUpload int64
	logger    *slog.Logger
}

// NewWorksHandler creates the handler. maxUpload bounds a whole multipart
// create request.
func NewWorksHandler(svc WorksService, maxUpload int64, logger *slog.Logger) *WorksHandler {
	if maxUpload <= 0 {
		p := upload.DefaultPolicy()
		maxUpload = int64(p.MaxCount+1)*p.MaxSize + 1<<20
	}
	return &WorksHandler{service: svc, maxUpload: maxUpload, logger: logger}
}

// CreateItem handles POST /api/v1/works (multipart/form-data).
func (h *WorksHandler) CreateItem(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.OwnerIDFromContext(r.Context())
	if err := requireCaller(ownerID); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			httputil.WriteError(w, r, apperrors.InvalidInput(fmt.Sprintf("request body exceeds %d bytes", h.maxUpload)), h.logger)
			return
		}
		httputil.WriteError(w, r, apperrors.InvalidInput("failed to parse multipart form: "+err.Error()), h.logger)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	pinned := false
	if v := strings.TrimSpace(r.FormValue("pinned")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			httputil.WriteError(w, r, apperrors.Validation(map[string]string{"pinned": "must be true or false"}), h.logger)
			return
		}
		pinned = b
	}

	images, closeAll, err := openImages(r.MultipartForm)
	defer closeAll()
	if errors.Is(err, errMixedImageFields) {
		httputil.WriteError(w, r, apperrors.Validation(map[string]string{"images": err.Error()}), h.logger)
		return
	}
	if err != nil {
		httputil.WriteError(w, r, apperrors.InvalidInput("failed to read uploaded file: "+err.Error()), h.logger)
		return
	}

	res, err := h.service.CreateItem(r.Context(), ownerID, service.CreateItemInput{
		ItemFields: service.ItemFields{
			Title:       r.FormValue("title"),
			Description: r.FormValue("description"),
			Visibility:  r.FormValue("visibility"),
			IsPinned:    pinned,
		},
		Images: images,
	})
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	w.Header().Set("Location", "/api/v1/works/"+strconv.FormatInt(res.Item.ID, 10))
	httputil.WriteJSON(w, http.StatusCreated, httputil.Response{Data: createItemResponse{
		Item:     toItemResponse(res.Item),
		Rejected: res.Rejected,
	}})
}

// errMixedImageFields rejects a form that names its files both ways. The
// parsed form keeps per-field order only, so submission order would be lost.
var errMixedImageFields = errors.New(`send every file as either "images" or "images[]", not both`)

// openImages turns the images parts, in submission order, into candidates.
// Either "images" or "images[]" is accepted as the field name.
func openImages(form *multipart.Form) ([]upload.Candidate, func(), error) {
	var files []multipart.File
	closeAll := func() {
		for _, f := range files {
			_ = f.Close()
		}
	}

	headers := form.File["images"]
	if bracketed := form.File["images[]"]; len(bracketed) > 0 {
		if len(headers) > 0 {
			return nil, closeAll, errMixedImageFields
		}
		headers = bracketed
	}

	candidates := make([]upload.Candidate, 0, len(headers))
	for _, fh := range headers {
		c := upload.Candidate{
			FileName:    fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Size:        fh.Size,
		}
		if fh.Size > 0 {
			f, err := fh.Open()
			if err != nil {
				return nil, closeAll, err
			}
			files = append(files, f)
			c.Data = f
		}
		candidates = append(candidates, c)
	}
	return candidates, closeAll, nil
}

// ListItems handles GET /api/v1/works.
func (h *WorksHandler) ListItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.service.ListItems(r.Context(), middleware.OwnerIDFromContext(r.Context()))
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: toItemResponses(items)})
}

// GetItem handles GET /api/v1/works/{id}.
func (h *WorksHandler) GetItem(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.ParseID(chi.URLParam(r, "id"), "item id")
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	item, err := h.service.GetItem(r.Context(), middleware.OwnerIDFromContext(r.Context()), id)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: toItemResponse(item)})
}

// UpdateItem handles PUT /api/v1/works/{id}.
func (h *WorksHandler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.ParseID(chi.URLParam(r, "id"), "item id")
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	var req updateItemRequest
	if err := httputil.DecodeJSON(w, r, &req, maxJSONBody); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	item, err := h.service.UpdateItemFields(r.Context(), middleware.OwnerIDFromContext(r.Context()), id, service.ItemFields{
		Title:       req.Title,
		Description: req.Description,
		Visibility:  req.Visibility,
		IsPinned:    req.IsPinned,
	})
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: toItemResponse(item)})
}

// DeleteItem handles DELETE /api/v1/works/{id}.
func (h *WorksHandler) DeleteItem(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.ParseID(chi.URLParam(r, "id"), "item id")
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	if err := h.service.DeleteItem(r.Context(), middleware.OwnerIDFromContext(r.Context()), id); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListPublicItems handles GET /api/v1/profiles/{ownerId}/works.
func (h *WorksHandler) ListPublicItems(w http.ResponseWriter, r *http.Request) {
	pp, err := h.service.ListPublicItems(r.Context(), chi.URLParam(r, "ownerId"))
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: publicPortfolioResponse{
		Pinned: toItemResponses(pp.Pinned),
		Works:  toItemResponses(pp.Works),
	}})
}

// GetMedia handles GET /api/v1/media/{id} and streams the image bytes.
func (h *WorksHandler) GetMedia(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.ParseID(chi.URLParam(r, "id"), "media id")
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	mc, err := h.service.OpenMedia(r.Context(), middleware.OwnerIDFromContext(r.Context()), id)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	defer mc.Body.Close()

	w.Header().Set("Content-Type", mc.ContentType)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "private, max-age=3600")
	if mc.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(mc.Size, 10))
	}
	if mc.FileName != "" {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": mc.FileName}))
	}
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, mc.Body); err != nil {
		h.logger.WarnContext(r.Context(), "media stream interrupted",
			slog.Int64("media_id", id),
			slog.String("error", err.Error()),
		)
	}
}
