package handlers

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/nesspipe/internal/db"
	"github.com/anstrom/nesspipe/internal/errors"
	"github.com/anstrom/nesspipe/internal/export"
	"github.com/anstrom/nesspipe/internal/logging"
	"github.com/anstrom/nesspipe/internal/nessus"
)

// ImportStore reads stored imports.
type ImportStore interface {
	ListImports(ctx context.Context, limit int) ([]db.Import, error)
	LoadTable(ctx context.Context, id uuid.UUID) (*nessus.Table, error)
}

// ImportsHandler serves stored imports.
type ImportsHandler struct {
	store  ImportStore
	logger *logging.Logger
}

// NewImportsHandler creates an imports handler.
func NewImportsHandler(store ImportStore, logger *logging.Logger) *ImportsHandler {
	return &ImportsHandler{
		store:  store,
		logger: logger.WithFields("handler", "imports"),
	}
}

// ImportResponse is one import in API responses.
type ImportResponse struct {
	ID           uuid.UUID `json:"id"`
	Source       string    `json:"source"`
	ScanID       int       `json:"scan_id,omitempty"`
	ImportedAt   time.Time `json:"imported_at"`
	HostCount    int       `json:"host_count"`
	FindingCount int       `json:"finding_count"`
}

// ImportListResponse wraps a page of imports.
type ImportListResponse struct {
	Imports []ImportResponse `json:"imports"`
	Count   int              `json:"count"`
}

// List handles GET /api/v1/imports?limit=N, newest first.
func (h *ImportsHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := getQueryParamInt(r, "limit", 0)
	if err != nil || limit < 0 {
		writeError(w, r, http.StatusBadRequest,
			errors.NewPipelineError(errors.CodeValidation, "limit must be a non-negative integer"))
		return
	}

	imports, err := h.store.ListImports(r.Context(), limit)
	if err != nil {
		h.handleStoreError(w, r, err)
		return
	}

	response := ImportListResponse{Imports: make([]ImportResponse, 0, len(imports))}
	for _, imp := range imports {
		response.Imports = append(response.Imports, ImportResponse{
			ID:           imp.ID,
			Source:       imp.Source,
			ScanID:       imp.ScanID(),
			ImportedAt:   imp.ImportedAt.UTC(),
			HostCount:    imp.HostCount,
			FindingCount: imp.FindingCount,
		})
	}
	response.Count = len(response.Imports)
	writeJSON(w, r, http.StatusOK, response)
}

// Get handles GET /api/v1/imports/{id}?format=..., rendering the stored
// table. The default format is json.
func (h *ImportsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := extractUUIDFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	opts := export.Options{Format: export.FormatJSON, Header: true}
	if raw := r.URL.Query().Get("format"); raw != "" {
		format, err := export.ParseFormat(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err)
			return
		}
		opts.Format = format
	}

	table, err := h.store.LoadTable(r.Context(), id)
	if err != nil {
		h.handleStoreError(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := export.Write(&buf, table, opts); err != nil {
		h.logger.Error("Failed to render stored table", "import_id", id.String(), "error", err)
		writeError(w, r, http.StatusInternalServerError, publicMessage(http.StatusInternalServerError, err))
		return
	}

	w.Header().Set("Content-Type", opts.Format.MimeType())
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (h *ImportsHandler) handleStoreError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorDatabase("Import store request failed", err)
	}
	writeError(w, r, status, publicMessage(status, err))
}
