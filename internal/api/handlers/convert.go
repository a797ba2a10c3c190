package handlers

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/anstrom/nesspipe/internal/errors"
	"github.com/anstrom/nesspipe/internal/export"
	"github.com/anstrom/nesspipe/internal/logging"
	"github.com/anstrom/nesspipe/internal/metrics"
	"github.com/anstrom/nesspipe/internal/nessus"
	"github.com/anstrom/nesspipe/internal/pipeline"
	"github.com/anstrom/nesspipe/internal/workers"
)

// busyRetryAfter is the Retry-After value, in seconds, sent when every
// conversion slot stays taken until the request deadline.
const busyRetryAfter = "5"

// Converter parses one document into its table.
type Converter interface {
	Convert(ctx context.Context, src pipeline.Source) (*nessus.Table, nessus.Stats, error)
}

// ConvertQuery holds the query parameters of a conversion request.
type ConvertQuery struct {
	Format string `validate:"omitempty,oneof=csv log json table"`
	Header string `validate:"omitempty,oneof=true false"`
	Name   string `validate:"omitempty,max=255,excludesall=/\\"`
}

// ConvertHandler renders an uploaded export as a table.
type ConvertHandler struct {
	converter Converter
	recorder  metrics.Recorder
	validate  *validator.Validate
	maxBytes  int64
	slots     *workers.Slots
	seq       atomic.Uint64
	logger    *logging.Logger
	now       func() time.Time
}

// NewConvertHandler creates a conversion handler accepting bodies up to maxBytes.
func NewConvertHandler(converter Converter, recorder metrics.Recorder, maxBytes int64, logger *logging.Logger) *ConvertHandler {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &ConvertHandler{
		converter: converter,
		recorder:  recorder,
		validate:  validator.New(),
		maxBytes:  maxBytes,
		logger:    logger.WithFields("handler", "convert"),
		now:       time.Now,
	}
}

// LimitConcurrency makes each conversion hold one of slots while it runs.
func (h *ConvertHandler) LimitConcurrency(slots *workers.Slots) *ConvertHandler {
	h.slots = slots
	return h
}

// parseQuery validates the query string and applies defaults: csv with a header.
func (h *ConvertHandler) parseQuery(r *http.Request) (ConvertQuery, export.Options, error) {
	q := r.URL.Query()
	query := ConvertQuery{
		Format: q.Get("format"),
		Header: q.Get("header"),
		Name:   q.Get("name"),
	}
	if err := h.validate.Struct(query); err != nil {
		return query, export.Options{}, errors.WrapPipelineError(errors.CodeValidation,
			"invalid query parameters", "query", err)
	}

	opts := export.Options{Format: export.FormatCSV, Header: true}
	if query.Format != "" {
		format, err := export.ParseFormat(query.Format)
		if err != nil {
			return query, opts, errors.WrapPipelineError(errors.CodeValidation, "invalid format", "query", err)
		}
		opts.Format = format
	}
	if query.Header != "" {
		opts.Header, _ = strconv.ParseBool(query.Header)
	}
	if query.Name == "" {
		query.Name = "upload"
	}
	return query, opts, nil
}

// Convert handles POST /api/v1/convert. The body is the XML export; the
// response is the rendered table in the requested format.
func (h *ConvertHandler) Convert(w http.ResponseWriter, r *http.Request) {
	query, opts, err := h.parseQuery(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	if h.slots != nil {
		slot := fmt.Sprintf("convert-%d", h.seq.Add(1))
		if err := h.slots.Acquire(r.Context(), slot); err != nil {
			h.logger.Warn("No conversion slot available", "source", query.Name, "error", err)
			w.Header().Set("Retry-After", busyRetryAfter)
			writeError(w, r, http.StatusServiceUnavailable, fmt.Errorf("too many conversions in progress"))
			return
		}
		defer h.slots.Release(slot)
	}

	body := http.MaxBytesReader(w, r.Body, h.maxBytes)
	defer func() { _ = body.Close() }()

	table, stats, err := h.converter.Convert(r.Context(), pipeline.Source{Name: query.Name, Reader: body})
	if err != nil {
		status := statusForError(err)
		h.logger.Warn("Conversion failed", "source", query.Name, "status", status, "error", err)
		writeError(w, r, status, publicMessage(status, err))
		return
	}

	var buf bytes.Buffer
	if err := export.Write(&buf, table, opts); err != nil {
		h.logger.Error("Failed to render table", "format", opts.Format.String(), "error", err)
		writeError(w, r, http.StatusInternalServerError, publicMessage(http.StatusInternalServerError, err))
		return
	}
	h.recorder.AddExportRows(opts.Format.String(), table.Len())

	stem := strings.TrimSuffix(query.Name, filepath.Ext(query.Name))
	fileName := export.FileName("nessus", stem, opts.Format, h.now())
	w.Header().Set("Content-Type", opts.Format.MimeType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", fileName))
	w.Header().Set("X-Row-Count", strconv.Itoa(table.Len()))
	w.Header().Set("X-Hosts-Dropped", strconv.Itoa(stats.HostsDropped))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		h.logger.Warn("Failed to send converted table", "error", err)
	}
}
