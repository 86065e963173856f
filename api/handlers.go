package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"psamonitor/auth"
	"psamonitor/models"

	"go.uber.org/zap"
)

const (
	defaultWindow      = 24 * time.Hour
	defaultEventLimit  = 50
	maxHistoryLimit    = 10000
	healthCheckTimeout = 2 * time.Second
	dateLayout         = "2006-01-02"
)

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"campo,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, models.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error()}
	var ipe *models.InvalidPayloadError
	if errors.As(err, &ipe) {
		resp.Field = ipe.Field
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.Error(err))
		resp.Error = "internal error"
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="psamonitor"`)
	}
	writeJSON(w, status, resp)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, models.NewInvalidPayload("body", "larger than %d bytes", maxBodyBytes)
		}
		return nil, models.NewInvalidPayload("body", "unreadable: %v", err)
	}
	return body, nil
}

// POST /api/v1/datos
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	result, err := s.ingestor.Ingest(r.Context(), auth.FromRequest(r), body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

// POST /api/v1/datos/batch
func (s *Server) handleIngestBatch(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	results, err := s.ingestor.IngestBatch(r.Context(), auth.FromRequest(r), body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	accepted, rejected := 0, 0
	for _, res := range results {
		if res.Error == "" {
			accepted++
		} else {
			rejected++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"aceptadas":  accepted,
		"rechazadas": rejected,
		"resultados": results,
	})
}

func (s *Server) handlePlants(w http.ResponseWriter, r *http.Request) {
	plants, err := s.queries.PlantOverview(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plants)
}

func (s *Server) handlePlant(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	status, err := s.queries.PlantStatus(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	equipment, err := s.queries.Equipment(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"planta":  status.Plant,
		"estado":  status.Level,
		"lineas":  status.Lines,
		"equipos": equipment,
	})
}

func (s *Server) handleEquipment(w http.ResponseWriter, r *http.Request) {
	equipment, err := s.queries.Equipment(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, equipment)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q, err := s.parseWindow(r, true)
	if err != nil {
		s.writeError(w, err)
		return
	}
	limit, err := intParam(r, "limite", 0)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	readings, err := s.queries.History(r.Context(), q.plantID, q.from, q.to, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"planta_id": q.plantID,
		"desde":     q.from,
		"hasta":     q.to,
		"total":     len(readings),
		"lecturas":  readings,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	q, err := s.parseWindow(r, true)
	if err != nil {
		s.writeError(w, err)
		return
	}
	stats, err := s.queries.Stats(r.Context(), q.plantID, q.from, q.to)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q, err := s.parseWindow(r, false)
	if err != nil {
		s.writeError(w, err)
		return
	}
	limit, err := intParam(r, "limite", defaultEventLimit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	events, err := s.queries.RecentEvents(r.Context(), q.plantID, q.from, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	s.export(w, r, "csv", "text/csv; charset=utf-8", s.queries.ExportCSV)
}

func (s *Server) handleExportXLSX(w http.ResponseWriter, r *http.Request) {
	s.export(w, r, "xlsx", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", s.queries.ExportXLSX)
}

type exportFunc func(ctx context.Context, w io.Writer, plantID string, from, to time.Time) error

// export renders into memory first so a failure still gets a proper status.
func (s *Server) export(w http.ResponseWriter, r *http.Request, ext, contentType string, render exportFunc) {
	q, err := s.parseWindow(r, true)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var buf bytes.Buffer
	if err := render(r.Context(), &buf, q.plantID, q.from, q.to); err != nil {
		s.writeError(w, err)
		return
	}
	filename := fmt.Sprintf("historial_%s_%s.%s", q.plantID, q.to.Format("20060102"), ext)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()
	if s.health != nil {
		if err := s.health.Ping(ctx); err != nil {
			s.logger.Warn("Health check failed", zap.Error(err))
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type window struct {
	plantID string
	from    time.Time
	to      time.Time
}

// parseWindow reads planta, desde and hasta. The window defaults to the last
// 24 hours and must be non-empty.
func (s *Server) parseWindow(r *http.Request, requirePlant bool) (window, error) {
	query := r.URL.Query()
	q := window{plantID: strings.TrimSpace(query.Get("planta"))}
	if requirePlant && q.plantID == "" {
		return q, models.NewInvalidPayload("planta", "is required")
	}

	var err error
	q.to = s.now()
	if raw := query.Get("hasta"); raw != "" {
		if q.to, err = parseTime(raw); err != nil {
			return q, models.NewInvalidPayload("hasta", "%v", err)
		}
	}
	q.from = q.to.Add(-defaultWindow)
	if raw := query.Get("desde"); raw != "" {
		if q.from, err = parseTime(raw); err != nil {
			return q, models.NewInvalidPayload("desde", "%v", err)
		}
	}
	if !q.to.After(q.from) {
		return q, models.NewInvalidPayload("hasta", "must be after desde")
	}
	return q, nil
}

func parseTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected RFC3339 or %s", dateLayout)
	}
	return t, nil
}

func intParam(r *http.Request, name string, defaultValue int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, models.NewInvalidPayload(name, "must be a non-negative integer")
	}
	return v, nil
}
