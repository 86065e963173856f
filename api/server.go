package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"psamonitor/auth"
	"psamonitor/models"
	"psamonitor/services"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// maxBodyBytes bounds ingestion bodies; batches of a few thousand readings fit.
const maxBodyBytes = 4 << 20

// Ingestor is the telemetry entry point behind the ingestion routes.
type Ingestor interface {
	Ingest(ctx context.Context, creds auth.Credentials, raw []byte) (*services.IngestResult, error)
	IngestBatch(ctx context.Context, creds auth.Credentials, raw []byte) ([]services.BatchItemResult, error)
}

// Queries is the read side served to dashboards.
type Queries interface {
	PlantOverview(ctx context.Context) ([]*services.PlantStatus, error)
	PlantStatus(ctx context.Context, plantID string) (*services.PlantStatus, error)
	Equipment(ctx context.Context, plantID string) ([]*models.Equipment, error)
	History(ctx context.Context, plantID string, from, to time.Time, limit int) ([]*models.TelemetryReading, error)
	Stats(ctx context.Context, plantID string, from, to time.Time) (*services.PlantStats, error)
	RecentEvents(ctx context.Context, plantID string, since time.Time, limit int) ([]*models.AlarmEvent, error)
	ExportCSV(ctx context.Context, w io.Writer, plantID string, from, to time.Time) error
	ExportXLSX(ctx context.Context, w io.Writer, plantID string, from, to time.Time) error
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP surface of the service
type Server struct {
	ingestor Ingestor
	queries  Queries
	verifier *auth.Verifier
	health   Pinger
	logger   *zap.Logger
	now      func() time.Time
}

func NewServer(ingestor Ingestor, queries Queries, verifier *auth.Verifier, health Pinger, logger *zap.Logger) *Server {
	return &Server{
		ingestor: ingestor,
		queries:  queries,
		verifier: verifier,
		health:   health,
		logger:   logger,
		now:      time.Now,
	}
}

// Handler builds the route table wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/datos", s.handleIngest)
	mux.HandleFunc("POST /api/v1/datos/batch", s.handleIngestBatch)

	mux.Handle("GET /api/v1/plantas", s.requireViewer(s.handlePlants))
	mux.Handle("GET /api/v1/plantas/{id}", s.requireViewer(s.handlePlant))
	mux.Handle("GET /api/v1/plantas/{id}/equipos", s.requireViewer(s.handleEquipment))
	mux.Handle("GET /api/v1/historial", s.requireViewer(s.handleHistory))
	mux.Handle("GET /api/v1/estadisticas", s.requireViewer(s.handleStats))
	mux.Handle("GET /api/v1/alarmas", s.requireViewer(s.handleEvents))
	mux.Handle("GET /api/v1/exportar_csv", s.requireViewer(s.handleExportCSV))
	mux.Handle("GET /api/v1/exportar_xlsx", s.requireViewer(s.handleExportXLSX))

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	return loggingMiddleware(mux, s.logger)
}

// NewHTTPServer wires the handler into an http.Server with sane timeouts.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
