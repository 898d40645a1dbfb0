// Package api serves the photo-booth HTTP contract: upload endpoints that
// run the styling pipeline, the raw image endpoint and the gallery.
package api

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dunamismax/photobooth/internal/config"
	"github.com/dunamismax/photobooth/internal/domain"
	"github.com/dunamismax/photobooth/internal/pipeline"
	"github.com/dunamismax/photobooth/internal/ratelimit"
	"github.com/dunamismax/photobooth/internal/storage"
	"github.com/dunamismax/photobooth/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type Processor interface {
	Process(ctx context.Context, input []byte, source, output domain.Format) (pipeline.Result, error)
}

// ExpiryScheduler arranges for a record to be removed once its retention
// window closes.
type ExpiryScheduler interface {
	ScheduleExpiry(ctx context.Context, rec domain.ProcessedImageRecord) error
}

type RateLimiter interface {
	Allow(ctx context.Context, subject string) (ratelimit.Decision, error)
}

// Deps are the collaborators of a Server. Records and Objects are required;
// a nil Pipeline gets the default styling pipeline.
type Deps struct {
	Logger      *log.Logger
	Pipeline    Processor
	Records     store.RecordStore
	Objects     storage.ObjectStore
	Expiry      ExpiryScheduler
	RateLimiter RateLimiter
}

type Server struct {
	logger        *log.Logger
	pipeline      Processor
	records       store.RecordStore
	objects       storage.ObjectStore
	expiry        ExpiryScheduler
	rateLimiter   RateLimiter
	metrics       *metrics
	tracer        trace.Tracer
	mux           *http.ServeMux
	maxUpload     int64
	maxPixels     int
	publicBaseURL string
	corsOrigin    string
	now           func() time.Time
}

func NewServer(cfg config.APIConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = domain.MaxUploadBytes
	}

	s := &Server{
		logger:        logger,
		records:       deps.Records,
		objects:       deps.Objects,
		expiry:        deps.Expiry,
		rateLimiter:   deps.RateLimiter,
		metrics:       newMetrics(),
		tracer:        otel.Tracer("photobooth/api"),
		mux:           http.NewServeMux(),
		maxUpload:     maxUpload,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		corsOrigin:    cfg.CORSOrigin,
		now:           time.Now,
	}
	s.maxPixels = cfg.MaxInputPixels
	if s.maxPixels <= 0 {
		s.maxPixels = domain.MaxInputPixels
	}
	s.pipeline = deps.Pipeline
	if s.pipeline == nil {
		p := pipeline.New(s.metrics)
		p.SetMaxPixels(s.maxPixels)
		s.pipeline = p
	}
	s.routes()
	return s
}

// Handler returns the mux wrapped in CORS, tracing, metrics and rate
// limiting, outermost first.
func (s *Server) Handler() http.Handler {
	return s.withCORS(s.withTracing(s.metrics.withHTTPMetrics(s.withRateLimit(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())

	s.mux.HandleFunc("POST /api/process", s.handleProcess)
	s.mux.HandleFunc("POST /api/process-image", s.handleProcessImage)

	s.mux.HandleFunc("GET /api/image/{id}", s.handleImage)
	s.mux.HandleFunc("GET /api/images", s.handleListImages)
	s.mux.HandleFunc("GET /api/images/{id}", s.handleGetImage)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) locator(id string) string {
	return s.publicBaseURL + "/api/image/" + id
}
