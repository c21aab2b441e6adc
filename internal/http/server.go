package http

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"pagemapdb/pkg/store"
	"pagemapdb/pkg/storeerrors"

	"github.com/go-chi/chi/v5"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = "8080"
	defaultShutdownTimeout = time.Second * 5
)

type iStoreAPI interface {
	Regions() ([]store.RegionInfo, error)
	RegionInfo(name string) (store.RegionInfo, error)
	ReadPage(name string, index uint64) ([]byte, error)
}

type iMetricsAPI interface {
	Snapshot() map[string]float64
}

// Server exposes read-only inspection of the store: region file sets, single
// pages, and collected metrics. It never writes; persisting stays with the
// round layer.
type Server struct {
	store      iStoreAPI
	registry   iMetricsAPI
	httpServer *http.Server
	URL        string
	addr       string
}

// NewServer creates a server instance; registry may be nil.
func NewServer(st iStoreAPI, registry iMetricsAPI, port string) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	return &Server{
		store:    st,
		registry: registry,
		URL:      "http://localhost:" + port,
		addr:     ":" + port,
	}
}

// Start starts the server.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/regions", s.handleRegions)
	r.Get("/regions/{region}", s.handleRegion)
	r.Get("/regions/{region}/pages/{index}", s.handlePage)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.registry == nil {
		s.writeJSON(w, http.StatusOK, map[string]float64{})
		return
	}
	s.writeJSON(w, http.StatusOK, s.registry.Snapshot())
}

func (s *Server) handleRegions(w http.ResponseWriter, _ *http.Request) {
	infos, err := s.store.Regions()
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleRegion(w http.ResponseWriter, r *http.Request) {
	info, err := s.store.RegionInfo(chi.URLParam(r, "region"))
	if err != nil {
		s.writeJSON(w, s.statusFor(err), NewErrorResponse(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	region := chi.URLParam(r, "region")

	index, err := strconv.ParseUint(chi.URLParam(r, "index"), 10, 64)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("page index must be an unsigned integer"))
		return
	}

	page, err := s.store.ReadPage(region, index)
	if err != nil {
		s.writeJSON(w, s.statusFor(err), NewErrorResponse(err.Error()))
		return
	}

	s.writeJSON(w, http.StatusOK, PageResponse{
		Region: region,
		Index:  index,
		Page:   base64.StdEncoding.EncodeToString(page),
	})
}

func (s *Server) statusFor(err error) int {
	switch {
	case errors.Is(err, storeerrors.ErrRegionNotFound), errors.Is(err, store.ErrPageOutOfRange):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}
