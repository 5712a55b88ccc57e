// Package api provides the HTTP endpoints for results, task shapes, live
// updates and flight-log uploads.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"soaring_tracker/internal/broadcast"
	"soaring_tracker/internal/contest"
	"soaring_tracker/internal/igc"
	"soaring_tracker/internal/metrics"
	"soaring_tracker/internal/state"
	"soaring_tracker/internal/storage"
	"soaring_tracker/internal/task"
)

const defaultMaxUpload = 8 << 20

// Competition is the contest state served by the API.
type Competition interface {
	Day() *state.Day
	Classes() []string
	Standings(class string) ([]contest.Standing, error)
	Task(class string) (*task.Task, error)
	UploadLog(ctx context.Context, key string, r io.Reader) (contest.LogResult, error)
}

// TrackStore returns the archived fixes of one pilot.
type TrackStore interface {
	Track(ctx context.Context, day time.Time, key string) ([]storage.Trackpoint, error)
}

// Config holds configuration for the API server.
type Config struct {
	Port      int
	MaxUpload int64      // bytes accepted for a flight log
	Tracks    TrackStore // nil disables the track endpoint
}

// Server serves the contest over HTTP.
type Server struct {
	comp      Competition
	hub       *broadcast.Hub
	tracks    TrackStore
	port      int
	maxUpload int64
	log       *slog.Logger
}

// NewServer creates an API server. hub may be nil, which disables /ws.
func NewServer(comp Competition, hub *broadcast.Hub, cfg Config, log *slog.Logger) *Server {
	if cfg.MaxUpload <= 0 {
		cfg.MaxUpload = defaultMaxUpload
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		comp:      comp,
		hub:       hub,
		tracks:    cfg.Tracks,
		port:      cfg.Port,
		maxUpload: cfg.MaxUpload,
		log:       log.With(slog.String("component", "api")),
	}
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(s.port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info("api listening", slog.String("addr", srv.Addr))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdown)
}

// Router returns the configured chi router.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())
	if s.hub != nil {
		r.Get("/ws/{class}", s.handleLive)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Get("/day", s.handleDay)
		r.Get("/classes/{class}/scores", s.handleScores)
		r.Get("/classes/{class}/task", s.handleTask)
		r.Get("/classes/{class}/task.geojson", s.handleTaskShape)
		r.Post("/classes/{class}/pilots/{compno}/igc", s.handleUpload)
		if s.tracks != nil {
			r.Get("/classes/{class}/pilots/{compno}/track", s.handleTrack)
		}
	})
	return r
}

// corsMiddleware adds CORS headers for browser access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// DayResponse describes the current contest day.
type DayResponse struct {
	Date           string   `json:"date"`
	Classes        []string `json:"classes"`
	Pilots         int      `json:"pilots"`
	UnknownDevices int      `json:"unknownDevices"`
}

func (s *Server) handleDay(w http.ResponseWriter, r *http.Request) {
	day := s.comp.Day()
	if day == nil {
		writeError(w, http.StatusServiceUnavailable, "no contest day loaded")
		return
	}
	writeJSON(w, http.StatusOK, DayResponse{
		Date:           day.Date,
		Classes:        s.comp.Classes(),
		Pilots:         len(day.Trackers()),
		UnknownDevices: day.UnknownCount(),
	})
}

func (s *Server) handleScores(w http.ResponseWriter, r *http.Request) {
	class := chi.URLParam(r, "class")
	standings, err := s.comp.Standings(class)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, standings)
}

// TaskResponse is the JSON form of a task.
type TaskResponse struct {
	ID        string        `json:"id"`
	Class     string        `json:"class"`
	Type      string        `json:"type"`
	Duration  int           `json:"durationSeconds,omitempty"`
	StartOpen int64         `json:"startOpen,omitempty"`
	Distance  float64       `json:"distance"`
	Hash      string        `json:"hash"`
	Legs      []LegResponse `json:"legs"`
}

// LegResponse is one leg of a TaskResponse.
type LegResponse struct {
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Length  float64 `json:"length"`
	Bearing float64 `json:"bearing"` // degrees
	R1      float64 `json:"r1"`
	R2      float64 `json:"r2,omitempty"`
}

func taskToResponse(t *task.Task) TaskResponse {
	resp := TaskResponse{
		ID:        t.ID,
		Class:     t.Class,
		Type:      t.Type.String(),
		Duration:  int(t.Duration / time.Second),
		StartOpen: t.StartOpen,
		Distance:  t.Distance,
		Hash:      t.Hash,
		Legs:      make([]LegResponse, 0, len(t.Legs)),
	}
	for _, l := range t.Legs {
		resp.Legs = append(resp.Legs, LegResponse{
			Lat:     l.Center.Lat(),
			Lon:     l.Center.Lon(),
			Length:  l.Length,
			Bearing: l.Bearing * 180 / math.Pi,
			R1:      l.R1,
			R2:      l.R2,
		})
	}
	return resp
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.comp.Task(chi.URLParam(r, "class"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(t))
}

func (s *Server) handleTaskShape(w http.ResponseWriter, r *http.Request) {
	t, err := s.comp.Task(chi.URLParam(r, "class"))
	if err != nil {
		s.fail(w, err)
		return
	}
	data, err := t.GeoJSON().MarshalJSON()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	key := state.Key(chi.URLParam(r, "class"), strings.ToUpper(chi.URLParam(r, "compno")))
	body := http.MaxBytesReader(w, r.Body, s.maxUpload)
	defer func() { _ = body.Close() }()

	res, err := s.comp.UploadLog(r.Context(), key, body)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// TrackPoint is one archived fix.
type TrackPoint struct {
	Timestamp int64    `json:"t"`
	Lat       float64  `json:"lat"`
	Lng       float64  `json:"lng"`
	Altitude  float32  `json:"altitude"`
	AGL       *float32 `json:"agl,omitempty"`
	Vario     float32  `json:"vario"`
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	day := s.comp.Day()
	if day == nil {
		writeError(w, http.StatusServiceUnavailable, "no contest day loaded")
		return
	}
	key := state.Key(chi.URLParam(r, "class"), strings.ToUpper(chi.URLParam(r, "compno")))
	if _, ok := day.Tracker(key); !ok {
		s.fail(w, state.ErrUnknownPilot)
		return
	}
	date, err := time.Parse(time.DateOnly, day.Date)
	if err != nil {
		s.fail(w, err)
		return
	}

	points, err := s.tracks.Track(r.Context(), date, key)
	if err != nil {
		s.fail(w, err)
		return
	}
	resp := make([]TrackPoint, 0, len(points))
	for _, p := range points {
		resp = append(resp, TrackPoint{
			Timestamp: p.Time.Unix(),
			Lat:       p.Lat,
			Lng:       p.Lon,
			Altitude:  p.Altitude,
			AGL:       p.AGL,
			Vario:     p.Vario,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	class := chi.URLParam(r, "class")
	if !slices.Contains(s.comp.Classes(), class) {
		writeError(w, http.StatusNotFound, "unknown class")
		return
	}
	s.hub.ServeWS(w, r, class)
}

// fail maps domain errors to status codes.
func (s *Server) fail(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, contest.ErrNoActiveTask), errors.Is(err, state.ErrUnknownPilot):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, contest.ErrWrongDay):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &tooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, igc.ErrNoDate), errors.Is(err, igc.ErrNoFixes):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Error("request failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
