// Package httpapi exposes the dispatch engine over HTTP under /api/v1.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/models"
)

// Rides is the ride lifecycle the API drives.
type Rides interface {
	CreateRide(ctx context.Context, requesterID string, req models.CreateRideRequest) (models.Ride, error)
	ListPending(ctx context.Context) ([]models.Ride, error)
	Accept(ctx context.Context, rideID, driverID string) (models.Ride, error)
	Complete(ctx context.Context, rideID string) (models.Ride, error)
	RidesForUser(ctx context.Context, userID string) ([]models.Ride, error)
	RidesForUserByStatus(ctx context.Context, userID string, status models.RideStatus) ([]models.Ride, error)
	ActiveRidesForDriver(ctx context.Context, driverID string) ([]models.Ride, error)
	RidesByStatus(ctx context.Context, status models.RideStatus) ([]models.Ride, error)
	RidesByDistance(ctx context.Context, minKm, maxKm float64) ([]models.Ride, error)
	RidesBetween(ctx context.Context, first, last time.Time) ([]models.Ride, error)
	RidesOn(ctx context.Context, day time.Time) ([]models.Ride, error)
	RidesByFare(ctx context.Context, order string) ([]models.Ride, error)
}

// Locations is the driver grid.
type Locations interface {
	UpdateLocation(ctx context.Context, driverID string, lat, lon float64) (models.DriverLocation, error)
	Nearby(ctx context.Context, lat, lon float64) ([]string, error)
	Location(ctx context.Context, driverID string) (models.DriverLocation, error)
}

type Admitter interface {
	Admit(ctx context.Context, clientID string) bool
}

// LocationPublisher hands location reports to an asynchronous pipeline.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, u models.LocationUpdate) error
}

type Deps struct {
	Rides     Rides
	Locations Locations
	// Limiter is optional; nil admits everything.
	Limiter Admitter
	// Publisher is optional; when set, location reports are queued
	// instead of written to the grid inline.
	Publisher LocationPublisher
	// Events serves /ws subscribers when set.
	Events http.Handler
	Auth   *Authenticator
	// TrustedProxies are the peers whose X-Forwarded-For header names the
	// client. Empty means every caller is identified by its own address.
	TrustedProxies []netip.Prefix
	// Ready reports backing store health for /ready.
	Ready  func(ctx context.Context) error
	Logger *slog.Logger
}

type Server struct {
	rides          Rides
	locations      Locations
	limiter        Admitter
	publisher      LocationPublisher
	auth           *Authenticator
	trustedProxies []netip.Prefix
	ready          func(ctx context.Context) error
	logger         *slog.Logger
	mux            *mux.Router
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	auth := d.Auth
	if auth == nil {
		auth = NewAuthenticator("")
	}
	s := &Server{
		rides:          d.Rides,
		locations:      d.Locations,
		limiter:        d.Limiter,
		publisher:      d.Publisher,
		auth:           auth,
		trustedProxies: d.TrustedProxies,
		ready:          d.Ready,
		logger:         logger.With("component", "http"),
		mux:            mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes(d.Events)
	return s
}

func (s *Server) routes(events http.Handler) {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	if events != nil {
		s.mux.Handle("/ws", events)
	}

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/rides", s.handleCreateRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{rideId}/complete", s.handleComplete).Methods(http.MethodPost)
	api.HandleFunc("/user/rides", s.handleMyRides).Methods(http.MethodGet)
	api.HandleFunc("/user/{userId}", s.handleUserRides).Methods(http.MethodGet)
	api.HandleFunc("/user/{userId}/status/{status}", s.handleUserRidesByStatus).Methods(http.MethodGet)
	api.HandleFunc("/driver/rides/requests", s.handlePending).Methods(http.MethodGet)
	api.HandleFunc("/driver/rides/{rideId}/accept", s.handleAccept).Methods(http.MethodPost)
	api.HandleFunc("/driver/{driverId}/active-rides", s.handleActiveRides).Methods(http.MethodGet)
	api.HandleFunc("/driver/{driverId}/location", s.handleDriverLocation).Methods(http.MethodGet)
	api.HandleFunc("/driver/location", s.handleUpdateLocation).Methods(http.MethodPost)
	api.HandleFunc("/nearby-drivers", s.handleNearby).Methods(http.MethodGet)
	api.HandleFunc("/filter-status", s.handleFilterStatus).Methods(http.MethodGet)
	api.HandleFunc("/filter-distance", s.handleFilterDistance).Methods(http.MethodGet)
	api.HandleFunc("/filter-date-range", s.handleFilterDateRange).Methods(http.MethodGet)
	api.HandleFunc("/date/{date}", s.handleRidesOnDate).Methods(http.MethodGet)
	api.HandleFunc("/sort", s.handleSortByFare).Methods(http.MethodGet)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", "error", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
