package httpapi

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

const maxBodyBytes = 1 << 20

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	var req models.CreateRideRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", dispatch.ErrInvalidRequest, err))
		return
	}
	ride, err := s.rides.CreateRide(r.Context(), caller, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	ride, err := s.rides.Complete(r.Context(), mux.Vars(r)["rideId"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleMyRides(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	rides, err := s.rides.RidesForUser(r.Context(), caller)
	s.writeRides(w, r, rides, err)
}

func (s *Server) handleUserRides(w http.ResponseWriter, r *http.Request) {
	rides, err := s.rides.RidesForUser(r.Context(), mux.Vars(r)["userId"])
	s.writeRides(w, r, rides, err)
}

func (s *Server) handleUserRidesByStatus(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	status := models.RideStatus(strings.ToUpper(vars["status"]))
	rides, err := s.rides.RidesForUserByStatus(r.Context(), vars["userId"], status)
	s.writeRides(w, r, rides, err)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	rides, err := s.rides.ListPending(r.Context())
	s.writeRides(w, r, rides, err)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	driver, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	ride, err := s.rides.Accept(r.Context(), mux.Vars(r)["rideId"], driver)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleActiveRides(w http.ResponseWriter, r *http.Request) {
	rides, err := s.rides.ActiveRidesForDriver(r.Context(), mux.Vars(r)["driverId"])
	s.writeRides(w, r, rides, err)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	loc, err := s.locations.Location(r.Context(), mux.Vars(r)["driverId"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

// handleUpdateLocation takes driverId, lat and lon as query parameters.
func (s *Server) handleUpdateLocation(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	driverID := q.Get("driverId")
	lat, lon, err := parsePoint(q.Get("lat"), q.Get("lon"))
	if err == nil && driverID == "" {
		err = fmt.Errorf("%w: driverId required", geo.ErrInvalidLocation)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if s.publisher != nil {
		u := models.LocationUpdate{DriverID: driverID, Loc: models.Coord{Lat: lat, Lon: lon}, SentAt: time.Now().UTC()}
		if err := s.publisher.PublishLocation(r.Context(), u); err != nil {
			observability.LocationUpdates.WithLabelValues("publish_error").Inc()
			s.logger.Warn("publish location failed", "driver_id", driverID, "error", err)
			writeErrorBody(w, http.StatusServiceUnavailable, "unavailable", "location pipeline unavailable")
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if _, err := s.locations.UpdateLocation(r.Context(), driverID, lat, lon); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, lon, err := parsePoint(q.Get("lat"), q.Get("lon"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ids, err := s.locations.Nearby(r.Context(), lat, lon)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ids)
}

func (s *Server) handleFilterStatus(w http.ResponseWriter, r *http.Request) {
	status := models.RideStatus(strings.ToUpper(r.URL.Query().Get("status")))
	rides, err := s.rides.RidesByStatus(r.Context(), status)
	s.writeRides(w, r, rides, err)
}

// handleFilterDistance takes min and max trip length in km.
func (s *Server) handleFilterDistance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	minKm, err := parseFloatParam(q, "min")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	maxKm, err := parseFloatParam(q, "max")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rides, err := s.rides.RidesByDistance(r.Context(), minKm, maxKm)
	s.writeRides(w, r, rides, err)
}

// handleFilterDateRange takes start and end as YYYY-MM-DD, both inclusive.
func (s *Server) handleFilterDateRange(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, err := parseDate(q.Get("start"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	end, err := parseDate(q.Get("end"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rides, err := s.rides.RidesBetween(r.Context(), start, end)
	s.writeRides(w, r, rides, err)
}

func (s *Server) handleRidesOnDate(w http.ResponseWriter, r *http.Request) {
	day, err := parseDate(mux.Vars(r)["date"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rides, err := s.rides.RidesOn(r.Context(), day)
	s.writeRides(w, r, rides, err)
}

func (s *Server) handleSortByFare(w http.ResponseWriter, r *http.Request) {
	rides, err := s.rides.RidesByFare(r.Context(), r.URL.Query().Get("order"))
	s.writeRides(w, r, rides, err)
}

func (s *Server) requireCaller(w http.ResponseWriter, r *http.Request) (string, bool) {
	caller := CallerFromContext(r.Context())
	if caller == "" {
		s.writeError(w, r, ErrUnauthenticated)
		return "", false
	}
	return caller, true
}

func (s *Server) writeRides(w http.ResponseWriter, r *http.Request, rides []models.Ride, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rides == nil {
		rides = []models.Ride{}
	}
	writeJSON(w, http.StatusOK, rides)
}

const dateLayout = "2006-01-02"

func parseDate(v string) (time.Time, error) {
	d, err := time.Parse(dateLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q, want YYYY-MM-DD", dispatch.ErrInvalidRequest, v)
	}
	return d, nil
}

func parseFloatParam(q url.Values, key string) (float64, error) {
	f, err := strconv.ParseFloat(q.Get(key), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %s %q", dispatch.ErrInvalidRequest, key, q.Get(key))
	}
	return f, nil
}

func parsePoint(latS, lonS string) (float64, float64, error) {
	lat, err := strconv.ParseFloat(latS, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: lat %q", geo.ErrInvalidLocation, latS)
	}
	lon, err := strconv.ParseFloat(lonS, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: lon %q", geo.ErrInvalidLocation, lonS)
	}
	return lat, lon, geo.ValidatePoint(lat, lon)
}
