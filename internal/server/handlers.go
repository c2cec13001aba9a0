package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/twpayne/go-demprofile"
)

const maxRequestBodyBytes = 1 << 20

var errInvalidRequest = errors.New("invalid request")

// profileRequest is the body of a POST /elevation-profile request.
type profileRequest struct {
	DEMName        string            `json:"demName"`
	StartPoint     *demprofile.Point `json:"startPoint"`
	EndPoint       *demprofile.Point `json:"endPoint"`
	NumSample      int               `json:"numSample"`
	CoordinateCode string            `json:"coordinateCode,omitempty"`
}

// profileResponse is the body of a POST /elevation-profile response. Result is
// empty, not null, on error.
type profileResponse struct {
	Status  string                   `json:"status"`
	Message string                   `json:"message"`
	Result  demprofile.Profile       `json:"result"`
	Stats   *demprofile.ProfileStats `json:"stats,omitempty"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "UP",
		Message: "Elevation Profile API is running",
	})
}

// handleHealthz returns 200 "ok\n" unconditionally.
func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// handleReadyz returns 200 "ready\n" until the server starts shutting down.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("shutting down\n"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}

func (s *Server) handleElevationProfile(w http.ResponseWriter, r *http.Request) {
	req, err := decodeProfileRequest(w, r)
	if err != nil {
		s.writeProfileError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()

	s.logger.InfoContext(ctx, "processing elevation profile request",
		"dem", req.DEMName,
		"start", req.Start,
		"end", req.End,
		"samples", req.NumSamples,
		"crs", req.CRS,
	)
	profile, err := s.profiler.Profile(ctx, req)
	if err != nil {
		s.writeProfileError(w, r, err)
		return
	}

	if acceptsCSV(r) {
		w.Header().Set("Content-Type", "text/csv")
		w.WriteHeader(http.StatusOK)
		if err := demprofile.WriteCSV(w, profile); err != nil {
			s.logger.WarnContext(ctx, "write CSV", "error", err)
		}
		return
	}

	resp := profileResponse{
		Status:  strconv.Itoa(http.StatusOK),
		Message: "Elevation profile calculated successfully",
		Result:  profile,
	}
	if stats, ok := profile.Stats(); ok {
		resp.Stats = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

// decodeProfileRequest decodes and validates the body of r.
func decodeProfileRequest(w http.ResponseWriter, r *http.Request) (demprofile.ProfileRequest, error) {
	var body profileRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err := decoder.Decode(&body); err != nil {
		return demprofile.ProfileRequest{}, fmt.Errorf("%w: %w", errInvalidRequest, err)
	}
	switch {
	case body.DEMName == "":
		return demprofile.ProfileRequest{}, fmt.Errorf("%w: demName is required", errInvalidRequest)
	case body.StartPoint == nil:
		return demprofile.ProfileRequest{}, fmt.Errorf("%w: startPoint is required", errInvalidRequest)
	case body.EndPoint == nil:
		return demprofile.ProfileRequest{}, fmt.Errorf("%w: endPoint is required", errInvalidRequest)
	}
	return demprofile.ProfileRequest{
		DEMName:    body.DEMName,
		Start:      *body.StartPoint,
		End:        *body.EndPoint,
		NumSamples: body.NumSample,
		CRS:        body.CoordinateCode,
	}, nil
}

func (s *Server) writeProfileError(w http.ResponseWriter, r *http.Request, err error) {
	statusCode := statusCode(err)
	level := slog.LevelError
	if statusCode < http.StatusInternalServerError {
		level = slog.LevelWarn
	}
	s.logger.Log(r.Context(), level, "elevation profile error",
		"status", statusCode,
		"error", err,
	)
	writeJSON(w, statusCode, profileResponse{
		Status:  strconv.Itoa(statusCode),
		Message: "Elevation profile calculated error: " + err.Error(),
		Result:  demprofile.Profile{},
	})
}

// statusCode returns the HTTP status code for err.
func statusCode(err error) int {
	switch {
	case errors.Is(err, errInvalidRequest),
		errors.Is(err, demprofile.ErrInvalidSampleCount),
		errors.Is(err, demprofile.ErrUnresolvableCRS):
		return http.StatusBadRequest
	case errors.Is(err, demprofile.ErrRasterNotFound):
		return http.StatusNotFound
	case errors.Is(err, demprofile.ErrUndefinedRasterCRS),
		errors.Is(err, demprofile.ErrInvalidGeoTransform),
		errors.Is(err, demprofile.ErrNoBands):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// acceptsCSV returns whether r prefers a CSV response.
func acceptsCSV(r *http.Request) bool {
	for _, accept := range strings.Split(r.Header.Get("Accept"), ",") {
		mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(accept))
		if err != nil {
			continue
		}
		switch mediaType {
		case "text/csv":
			return true
		case "application/json":
			return false
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}
