package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/alanyoungcy/perpengine/internal/domain"
)

const (
	maxBodyBytes     = 64 << 10
	defaultListLimit = 50
	maxListLimit     = 500
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrEngineStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicateOrder),
		errors.Is(err, domain.ErrOpenInterestCap),
		errors.Is(err, domain.ErrTooManyPositions):
		return http.StatusConflict
	case domain.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// writeEngineError answers with err's message when the caller can act on it.
// Internal failures are logged and answered with a generic message.
func writeEngineError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError || status == http.StatusGatewayTimeout {
		logger.ErrorContext(r.Context(), op+" failed", slog.String("error", err.Error()))
		writeError(w, status, op+" failed")
		return
	}
	writeError(w, status, err.Error())
}

// decodeBody reads a bounded JSON body into v, rejecting unknown fields.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// parseListOpts reads owner, since, until, limit and offset. Bad numbers
// fall back to the defaults; limit is capped at maxListLimit. Times must be
// RFC 3339.
func parseListOpts(q url.Values) (domain.ListOpts, error) {
	opts := domain.ListOpts{
		Limit:  min(queryInt(q, "limit", defaultListLimit, 1), maxListLimit),
		Offset: queryInt(q, "offset", 0, 0),
		Owner:  q.Get("owner"),
	}
	var err error
	if opts.Since, err = queryTime(q, "since"); err != nil {
		return opts, err
	}
	if opts.Until, err = queryTime(q, "until"); err != nil {
		return opts, err
	}
	return opts, nil
}

func queryInt(q url.Values, name string, def, floor int) int {
	n, err := strconv.Atoi(q.Get(name))
	if err != nil || n < floor {
		return def
	}
	return n
}

func queryTime(q url.Values, name string) (*time.Time, error) {
	v := q.Get(name)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("%s must be RFC3339", name)
	}
	return &t, nil
}

func componentLogger(logger *slog.Logger, name string) *slog.Logger {
	return logger.With(slog.String("handler", name))
}
