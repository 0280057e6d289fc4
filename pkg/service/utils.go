package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"

	"github.com/parlo-health/parlo-call/pkg/logger"
)

var roomIDPattern = regexp.MustCompile(`^[A-Za-z0-9_\-]{1,128}$`)

func ValidateRoomID(roomID string) error {
	if !roomIDPattern.MatchString(roomID) {
		return ErrInvalidRoomID
	}
	return nil
}

func handleError(w http.ResponseWriter, r *http.Request, status int, err error, keysAndValues ...interface{}) {
	keysAndValues = append(keysAndValues, "status", status)
	if r != nil && r.URL != nil {
		keysAndValues = append(keysAndValues, "method", r.Method, "path", r.URL.Path)
	}
	if r == nil || (!errors.Is(err, context.Canceled) && !errors.Is(r.Context().Err(), context.Canceled)) {
		logger.Warnw("error handling request", err, keysAndValues...)
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte(err.Error()))
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
