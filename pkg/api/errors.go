package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/deepscope-io/deepscope/pkg/history"
	"github.com/deepscope-io/deepscope/pkg/session"
)

// mapError maps session and history errors to HTTP error responses.
func mapError(err error) *echo.HTTPError {
	if errors.Is(err, session.ErrEmptyInput) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if errors.Is(err, session.ErrBusy) {
		return echo.NewHTTPError(http.StatusConflict, "session is busy")
	}
	if errors.Is(err, session.ErrNoPendingFeedback) {
		return echo.NewHTTPError(http.StatusConflict, "no feedback request is pending")
	}
	if errors.Is(err, history.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}

	// Unexpected error
	slog.Error("Unexpected error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
