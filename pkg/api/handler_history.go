package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// listHistoryHandler handles GET /api/v1/history.
func (s *Server) listHistoryHandler(c *echo.Context) error {
	if s.store == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "history not available")
	}

	limit := defaultHistoryLimit
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxHistoryLimit {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit: must be between 1 and 200")
		}
		limit = n
	}

	records, err := s.store.List(c.Request().Context(), limit)
	if err != nil {
		return mapError(err)
	}

	resp := &HistoryListResponse{Records: make([]HistorySummary, 0, len(records))}
	for i := range records {
		resp.Records = append(resp.Records, newHistorySummary(&records[i]))
	}
	return c.JSON(http.StatusOK, resp)
}

// getHistoryHandler handles GET /api/v1/history/:id.
func (s *Server) getHistoryHandler(c *echo.Context) error {
	if s.store == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "history not available")
	}
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "record id is required")
	}

	rec, err := s.store.Get(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}

	return c.JSON(http.StatusOK, rec)
}

// deleteHistoryHandler handles DELETE /api/v1/history/:id.
func (s *Server) deleteHistoryHandler(c *echo.Context) error {
	if s.store == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "history not available")
	}
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "record id is required")
	}

	if err := s.store.Delete(c.Request().Context(), id); err != nil {
		return mapError(err)
	}

	return c.NoContent(http.StatusNoContent)
}

// historyMessagesHandler handles GET /api/v1/history/:id/messages.
func (s *Server) historyMessagesHandler(c *echo.Context) error {
	if s.store == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "history not available")
	}
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "record id is required")
	}

	msgs, err := s.store.ListChatMessages(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}

	return c.JSON(http.StatusOK, &ChatMessagesResponse{Messages: msgs})
}
