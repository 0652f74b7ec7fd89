package api

import (
	"net/http"
	"strconv"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/deepscope-io/deepscope/pkg/events"
)

// sessionHandler handles GET /api/v1/session.
func (s *Server) sessionHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.machine.View())
}

// eventsHandler handles GET /api/v1/session/events.
//
// since skips the first n events so clients can poll incrementally with
// the returned next value. type is a comma-separated list of event types.
func (s *Server) eventsHandler(c *echo.Context) error {
	since := 0
	if v := c.QueryParam("since"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid since: must be a non-negative integer")
		}
		since = n
	}

	evs := s.machine.Log().Since(since)
	next := since + len(evs)

	if v := c.QueryParam("type"); v != "" {
		var types []events.Type
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, events.Type(t))
			}
		}
		match := events.OfType(types...)
		filtered := evs[:0]
		for _, ev := range evs {
			if match(ev) {
				filtered = append(filtered, ev)
			}
		}
		evs = filtered
	}

	return c.JSON(http.StatusOK, &EventsResponse{Events: evs, Next: next})
}

// groupedEventsHandler handles GET /api/v1/session/events/grouped.
func (s *Server) groupedEventsHandler(c *echo.Context) error {
	evs := s.machine.Events()
	logs := events.LogLines(evs)
	if logs == nil {
		logs = []events.LogLine{}
	}
	return c.JSON(http.StatusOK, &GroupedEventsResponse{
		Blocks: events.Group(evs),
		Logs:   logs,
	})
}
