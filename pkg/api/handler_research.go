package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// startResearchHandler handles POST /api/v1/research.
// The run continues after the response; poll /api/v1/session for progress.
func (s *Server) startResearchHandler(c *echo.Context) error {
	var req StartResearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if err := s.machine.StartResearch(c.Request().Context(), req.Question, req.Settings); err != nil {
		return mapError(err)
	}

	return c.JSON(http.StatusAccepted, s.machine.View())
}

// resetHandler handles DELETE /api/v1/research.
func (s *Server) resetHandler(c *echo.Context) error {
	s.machine.Reset()
	return c.NoContent(http.StatusNoContent)
}

// chatHandler handles POST /api/v1/chat. It returns once the answer (or
// the error event that replaces it) is in the session log.
func (s *Server) chatHandler(c *echo.Context) error {
	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if err := s.machine.SendChatMessage(c.Request().Context(), req.Message); err != nil {
		return mapError(err)
	}

	return c.JSON(http.StatusOK, s.machine.View())
}

// feedbackHandler handles POST /api/v1/feedback.
func (s *Server) feedbackHandler(c *echo.Context) error {
	var req FeedbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx := c.Request().Context()
	var err error
	if req.Content == nil {
		err = s.machine.RejectFeedback(ctx)
	} else {
		err = s.machine.ResolveFeedback(ctx, *req.Content)
	}
	if err != nil {
		return mapError(err)
	}

	return c.NoContent(http.StatusNoContent)
}
