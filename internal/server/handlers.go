package server

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/pipeline"
)

// proposeBody is the optional JSON body of a propose call.
type proposeBody struct {
	UserID       string `json:"user_id"`
	RoleOverride string `json:"role_override"`
	Text         string `json:"text"`
	pipeline.Options
}

func issueNumber(c echo.Context) (int, error) {
	n, err := strconv.Atoi(c.Param("number"))
	if err != nil || n < 1 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "issue number must be a positive integer")
	}
	return n, nil
}

func (s *Server) ask(c echo.Context) error {
	var req pipeline.Request
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.UserID == "" && req.RoleOverride == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id is required")
	}
	out, err := s.svc.Ask(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) propose(c echo.Context) error {
	n, err := issueNumber(c)
	if err != nil {
		return err
	}
	var body proposeBody
	if err := c.Bind(&body); err != nil {
		return err
	}
	out, err := s.svc.Propose(c.Request().Context(), pipeline.ProposeRequest{
		Issue:        n,
		UserID:       body.UserID,
		RoleOverride: body.RoleOverride,
		Text:         body.Text,
		Options:      body.Options,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) execute(c echo.Context) error {
	n, err := issueNumber(c)
	if err != nil {
		return err
	}
	out, err := s.svc.Execute(c.Request().Context(), n)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}
