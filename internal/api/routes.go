// SPDX-FileCopyrightText: (C) 2025 openoath contributors
// SPDX-License-Identifier: Apache 2.0

// Package api is the daemon's HTTP surface: a JSON API over the device
// manager, a websocket event feed bootstrapped with a hierarchy snapshot,
// and a health endpoint.
package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	oath "github.com/openoath/oathd"
	"github.com/openoath/oathd/apdu"
	"github.com/openoath/oathd/publish"
)

// Server binds the HTTP surface to the engine.
type Server struct {
	manager   *oath.Manager
	publisher *publish.Publisher
	logger    *zap.Logger
}

// NewServer creates the handler set.
func NewServer(manager *oath.Manager, publisher *publish.Publisher, logger *zap.Logger) *Server {
	return &Server{manager: manager, publisher: publisher, logger: logger}
}

// InitRoutes registers all routes on the Echo instance.
func (s *Server) InitRoutes(e *echo.Echo) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "service": "oathd"})
	})

	v1 := e.Group("/api/v1")
	v1.GET("/devices", s.listDevices)
	v1.GET("/devices/:id", s.getDevice)
	v1.DELETE("/devices/:id", s.forgetDevice)
	v1.PUT("/devices/:id/name", s.renameDevice)
	v1.POST("/devices/:id/password", s.submitPassword)
	v1.PUT("/devices/:id/password", s.setPassword)
	v1.DELETE("/devices/:id/password", s.removePassword)
	v1.POST("/devices/:id/credentials", s.addCredential)
	v1.DELETE("/devices/:id/credentials/:name", s.deleteCredential)
	v1.POST("/devices/:id/credentials/:name/code", s.generateCode)
	v1.POST("/devices/:id/codes", s.calculateAll)

	e.GET("/ws", s.eventFeed)
}

func (s *Server) session(c echo.Context) (*oath.Session, error) {
	session, ok := s.manager.Session(c.Param("id"))
	if !ok {
		return nil, echo.NewHTTPError(http.StatusNotFound, "unknown device")
	}
	return session, nil
}

// fail maps engine errors onto HTTP statuses.
func (s *Server) fail(c echo.Context, err error) error {
	s.logger.Debug("request failed",
		zap.String("path", c.Path()),
		zap.String("device", c.Param("id")),
		zap.Error(err),
	)
	switch {
	case errors.Is(err, oath.ErrNoSuchCredential), errors.Is(err, apdu.ErrNoSuchObject):
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: err.Error()})
	case errors.Is(err, oath.ErrAuthenticationFailed):
		return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "authentication_failed", Message: err.Error()})
	case errors.Is(err, oath.ErrDisconnected), errors.Is(err, oath.ErrNotReady):
		return c.JSON(http.StatusConflict, ErrorResponse{Error: "not_ready", Message: err.Error()})
	default:
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal", Message: err.Error()})
	}
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: msg})
}

func (s *Server) listDevices(c echo.Context) error {
	return c.JSON(http.StatusOK, s.publisher.Snapshot())
}

func (s *Server) getDevice(c echo.Context) error {
	node, ok := s.publisher.Device(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "unknown device"})
	}
	return c.JSON(http.StatusOK, node)
}

func (s *Server) forgetDevice(c echo.Context) error {
	if err := s.manager.Forget(c.Param("id")); err != nil {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) renameDevice(c echo.Context) error {
	session, err := s.session(c)
	if err != nil {
		return err
	}
	var req RenameRequest
	if err := c.Bind(&req); err != nil || req.Name == "" {
		return badRequest(c, "name is required")
	}
	session.Rename(req.Name)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) submitPassword(c echo.Context) error {
	session, err := s.session(c)
	if err != nil {
		return err
	}
	var req PasswordRequest
	if err := c.Bind(&req); err != nil || req.Password == "" {
		return badRequest(c, "password is required")
	}
	if err := session.SubmitPassword(c.Request().Context(), []byte(req.Password)); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) setPassword(c echo.Context) error {
	session, err := s.session(c)
	if err != nil {
		return err
	}
	var req PasswordRequest
	if err := c.Bind(&req); err != nil || req.Password == "" {
		return badRequest(c, "password is required")
	}
	if err := session.SetPassword(c.Request().Context(), []byte(req.Password)); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) removePassword(c echo.Context) error {
	session, err := s.session(c)
	if err != nil {
		return err
	}
	if err := session.RemovePassword(c.Request().Context()); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) addCredential(c echo.Context) error {
	session, err := s.session(c)
	if err != nil {
		return err
	}
	var req CredentialRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	data, err := req.toData()
	if err != nil {
		return badRequest(c, err.Error())
	}
	if err := session.AddCredential(c.Request().Context(), data); err != nil {
		if errors.Is(err, oath.ErrNotReady) || errors.Is(err, oath.ErrDisconnected) {
			return s.fail(c, err)
		}
		var se apdu.StatusError
		if errors.As(err, &se) {
			return s.fail(c, err)
		}
		return badRequest(c, err.Error())
	}
	return c.NoContent(http.StatusCreated)
}

func (s *Server) deleteCredential(c echo.Context) error {
	session, err := s.session(c)
	if err != nil {
		return err
	}
	if err := session.DeleteCredential(c.Request().Context(), c.Param("name")); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) generateCode(c echo.Context) error {
	session, err := s.session(c)
	if err != nil {
		return err
	}
	result, err := session.GenerateCode(c.Request().Context(), c.Param("name"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, codeResponse(result))
}

func (s *Server) calculateAll(c echo.Context) error {
	session, err := s.session(c)
	if err != nil {
		return err
	}
	entries, err := session.CalculateAll(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	out := CodeListResponse{Codes: make([]CodeResponse, 0, len(entries))}
	for _, e := range entries {
		out.Codes = append(out.Codes, entryResponse(e))
	}
	return c.JSON(http.StatusOK, out)
}
