// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package session

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/taibuivan/passage/internal/platform/middleware"
	requestutil "github.com/taibuivan/passage/internal/platform/request"
	"github.com/taibuivan/passage/internal/platform/respond"
	"github.com/taibuivan/passage/internal/platform/validate"
)

// Handler exposes session issuance over HTTP.
type Handler struct {
	sessionService *Service
}

// NewHandler constructs a [Handler].
func NewHandler(service *Service) *Handler {
	return &Handler{sessionService: service}
}

// Routes returns the session router.
//
// # Endpoints
//   - POST /         : Exchange an identity token for a session.
//   - POST /refresh  : Rotate a refresh token.
//   - POST /revoke   : End a session.
func (handler *Handler) Routes() chi.Router {
	router := chi.NewRouter()

	router.Post("/refresh", handler.refresh)
	router.Post("/revoke", handler.revoke)

	router.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth)
		r.Post("/", handler.create)
	})

	return router
}

type refreshTokenRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (req *refreshTokenRequest) validate() error {
	return new(validate.Validator).Required("refresh_token", req.RefreshToken).Err()
}

/*
POST /api/v1/sessions.

Response:
  - 201: Issued
  - 401: Missing or invalid identity token
*/
func (handler *Handler) create(writer http.ResponseWriter, request *http.Request) {
	identity, err := requestutil.RequiredIdentity(request)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	issued, err := handler.sessionService.Create(request.Context(), identity)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.Created(writer, issued)
}

/*
POST /api/v1/sessions/refresh.

Response:
  - 200: Issued
  - 400: Missing refresh_token
  - 401: Unknown, expired or already rotated token
*/
func (handler *Handler) refresh(writer http.ResponseWriter, request *http.Request) {
	var input refreshTokenRequest
	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, err)
		return
	}
	if err := input.validate(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	issued, err := handler.sessionService.Refresh(request.Context(), input.RefreshToken)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.OK(writer, issued)
}

// POST /api/v1/sessions/revoke. Always 204 for a well-formed body.
func (handler *Handler) revoke(writer http.ResponseWriter, request *http.Request) {
	var input refreshTokenRequest
	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, err)
		return
	}
	if err := input.validate(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	if err := handler.sessionService.Revoke(request.Context(), input.RefreshToken); err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.NoContent(writer)
}
