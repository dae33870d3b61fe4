// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package profile

import (
	"log/slog"
	"math"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/taibuivan/passage/internal/platform/apperr"
	"github.com/taibuivan/passage/internal/platform/ctxutil"
	"github.com/taibuivan/passage/internal/platform/middleware"
	requestutil "github.com/taibuivan/passage/internal/platform/request"
	"github.com/taibuivan/passage/internal/platform/respond"
	"github.com/taibuivan/passage/internal/users/ratelimit"
)

// viewFlat selects the flattened projection via ?view=flat.
const viewFlat = "flat"

// Handler implements the HTTP layer for profiles and username lookups.
type Handler struct {
	profileService *Service
	limiter        *ratelimit.Limiter
}

// NewHandler constructs a profile [Handler]. limiter may be nil to disable
// per-caller limits on username lookups.
func NewHandler(service *Service, limiter *ratelimit.Limiter) *Handler {
	return &Handler{profileService: service, limiter: limiter}
}

// Routes returns a [chi.Router] with the profile endpoints.
func (handler *Handler) Routes() chi.Router {
	router := chi.NewRouter()

	// Username discovery (anonymous, limited per caller)
	router.Group(func(public chi.Router) {
		public.Use(handler.limitUsernameLookups)
		public.Get("/usernames/{username}/email", handler.resolveUsername)
		public.Get("/usernames/{username}/availability", handler.checkAvailability)
	})

	// Canonical record
	router.Group(func(private chi.Router) {
		private.Use(middleware.RequireAuth)
		private.Get("/profile", handler.fetchProfile)
		private.Put("/profile", handler.upsertProfile)
	})

	return router
}

// limitUsernameLookups applies the username_check sliding window per client IP.
// An unavailable limiter store lets the request through.
func (handler *Handler) limitUsernameLookups(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if handler.limiter == nil {
			next.ServeHTTP(writer, request)
			return
		}

		bucket := ratelimit.NewBucket(ratelimit.ActionUsernameCheck, middleware.RealIP(request))
		allowed, wait, err := handler.limiter.Allow(request.Context(), bucket)
		if err != nil {
			ctxutil.GetLogger(request.Context()).WarnContext(request.Context(), "username_limit_unavailable",
				slog.Any("error", err))
			next.ServeHTTP(writer, request)
			return
		}
		if !allowed {
			respond.Error(writer, request, apperr.RateLimited(int(math.Ceil(wait.Seconds()))))
			return
		}

		next.ServeHTTP(writer, request)
	})
}

// # Username Endpoints

type usernameEmailResponse struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

/*
GET /api/v1/usernames/{username}/email.

Description: Resolves a username to its account email, case-insensitively.

Response:
  - 200: usernameEmailResponse
  - 400: Malformed username
  - 404: No record holds the username
  - 429: Too many lookups from this caller
*/
func (handler *Handler) resolveUsername(writer http.ResponseWriter, request *http.Request) {
	username := requestutil.Param(request, "username")

	email, err := handler.profileService.ResolveUsername(request.Context(), username)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.OK(writer, usernameEmailResponse{Username: username, Email: email})
}

type availabilityResponse struct {
	Username  string `json:"username"`
	Available bool   `json:"available"`
}

/*
GET /api/v1/usernames/{username}/availability.

Response:
  - 200: availabilityResponse
  - 400: Malformed username
  - 429: Too many checks from this caller
*/
func (handler *Handler) checkAvailability(writer http.ResponseWriter, request *http.Request) {
	username := requestutil.Param(request, "username")

	available, err := handler.profileService.UsernameAvailable(request.Context(), username)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.OK(writer, availabilityResponse{Username: username, Available: available})
}

// # Profile Endpoints

/*
GET /api/v1/profile.

Description: Returns the caller's canonical record, or null when none exists
yet. ?view=flat returns the flattened projection.

Response:
  - 200: Record | flat object | null
  - 401: Missing or invalid identity token
*/
func (handler *Handler) fetchProfile(writer http.ResponseWriter, request *http.Request) {
	identity, err := requestutil.RequiredIdentity(request)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	record, err := handler.profileService.Fetch(request.Context(), identity)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	handler.writeRecord(writer, request, record)
}

/*
PUT /api/v1/profile.

Description: Merges a partial payload (flat or grouped, snake_case or
camelCase) into the caller's record, creating it on first contact.

Response:
  - 200: The merged record (or its flat projection)
  - 400: Malformed payload
  - 401: Missing or invalid identity token
  - 403: Payload names another subject
  - 409: Username already taken
*/
func (handler *Handler) upsertProfile(writer http.ResponseWriter, request *http.Request) {
	identity, err := requestutil.RequiredIdentity(request)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	var payload map[string]any
	if err := requestutil.DecodeJSON(request, &payload); err != nil {
		respond.Error(writer, request, err)
		return
	}

	record, err := handler.profileService.Upsert(request.Context(), identity, payload)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	handler.writeRecord(writer, request, record)
}

func (handler *Handler) writeRecord(writer http.ResponseWriter, request *http.Request, record *Record) {
	if request.URL.Query().Get("view") != viewFlat {
		respond.OK(writer, record)
		return
	}

	flat, err := Flatten(record)
	if err != nil {
		respond.Error(writer, request, apperr.Internal(err))
		return
	}
	respond.OK(writer, flat)
}
