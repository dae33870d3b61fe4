// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/taibuivan/passage/internal/platform/apperr"
	"github.com/taibuivan/passage/internal/platform/constants"
	"github.com/taibuivan/passage/internal/platform/ctxutil"
	"github.com/taibuivan/passage/internal/platform/respond"
	"github.com/taibuivan/passage/internal/platform/sec"
)

// TokenVerifier verifies identity tokens issued by the external identity provider.
//
// [sec.IdentityVerifier] satisfies it; tests inject fakes.
type TokenVerifier interface {
	VerifyToken(context context.Context, rawToken string) (*sec.IdentityClaims, error)
}

// Authenticate extracts and verifies the identity token from the Authorization header.
//
// # Flow
//  1. Check for 'Authorization: Bearer <token>' header.
//  2. If absent, request proceeds as anonymous.
//  3. If present, verify it via [TokenVerifier].
//  4. Inject [*sec.IdentityClaims] and the raw bearer into the request context.
func Authenticate(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			authHeader := request.Header.Get(constants.HeaderAuthorization)

			// ── 1. Anonymous Access ───────────────────────────────────────────
			if authHeader == "" {
				next.ServeHTTP(writer, request)
				return
			}

			// ── 2. Format Validation ──────────────────────────────────────────
			scheme, token, found := strings.Cut(authHeader, " ")
			if !found || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
				respond.Error(writer, request, apperr.Unauthorized("Invalid authorization format"))
				return
			}
			token = strings.TrimSpace(token)

			// ── 3. Token Verification ─────────────────────────────────────────
			claims, err := verifier.VerifyToken(request.Context(), token)
			if err != nil {
				respond.Error(writer, request, &apperr.AppError{
					Code:       apperr.CodeUnauthorized,
					Message:    "Invalid or expired token",
					HTTPStatus: http.StatusUnauthorized,
					Cause:      err,
				})
				return
			}

			// ── 4. Context Injection ──────────────────────────────────────────
			reportSubject(request.Context(), claims.SubjectID)
			ctx := ctxutil.WithIdentity(request.Context(), claims)
			ctx = ctxutil.WithBearer(ctx, token)
			next.ServeHTTP(writer, request.WithContext(ctx))
		})
	}
}

// RequireAuth blocks requests that are not authenticated.
//
// Must be registered in the router AFTER [Authenticate].
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if ctxutil.GetIdentity(request.Context()) == nil {
			respond.Error(writer, request, apperr.Unauthorized("Authentication required"))
			return
		}
		next.ServeHTTP(writer, request)
	})
}
