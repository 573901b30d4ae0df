package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/angelmondragon/creditledger-backend/api/responses"
	pkgerrors "github.com/angelmondragon/creditledger-backend/pkg/errors"
	"github.com/angelmondragon/creditledger-backend/pkg/logger"
)

const (
	adminTokenHeader = "X-Admin-Token"
	adminActorHeader = "X-Admin-Actor"
	defaultActor     = "admin"
)

// AdminToken guards operator routes with a shared secret. An empty token
// disables the admin surface entirely.
func AdminToken(token string, logg *logger.Logger) func(http.Handler) http.Handler {
	expected := []byte(strings.TrimSpace(token))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(expected) == 0 {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeForbidden, "admin api disabled"))
				return
			}

			provided := strings.TrimSpace(r.Header.Get(adminTokenHeader))
			if provided == "" {
				raw := strings.TrimSpace(r.Header.Get("Authorization"))
				if strings.HasPrefix(strings.ToLower(raw), "bearer ") {
					provided = strings.TrimSpace(raw[7:])
				}
			}
			if provided == "" {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing admin token"))
				return
			}
			if subtle.ConstantTimeCompare([]byte(provided), expected) != 1 {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid admin token"))
				return
			}

			actor := strings.TrimSpace(r.Header.Get(adminActorHeader))
			if actor == "" {
				actor = defaultActor
			}
			ctx := WithActor(r.Context(), actor)
			if logg != nil {
				ctx = logg.WithActor(ctx, actor)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
