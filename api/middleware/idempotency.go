package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/angelmondragon/creditledger-backend/api/responses"
	pkgerrors "github.com/angelmondragon/creditledger-backend/pkg/errors"
	"github.com/angelmondragon/creditledger-backend/pkg/logger"
	pkgredis "github.com/angelmondragon/creditledger-backend/pkg/redis"
)

const (
	IdempotencyKeyHeader      = "Idempotency-Key"
	IdempotentReplayedHeader  = "Idempotent-Replayed"
	maxIdempotencyKeyLength   = 255
	adminIdempotencyTTL       = 24 * time.Hour
	checkoutIdempotencyTTL    = 7 * 24 * time.Hour
	inFlightIdempotencyWindow = time.Minute
)

// idempotentRoutes maps a chi route pattern to how long its first response
// is replayed. Usage debits carry their own key in the body and are not listed.
var idempotentRoutes = map[string]time.Duration{
	http.MethodPost + " /api/v1/admin/adjustments":              adminIdempotencyTTL,
	http.MethodPost + " /api/v1/admin/ledger/{entryID}/reverse": adminIdempotencyTTL,
	http.MethodPost + " /api/v1/admin/rate-cards":               adminIdempotencyTTL,
	http.MethodPost + " /api/v1/checkout":                       checkoutIdempotencyTTL,
}

// storedResponse is what a key resolves to in redis. A record without a
// status marks a request still being handled.
type storedResponse struct {
	Status      int    `json:"status,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Body        []byte `json:"body,omitempty"`
	RequestHash string `json:"requestHash"`
}

func (s storedResponse) inFlight() bool { return s.Status == 0 }

// Idempotency replays the first completed response for a repeated
// Idempotency-Key on the routes above. Keys are scoped per actor, method and
// path. A key reused with a different body is rejected, a key whose first
// request is still running gets a conflict, and server errors are not
// remembered so the caller may retry.
func Idempotency(store pkgredis.IdempotencyStore, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ttl, ok := routeTTL(r.Method, routePattern(r))
			if !ok || store == nil {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()

			clientKey := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
			if clientKey == "" || len(clientKey) > maxIdempotencyKeyLength {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "Idempotency-Key header required").
					WithDetails(map[string]any{"header": IdempotencyKeyHeader, "maxLength": maxIdempotencyKeyLength}))
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			requestHash := hashBody(body)
			key := store.IdempotencyKey(idempotencyScope(r), clientKey)

			reserved, err := reserve(ctx, store, key, requestHash)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reserve idempotency key"))
				return
			}
			if !reserved {
				existing, err := load(ctx, store, key)
				if err != nil {
					responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load idempotency record"))
					return
				}
				switch {
				case existing == nil:
					responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeConflict, "idempotent request expired while checking, retry"))
				case existing.RequestHash != requestHash:
					responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeIdempotency, "idempotency key reused with different request body"))
				case existing.inFlight():
					responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeConflict, "a request with this idempotency key is in progress"))
				default:
					replay(w, existing)
				}
				return
			}

			capture := &responseCapture{ResponseWriter: w}
			next.ServeHTTP(capture, r)

			status := capture.statusOrDefault()
			if status >= http.StatusInternalServerError {
				if err := store.Del(ctx, key); err != nil && logg != nil {
					logg.Error(ctx, "release idempotency key", err)
				}
				return
			}

			record := storedResponse{
				Status:      status,
				ContentType: capture.Header().Get("Content-Type"),
				Body:        capture.body.Bytes(),
				RequestHash: requestHash,
			}
			if err := save(ctx, store, key, record, ttl); err != nil && logg != nil {
				logg.Error(logg.WithField(ctx, "idempotency_key", clientKey), "persist idempotency record", err)
			}
		})
	}
}

func reserve(ctx context.Context, store pkgredis.IdempotencyStore, key, requestHash string) (bool, error) {
	marker, err := json.Marshal(storedResponse{RequestHash: requestHash})
	if err != nil {
		return false, err
	}
	return store.SetNX(ctx, key, string(marker), inFlightIdempotencyWindow)
}

func load(ctx context.Context, store pkgredis.IdempotencyStore, key string) (*storedResponse, error) {
	raw, err := store.Get(ctx, key)
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var record storedResponse
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func save(ctx context.Context, store pkgredis.IdempotencyStore, key string, record storedResponse, ttl time.Duration) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return store.Set(ctx, key, string(payload), ttl)
}

func replay(w http.ResponseWriter, record *storedResponse) {
	if record.ContentType != "" {
		w.Header().Set("Content-Type", record.ContentType)
	}
	w.Header().Set(IdempotentReplayedHeader, "true")
	w.WriteHeader(record.Status)
	_, _ = w.Write(record.Body)
}

func idempotencyScope(r *http.Request) string {
	return strings.Join([]string{ActorFromContext(r.Context()), r.Method, r.URL.Path}, "|")
}

func hashBody(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func routeTTL(method, pattern string) (time.Duration, bool) {
	if pattern == "" {
		return 0, false
	}
	ttl, ok := idempotentRoutes[method+" "+pattern]
	return ttl, ok
}

type responseCapture struct {
	http.ResponseWriter
	body   bytes.Buffer
	status int
}

func (r *responseCapture) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseCapture) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

func (r *responseCapture) statusOrDefault() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}
