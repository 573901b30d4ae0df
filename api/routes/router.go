package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/creditledger-backend/api/controllers"
	webhookcontrollers "github.com/angelmondragon/creditledger-backend/api/controllers/webhooks"
	"github.com/angelmondragon/creditledger-backend/api/middleware"
	"github.com/angelmondragon/creditledger-backend/internal/adjustments"
	"github.com/angelmondragon/creditledger-backend/internal/analytics/query"
	"github.com/angelmondragon/creditledger-backend/internal/balances"
	"github.com/angelmondragon/creditledger-backend/internal/ledger"
	"github.com/angelmondragon/creditledger-backend/internal/purchases"
	"github.com/angelmondragon/creditledger-backend/internal/ratecard"
	"github.com/angelmondragon/creditledger-backend/internal/reconciliation"
	"github.com/angelmondragon/creditledger-backend/internal/usage"
	stripewebhook "github.com/angelmondragon/creditledger-backend/internal/webhooks/stripe"
	"github.com/angelmondragon/creditledger-backend/pkg/config"
	"github.com/angelmondragon/creditledger-backend/pkg/db"
	"github.com/angelmondragon/creditledger-backend/pkg/logger"
	"github.com/angelmondragon/creditledger-backend/pkg/metrics"
	"github.com/angelmondragon/creditledger-backend/pkg/redis"
	"github.com/angelmondragon/creditledger-backend/pkg/stripe"
)

// Deps carries everything the HTTP surface calls into. Nil optional
// dependencies disable the routes or middleware that need them.
type Deps struct {
	Config   *config.Config
	Logger   *logger.Logger
	DB       db.Pinger
	Redis    *redis.Client
	Gatherer prometheus.Gatherer
	HTTP     *metrics.HTTPMetrics

	Usage       *usage.Service
	Balances    *balances.Projector
	Ledger      ledger.Service
	Purchases   *purchases.Service
	RateCards   *ratecard.StoreProvider
	Adjustments *adjustments.Service
	Auditor     *reconciliation.Auditor
	Analytics   query.UsageService

	Stripe        *stripe.Client
	StripeWebhook *stripewebhook.Service
	WebhookGuard  *stripewebhook.IdempotencyGuard
}

func NewRouter(deps Deps) http.Handler {
	cfg := deps.Config
	logg := deps.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg, deps.HTTP),
	)

	ready := map[string]controllers.Pinger{}
	if deps.DB != nil {
		ready["db"] = deps.DB
	}
	if deps.Redis != nil {
		ready["redis"] = deps.Redis
	}
	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, ready))
	})

	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	idempotency := func(next http.Handler) http.Handler { return next }
	if deps.Redis != nil {
		idempotency = middleware.Idempotency(deps.Redis, logg)
	}
	usageLimit := func(next http.Handler) http.Handler { return next }
	if deps.Redis != nil {
		usageLimit = middleware.RateLimit(middleware.NewRateLimitPolicy(
			"usage",
			cfg.Billing.UsageRateWindow,
			cfg.Billing.UsageRateLimit,
			cfg.Billing.UsageIPRateLimit,
		), deps.Redis, logg)
	}

	if deps.StripeWebhook != nil && deps.Stripe != nil && deps.WebhookGuard != nil {
		r.Route("/api/v1/webhooks", func(r chi.Router) {
			r.Post("/stripe", webhookcontrollers.StripeWebhook(deps.StripeWebhook, deps.Stripe, deps.WebhookGuard, logg))
		})
	}

	// idempotency is attached per route so the matched pattern is known
	r.Route("/api/v1", func(r chi.Router) {
		if deps.Usage != nil {
			r.With(usageLimit).Post("/usage", controllers.BillUsage(deps.Usage, logg))
		}
		if deps.RateCards != nil {
			r.Get("/rate-card", controllers.GetRateCard(deps.RateCards, logg))
		}
		if deps.Purchases != nil {
			r.Get("/packages", controllers.ListPackages(deps.Purchases))
			r.With(idempotency).Post("/checkout", controllers.Checkout(deps.Purchases, logg))
		}

		r.Route("/users/{userID}", func(r chi.Router) {
			if deps.Balances != nil {
				r.Get("/balance", controllers.GetBalance(deps.Balances, logg))
			}
			if deps.Ledger != nil {
				r.Get("/ledger", controllers.ListLedger(deps.Ledger, logg))
			}
			if deps.Purchases != nil {
				r.Get("/purchases", controllers.ListPurchases(deps.Purchases, logg))
			}
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.AdminToken(cfg.Admin.Token, logg))

			if deps.Adjustments != nil {
				r.With(idempotency).Post("/adjustments", controllers.AdminAdjust(deps.Adjustments, logg))
				r.With(idempotency).Post("/ledger/{entryID}/reverse", controllers.AdminReverse(deps.Adjustments, logg))
			}
			if deps.Auditor != nil {
				r.Get("/reconciliation", controllers.AdminReconcileAll(deps.Auditor, logg))
				r.Get("/reconciliation/users/{userID}", controllers.AdminReconcileUser(deps.Auditor, logg))
			}
			if deps.RateCards != nil {
				r.With(idempotency).Post("/rate-cards", controllers.AdminPublishRateCard(deps.RateCards, logg))
			}
			if deps.Analytics != nil {
				r.Get("/analytics/usage", controllers.AdminUsageAnalytics(deps.Analytics, logg))
			}
		})
	})

	return r
}
