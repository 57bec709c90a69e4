// Package app assembles the gateway from configuration: storage, brokers,
// provider adapters and the payment services on top of them. Both binaries
// share it so the HTTP server and the reconciler see the same wiring.
package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-gateway/internal/config"
	"github.com/akylbek/payment-system/payment-gateway/internal/events"
	"github.com/akylbek/payment-system/payment-gateway/internal/interfaces"
	"github.com/akylbek/payment-system/payment-gateway/internal/lock"
	"github.com/akylbek/payment-system/payment-gateway/internal/models"
	"github.com/akylbek/payment-system/payment-gateway/internal/payments"
	"github.com/akylbek/payment-system/payment-gateway/internal/phone"
	"github.com/akylbek/payment-system/payment-gateway/internal/provider"
	"github.com/akylbek/payment-system/payment-gateway/internal/provider/mpesa"
	"github.com/akylbek/payment-system/payment-gateway/internal/provider/pesapal"
	"github.com/akylbek/payment-system/payment-gateway/internal/repository"
	"github.com/akylbek/payment-system/payment-gateway/internal/telemetry"
	"github.com/akylbek/payment-system/payment-gateway/internal/token"
)

// LockPrefix namespaces the poller's per-payment locks in Redis.
const LockPrefix = "payment_poll_lock:"

type App struct {
	Config      *config.Config
	DB          *sql.DB
	Redis       *redis.Client
	Publisher   interfaces.EventPublisher
	Deps        *payments.Deps
	Initiator   *payments.Initiator
	Reconciler  *payments.Reconciler
	Refunds     *payments.RefundExecutor
	Locker      interfaces.Locker
	PaymentRepo *repository.PaymentRepository
	RefundRepo  *repository.RefundRepository
}

// New connects to every configured backend and runs migrations. Kafka and
// NATS are optional; without them events are dropped.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	creds, err := config.LoadCredentials(cfg.CredentialsFile)
	if err != nil {
		return nil, err
	}

	db, dialect, err := repository.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := repository.Migrate(ctx, db, dialect); err != nil {
		db.Close()
		return nil, err
	}

	a := &App{
		Config:      cfg,
		DB:          db,
		PaymentRepo: repository.NewPaymentRepository(db, dialect),
		RefundRepo:  repository.NewRefundRepository(db, dialect),
	}

	a.Redis = redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
	a.Locker = lock.NewRedisLocker(a.Redis, LockPrefix)

	a.Publisher, err = newPublisher(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Deps = &payments.Deps{
		Payments:  a.PaymentRepo,
		Refunds:   a.RefundRepo,
		Snapshots: repository.NewSnapshotRepository(db, dialect),
		Providers: NewRegistry(cfg, creds, nil),
		Publisher: a.Publisher,
		Phones:    phone.NewNormalizer(),
	}
	a.Initiator = payments.NewInitiator(a.Deps)
	a.Reconciler = payments.NewReconciler(a.Deps)
	a.Refunds = payments.NewRefundExecutor(a.Deps)

	telemetry.Logger.Info("Gateway assembled",
		zap.String("database", string(dialect)),
		zap.Strings("providers", providerNames(a.Deps.Providers)),
		zap.Int("kafka_brokers", len(cfg.KafkaBrokers)),
		zap.Bool("nats", cfg.NatsURL != ""),
	)
	return a, nil
}

// NewPoller builds the reconciliation poller over the app's services.
func (a *App) NewPoller() *payments.Poller {
	rc := a.Config.Reconcile
	return payments.NewPoller(a.Deps, a.Reconciler, a.Refunds, a.Locker, payments.PollerOptions{
		Window:      rc.Window,
		ExpireAfter: rc.ExpireAfter,
		Interval:    rc.Interval,
		BatchSize:   rc.BatchSize,
	})
}

func (a *App) Close() error {
	var errs []error
	if a.Publisher != nil {
		errs = append(errs, a.Publisher.Close())
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}

// NewRegistry builds an adapter for every provider present in creds. Provider
// HTTP calls are traced; httpClient overrides the transport in tests.
func NewRegistry(cfg *config.Config, creds *config.CredentialStore, httpClient *http.Client) *provider.Registry {
	if httpClient == nil {
		httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	tokens := token.NewManager(token.Options{
		SafetyMargin:  cfg.TokenCache.SafetyMargin,
		FallbackTTL:   cfg.TokenCache.FallbackTTL,
		Timeout:       cfg.Timeouts.Auth,
		MaxRetries:    cfg.Retry.MaxRetries,
		RetryInterval: cfg.Retry.Interval,
	})

	reg := provider.NewRegistry()
	if creds.Mpesa != nil {
		reg.Register(models.ProviderMpesa, mpesa.New(creds.Mpesa, tokens, mpesa.Options{
			Timeouts:   cfg.Timeouts,
			Retry:      cfg.Retry,
			HTTPClient: httpClient,
		}))
	}
	if creds.Pesapal != nil {
		reg.Register(models.ProviderPesapal, pesapal.New(creds.Pesapal, tokens, pesapal.Options{
			Timeouts:   cfg.Timeouts,
			Retry:      cfg.Retry,
			HTTPClient: httpClient,
		}))
	}
	return reg
}

func newPublisher(cfg *config.Config) (interfaces.EventPublisher, error) {
	var pubs events.Multi
	if len(cfg.KafkaBrokers) > 0 {
		pubs = append(pubs, events.NewKafkaPublisher(cfg.KafkaBrokers))
	}
	if cfg.NatsURL != "" {
		nc, err := nats.Connect(cfg.NatsURL, nats.Name("payment-gateway"))
		if err != nil {
			pubs.Close()
			return nil, err
		}
		pubs = append(pubs, events.NewNatsPublisher(nc))
	}
	if len(pubs) == 0 {
		telemetry.Logger.Warn("No event broker configured, state changes will not be published")
		return events.Nop{}, nil
	}
	return pubs, nil
}

func providerNames(reg *provider.Registry) []string {
	var names []string
	for _, p := range reg.Providers() {
		names = append(names, string(p))
	}
	return names
}
