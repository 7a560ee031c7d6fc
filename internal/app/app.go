// Package app wires the checkout lock service from a config.Config. The API,
// the pipeline worker and the sweeper all build their dependencies here.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/imrishuroy/go-checkout-lock/internal/aws"
	"github.com/imrishuroy/go-checkout-lock/internal/cart"
	"github.com/imrishuroy/go-checkout-lock/internal/cartguard"
	"github.com/imrishuroy/go-checkout-lock/internal/config"
	"github.com/imrishuroy/go-checkout-lock/internal/events"
	"github.com/imrishuroy/go-checkout-lock/internal/handlers"
	"github.com/imrishuroy/go-checkout-lock/internal/idempotency"
	"github.com/imrishuroy/go-checkout-lock/internal/lock"
	"github.com/imrishuroy/go-checkout-lock/internal/metrics"
	"github.com/imrishuroy/go-checkout-lock/internal/orders"
	"github.com/imrishuroy/go-checkout-lock/internal/pipeline"
	"github.com/imrishuroy/go-checkout-lock/internal/store/boltstore"
	"github.com/imrishuroy/go-checkout-lock/internal/store/dynamostore"
	"github.com/imrishuroy/go-checkout-lock/internal/store/pgstore"
	"github.com/imrishuroy/go-checkout-lock/internal/throttle"
)

// backend is what every lock store provides: the lock rows and the throttle
// counters live side by side.
type backend interface {
	lock.Store
	throttle.Counter
}

type App struct {
	Config   config.Config
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Bus      *events.Bus

	Manager    *lock.Manager
	Guard      *idempotency.Guard
	Gate       *throttle.Gate
	Reporter   *lock.Reporter
	Carts      *cart.Service
	Cache      *cart.FingerprintCache
	Runner     *pipeline.Runner
	Dispatcher pipeline.Dispatcher
	Sweeper    *lock.Sweeper

	// Emitter is nil unless AWS clients were needed.
	Emitter *aws.MetricEmitter

	aws     *aws.AWSClients
	closers []func() error
}

// New builds every component. On error the parts opened so far are closed.
func New(ctx context.Context, cfg config.Config) (_ *App, err error) {
	a := &App{Config: cfg, Registry: prometheus.NewRegistry(), Bus: events.NewBus()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry, cfg.MetricsNamespace)

	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := a.publisher(ctx)
	if err != nil {
		return nil, err
	}

	a.Manager = lock.NewManager(store, lock.Config{
		LeaseDuration: cfg.LeaseDuration,
		ResumeWindow:  cfg.ResumeWindow,
	}, lock.WithPublisher(publisher), lock.WithMetrics(a.Metrics))
	a.Guard = idempotency.NewGuard(a.Manager)
	a.Reporter = lock.ReporterFor(a.Manager)
	a.Sweeper = lock.NewSweeper(a.Manager, cfg.SweepInterval, cfg.SweepBatch)
	a.Gate = throttle.NewGate(store, throttle.Config{
		Client: throttle.Limit{Max: cfg.ClientLimit, Window: cfg.ClientWindow},
		Cart:   throttle.Limit{Max: cfg.CartLimit, Window: cfg.CartWindow},
	}, a.Metrics)

	repo, err := a.openCarts(store)
	if err != nil {
		return nil, err
	}
	a.Cache = cart.NewFingerprintCache()
	a.Carts = cart.NewService(repo, cartguard.New(a.Manager),
		cart.WithCache(a.Cache),
		cart.WithPublisher(publisher),
	)
	a.listen(ctx)

	creator, err := a.orders(ctx)
	if err != nil {
		return nil, err
	}
	a.Runner = pipeline.NewRunner(a.Manager, a.Carts, creator, cfg.HeartbeatInterval, a.phases()...)

	switch {
	case cfg.OrdersQueueURL != "":
		clients, err := a.clients(ctx)
		if err != nil {
			return nil, err
		}
		a.Dispatcher = pipeline.NewQueueDispatcher(aws.NewPublisher(clients.SQS, cfg.OrdersQueueURL))
	case cfg.RunLocal:
		a.Dispatcher = pipeline.NewInlineDispatcher(a.Runner, cfg.LeaseDuration)
	default:
		return nil, errors.New("no orders queue configured and not running locally")
	}
	return a, nil
}

// listen evicts cached fingerprints on cart.changed from the bus until ctx is
// done or the app is closed.
func (a *App) listen(ctx context.Context) {
	ctx, stop := context.WithCancel(ctx)
	sub := a.Bus.Subscribe(256, events.CartChanged)
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Cache.Listen(ctx, sub)
	}()
	a.closers = append(a.closers, func() error {
		stop()
		<-done
		sub.Close()
		return nil
	})
}

// Router returns the HTTP API over the wired components.
func (a *App) Router() *gin.Engine {
	return handlers.NewRouter(handlers.HandlerConfig{
		Manager:        a.Manager,
		Guard:          a.Guard,
		Gate:           a.Gate,
		Reporter:       a.Reporter,
		Carts:          a.Carts,
		Dispatcher:     a.Dispatcher,
		Metrics:        a.Metrics,
		Gatherer:       a.Registry,
		InternalAPIKey: a.Config.InternalAPIKey,
		JWTSecret:      a.Config.JWTSecret,
	})
}

// MetricEmitter returns a CloudWatch emitter, creating AWS clients if none
// were needed so far.
func (a *App) MetricEmitter(ctx context.Context) (*aws.MetricEmitter, error) {
	if a.Emitter != nil {
		return a.Emitter, nil
	}
	clients, err := a.clients(ctx)
	if err != nil {
		return nil, err
	}
	a.Emitter = aws.NewMetricEmitter(clients.CloudWatch, a.Config.MetricsNamespace)
	return a.Emitter, nil
}

// Close waits for inline pipeline runs and releases stores and producers.
func (a *App) Close() error {
	if d, ok := a.Dispatcher.(*pipeline.InlineDispatcher); ok {
		d.Wait()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) clients(ctx context.Context) (*aws.AWSClients, error) {
	if a.aws != nil {
		return a.aws, nil
	}
	clients, err := aws.NewAWSClients(ctx, a.Config.AWSRegion)
	if err != nil {
		return nil, fmt.Errorf("init aws clients: %w", err)
	}
	a.aws = clients
	return clients, nil
}

func (a *App) openStore(ctx context.Context) (backend, error) {
	cfg := a.Config
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pool, err := pgstore.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		s := pgstore.New(pool)
		if err := s.Migrate(ctx); err != nil {
			return nil, err
		}
		return s, nil
	case config.BackendDynamoDB:
		clients, err := a.clients(ctx)
		if err != nil {
			return nil, err
		}
		return dynamostore.NewStore(clients.DynamoDB, dynamostore.Tables{
			Locks:       cfg.LocksTable,
			Idempotency: cfg.IdempotencyTable,
			Throttle:    cfg.ThrottleTable,
		}, 0), nil
	case config.BackendBolt:
		s, err := boltstore.New(cfg.BoltPath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// openCarts picks the cart repository: Postgres through gorm when a database
// is configured, otherwise the bolt file (shared with the lock store when the
// backend is bolt).
func (a *App) openCarts(store backend) (cart.Repository, error) {
	if a.Config.DatabaseURL != "" {
		db, err := cart.OpenGorm(a.Config.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if sqlDB, err := db.DB(); err == nil {
			a.closers = append(a.closers, sqlDB.Close)
		}
		repo := cart.NewGormRepository(db)
		if err := repo.Migrate(); err != nil {
			return nil, err
		}
		return repo, nil
	}
	if bs, ok := store.(*boltstore.Store); ok {
		return bs.Carts(), nil
	}
	bs, err := boltstore.New(a.Config.BoltPath)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, bs.Close)
	return bs.Carts(), nil
}

// publisher fans lifecycle events out to the in-process bus plus SQS and
// Kafka when configured.
func (a *App) publisher(ctx context.Context) (events.Publisher, error) {
	multi := events.Multi{a.Bus}
	if url := a.Config.EventsQueueURL; url != "" {
		clients, err := a.clients(ctx)
		if err != nil {
			return nil, err
		}
		multi = append(multi, events.NewSQSPublisher(clients.SQS, url))
	}
	if brokers := events.ParseBrokers(a.Config.KafkaBrokers); len(brokers) > 0 {
		kp := events.NewKafkaPublisher(brokers, a.Config.KafkaTopic)
		a.closers = append(a.closers, kp.Close)
		multi = append(multi, kp)
	}
	return multi, nil
}

func (a *App) orders(ctx context.Context) (pipeline.OrderCreator, error) {
	if a.Config.OrdersTable == "" {
		log.Printf("[app] ORDERS_TABLE not set, orders are kept in memory")
		return orders.NewMemory(), nil
	}
	clients, err := a.clients(ctx)
	if err != nil {
		return nil, err
	}
	return orders.NewStore(clients.DynamoDB, a.Config.OrdersTable), nil
}

func (a *App) phases() []pipeline.Phase {
	cfg := a.Config
	var phases []pipeline.Phase
	if cfg.PricingURL != "" {
		phases = append(phases, pipeline.NewHTTPPhase("pricing", cfg.PricingURL, cfg.PhaseTimeout))
	} else {
		phases = append(phases, pipeline.LocalPricing{})
	}
	if cfg.PaymentURL != "" {
		phases = append(phases, pipeline.NewHTTPPhase("payment", cfg.PaymentURL, cfg.PhaseTimeout))
	}
	return phases
}
