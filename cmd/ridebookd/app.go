package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/ridebook/internal/catalog"
	"github.com/MarkoPoloResearchLab/ridebook/internal/config"
	"github.com/MarkoPoloResearchLab/ridebook/internal/httpapi"
	"github.com/MarkoPoloResearchLab/ridebook/internal/notify"
	"github.com/MarkoPoloResearchLab/ridebook/internal/obs"
	"github.com/MarkoPoloResearchLab/ridebook/internal/oplog"
	"github.com/MarkoPoloResearchLab/ridebook/internal/schedule"
	"github.com/MarkoPoloResearchLab/ridebook/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/ridebook/pkg/booking"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	serviceName    = "ridebookd"
	serviceVersion = "dev"
)

// serveOptions assembles the long-running daemon: HTTP API, sweep scheduler and notification
// dispatcher around one booking service.
func serveOptions(cfg config.Config, logger *zap.Logger) fx.Option {
	return fx.Options(
		fx.Supply(cfg, logger),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}),
		fx.Provide(
			provideDatabase,
			provideStore,
			provideCatalog,
			provideDispatcher,
			provideService,
			provideSweeper,
			provideLease,
			provideRunner,
			provideServer,
		),
		fx.Invoke(startTracing, startBackground),
	)
}

func provideDatabase(lifecycle fx.Lifecycle, cfg config.Config) (*gorm.DB, error) {
	ctx := context.Background()
	db, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := prepareSchema(ctx, db, driver); err != nil {
		_ = cleanup()
		return nil, err
	}
	lifecycle.Append(fx.Hook{
		OnStop: func(context.Context) error { return cleanup() },
	})
	return db, nil
}

func provideStore(db *gorm.DB) *gormstore.Store {
	return gormstore.New(db)
}

func provideCatalog(store *gormstore.Store, cfg config.Config) (booking.Catalog, error) {
	return catalog.NewCached(store, cfg.CatalogCacheTTL)
}

func provideDispatcher(lifecycle fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*notify.Dispatcher, error) {
	sinks := []notify.Sink{notify.NewLogSink(logger)}
	if cfg.AMQPURL != "" {
		amqpSink, err := notify.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return nil, err
		}
		// Registered before the dispatcher hook so that it closes after the queue drains.
		lifecycle.Append(fx.Hook{
			OnStop: func(context.Context) error { return amqpSink.Close() },
		})
		sinks = append(sinks, amqpSink)
	}
	dispatcher, err := notify.NewDispatcher(sinks,
		notify.WithWorkers(cfg.NotifyWorkers),
		notify.WithQueueSize(cfg.NotifyQueueSize),
		notify.WithRate(cfg.NotifyRate),
		notify.WithAttempts(cfg.NotifyAttempts),
		notify.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			dispatcher.Start(context.Background())
			return nil
		},
		OnStop: dispatcher.Close,
	})
	return dispatcher, nil
}

func provideService(store *gormstore.Store, bookingCatalog booking.Catalog, dispatcher *notify.Dispatcher, cfg config.Config, logger *zap.Logger) (*booking.Service, error) {
	location, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	return booking.NewService(store, bookingCatalog, time.Now,
		booking.WithOperationLogger(oplog.New(logger)),
		booking.WithEventPublisher(dispatcher),
		booking.WithCancelCutoff(cfg.CancelCutoff),
		booking.WithLocation(location),
	)
}

func provideSweeper(store *gormstore.Store, bookingCatalog booking.Catalog, cfg config.Config, logger *zap.Logger) (*booking.Sweeper, error) {
	return newSweeper(store, bookingCatalog, cfg, logger)
}

func newSweeper(store booking.Store, bookingCatalog booking.Catalog, cfg config.Config, logger *zap.Logger) (*booking.Sweeper, error) {
	location, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	return booking.NewSweeper(store, bookingCatalog, time.Now,
		booking.WithSweepLogger(oplog.New(logger)),
		booking.WithSweepLocation(location),
		booking.WithArchiveGrace(cfg.ArchiveGrace),
		booking.WithSweepBatchLimit(cfg.SweepBatchLimit),
	)
}

func provideLease(lifecycle fx.Lifecycle, cfg config.Config) (schedule.Lease, error) {
	lease, closeLease, err := newLease(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	lifecycle.Append(fx.Hook{
		OnStop: func(context.Context) error { return closeLease() },
	})
	return lease, nil
}

func newLease(ctx context.Context, cfg config.Config) (schedule.Lease, func() error, error) {
	if cfg.RedisURL == "" {
		return schedule.NewLocalLease(), func() error { return nil }, nil
	}
	client, err := schedule.DialRedis(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	return schedule.NewRedisLease(client), client.Close, nil
}

func provideRunner(sweeper *booking.Sweeper, lease schedule.Lease, cfg config.Config, logger *zap.Logger) (*schedule.Runner, error) {
	jobs, err := sweepJobs(sweeper, cfg)
	if err != nil {
		return nil, err
	}
	return schedule.NewRunner(jobs, schedule.WithLease(lease), schedule.WithLogger(logger))
}

func sweepJobs(sweeper *booking.Sweeper, cfg config.Config) ([]schedule.Job, error) {
	location, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	expireClock, err := cfg.ExpireClock()
	if err != nil {
		return nil, err
	}
	return []schedule.Job{
		{
			Name:     booking.SweepArchive,
			Schedule: schedule.Every{Interval: cfg.ArchiveInterval},
			Run: func(ctx context.Context) error {
				_, err := sweeper.ArchiveReservations(ctx)
				return err
			},
		},
		{
			Name:     booking.SweepExpire,
			Schedule: schedule.DailyAt{Clock: expireClock, Location: location},
			Run: func(ctx context.Context) error {
				_, err := sweeper.ExpireBatches(ctx)
				return err
			},
		},
	}, nil
}

func provideServer(service *booking.Service, sweeper *booking.Sweeper, cfg config.Config, logger *zap.Logger) (*httpapi.Server, error) {
	return httpapi.NewServer(httpapi.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: cfg.CORSOrigins,
		RequestRate:    cfg.RequestRate,
	}, service, sweeper, logger)
}

func startTracing(lifecycle fx.Lifecycle, cfg config.Config) error {
	shutdown, err := obs.InitTracer(context.Background(), serviceName, serviceVersion, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	lifecycle.Append(fx.Hook{OnStop: shutdown})
	return nil
}

// startBackground runs the scheduler and the HTTP server for the lifetime of the app. A server
// failure shuts the whole app down.
func startBackground(lifecycle fx.Lifecycle, shutdowner fx.Shutdowner, runner *schedule.Runner, server *httpapi.Server, logger *zap.Logger) {
	runCtx, cancel := context.WithCancel(context.Background())
	var waitGroup sync.WaitGroup
	lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			waitGroup.Add(2)
			go func() {
				defer waitGroup.Done()
				runner.Run(runCtx)
			}()
			go func() {
				defer waitGroup.Done()
				if err := server.Run(runCtx); err != nil {
					logger.Error("http server stopped", zap.Error(err))
					_ = shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			done := make(chan struct{})
			go func() {
				waitGroup.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return errors.Join(errors.New("background tasks did not stop in time"), ctx.Err())
			}
		},
	})
}
