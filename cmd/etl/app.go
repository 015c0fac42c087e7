package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/danhnguyen123/data-engineering-outsource/config"
	"github.com/danhnguyen123/data-engineering-outsource/internal/handlers"
	"github.com/danhnguyen123/data-engineering-outsource/internal/repositories"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/alert"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/auth"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/database"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/docstore"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/health"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/httpclient"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/kafka"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/middleware"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/objectstore"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/pipeline"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/queue"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/redis"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/sources/amis"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/sources/eshop"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/sources/gsheet"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/sources/myspa"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/sources/pancake"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/startup"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/timeutil"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/tracing"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/tracing/exporters"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/warehouse"
)

const (
	lockPrefix = "etl:lock"
	dlqSuffix  = ":dlq"
	// larkTimeout bounds Lark calls, which are slower than source APIs
	larkTimeout = 120 * time.Second
)

// App holds the process dependencies. Fields are set as startup brings them up.
type App struct {
	cfg     *config.Config
	logger  ectologger.Logger
	startup *startup.Startup

	db        database.DB
	redis     *redis.Client
	mongo     *docstore.Mongo
	warehouse *warehouse.Warehouse
	objects   *objectstore.Minio
	producer  *kafka.Producer

	runs      *repositories.PipelineRunRepository
	runner    *pipeline.Runner
	streams   *redis.Streams
	dlq       *redis.DeadLetterQueue
	myspa     *myspa.Processor
	callbacks *amis.Callbacks
	health    *health.Checker

	shutdownTracing func(context.Context) error
}

func newApp(cfg *config.Config, logger ectologger.Logger) (*App, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("invalid DWH_TIMEZONE %q: %w", cfg.Timezone, err)
	}
	timeutil.SetLocal(loc)

	return &App{
		cfg:     cfg,
		logger:  logger,
		startup: startup.NewStartup(logger, cfg.StartupMaxAttempts),
		health:  health.NewChecker(version),
	}, nil
}

// withStores registers the connections every pipeline command needs.
func (a *App) withStores() {
	a.withPostgres(false)
	a.startup.AddDependency(&startup.Func{
		Name: "redis",
		StartFunc: func(ctx context.Context) error {
			client, err := redis.NewClient(ctx, redis.Config{
				Host:     a.cfg.RedisHost,
				Port:     a.cfg.RedisPort,
				Password: a.cfg.RedisPassword,
				DB:       a.cfg.RedisDB,
			}, a.logger)
			if err != nil {
				return err
			}
			a.redis = client
			a.health.Add("redis", client.Ping)
			return nil
		},
		StopFunc: func(context.Context) error { return a.redis.Close() },
	})
	a.startup.AddDependency(&startup.Func{
		Name: "mongo",
		StartFunc: func(ctx context.Context) error {
			m, err := docstore.Connect(ctx, a.cfg.MongoURI, a.logger)
			if err != nil {
				return err
			}
			a.mongo = m
			a.health.Add("mongo", m.Ping)
			return nil
		},
		StopFunc: func(ctx context.Context) error { return a.mongo.Close(ctx) },
	})
	a.startup.AddDependency(&startup.Func{
		Name: "warehouse",
		StartFunc: func(ctx context.Context) error {
			wh, err := warehouse.Open(ctx, a.cfg.WarehousePath, warehouse.Options{
				StagingSchema: a.cfg.WarehouseStagingSchema,
				BatchSize:     a.cfg.WarehouseInsertBatchSize,
			}, a.logger)
			if err != nil {
				return err
			}
			a.warehouse = wh
			a.health.Add("warehouse", wh.Ping)
			return nil
		},
		StopFunc: func(context.Context) error { return a.warehouse.Close() },
	})
	a.startup.AddDependency(&startup.Func{
		Name: "objectstore",
		StartFunc: func(ctx context.Context) error {
			m, err := objectstore.Connect(objectstore.Config{
				Endpoint:  a.cfg.ObjectStoreEndpoint,
				AccessKey: a.cfg.ObjectStoreAccessKey,
				SecretKey: a.cfg.ObjectStoreSecretKey,
				UseSSL:    a.cfg.ObjectStoreUseSSL,
			}, a.logger)
			if err != nil {
				return err
			}
			if a.cfg.ArchiveRawPages {
				if err := m.EnsureBucket(ctx, a.cfg.ObjectStoreArchiveBucket); err != nil {
					return err
				}
			}
			a.objects = m
			a.health.AddOptional("objectstore", func(ctx context.Context) error {
				return m.Ping(ctx, a.cfg.ObjectStoreArchiveBucket)
			})
			return nil
		},
	})
	a.startup.AddDependency(&startup.Func{
		Name: "kafka",
		StartFunc: func(context.Context) error {
			kcfg := kafka.ParseConfig(a.cfg.KafkaBrokers, a.cfg.KafkaRunEventsTopic)
			if !kcfg.Enabled() {
				a.logger.Info("Kafka brokers not configured, stage events disabled")
				return nil
			}
			a.producer = kafka.NewProducer(kcfg, a.logger)
			return nil
		},
		StopFunc: func(context.Context) error {
			if a.producer == nil {
				return nil
			}
			return a.producer.Close()
		},
	})
}

// withPostgres registers the run-history database and its migrations.
// migrateOnly skips the repository.
func (a *App) withPostgres(migrateOnly bool) {
	a.startup.AddDependency(&startup.Func{
		Name: "postgres",
		StartFunc: func(ctx context.Context) error {
			dsn := database.PostgresDSN(a.cfg.DatabaseHost, a.cfg.DatabasePort, a.cfg.DatabaseUserName,
				a.cfg.DatabasePassword, a.cfg.DatabaseName, a.cfg.DatabaseSSLMode)
			db, err := database.Connect(ctx, a.cfg.DatabaseDriver, dsn, database.PoolConfig{
				MaxOpenConns:    a.cfg.DatabaseMaxOpenConns,
				MaxIdleConns:    a.cfg.DatabaseMaxIdleConns,
				ConnMaxLifetime: a.cfg.DatabaseConnMaxLifetime,
			}, a.logger)
			if err != nil {
				return err
			}
			a.db = db
			if !migrateOnly {
				a.runs = repositories.NewPipelineRunRepository(db, a.logger)
				a.health.Add("postgres", db.PingContext)
			}
			return nil
		},
		StopFunc: func(context.Context) error { return a.db.Close() },
	})
	a.startup.AddDependency(&startup.Func{
		Name:  "migrations",
		After: []string{"postgres"},
		StartFunc: func(context.Context) error {
			migrations := database.NewMigrationService(a.logger, &database.MigrationConfig{
				MigrationFolderPath: a.cfg.DatabaseMigrationFolderPath,
				Version:             uint(a.cfg.DatabaseMigrationVersion),
				Force:               a.cfg.DatabaseMigrationForce,
				AutoRollback:        a.cfg.DatabaseMigrationAutoRollback,
			})
			return migrations.MigratePostgres(a.db.SQLDB(), a.cfg.DatabaseName)
		},
	})
}

// start brings up tracing and every registered dependency, then wires the pipelines.
func (a *App) start(ctx context.Context) error {
	if a.cfg.OTLPEnabled {
		collector, err := exporters.FromConfig(a.cfg)
		if err != nil {
			return err
		}
		shutdown, err := tracing.Init(ctx, a.cfg.AppName, collector)
		if err != nil {
			return fmt.Errorf("failed to init tracing: %w", err)
		}
		a.shutdownTracing = shutdown
	}

	if err := a.startup.Start(ctx); err != nil {
		return err
	}
	if a.redis == nil {
		return nil
	}
	return a.wire(ctx)
}

func (a *App) stop(ctx context.Context) {
	if err := a.startup.Stop(ctx); err != nil {
		a.logger.WithError(err).Warn("Failed to stop dependencies cleanly")
	}
	if a.shutdownTracing != nil {
		if err := a.shutdownTracing(ctx); err != nil {
			a.logger.WithError(err).Warn("Failed to flush traces")
		}
	}
}

// wire registers every source's tables, applies the pipelines file and builds the runner.
func (a *App) wire(ctx context.Context) error {
	pipelines, err := config.LoadPipelines(a.cfg.PipelinesFile)
	if err != nil {
		return err
	}

	client := httpclient.NewClient(httpclient.DefaultConfig(), a.logger)
	tokens := auth.NewManager(a.redis, a.logger)
	archive := objectstore.NewArchiver(a.objects, a.cfg.ObjectStoreArchiveBucket, a.cfg.ArchiveRawPages, a.logger)
	registry := pipeline.NewRegistry()

	eshopSource := eshop.New(eshop.Deps{
		Client: eshop.NewClient(eshop.Config{
			URL:       a.cfg.EshopURL,
			AppID:     a.cfg.EshopAppID,
			Domain:    a.cfg.EshopDomain,
			SecretKey: a.cfg.EshopSecretKey,
		}, client, tokens, a.logger),
		Docs:      a.mongo,
		Cache:     a.redis,
		Warehouse: a.warehouse,
		Archive:   archive,
		StagingDB: a.cfg.MongoStagingDB,
		CachingDB: a.cfg.MongoCachingDB,
	}, a.logger)

	headers, err := amis.ParseHeaders(a.cfg.AmisWebLoginHeaders)
	if err != nil {
		return err
	}
	amisSource := amis.New(amis.Deps{
		Web: amis.NewWebClient(amis.WebConfig{
			URL:          a.cfg.AmisWebURL,
			LoginPayload: a.cfg.AmisWebLoginPayload,
			LoginHeaders: headers,
			Branch:       a.cfg.AmisWebBranchID,
		}, client, tokens, a.mongo, a.cfg.MongoCachingDB, a.logger),
		Open: amis.NewOpenClient(amis.OpenConfig{
			URL:            a.cfg.AmisURL,
			AppID:          a.cfg.AmisAppID,
			AccessCode:     a.cfg.AmisAccessCode,
			OrgCompanyCode: a.cfg.AmisOrgCompanyCode,
		}, client, tokens, a.logger),
		Docs:      a.mongo,
		Warehouse: a.warehouse,
		Archive:   archive,
		StagingDB: a.cfg.MongoStagingDB,
	}, a.logger)

	pancakeSource := pancake.New(pancake.Deps{
		Client:    pancake.NewClient("", client, a.logger),
		Cache:     a.redis,
		Warehouse: a.warehouse,
		Archive:   archive,
		Pages:     pipelines.PancakePages,
	}, a.logger)

	tables := append(eshopSource.Tables(), amisSource.Tables()...)
	tables = append(tables, pancakeSource.Tables()...)

	if a.cfg.TTCFacebookSpreadsheetID != "" || a.cfg.TTCSurveySpreadsheetID != "" {
		reader, err := gsheet.NewSheetsReader(ctx, a.cfg.GoogleCredentialsFile)
		if err != nil {
			return err
		}
		tables = append(tables, gsheet.New(gsheet.Deps{
			Reader:                reader,
			Warehouse:             a.warehouse,
			FacebookSpreadsheetID: a.cfg.TTCFacebookSpreadsheetID,
			SurveySpreadsheetID:   a.cfg.TTCSurveySpreadsheetID,
		}, a.logger).Tables()...)
	}
	if err := registry.Register(tables...); err != nil {
		return err
	}

	for ns := range pipelines.Namespaces {
		if len(registry.Tables(ns)) == 0 {
			a.logger.WithField("namespace", ns).Warn("Namespace has no registered tables, ignoring its pipeline definition")
			delete(pipelines.Namespaces, ns)
		}
	}
	if err := registry.Apply(pipelines); err != nil {
		return err
	}

	opts := pipeline.RunnerOptions{
		Registry: registry,
		Signals:  pipeline.NewSignalStore(a.redis),
		Locker:   redis.NewLocker(a.redis, lockPrefix),
	}
	if a.runs != nil {
		opts.Recorder = a.runs
	}
	if a.producer != nil {
		opts.Events = a.producer
	}
	if notifier := a.notifier(tokens); notifier.Len() > 0 {
		opts.Notifier = notifier
	}
	a.runner = pipeline.NewRunner(opts, a.logger)

	a.streams = redis.NewStreams(a.redis)
	a.dlq = redis.NewDeadLetterQueue(a.redis, a.cfg.StageJobStream+dlqSuffix, a.logger)
	a.myspa = myspa.NewProcessor(a.objects, a.warehouse, a.logger)
	a.callbacks = amis.NewCallbacks(a.mongo, a.cfg.MongoCachingDB, a.logger)

	a.logger.Infof("Registered %d tables across %v", len(tables), registry.Namespaces())
	return nil
}

func (a *App) notifier(tokens *auth.Manager) *alert.Notifier {
	notifier := alert.NewNotifier(a.logger)
	if a.cfg.LarkAppID != "" && a.cfg.LarkAlertGroupID != "" {
		larkHTTP := httpclient.DefaultConfig()
		larkHTTP.Timeout = larkTimeout
		notifier.Add(alert.NewLark(alert.LarkConfig{
			URL:       a.cfg.LarkURL,
			AppID:     a.cfg.LarkAppID,
			AppSecret: a.cfg.LarkAppSecret,
			ChatID:    a.cfg.LarkAlertGroupID,
		}, httpclient.NewClient(larkHTTP, a.logger), tokens, a.logger))
	}
	if a.cfg.DiscordWebhookURL != "" {
		notifier.Add(alert.NewDiscord(a.cfg.DiscordWebhookURL, httpclient.NewClient(httpclient.DefaultConfig(), a.logger)))
	}
	return notifier
}

func (a *App) processor() *queue.Processor {
	pcfg := queue.DefaultProcessorConfig()
	pcfg.Stream = a.cfg.StageJobStream
	pcfg.ConsumerGroup = a.cfg.StageJobConsumerGroup
	if a.cfg.StageJobConsumerName != "" {
		pcfg.ConsumerName = a.cfg.StageJobConsumerName
	}
	if a.cfg.StageJobWorkers > 0 {
		pcfg.WorkerCount = a.cfg.StageJobWorkers
	}
	if a.cfg.StageJobMaxRetries > 0 {
		pcfg.MaxRetries = a.cfg.StageJobMaxRetries
	}
	return queue.NewProcessor(a.streams, a.dlq, a.runner, pcfg, a.logger)
}

func (a *App) server(ctx context.Context) (*echo.Echo, error) {
	opts := handlers.ServerOptions{
		AppName:      a.cfg.AppName,
		AllowOrigins: a.cfg.AllowOrigins,
		Health:       a.health,
		Runs:         handlers.NewRunHandler(a.runner, a.streams, a.cfg.StageJobStream, a.runs, a.logger),
		DLQ:          handlers.NewDLQHandler(a.dlq, a.streams, a.cfg.StageJobStream, a.logger),
		Functions:    handlers.NewFunctionHandler(a.callbacks, a.myspa, a.logger),
	}
	if a.cfg.AuthIssuerURL != "" {
		verifier, err := middleware.NewOIDCVerifier(ctx, a.cfg.AuthIssuerURL, a.cfg.AuthClientID)
		if err != nil {
			return nil, err
		}
		opts.Verifier = verifier
	} else {
		a.logger.Warn("AUTH_ISSUER_URL is empty, the runs and dlq API are unauthenticated")
	}

	e := handlers.NewServer(opts, a.logger)
	e.Server.ReadTimeout = time.Duration(a.cfg.HttpServerReadTimeoutSeconds) * time.Second
	e.Server.WriteTimeout = time.Duration(a.cfg.HttpServerWriteTimeoutSeconds) * time.Second
	e.Server.IdleTimeout = time.Duration(a.cfg.HttpServerIdleTimeoutSeconds) * time.Second
	return e, nil
}

func listenAndServe(e *echo.Echo, port int, logger ectologger.Logger) {
	if err := e.Start(fmt.Sprintf(":%d", port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Error("HTTP server stopped")
	}
}
