package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"live-recorder/config"
	"live-recorder/constant"
	controlHandler "live-recorder/handler"
	"live-recorder/pkg/livestatus"
	"live-recorder/pkg/media"
	"live-recorder/pkg/rabbitmq"
	"live-recorder/repository"
	"live-recorder/service"
)

// ErrReloadRequested is returned by RunHttp when the controller asked for a fresh
// process; the supervisor is expected to start it again.
var ErrReloadRequested = errors.New("reload requested")

// processReloader ends the running server so that it is started from scratch.
type processReloader struct {
	cancel context.CancelCauseFunc
}

func (r processReloader) Reload(ctx context.Context) {
	zerolog.Ctx(ctx).Warn().Msg("reload requested, shutting down")
	r.cancel(ErrReloadRequested)
}

func RunHttp(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(setupLogger(cfg), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Bool("isProduction", cfg.App.Environment == constant.EnvironmentProduction.String()).Send()
	if cfg.App.Environment == constant.EnvironmentProduction.String() {
		gin.SetMode(gin.ReleaseMode)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("failed to close store")
		}
	}()

	thumbnails := newThumbnailCache()
	presenter := service.MultiPresenter{service.LogPresenter{}, thumbnailEvictor{cache: thumbnails}}
	conn, err := config.NewRabbitMQConn(ctx, cfg.Queue)
	switch {
	case errors.Is(err, config.ErrQueueDisabled):
		zerolog.Ctx(ctx).Info().Msg("rabbitmq disabled, events are only logged")
	case err != nil:
		zerolog.Ctx(ctx).Error().Err(err).Msg("NewRabbitMQConn")
	default:
		publisher, err := rabbitmq.NewPublisher(ctx, conn, cfg.Queue)
		if err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("NewPublisher")
		} else {
			presenter = append(presenter, publisher)
		}
	}

	source := media.NewFFmpegSource(cfg.Recorder.SourceURL, cfg.Recorder.FFmpegPath)
	assembler := service.NewSessionAssembler(store, media.NewFFmpegThumbnailer(cfg.Recorder.FFmpegPath), presenter)
	controller := service.NewController(service.ControllerDeps{
		Source:     source,
		Store:      store,
		Assembler:  assembler,
		Reaper:     service.NewCapacityReaper(store),
		Settings:   cfg.Settings,
		LiveStatus: livestatus.NewClient(cfg.Recorder.LiveStatusURL),
		Program:    service.StaticProgram{Author: cfg.Recorder.Author, Title: cfg.Recorder.Title},
		Presenter:  presenter,
		Confirmer:  service.AlwaysConfirm{},
		Reloader:   processReloader{cancel: cancel},
	}, service.ControllerConfig{
		MimeType:        cfg.Recorder.MimeType,
		Timeslice:       cfg.Recorder.Timeslice,
		PlayableTimeout: cfg.Recorder.PlayableTimeout,
		SettleDelay:     cfg.Recorder.SettleDelay,
		QuietPeriod:     cfg.Recorder.QuietPeriod(),
	})
	cfg.Settings.WatchConfig()

	// a nil *minio.Client must not become a non-nil interface
	var uploader service.ObjectUploader
	if cfg.Storage != nil {
		uploader = cfg.Storage
	}

	r := gin.Default()
	r.Use(withLogger(ctx))
	addHealth(r)
	addRoutes(r, &routes{
		store:      store,
		controller: controller,
		settings:   cfg.Settings,
		exporter:   service.NewClipExporter(store, uploader, cfg.MinIOBucket),
		presenter:  presenter,
		thumbnails: thumbnails,
	})

	handler := http.Server{
		Handler:           r,
		Addr:              fmt.Sprintf(":%s", cfg.Server.HttpPort),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		source.Watch(gctx)
		return nil
	})
	g.Go(func() error {
		return controller.Run(gctx)
	})
	if conn != nil {
		consumer := rabbitmq.NewConsumer(conn, cfg.Queue, rabbitmq.ControlBinding, 1, controlHandler.ControlHandler)
		g.Go(func() error {
			err := consumer.Consume(gctx, controlHandler.ServiceDependencies{Controller: controller})
			if err != nil && !errors.Is(err, context.Canceled) {
				zerolog.Ctx(gctx).Error().Err(err).Msg("control consumer error")
			}
			return nil
		})
	}
	g.Go(func() error {
		zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Msg("start http server")
		if err := handler.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		zerolog.Ctx(ctx).Info().Msg("shutting down server")
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return handler.Shutdown(sctx)
	})

	err = g.Wait()
	zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Msg("server shutdown")
	if errors.Is(context.Cause(ctx), ErrReloadRequested) {
		return ErrReloadRequested
	}
	return err
}

func openStore(ctx context.Context, cfg *config.Config) (repository.ChunkStore, error) {
	switch cfg.Store.Backend {
	case config.StoreBackendPostgres:
		if cfg.DB == nil {
			return nil, errors.New("postgres store selected without a database connection")
		}
		return repository.NewRepo(cfg.DB)
	case config.StoreBackendBadger, "":
		badgerCfg := repository.DefaultBadgerConfig(cfg.Store.BadgerPath)
		if cfg.Store.InMemory {
			badgerCfg = repository.InMemoryBadgerConfig()
		}
		badgerCfg.Logger = zerolog.Ctx(ctx)
		return repository.NewBadgerStore(badgerCfg)
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

// withLogger puts the server logger on every request context.
func withLogger(ctx context.Context) gin.HandlerFunc {
	logger := zerolog.Ctx(ctx)
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context()))
		c.Next()
	}
}

func addHealth(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status": "ok",
		})
	})
}

func setupLogger(cfg *config.Config) context.Context {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.App.Environment == constant.EnvironmentDevelop.String() {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	// Log to standard output
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	ctx := logger.WithContext(context.Background())

	return ctx
}
