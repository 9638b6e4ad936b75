package server

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"live-recorder/config"
	"live-recorder/constant"
	"live-recorder/pkg/media"
	"live-recorder/repository"
	"live-recorder/service"
)

var ErrClearNotConfirmed = errors.New("clear needs confirmation")

// RunSweep assembles temp groups left behind by a previous run and trims the clip
// archive to the configured quota. A zero quiet uses the configured quiet period.
func RunSweep(cfg *config.Config, quiet time.Duration, reap bool) error {
	ctx := setupLogger(cfg)
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if quiet <= 0 {
		quiet = cfg.Recorder.QuietPeriod()
	}
	assembler := service.NewSessionAssembler(store, media.NewFFmpegThumbnailer(cfg.Recorder.FFmpegPath), service.LogPresenter{})
	clips, sweepErr := assembler.SweepStaleSessions(ctx, quiet)
	zerolog.Ctx(ctx).Info().Int("clips", len(clips)).Dur("quiet", quiet).Msg("sweep finished")

	if reap {
		evicted := service.NewCapacityReaper(store).Reap(ctx, constant.TableChunks, cfg.Settings.QuotaBytes())
		zerolog.Ctx(ctx).Info().Int("evicted", len(evicted)).Int64("quota_bytes", cfg.Settings.QuotaBytes()).Msg("reap finished")
	}
	return sweepErr
}

// RunClear empties both tables. The server must not be running against the same store.
func RunClear(cfg *config.Config, confirmed bool) error {
	ctx := setupLogger(cfg)
	if !confirmed {
		return ErrClearNotConfirmed
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	for _, table := range []constant.Table{constant.TableTemps, constant.TableChunks} {
		if err := clearTable(ctx, store, table); err != nil {
			return err
		}
	}
	return nil
}

func clearTable(ctx context.Context, store repository.ChunkStore, table constant.Table) error {
	count, err := store.Count(ctx, table)
	if err != nil {
		return err
	}
	if err := store.DeleteAll(ctx, table); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("table", table.String()).Msg("failed to clear table")
		return err
	}
	zerolog.Ctx(ctx).Info().Int64("records", count).Str("table", table.String()).Msg("table cleared")
	return nil
}
