package service

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"

	"live-recorder/constant"
	"live-recorder/entities"
	"live-recorder/repository"
)

// CapacityReaper evicts the oldest records of a table until it fits a byte quota.
type CapacityReaper struct {
	store    repository.ChunkStore
	inFlight atomic.Bool
}

func NewCapacityReaper(store repository.ChunkStore) *CapacityReaper {
	return &CapacityReaper{store: store}
}

// Reap returns the evicted keys, oldest first. When deletion partly fails only the keys
// that are gone are returned; the next scheduled reap retries the rest. A reap requested
// while another is running is skipped.
func (r *CapacityReaper) Reap(ctx context.Context, table constant.Table, maxBytes int64) []entities.Key {
	logger := zerolog.Ctx(ctx).With().Str("table", table.String()).Int64("quota_bytes", maxBytes).Logger()

	if !r.inFlight.CompareAndSwap(false, true) {
		logger.Debug().Msg("reap already in flight, skipping")
		return nil
	}
	defer r.inFlight.Store(false)

	used, err := r.store.TotalSize(ctx, table)
	if err != nil {
		logger.Error().Err(err).Msg("failed to measure table size")
		return nil
	}
	if used <= maxBytes {
		return nil
	}

	records, err := r.store.ListMeta(ctx, table)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list records for eviction")
		return nil
	}

	over := used - maxBytes
	victims := make([]*entities.Record, 0)
	keys := make([]entities.Key, 0)
	for _, record := range records {
		if over <= 0 {
			break
		}
		over -= record.Size
		victims = append(victims, record)
		keys = append(keys, record.Key())
	}

	if err := r.store.DeleteByKeys(ctx, table, keys); err != nil {
		logger.Error().Err(err).Int("keys", len(keys)).Msg("failed to delete evicted records")
		victims = r.deleted(ctx, table, victims)
		keys = keys[:0]
		for _, record := range victims {
			keys = append(keys, record.Key())
		}
		if len(keys) == 0 {
			return nil
		}
	}

	var freed int64
	for _, record := range victims {
		freed += record.Size
	}

	clipsEvictedTotal.Add(float64(len(keys)))
	evictedBytesTotal.Add(float64(freed))
	logger.Info().Int("evicted", len(keys)).Int64("freed_bytes", freed).Int64("used_bytes", used).Msg("evicted records over quota")
	return keys
}

// deleted returns the victims no longer present in the table.
func (r *CapacityReaper) deleted(ctx context.Context, table constant.Table, victims []*entities.Record) []*entities.Record {
	remaining, err := r.store.ListMeta(ctx, table)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("table", table.String()).Msg("failed to check evicted records")
		return nil
	}
	present := make(map[entities.Key]struct{}, len(remaining))
	for _, record := range remaining {
		present[record.Key()] = struct{}{}
	}
	gone := make([]*entities.Record, 0, len(victims))
	for _, record := range victims {
		if _, ok := present[record.Key()]; !ok {
			gone = append(gone, record)
		}
	}
	return gone
}
