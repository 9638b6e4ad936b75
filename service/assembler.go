package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"live-recorder/constant"
	"live-recorder/entities"
	"live-recorder/repository"
)

// MinChunksPerClip is the smallest temp group that is worth keeping as a clip.
const MinChunksPerClip = 2

const (
	triggerSession = "session"
	triggerSweep   = "sweep"
)

// SessionAssembler turns a session's temp chunks into one clip.
type SessionAssembler struct {
	store     repository.ChunkStore
	thumbs    ThumbnailExtractor
	presenter Presenter
	now       func() time.Time

	// claimMu makes read-then-delete of a session's temps atomic, so every temp
	// chunk is claimed by at most one assembly.
	claimMu sync.Mutex
}

func NewSessionAssembler(store repository.ChunkStore, thumbs ThumbnailExtractor, presenter Presenter) *SessionAssembler {
	if presenter == nil {
		presenter = LogPresenter{}
	}
	return &SessionAssembler{
		store:     store,
		thumbs:    thumbs,
		presenter: presenter,
		now:       time.Now,
	}
}

// AssembleSession claims the temps of sessionID and writes them as one clip keyed by
// the assembly time. No temps is a no-op (nil clip, nil error).
func (a *SessionAssembler) AssembleSession(ctx context.Context, sessionID string) (*entities.Record, error) {
	ctx = zerolog.Ctx(ctx).With().Str("session_id", sessionID).Logger().WithContext(ctx)

	temps, err := a.claim(ctx, sessionID)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to claim temp chunks")
		return nil, err
	}
	if len(temps) == 0 {
		return nil, nil
	}
	return a.assemble(ctx, sessionID, temps, a.now(), triggerSession)
}

// SweepStaleSessions assembles every temp group whose newest chunk is strictly older
// than now - quietPeriod. Each swept clip is keyed by its newest chunk's createdAt.
// Failures of single sessions are logged and joined; the sweep continues.
func (a *SessionAssembler) SweepStaleSessions(ctx context.Context, quietPeriod time.Duration) ([]*entities.Record, error) {
	metas, err := a.store.ListMeta(ctx, constant.TableTemps)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to list temp chunks")
		return nil, err
	}

	latest := make(map[string]time.Time)
	for _, m := range metas {
		if cur, ok := latest[m.SessionID]; !ok || m.CreatedAt.After(cur) {
			latest[m.SessionID] = m.CreatedAt
		}
	}

	threshold := a.now().Add(-quietPeriod)
	stale := make([]string, 0, len(latest))
	for sessionID, createdAt := range latest {
		if createdAt.Before(threshold) {
			stale = append(stale, sessionID)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return latest[stale[i]].Before(latest[stale[j]]) })

	var (
		clips []*entities.Record
		errs  []error
	)
	for _, sessionID := range stale {
		sctx := zerolog.Ctx(ctx).With().Str("session_id", sessionID).Logger().WithContext(ctx)
		temps, err := a.claim(sctx, sessionID)
		if err != nil {
			zerolog.Ctx(sctx).Error().Err(err).Msg("failed to claim stale temp chunks")
			errs = append(errs, err)
			continue
		}
		if len(temps) == 0 {
			continue
		}
		createdAt := latest[sessionID]
		for _, t := range temps {
			if t.CreatedAt.After(createdAt) {
				createdAt = t.CreatedAt
			}
		}
		clip, err := a.assemble(sctx, sessionID, temps, createdAt, triggerSweep)
		if err != nil {
			if !errors.Is(err, ErrTooFewChunks) {
				errs = append(errs, err)
			}
			continue
		}
		clips = append(clips, clip)
	}

	if len(stale) > 0 {
		zerolog.Ctx(ctx).Info().Int("stale_sessions", len(stale)).Int("clips", len(clips)).Msg("stale sweep finished")
	}
	return clips, errors.Join(errs...)
}

// claim reads and deletes a session's temps before anything else happens to them.
func (a *SessionAssembler) claim(ctx context.Context, sessionID string) ([]*entities.Record, error) {
	a.claimMu.Lock()
	defer a.claimMu.Unlock()

	temps, err := a.store.GetBySession(ctx, constant.TableTemps, sessionID)
	if err != nil {
		return nil, fmt.Errorf("read temps: %w", err)
	}
	if len(temps) == 0 {
		return nil, nil
	}

	keys := make([]entities.Key, 0, len(temps))
	for _, t := range temps {
		keys = append(keys, t.Key())
	}
	if err := a.store.DeleteByKeys(ctx, constant.TableTemps, keys); err != nil {
		return nil, fmt.Errorf("delete temps: %w", err)
	}
	return temps, nil
}

func (a *SessionAssembler) assemble(ctx context.Context, sessionID string, temps []*entities.Record, createdAt time.Time, trigger string) (*entities.Record, error) {
	if len(temps) < MinChunksPerClip {
		assemblySkippedTotal.WithLabelValues("too_few_chunks").Inc()
		zerolog.Ctx(ctx).Warn().Int("chunk_count", len(temps)).Msg("too few chunks, skipping clip")
		return nil, ErrTooFewChunks
	}

	sort.SliceStable(temps, func(i, j int) bool { return temps[i].Seq < temps[j].Seq })

	var size int
	for _, t := range temps {
		size += len(t.Payload)
	}
	var buf bytes.Buffer
	buf.Grow(size)
	for i, t := range temps {
		if i > 0 && t.Seq != temps[i-1].Seq+1 {
			zerolog.Ctx(ctx).Warn().Int64("chunk_index", t.Seq).Int64("previous_chunk_index", temps[i-1].Seq).Msg("gap in chunk indexes")
		}
		buf.Write(t.Payload)
	}
	payload := buf.Bytes()

	var thumbnail []byte
	if a.thumbs != nil {
		thumbnail = a.thumbs.ExtractFirstFrame(ctx, payload)
	}
	if len(thumbnail) == 0 {
		zerolog.Ctx(ctx).Warn().Msg("no thumbnail for clip, storing it without one")
	}

	first := temps[0]
	clip := &entities.Record{
		SessionID:        sessionID,
		Seq:              createdAt.UnixMilli(),
		Payload:          payload,
		Thumbnail:        thumbnail,
		Size:             int64(len(payload)),
		CreatedAt:        createdAt,
		Author:           first.Author,
		Title:            first.Title,
		DownloadFileName: DownloadFileName(first.Author, first.Title, createdAt),
	}
	if _, err := a.store.Append(ctx, constant.TableChunks, clip); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Int("chunk_count", len(temps)).Msg("failed to save clip")
		return nil, err
	}

	clipsAssembledTotal.WithLabelValues(trigger).Inc()
	zerolog.Ctx(ctx).Info().
		Int("chunk_count", len(temps)).
		Int64("size", clip.Size).
		Int64("seq", clip.Seq).
		Msg("clip assembled")
	a.presenter.OnClipAdded(ctx, clip)
	return clip, nil
}
