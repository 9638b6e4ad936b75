package service

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"live-recorder/constant"
	"live-recorder/entities"
	"live-recorder/repository"
)

var assembleNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestAssembler(store repository.ChunkStore, thumbs ThumbnailExtractor, presenter Presenter) *SessionAssembler {
	a := NewSessionAssembler(store, thumbs, presenter)
	a.now = func() time.Time { return assembleNow }
	return a
}

func putTemp(t *testing.T, store repository.ChunkStore, sessionID string, index int64, payload []byte, createdAt time.Time) {
	t.Helper()
	_, err := store.Append(context.Background(), constant.TableTemps, &entities.Record{
		SessionID: sessionID,
		Seq:       index,
		Payload:   payload,
		CreatedAt: createdAt,
		Author:    "author",
		Title:     "title",
	})
	require.NoError(t, err)
}

func TestAssembleSession_FiveChunks(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	presenter := &recordingPresenter{}
	for i := int64(0); i < 5; i++ {
		putTemp(t, store, "S1", i, bytes.Repeat([]byte{byte(i)}, 1000), assembleNow.Add(time.Duration(i-5)*time.Second))
	}

	clip, err := newTestAssembler(store, fakeThumbs{image: []byte("jpeg")}, presenter).AssembleSession(ctx, "S1")
	require.NoError(t, err)
	require.NotNil(t, clip)

	temps, err := store.GetBySession(ctx, constant.TableTemps, "S1")
	require.NoError(t, err)
	assert.Empty(t, temps)

	clips, err := store.GetAll(ctx, constant.TableChunks)
	require.NoError(t, err)
	require.Len(t, clips, 1)
	assert.Equal(t, "S1", clips[0].SessionID)
	assert.Equal(t, assembleNow.UnixMilli(), clips[0].Seq)
	assert.Len(t, clips[0].Payload, 5000)
	assert.Equal(t, int64(5000), clips[0].Size)
	assert.Equal(t, []byte("jpeg"), clips[0].Thumbnail)
	assert.Equal(t, "author", clips[0].Author)
	assert.Equal(t, DownloadFileName("author", "title", assembleNow), clips[0].DownloadFileName)

	require.Len(t, presenter.Clips(), 1)
	assert.Equal(t, clip.Key(), presenter.Clips()[0].Key())
}

func TestAssembleSession_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	for i := int64(0); i < 3; i++ {
		putTemp(t, store, "s", i, []byte("abc"), assembleNow)
	}
	a := newTestAssembler(store, nil, nil)

	first, err := a.AssembleSession(ctx, "s")
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := a.AssembleSession(ctx, "s")
	require.NoError(t, err)
	assert.Nil(t, second)

	count, err := store.Count(ctx, constant.TableChunks)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestAssembleSession_ConcatenatesInChunkIndexOrder(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	// written out of order, createdAt running backwards
	for _, i := range []int64{3, 1, 0, 12, 2} {
		putTemp(t, store, "s", i, []byte{byte('a' + i)}, assembleNow.Add(-time.Duration(i)*time.Second))
	}

	clip, err := newTestAssembler(store, nil, nil).AssembleSession(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdm"), clip.Payload)
}

func TestAssembleSession_OnlyTouchesItsSession(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	for i := int64(0); i < 2; i++ {
		putTemp(t, store, "mine", i, []byte("x"), assembleNow)
		putTemp(t, store, "other", i, []byte("y"), assembleNow)
	}

	_, err := newTestAssembler(store, nil, nil).AssembleSession(ctx, "mine")
	require.NoError(t, err)

	others, err := store.GetBySession(ctx, constant.TableTemps, "other")
	require.NoError(t, err)
	assert.Len(t, others, 2)
}

func TestAssembleSession_TooFewChunks(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	putTemp(t, store, "s", 0, []byte("only"), assembleNow)

	clip, err := newTestAssembler(store, nil, nil).AssembleSession(ctx, "s")
	assert.ErrorIs(t, err, ErrTooFewChunks)
	assert.Nil(t, clip)

	temps, err := store.Count(ctx, constant.TableTemps)
	require.NoError(t, err)
	assert.Zero(t, temps, "temps are consumed even when no clip is written")
	clips, err := store.Count(ctx, constant.TableChunks)
	require.NoError(t, err)
	assert.Zero(t, clips)
}

func TestAssembleSession_ThumbnailFailureStillWritesClip(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	putTemp(t, store, "s", 0, []byte("a"), assembleNow)
	putTemp(t, store, "s", 1, []byte("b"), assembleNow)

	clip, err := newTestAssembler(store, fakeThumbs{}, nil).AssembleSession(ctx, "s")
	require.NoError(t, err)
	assert.False(t, clip.HasThumbnail())

	stored, err := store.GetByKey(ctx, constant.TableChunks, clip.Key())
	require.NoError(t, err)
	assert.Equal(t, []byte("ab"), stored.Payload)
	assert.Empty(t, stored.Thumbnail)
}

func TestAssembleSession_ConcurrentCallsProduceOneClip(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	for i := int64(0); i < 4; i++ {
		putTemp(t, store, "s", i, []byte("data"), assembleNow)
	}
	a := newTestAssembler(store, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = a.AssembleSession(ctx, "s")
		}()
	}
	wg.Wait()

	count, err := store.Count(ctx, constant.TableChunks)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestSweepStaleSessions_QuietPeriodBoundary(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	quiet := 4 * time.Second

	fresh := assembleNow.Add(-quiet + time.Millisecond)
	stale := assembleNow.Add(-quiet - time.Millisecond)
	for i := int64(0); i < 3; i++ {
		putTemp(t, store, "fresh", i, []byte("f"), fresh.Add(-time.Duration(2-i)*time.Second))
		putTemp(t, store, "stale", i, []byte("s"), stale.Add(-time.Duration(2-i)*time.Second))
	}

	clips, err := newTestAssembler(store, nil, nil).SweepStaleSessions(ctx, quiet)
	require.NoError(t, err)
	require.Len(t, clips, 1)
	assert.Equal(t, "stale", clips[0].SessionID)
	assert.Equal(t, stale.UnixMilli(), clips[0].Seq, "swept clips are keyed by their newest chunk")
	assert.True(t, stale.Equal(clips[0].CreatedAt))

	left, err := store.ListMeta(ctx, constant.TableTemps)
	require.NoError(t, err)
	require.Len(t, left, 3)
	for _, m := range left {
		assert.Equal(t, "fresh", m.SessionID)
	}
}

func TestSweepStaleSessions_SkipsTinyGroupsAndContinues(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	old := assembleNow.Add(-time.Hour)
	putTemp(t, store, "tiny", 0, []byte("t"), old)
	putTemp(t, store, "full", 0, []byte("a"), old)
	putTemp(t, store, "full", 1, []byte("b"), old.Add(time.Second))

	clips, err := newTestAssembler(store, nil, nil).SweepStaleSessions(ctx, time.Second)
	require.NoError(t, err)
	require.Len(t, clips, 1)
	assert.Equal(t, "full", clips[0].SessionID)

	temps, err := store.Count(ctx, constant.TableTemps)
	require.NoError(t, err)
	assert.Zero(t, temps)
}

func TestDownloadFileName(t *testing.T) {
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.Local)
	assert.Equal(t, "alice My Show 2025-01-02 030405.mp4", DownloadFileName("al/ice", `My: "Show"`, at))
	assert.Equal(t, "2025-01-02 030405.mp4", DownloadFileName("", "  ", at))
	assert.Equal(t, "a b 2025-01-02 030405.mp4", DownloadFileName("a", "  b  ", at))
}
