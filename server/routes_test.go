package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"live-recorder/constant"
	"live-recorder/dto"
	"live-recorder/entities"
	"live-recorder/repository"
	"live-recorder/service"
)

type fakeController struct {
	mu       sync.Mutex
	state    constant.RecordingState
	startErr error
	calls    []string
}

func (f *fakeController) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeController) Start(context.Context) error {
	f.record("start")
	return f.startErr
}

func (f *fakeController) Stop(context.Context) error {
	f.record("stop")
	return nil
}

func (f *fakeController) Reset(context.Context) error {
	f.record("reset")
	return nil
}

func (f *fakeController) Clear(context.Context) error {
	f.record("clear")
	return nil
}

func (f *fakeController) Reload(context.Context) ([]*entities.Record, error) {
	f.record("reload")
	return nil, nil
}

func (f *fakeController) State() constant.RecordingState { return f.state }
func (f *fakeController) SessionID() string              { return "current" }

type fakeSettings struct{ quota int64 }

func (s fakeSettings) RotationInterval() time.Duration { return time.Minute }
func (s fakeSettings) QuotaBytes() int64               { return s.quota }
func (s fakeSettings) AutoStart() bool                 { return false }
func (s fakeSettings) AutoReloadOnFailure() bool       { return false }

type evictionPresenter struct {
	service.LogPresenter
	evicted []entities.Key
}

func (p *evictionPresenter) OnClipsEvicted(_ context.Context, keys []entities.Key) {
	p.evicted = append(p.evicted, keys...)
}

type routesFixture struct {
	engine     *gin.Engine
	store      repository.ChunkStore
	controller *fakeController
	presenter  *evictionPresenter
	routes     *routes
}

func newRoutesFixture(t *testing.T) *routesFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store, err := repository.NewBadgerStore(repository.InMemoryBadgerConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := &routesFixture{
		engine:     gin.New(),
		store:      store,
		controller: &fakeController{state: constant.RecordingStateRecording},
		presenter:  &evictionPresenter{},
	}
	f.routes = &routes{
		store:      store,
		controller: f.controller,
		settings:   fakeSettings{quota: 1 << 20},
		exporter:   service.NewClipExporter(store, nil, ""),
		presenter:  f.presenter,
		thumbnails: newThumbnailCache(),
	}
	addHealth(f.engine)
	addRoutes(f.engine, f.routes)
	return f
}

func (f *routesFixture) putClip(t *testing.T, sessionID string, at time.Time, payload, thumbnail []byte) entities.Key {
	t.Helper()
	key, err := f.store.Append(context.Background(), constant.TableChunks, &entities.Record{
		SessionID:        sessionID,
		Seq:              at.UnixMilli(),
		Payload:          payload,
		Thumbnail:        thumbnail,
		CreatedAt:        at,
		Author:           "author",
		Title:            "title",
		DownloadFileName: service.DownloadFileName("author", "title", at),
	})
	require.NoError(t, err)
	return key
}

func (f *routesFixture) do(method, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, target, nil)
	f.engine.ServeHTTP(w, req)
	return w
}

func TestStatus(t *testing.T) {
	f := newRoutesFixture(t)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	f.putClip(t, "a", base, make([]byte, 300), nil)
	f.putClip(t, "b", base.Add(time.Second), make([]byte, 200), nil)

	w := f.do(http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, constant.RecordingStateRecording, resp.State)
	assert.Equal(t, "recording", resp.Label)
	assert.Equal(t, "current", resp.SessionId)
	assert.Equal(t, int64(2), resp.ClipCount)
	assert.Equal(t, int64(500), resp.UsedBytes)
	assert.Equal(t, int64(1<<20), resp.Quota)
}

func TestListClips_NewestFirstWithPaging(t *testing.T) {
	f := newRoutesFixture(t)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		f.putClip(t, "s", base.Add(time.Duration(i)*time.Minute), []byte("clip"), nil)
	}

	w := f.do(http.MethodGet, "/clips?limit=2")
	require.Equal(t, http.StatusOK, w.Code)
	var page dto.ClipListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Clips, 2)
	assert.Equal(t, base.Add(4*time.Minute).UnixMilli(), page.Clips[0].Seq)
	assert.Equal(t, base.Add(3*time.Minute).UnixMilli(), page.Clips[1].Seq)
	require.NotNil(t, page.NextBefore)

	w = f.do(http.MethodGet, "/clips?limit=2&before="+page.NextBefore.Format(time.RFC3339Nano))
	require.Equal(t, http.StatusOK, w.Code)
	var next dto.ClipListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &next))
	require.Len(t, next.Clips, 2)
	assert.Equal(t, base.Add(2*time.Minute).UnixMilli(), next.Clips[0].Seq)
	assert.Equal(t, base.Add(time.Minute).UnixMilli(), next.Clips[1].Seq)
}

func TestListClips_BadQuery(t *testing.T) {
	f := newRoutesFixture(t)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/clips?limit=0").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/clips?before=yesterday").Code)
}

func TestDownloadClip(t *testing.T) {
	f := newRoutesFixture(t)
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.Local)
	key := f.putClip(t, "s", at, []byte("mp4 bytes"), nil)

	w := f.do(http.MethodGet, "/clips/s/"+itoa(key.Seq))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "mp4 bytes", w.Body.String())
	assert.Equal(t, "video/mp4", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "author title 2025-03-01 120000.mp4")

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/clips/s/1").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/clips/s/latest").Code)
}

func TestThumbnail_CachedAfterFirstLoad(t *testing.T) {
	f := newRoutesFixture(t)
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	withThumb := f.putClip(t, "s", at, []byte("clip"), []byte("jpeg"))
	without := f.putClip(t, "t", at, []byte("clip"), nil)

	w := f.do(http.MethodGet, "/clips/s/"+itoa(withThumb.Seq)+"/thumbnail")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "jpeg", w.Body.String())
	assert.True(t, f.routes.thumbnails.Contains(withThumb))

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/clips/t/"+itoa(without.Seq)+"/thumbnail").Code)
}

func TestDeleteClip(t *testing.T) {
	f := newRoutesFixture(t)
	key := f.putClip(t, "s", time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), []byte("clip"), []byte("jpeg"))
	f.routes.thumbnails.Add(key, []byte("jpeg"))

	w := f.do(http.MethodDelete, "/clips/s/"+itoa(key.Seq))
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []entities.Key{key}, f.presenter.evicted)
	assert.False(t, f.routes.thumbnails.Contains(key))

	_, err := f.store.GetByKey(context.Background(), constant.TableChunks, key)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodDelete, "/clips/s/"+itoa(key.Seq)).Code)
}

func TestThumbnailEvictor_DropsEvictedClips(t *testing.T) {
	f := newRoutesFixture(t)
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	evicted := f.putClip(t, "s", at, []byte("clip"), []byte("old"))
	kept := f.putClip(t, "t", at, []byte("clip"), []byte("new"))
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/clips/s/"+itoa(evicted.Seq)+"/thumbnail").Code)
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/clips/t/"+itoa(kept.Seq)+"/thumbnail").Code)

	// the reaper deletes from the store and only notifies its presenter
	ctx := context.Background()
	require.NoError(t, f.store.DeleteByKeys(ctx, constant.TableChunks, []entities.Key{evicted}))
	presenter := service.MultiPresenter{service.LogPresenter{}, thumbnailEvictor{cache: f.routes.thumbnails}}
	presenter.OnClipsEvicted(ctx, []entities.Key{evicted})

	assert.False(t, f.routes.thumbnails.Contains(evicted))
	assert.True(t, f.routes.thumbnails.Contains(kept))
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/clips/s/"+itoa(evicted.Seq)+"/thumbnail").Code)
}

func TestExportClip_Disabled(t *testing.T) {
	f := newRoutesFixture(t)
	key := f.putClip(t, "s", time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), []byte("clip"), nil)

	assert.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodPost, "/clips/s/"+itoa(key.Seq)+"/export").Code)
}

func TestControl(t *testing.T) {
	f := newRoutesFixture(t)

	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/control/stop").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/control/reload").Code)
	assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/control/rewind").Code)

	f.controller.startErr = service.ErrAlreadyRecording
	assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/control/start").Code)

	assert.Equal(t, []string{"stop", "reload", "start"}, f.controller.calls)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newRoutesFixture(t)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/health").Code)

	w := f.do(http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
