package server

import (
	"errors"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"live-recorder/constant"
	"live-recorder/dto"
	"live-recorder/entities"
	controlHandler "live-recorder/handler"
	"live-recorder/repository"
	"live-recorder/service"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type recorderController interface {
	controlHandler.Controller
	State() constant.RecordingState
	SessionID() string
}

type routes struct {
	store      repository.ChunkStore
	controller recorderController
	settings   service.SettingsReader
	exporter   service.ClipExporter
	presenter  service.Presenter
	thumbnails *thumbnailCache
}

func addRoutes(r *gin.Engine, h *routes) {
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/status", h.status)
	r.POST("/control/:command", h.control)

	clips := r.Group("/clips")
	clips.GET("", h.listClips)
	clips.GET("/:session/:seq", h.downloadClip)
	clips.GET("/:session/:seq/thumbnail", h.thumbnail)
	clips.DELETE("/:session/:seq", h.deleteClip)
	clips.POST("/:session/:seq/export", h.exportClip)
}

func (h *routes) status(c *gin.Context) {
	ctx := c.Request.Context()
	count, err := h.store.Count(ctx, constant.TableChunks)
	if err != nil {
		h.internalError(c, err, "failed to count clips")
		return
	}
	used, err := h.store.TotalSize(ctx, constant.TableChunks)
	if err != nil {
		h.internalError(c, err, "failed to measure clips")
		return
	}
	state := h.controller.State()
	c.JSON(http.StatusOK, dto.StatusResponse{
		State:     state,
		Label:     state.Label(),
		SessionId: h.controller.SessionID(),
		ClipCount: count,
		UsedBytes: used,
		Quota:     h.settings.QuotaBytes(),
	})
}

func (h *routes) control(c *gin.Context) {
	err := controlHandler.Dispatch(c.Request.Context(), h.controller, constant.Command(c.Param("command")))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"state": h.controller.State()})
	case controlHandler.IsRejected(err):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.internalError(c, err, "control command failed")
	}
}

// listClips pages through the archive newest first. before is a createdAt bound, either
// RFC 3339 (as returned in nextBefore) or Unix milliseconds.
func (h *routes) listClips(c *gin.Context) {
	ctx := c.Request.Context()
	limit := defaultPageSize
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxPageSize)
	}

	var (
		records []*entities.Record
		err     error
	)
	if raw := c.Query("before"); raw != "" {
		before, perr := parseBefore(raw)
		if perr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "before must be RFC 3339 or unix milliseconds"})
			return
		}
		records, err = h.store.GetOlder(ctx, constant.TableChunks, before, limit)
	} else {
		records, err = h.store.GetLatest(ctx, constant.TableChunks, limit)
	}
	if err != nil {
		h.internalError(c, err, "failed to list clips")
		return
	}

	resp := dto.ClipListResponse{Clips: make([]dto.ClipResponse, 0, len(records))}
	for i := len(records) - 1; i >= 0; i-- {
		resp.Clips = append(resp.Clips, dto.NewClipResponse(records[i]))
	}
	if len(records) == limit {
		oldest := records[0].CreatedAt
		resp.NextBefore = &oldest
	}
	c.JSON(http.StatusOK, resp)
}

func (h *routes) downloadClip(c *gin.Context) {
	clip, ok := h.loadClip(c)
	if !ok {
		return
	}
	name := clip.DownloadFileName
	if name == "" {
		name = service.DownloadFileName(clip.Author, clip.Title, clip.CreatedAt)
	}
	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	c.Data(http.StatusOK, "video/mp4", clip.Payload)
}

func (h *routes) thumbnail(c *gin.Context) {
	key, ok := parseKey(c)
	if !ok {
		return
	}
	if image, hit := h.thumbnails.Get(key); hit {
		c.Data(http.StatusOK, "image/jpeg", image)
		return
	}
	clip, ok := h.loadClip(c)
	if !ok {
		return
	}
	if !clip.HasThumbnail() {
		c.JSON(http.StatusNotFound, gin.H{"error": "clip has no thumbnail"})
		return
	}
	h.thumbnails.Add(key, clip.Thumbnail)
	c.Data(http.StatusOK, "image/jpeg", clip.Thumbnail)
}

func (h *routes) deleteClip(c *gin.Context) {
	key, ok := parseKey(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if _, err := h.store.GetByKey(ctx, constant.TableChunks, key); err != nil {
		h.storeError(c, err)
		return
	}
	if err := h.store.DeleteByKeys(ctx, constant.TableChunks, []entities.Key{key}); err != nil {
		h.internalError(c, err, "failed to delete clip")
		return
	}
	h.thumbnails.Remove(key)
	h.presenter.OnClipsEvicted(ctx, []entities.Key{key})
	c.Status(http.StatusNoContent)
}

func (h *routes) exportClip(c *gin.Context) {
	key, ok := parseKey(c)
	if !ok {
		return
	}
	object, err := h.exporter.Export(c.Request.Context(), key)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"object": object})
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "clip not found"})
	case errors.Is(err, service.ErrExportDisabled):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		h.internalError(c, err, "failed to export clip")
	}
}

func (h *routes) loadClip(c *gin.Context) (*entities.Record, bool) {
	key, ok := parseKey(c)
	if !ok {
		return nil, false
	}
	clip, err := h.store.GetByKey(c.Request.Context(), constant.TableChunks, key)
	if err != nil {
		h.storeError(c, err)
		return nil, false
	}
	return clip, true
}

func parseBefore(raw string) (time.Time, error) {
	if millis, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(millis), nil
	}
	return time.Parse(time.RFC3339Nano, raw)
}

func parseKey(c *gin.Context) (entities.Key, bool) {
	seq, err := strconv.ParseInt(c.Param("seq"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "seq must be an integer"})
		return entities.Key{}, false
	}
	return entities.Key{SessionID: c.Param("session"), Seq: seq}, true
}

func (h *routes) storeError(c *gin.Context, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "clip not found"})
		return
	}
	h.internalError(c, err, "failed to load clip")
}

func (h *routes) internalError(c *gin.Context, err error, msg string) {
	zerolog.Ctx(c.Request.Context()).Error().Err(err).Str("path", c.FullPath()).Msg(msg)
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}
