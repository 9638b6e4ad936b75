package server

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"live-recorder/constant"
	"live-recorder/entities"
)

type thumbnailCache = expirable.LRU[entities.Key, []byte]

func newThumbnailCache() *thumbnailCache {
	return expirable.NewLRU[entities.Key, []byte](256, nil, 10*time.Minute)
}

// thumbnailEvictor drops cached thumbnails of clips removed by the reaper or a clear.
type thumbnailEvictor struct {
	cache *thumbnailCache
}

func (e thumbnailEvictor) OnClipAdded(context.Context, *entities.Record) {}

func (e thumbnailEvictor) OnClipsEvicted(_ context.Context, keys []entities.Key) {
	for _, key := range keys {
		e.cache.Remove(key)
	}
}

func (e thumbnailEvictor) OnStatusChanged(context.Context, constant.RecordingState, string) {}
