package dto

import (
	"live-recorder/constant"
	"live-recorder/entities"
	"time"
)

type ControlMessage struct {
	Command constant.Command `json:"command"`
}

type ClipEvent struct {
	Type        constant.EventType      `json:"type"`
	Clip        *ClipResponse           `json:"clip,omitempty"`
	EvictedKeys []entities.Key          `json:"evictedKeys,omitempty"`
	State       constant.RecordingState `json:"state,omitempty"`
	Label       string                  `json:"label,omitempty"`
	OccurredAt  time.Time               `json:"occurredAt"`
}

type ClipResponse struct {
	SessionId        string    `json:"sessionId"`
	Seq              int64     `json:"seq"`
	Size             int64     `json:"size"`
	CreatedAt        time.Time `json:"createdAt"`
	Author           string    `json:"author"`
	Title            string    `json:"title"`
	DownloadFileName string    `json:"downloadFileName"`
	HasThumbnail     bool      `json:"hasThumbnail"`
}

type ClipListResponse struct {
	Clips      []ClipResponse `json:"clips"`
	NextBefore *time.Time     `json:"nextBefore,omitempty"`
}

type StatusResponse struct {
	State     constant.RecordingState `json:"state"`
	Label     string                  `json:"label"`
	SessionId string                  `json:"sessionId,omitempty"`
	ClipCount int64                   `json:"clipCount"`
	UsedBytes int64                   `json:"usedBytes"`
	Quota     int64                   `json:"quotaBytes"`
}

func NewClipResponse(r *entities.Record) ClipResponse {
	return ClipResponse{
		SessionId:        r.SessionID,
		Seq:              r.Seq,
		Size:             r.Size,
		CreatedAt:        r.CreatedAt,
		Author:           r.Author,
		Title:            r.Title,
		DownloadFileName: r.DownloadFileName,
		HasThumbnail:     r.HasThumbnail(),
	}
}
