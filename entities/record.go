package entities

import (
	"fmt"
	"time"
)

// Key identifies a record inside one table. Seq is the chunk index for temps and the
// clip's creation time in Unix milliseconds for clips.
type Key struct {
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d", k.SessionID, k.Seq)
}

// Record is the row shape shared by the Temps and Chunks tables.
type Record struct {
	SessionID        string    `json:"session_id" gorm:"type:varchar(64);primaryKey"`
	Seq              int64     `json:"seq" gorm:"type:bigint;primaryKey;autoIncrement:false"`
	Payload          []byte    `json:"-" gorm:"type:bytea"`
	Thumbnail        []byte    `json:"-" gorm:"type:bytea"`
	Size             int64     `json:"size" gorm:"type:bigint;not null;default:0"`
	CreatedAt        time.Time `json:"created_at" gorm:"type:timestamptz;not null"`
	Author           string    `json:"author" gorm:"type:varchar(255)"`
	Title            string    `json:"title" gorm:"type:varchar(255)"`
	DownloadFileName string    `json:"download_file_name" gorm:"type:varchar(500)"`
}

func (r *Record) Key() Key {
	return Key{SessionID: r.SessionID, Seq: r.Seq}
}

func (r *Record) HasThumbnail() bool {
	return len(r.Thumbnail) > 0
}

// WithoutPayload returns a shallow copy that carries metadata only.
func (r *Record) WithoutPayload() *Record {
	meta := *r
	meta.Payload = nil
	meta.Thumbnail = nil
	return &meta
}
