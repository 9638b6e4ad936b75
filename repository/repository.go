package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"live-recorder/constant"
	"live-recorder/entities"
)

var ErrNotFound = errors.New("record not found")

// ChunkStore is the two-table (Temps, Chunks) local store behind the recorder.
//
// Records are keyed by (SessionID, Seq) and never mutated by the normal flow; writing
// an existing key overwrites it. GetAll and GetBySession load payloads and are meant
// for the small Temps table; the Chunks archive is read through GetLatest/GetOlder.
type ChunkStore interface {
	Append(ctx context.Context, table constant.Table, record *entities.Record) (entities.Key, error)
	GetByKey(ctx context.Context, table constant.Table, key entities.Key) (*entities.Record, error)
	GetAll(ctx context.Context, table constant.Table) ([]*entities.Record, error)
	GetBySession(ctx context.Context, table constant.Table, sessionID string) ([]*entities.Record, error)
	GetLatest(ctx context.Context, table constant.Table, limit int) ([]*entities.Record, error)
	GetOlder(ctx context.Context, table constant.Table, before time.Time, limit int) ([]*entities.Record, error)
	ListMeta(ctx context.Context, table constant.Table) ([]*entities.Record, error)
	DeleteByKeys(ctx context.Context, table constant.Table, keys []entities.Key) error
	Count(ctx context.Context, table constant.Table) (int64, error)
	TotalSize(ctx context.Context, table constant.Table) (int64, error)
	DeleteAll(ctx context.Context, table constant.Table) error
	Close() error
}

func validTable(table constant.Table) error {
	switch table {
	case constant.TableTemps, constant.TableChunks:
		return nil
	}
	return errors.New("unknown table: " + table.String())
}

func sqlTableName(table constant.Table) string {
	return strings.ToLower(table.String())
}

func reverse(records []*entities.Record) {
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
}
