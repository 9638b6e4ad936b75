package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"live-recorder/constant"
	"live-recorder/entities"
)

// metaColumns is every column except the two blobs.
var metaColumns = []string{"session_id", "seq", "size", "created_at", "author", "title", "download_file_name"}

type repo struct {
	db *gorm.DB
}

// NewRepo opens a PostgreSQL-backed ChunkStore over db and migrates both tables.
func NewRepo(db *sql.DB) (ChunkStore, error) {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db}),
		&gorm.Config{
			Logger: logger.Default.LogMode(logger.Warn),
		},
	)
	if err != nil {
		return nil, err
	}
	r := &repo{db: gormDB}
	if err := r.migrate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *repo) migrate() error {
	for _, table := range []constant.Table{constant.TableTemps, constant.TableChunks} {
		name := sqlTableName(table)
		if err := r.db.Table(name).AutoMigrate(&entities.Record{}); err != nil {
			return fmt.Errorf("migrate %s: %w", name, err)
		}
		stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_created_at ON %s (created_at)", name, name)
		if err := r.db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("index %s: %w", name, err)
		}
	}
	return nil
}

func (r *repo) table(ctx context.Context, table constant.Table) (*gorm.DB, error) {
	if err := validTable(table); err != nil {
		return nil, err
	}
	return r.db.WithContext(ctx).Table(sqlTableName(table)), nil
}

func (r *repo) Append(ctx context.Context, table constant.Table, record *entities.Record) (entities.Key, error) {
	db, err := r.table(ctx, table)
	if err != nil {
		return entities.Key{}, err
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	record.Size = int64(len(record.Payload))
	err = db.Clauses(clause.OnConflict{UpdateAll: true}).Create(record).Error
	if err != nil {
		return entities.Key{}, fmt.Errorf("append %s %s: %w", table, record.Key(), err)
	}
	return record.Key(), nil
}

func (r *repo) GetByKey(ctx context.Context, table constant.Table, key entities.Key) (*entities.Record, error) {
	db, err := r.table(ctx, table)
	if err != nil {
		return nil, err
	}
	record := &entities.Record{}
	err = db.Where("session_id = ? AND seq = ?", key.SessionID, key.Seq).First(record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (r *repo) GetAll(ctx context.Context, table constant.Table) ([]*entities.Record, error) {
	db, err := r.table(ctx, table)
	if err != nil {
		return nil, err
	}
	var records []*entities.Record
	err = db.Order("created_at ASC, session_id ASC, seq ASC").Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repo) GetBySession(ctx context.Context, table constant.Table, sessionID string) ([]*entities.Record, error) {
	db, err := r.table(ctx, table)
	if err != nil {
		return nil, err
	}
	var records []*entities.Record
	err = db.Where("session_id = ?", sessionID).Order("seq ASC").Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repo) GetLatest(ctx context.Context, table constant.Table, limit int) ([]*entities.Record, error) {
	db, err := r.table(ctx, table)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	var records []*entities.Record
	err = db.Order("created_at DESC, session_id DESC, seq DESC").Limit(limit).Find(&records).Error
	if err != nil {
		return nil, err
	}
	reverse(records)
	return records, nil
}

func (r *repo) GetOlder(ctx context.Context, table constant.Table, before time.Time, limit int) ([]*entities.Record, error) {
	db, err := r.table(ctx, table)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	var records []*entities.Record
	err = db.Where("created_at < ?", before).
		Order("created_at DESC, session_id DESC, seq DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	reverse(records)
	return records, nil
}

func (r *repo) ListMeta(ctx context.Context, table constant.Table) ([]*entities.Record, error) {
	db, err := r.table(ctx, table)
	if err != nil {
		return nil, err
	}
	var records []*entities.Record
	err = db.Select(metaColumns).Order("created_at ASC, session_id ASC, seq ASC").Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repo) DeleteByKeys(ctx context.Context, table constant.Table, keys []entities.Key) error {
	if err := validTable(table); err != nil {
		return err
	}
	var errs []error
	for _, key := range keys {
		db, _ := r.table(ctx, table)
		err := db.Where("session_id = ? AND seq = ?", key.SessionID, key.Seq).Delete(&entities.Record{}).Error
		if err != nil {
			errs = append(errs, fmt.Errorf("delete %s %s: %w", table, key, err))
		}
	}
	return errors.Join(errs...)
}

func (r *repo) Count(ctx context.Context, table constant.Table) (int64, error) {
	db, err := r.table(ctx, table)
	if err != nil {
		return 0, err
	}
	var count int64
	err = db.Count(&count).Error
	return count, err
}

func (r *repo) TotalSize(ctx context.Context, table constant.Table) (int64, error) {
	db, err := r.table(ctx, table)
	if err != nil {
		return 0, err
	}
	var total int64
	err = db.Select("COALESCE(SUM(size), 0)").Scan(&total).Error
	return total, err
}

func (r *repo) DeleteAll(ctx context.Context, table constant.Table) error {
	db, err := r.table(ctx, table)
	if err != nil {
		return err
	}
	return db.Where("1 = 1").Delete(&entities.Record{}).Error
}

func (r *repo) Close() error {
	db, err := r.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}
