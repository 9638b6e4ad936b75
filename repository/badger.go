package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"live-recorder/constant"
	"live-recorder/entities"
)

// BadgerConfig configures the embedded store.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in RAM, used by tests.
	InMemory bool

	SyncWrites bool

	// GCInterval is how often value log GC runs. Evicted clips only give disk
	// space back after GC, so keep this enabled for persistent stores.
	GCInterval time.Duration

	GCDiscardRatio float64

	// PayloadPartSize splits payloads into values of at most this many bytes, so a
	// long clip never hits the per-value limit of the value log. Defaults to 32 MiB.
	PayloadPartSize int

	Logger *zerolog.Logger
}

const defaultPayloadPartSize = 32 << 20

func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

type badgerLogger struct {
	logger *zerolog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msgf(format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn().Msgf(format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug().Msgf(format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Trace().Msgf(format, args...)
}

// Key layout, per table:
//
//	m/<table>/<session>\x00<seq>            record metadata (JSON)
//	p/<table>/<session>\x00<seq>/<part>     payload bytes, split in parts
//	t/<table>/<session>\x00<seq>            thumbnail bytes
//	c/<table>/<created nanos>/<session>\x00<seq>   createdAt index, empty value
const (
	prefixMeta      = "m/"
	prefixPayload   = "p/"
	prefixThumbnail = "t/"
	prefixCreated   = "c/"
	keySep          = 0x00
)

type badgerStore struct {
	db       *badger.DB
	partSize int
	stop     chan struct{}
	done     chan struct{}
}

func NewBadgerStore(cfg BadgerConfig) (ChunkStore, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("badger path is required for a persistent store")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	partSize := cfg.PayloadPartSize
	if partSize <= 0 {
		partSize = defaultPayloadPartSize
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if int64(partSize) >= opts.ValueLogFileSize {
		return nil, fmt.Errorf("payload part size %d must be below the value log file size %d", partSize, opts.ValueLogFileSize)
	}
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &badgerStore{db: db, partSize: partSize, stop: make(chan struct{}), done: make(chan struct{})}
	if !cfg.InMemory && cfg.GCInterval > 0 {
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	} else {
		close(s.done)
	}
	return s, nil
}

func (s *badgerStore) runGC(interval time.Duration, ratio float64) {
	defer close(s.done)
	if ratio <= 0 {
		ratio = 0.5
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			// RunValueLogGC reclaims at most one file per call.
			for s.db.RunValueLogGC(ratio) == nil {
			}
		}
	}
}

func recordSuffix(sessionID string, seq int64) []byte {
	return []byte(fmt.Sprintf("%s%c%020d", sessionID, keySep, seq))
}

func tableKey(prefix string, table constant.Table, sessionID string, seq int64) []byte {
	return append([]byte(prefix+table.String()+"/"), recordSuffix(sessionID, seq)...)
}

func payloadPrefix(table constant.Table, sessionID string, seq int64) []byte {
	return append(tableKey(prefixPayload, table, sessionID, seq), '/')
}

func partKey(table constant.Table, sessionID string, seq int64, part int) []byte {
	return append(payloadPrefix(table, sessionID, seq), []byte(fmt.Sprintf("%06d", part))...)
}

func createdPrefix(table constant.Table) []byte {
	return []byte(prefixCreated + table.String() + "/")
}

func createdKey(table constant.Table, createdAt time.Time, sessionID string, seq int64) []byte {
	nanos := createdAt.UnixNano()
	if nanos < 0 {
		nanos = 0
	}
	key := append(createdPrefix(table), []byte(fmt.Sprintf("%020d/", nanos))...)
	return append(key, recordSuffix(sessionID, seq)...)
}

// parseCreatedKey returns the metadata key referenced by a createdAt index entry.
func parseCreatedKey(table constant.Table, key []byte) []byte {
	rest := key[len(createdPrefix(table)):]
	i := bytes.IndexByte(rest, '/')
	if i < 0 {
		return nil
	}
	return append([]byte(prefixMeta+table.String()+"/"), rest[i+1:]...)
}

func readMeta(txn *badger.Txn, key []byte) (*entities.Record, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	record := &entities.Record{}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, record)
	})
	return record, err
}

func readBytes(txn *badger.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func readPayload(txn *badger.Txn, table constant.Table, record *entities.Record) ([]byte, error) {
	prefix := payloadPrefix(table, record.SessionID, record.Seq)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var payload []byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if payload == nil {
			payload = make([]byte, 0, record.Size)
		}
		err := it.Item().Value(func(val []byte) error {
			payload = append(payload, val...)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return payload, nil
}

// deleteParts removes every payload part of a record inside txn.
func deleteParts(txn *badger.Txn, table constant.Table, sessionID string, seq int64) error {
	prefix := payloadPrefix(table, sessionID, seq)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()
	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// writeParts stores the payload ahead of its metadata. A transaction that grows too
// big is committed and a new one started; parts stay unreachable until the metadata
// referencing them is written.
func (s *badgerStore) writeParts(table constant.Table, record *entities.Record) error {
	txn := s.db.NewTransaction(true)
	defer func() { txn.Discard() }()

	if err := deleteParts(txn, table, record.SessionID, record.Seq); err != nil {
		return err
	}
	for part, off := 0, 0; off < len(record.Payload); part, off = part+1, off+s.partSize {
		end := min(off+s.partSize, len(record.Payload))
		key := partKey(table, record.SessionID, record.Seq, part)
		err := txn.Set(key, record.Payload[off:end])
		if errors.Is(err, badger.ErrTxnTooBig) {
			if err := txn.Commit(); err != nil {
				return err
			}
			txn = s.db.NewTransaction(true)
			err = txn.Set(key, record.Payload[off:end])
		}
		if err != nil {
			return err
		}
	}
	return txn.Commit()
}

func (s *badgerStore) loadBodies(txn *badger.Txn, table constant.Table, record *entities.Record) error {
	payload, err := readPayload(txn, table, record)
	if err != nil {
		return err
	}
	thumbnail, err := readBytes(txn, tableKey(prefixThumbnail, table, record.SessionID, record.Seq))
	if err != nil {
		return err
	}
	record.Payload = payload
	record.Thumbnail = thumbnail
	return nil
}

func (s *badgerStore) Append(ctx context.Context, table constant.Table, record *entities.Record) (entities.Key, error) {
	if err := validTable(table); err != nil {
		return entities.Key{}, err
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	record.Size = int64(len(record.Payload))
	meta, err := json.Marshal(record.WithoutPayload())
	if err != nil {
		return entities.Key{}, err
	}

	if err := s.writeParts(table, record); err != nil {
		return entities.Key{}, fmt.Errorf("append %s %s payload: %w", table, record.Key(), err)
	}

	metaKey := tableKey(prefixMeta, table, record.SessionID, record.Seq)
	err = s.db.Update(func(txn *badger.Txn) error {
		previous, err := readMeta(txn, metaKey)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if previous != nil {
			if err := txn.Delete(createdKey(table, previous.CreatedAt, previous.SessionID, previous.Seq)); err != nil {
				return err
			}
		}
		if err := txn.Set(metaKey, meta); err != nil {
			return err
		}
		thumbKey := tableKey(prefixThumbnail, table, record.SessionID, record.Seq)
		if record.HasThumbnail() {
			if err := txn.Set(thumbKey, record.Thumbnail); err != nil {
				return err
			}
		} else if err := txn.Delete(thumbKey); err != nil {
			return err
		}
		return txn.Set(createdKey(table, record.CreatedAt, record.SessionID, record.Seq), []byte{})
	})
	if err != nil {
		return entities.Key{}, fmt.Errorf("append %s %s: %w", table, record.Key(), err)
	}
	return record.Key(), nil
}

func (s *badgerStore) GetByKey(ctx context.Context, table constant.Table, key entities.Key) (*entities.Record, error) {
	if err := validTable(table); err != nil {
		return nil, err
	}
	var record *entities.Record
	err := s.db.View(func(txn *badger.Txn) error {
		r, err := readMeta(txn, tableKey(prefixMeta, table, key.SessionID, key.Seq))
		if err != nil {
			return err
		}
		record = r
		return s.loadBodies(txn, table, record)
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (s *badgerStore) GetAll(ctx context.Context, table constant.Table) ([]*entities.Record, error) {
	records, err := s.ListMeta(ctx, table)
	if err != nil {
		return nil, err
	}
	err = s.db.View(func(txn *badger.Txn) error {
		for _, r := range records {
			if err := s.loadBodies(txn, table, r); err != nil {
				return err
			}
		}
		return nil
	})
	return records, err
}

func (s *badgerStore) GetBySession(ctx context.Context, table constant.Table, sessionID string) ([]*entities.Record, error) {
	if err := validTable(table); err != nil {
		return nil, err
	}
	prefix := append([]byte(prefixMeta+table.String()+"/"+sessionID), keySep)
	var records []*entities.Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			record := &entities.Record{}
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, record)
			}); err != nil {
				return err
			}
			records = append(records, record)
		}
		for _, r := range records {
			if err := s.loadBodies(txn, table, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// scanCreated walks the createdAt index and collects up to limit records (0 = all).
// In reverse mode the walk starts strictly before seek.
func (s *badgerStore) scanCreated(table constant.Table, reverseOrder bool, seek []byte, limit int, withBodies bool) ([]*entities.Record, error) {
	prefix := createdPrefix(table)
	var records []*entities.Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = reverseOrder
		if !reverseOrder {
			opts.Prefix = prefix
		}
		it := txn.NewIterator(opts)
		defer it.Close()

		var metaKeys [][]byte
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(metaKeys) >= limit {
				break
			}
			if metaKey := parseCreatedKey(table, it.Item().KeyCopy(nil)); metaKey != nil {
				metaKeys = append(metaKeys, metaKey)
			}
		}
		for _, key := range metaKeys {
			record, err := readMeta(txn, key)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if withBodies {
				if err := s.loadBodies(txn, table, record); err != nil {
					return err
				}
			}
			records = append(records, record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (s *badgerStore) GetLatest(ctx context.Context, table constant.Table, limit int) ([]*entities.Record, error) {
	if err := validTable(table); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	seek := append(createdPrefix(table), 0xFF)
	records, err := s.scanCreated(table, true, seek, limit, true)
	if err != nil {
		return nil, err
	}
	reverse(records)
	return records, nil
}

func (s *badgerStore) GetOlder(ctx context.Context, table constant.Table, before time.Time, limit int) ([]*entities.Record, error) {
	if err := validTable(table); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	nanos := before.UnixNano()
	if nanos < 0 {
		nanos = 0
	}
	seek := append(createdPrefix(table), []byte(fmt.Sprintf("%020d", nanos))...)
	records, err := s.scanCreated(table, true, seek, limit, true)
	if err != nil {
		return nil, err
	}
	reverse(records)
	return records, nil
}

func (s *badgerStore) ListMeta(ctx context.Context, table constant.Table) ([]*entities.Record, error) {
	if err := validTable(table); err != nil {
		return nil, err
	}
	return s.scanCreated(table, false, createdPrefix(table), 0, false)
}

func (s *badgerStore) DeleteByKeys(ctx context.Context, table constant.Table, keys []entities.Key) error {
	if err := validTable(table); err != nil {
		return err
	}
	var errs []error
	for _, key := range keys {
		err := s.db.Update(func(txn *badger.Txn) error {
			metaKey := tableKey(prefixMeta, table, key.SessionID, key.Seq)
			record, err := readMeta(txn, metaKey)
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if err := deleteParts(txn, table, key.SessionID, key.Seq); err != nil {
				return err
			}
			for _, k := range [][]byte{
				metaKey,
				tableKey(prefixThumbnail, table, key.SessionID, key.Seq),
				createdKey(table, record.CreatedAt, key.SessionID, key.Seq),
			} {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("delete %s %s: %w", table, key, err))
		}
	}
	return errors.Join(errs...)
}

func (s *badgerStore) Count(ctx context.Context, table constant.Table) (int64, error) {
	if err := validTable(table); err != nil {
		return 0, err
	}
	prefix := createdPrefix(table)
	var count int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

func (s *badgerStore) TotalSize(ctx context.Context, table constant.Table) (int64, error) {
	records, err := s.ListMeta(ctx, table)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, r := range records {
		total += r.Size
	}
	return total, nil
}

func (s *badgerStore) DeleteAll(ctx context.Context, table constant.Table) error {
	if err := validTable(table); err != nil {
		return err
	}
	prefixes := [][]byte{
		[]byte(prefixMeta + table.String() + "/"),
		[]byte(prefixPayload + table.String() + "/"),
		[]byte(prefixThumbnail + table.String() + "/"),
		createdPrefix(table),
	}
	return s.db.DropPrefix(prefixes...)
}

func (s *badgerStore) Close() error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
	return s.db.Close()
}
