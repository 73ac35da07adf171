package offline0

import (
	"context"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"

	"offline0/internal/cachestore"
	"offline0/internal/syncqueue"
)

// Stores holds the cache backend and sync queue selected by the config. With
// leveldb storage both share one database under distinct key prefixes.
type Stores struct {
	DB    *leveldb.DB
	Cache cachestore.Backend
	Queue syncqueue.Queue
}

func OpenStores(ctx context.Context, cfg Config) (*Stores, error) {
	st := &Stores{}
	if cfg.Storage.Kind == StorageLevelDB {
		db, err := leveldb.OpenFile(cfg.Storage.Path, nil)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.Storage.Path, err)
		}
		st.DB = db
		if st.Cache, err = cachestore.NewLevelDB(db); err != nil {
			_ = st.Close()
			return nil, err
		}
	} else {
		st.Cache = cachestore.NewMemory()
	}

	var err error
	switch cfg.Sync.Backend {
	case SyncBackendLevelDB:
		if st.DB == nil {
			err = fmt.Errorf("sync.backend leveldb needs storage.kind leveldb")
			break
		}
		st.Queue, err = syncqueue.NewLevelDB(st.DB)
	case SyncBackendRedis:
		st.Queue, err = syncqueue.OpenRedis(ctx, cfg.Sync.Redis.URL, cfg.Sync.Redis.KeyPrefix)
	default:
		st.Queue = syncqueue.NewMemory()
	}
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("open sync queue: %w", err)
	}
	return st, nil
}

func (st *Stores) Close() error {
	var errs []error
	if st.Queue != nil {
		errs = append(errs, st.Queue.Close())
	}
	if st.Cache != nil {
		errs = append(errs, st.Cache.Close())
	}
	if st.DB != nil {
		errs = append(errs, st.DB.Close())
	}
	return errors.Join(errs...)
}
