package syncqueue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	pfxItem = []byte("q:i:")
	keySeq  = []byte("q:seq")
)

// LevelDB stores items under a "q:" prefix of a database it shares with the
// cache backend. Big-endian IDs keep iteration in enqueue order.
type LevelDB struct {
	db *leveldb.DB

	mu  sync.Mutex
	seq uint64
}

func NewLevelDB(db *leveldb.DB) (*LevelDB, error) {
	q := &LevelDB{db: db}
	b, err := db.Get(keySeq, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		if len(b) == 8 {
			q.seq = binary.BigEndian.Uint64(b)
		}
	}
	return q, nil
}

func itemKey(id uint64) []byte {
	k := make([]byte, len(pfxItem)+8)
	copy(k, pfxItem)
	binary.BigEndian.PutUint64(k[len(pfxItem):], id)
	return k
}

func (q *LevelDB) Enqueue(_ context.Context, it Item) (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := q.seq + 1
	it.ID = id
	b, err := json.Marshal(it)
	if err != nil {
		return Item{}, fmt.Errorf("%w: %v", ErrWrite, err)
	}
	seq := make([]byte, 8)
	binary.BigEndian.PutUint64(seq, id)

	batch := new(leveldb.Batch)
	batch.Put(itemKey(id), b)
	batch.Put(keySeq, seq)
	if err := q.db.Write(batch, nil); err != nil {
		return Item{}, fmt.Errorf("%w: %v", ErrWrite, err)
	}
	q.seq = id
	return it, nil
}

func (q *LevelDB) ListPending(_ context.Context) ([]Item, error) {
	it := q.db.NewIterator(util.BytesPrefix(pfxItem), nil)
	defer it.Release()
	var out []Item
	for it.Next() {
		var item Item
		if err := json.Unmarshal(it.Value(), &item); err != nil {
			continue
		}
		out = append(out, item)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

func (q *LevelDB) Remove(_ context.Context, id uint64) error {
	return q.db.Delete(itemKey(id), nil)
}

func (q *LevelDB) MarkFailed(_ context.Context, id uint64) (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	b, err := q.db.Get(itemKey(id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Item{}, fmt.Errorf("mark failed %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Item{}, err
	}
	var item Item
	if err := json.Unmarshal(b, &item); err != nil {
		return Item{}, err
	}
	item.RetryCount++
	nb, err := json.Marshal(item)
	if err != nil {
		return Item{}, err
	}
	if err := q.db.Put(itemKey(id), nb, nil); err != nil {
		return Item{}, err
	}
	return item, nil
}

// Close is a no-op; the database belongs to whoever opened it.
func (q *LevelDB) Close() error { return nil }
