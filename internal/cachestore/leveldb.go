package cachestore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout inside the shared database:
//
//	n:{cache}               registry of cache names
//	e:{cache}\x00{key}      gob-encoded Entry
//	o:{cache}\x00{seq}      insertion order index, value is the entry key
//	x:seq                   last assigned sequence number
var (
	pfxName  = []byte("n:")
	pfxEntry = []byte("e:")
	pfxOrder = []byte("o:")
	keySeq   = []byte("x:seq")
)

// LevelDB is a Backend on top of a goleveldb database. Entry and order index
// are written in a single batch, so a reader never sees half of a Put.
type LevelDB struct {
	db *leveldb.DB

	mu  sync.Mutex
	seq uint64
}

// NewLevelDB uses db without taking ownership of it.
func NewLevelDB(db *leveldb.DB) (*LevelDB, error) {
	l := &LevelDB{db: db}
	b, err := db.Get(keySeq, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		if len(b) == 8 {
			l.seq = binary.BigEndian.Uint64(b)
		}
	}
	return l, nil
}

func cacheKey(prefix []byte, cache string, rest []byte) []byte {
	out := make([]byte, 0, len(prefix)+len(cache)+1+len(rest))
	out = append(out, prefix...)
	out = append(out, cache...)
	out = append(out, 0)
	return append(out, rest...)
}

func seqBytes(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

func (l *LevelDB) Get(_ context.Context, cache string, key Key) (Entry, bool, error) {
	b, err := l.db.Get(cacheKey(pfxEntry, cache, []byte(key.String())), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var e Entry
	if err := decodeGob(b, &e); err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (l *LevelDB) Put(_ context.Context, cache string, e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ek := cacheKey(pfxEntry, cache, []byte(e.Key.String()))
	batch := new(leveldb.Batch)

	if old, err := l.db.Get(ek, nil); err == nil {
		var prev Entry
		if decodeGob(old, &prev) == nil {
			batch.Delete(cacheKey(pfxOrder, cache, seqBytes(prev.Seq)))
		}
	} else if !errors.Is(err, leveldb.ErrNotFound) {
		return err
	}

	seq := l.seq + 1
	e.Seq = seq
	b, err := encodeGob(e)
	if err != nil {
		return err
	}
	batch.Put(ek, b)
	batch.Put(cacheKey(pfxOrder, cache, seqBytes(seq)), []byte(e.Key.String()))
	batch.Put(append(append([]byte{}, pfxName...), cache...), nil)
	batch.Put(keySeq, seqBytes(seq))
	if err := l.db.Write(batch, nil); err != nil {
		return err
	}
	l.seq = seq
	return nil
}

func (l *LevelDB) Trim(_ context.Context, cache string, max int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	type ref struct{ orderKey, entryKey []byte }
	var refs []ref
	it := l.db.NewIterator(util.BytesPrefix(cacheKey(pfxOrder, cache, nil)), nil)
	for it.Next() {
		refs = append(refs, ref{
			orderKey: append([]byte{}, it.Key()...),
			entryKey: cacheKey(pfxEntry, cache, append([]byte{}, it.Value()...)),
		})
	}
	it.Release()
	if err := it.Error(); err != nil {
		return 0, err
	}
	if len(refs) <= max {
		return 0, nil
	}

	n := len(refs) - max
	batch := new(leveldb.Batch)
	for _, r := range refs[:n] {
		batch.Delete(r.orderKey)
		batch.Delete(r.entryKey)
	}
	if err := l.db.Write(batch, nil); err != nil {
		return 0, err
	}
	return n, nil
}

func (l *LevelDB) Delete(_ context.Context, cache string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	nameKey := append(append([]byte{}, pfxName...), cache...)
	_, err := l.db.Get(nameKey, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	batch := new(leveldb.Batch)
	for _, p := range [][]byte{pfxEntry, pfxOrder} {
		it := l.db.NewIterator(util.BytesPrefix(cacheKey(p, cache, nil)), nil)
		for it.Next() {
			batch.Delete(append([]byte{}, it.Key()...))
		}
		it.Release()
		if err := it.Error(); err != nil {
			return false, err
		}
	}
	batch.Delete(nameKey)
	if err := l.db.Write(batch, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (l *LevelDB) Names(_ context.Context) ([]string, error) {
	it := l.db.NewIterator(util.BytesPrefix(pfxName), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), pfxName)))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (l *LevelDB) Entries(_ context.Context, cache string) ([]Entry, error) {
	it := l.db.NewIterator(util.BytesPrefix(cacheKey(pfxOrder, cache, nil)), nil)
	var keys [][]byte
	for it.Next() {
		keys = append(keys, cacheKey(pfxEntry, cache, append([]byte{}, it.Value()...)))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return nil, err
	}

	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		b, err := l.db.Get(k, nil)
		if errors.Is(err, leveldb.ErrNotFound) {
			// trimmed between the index scan and this read
			continue
		}
		if err != nil {
			return nil, err
		}
		var e Entry
		if err := decodeGob(b, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Close is a no-op; the database belongs to whoever opened it.
func (l *LevelDB) Close() error { return nil }

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
