package cache

import (
	"context"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

// badgerRaw flattens the bucketed rawStore contract onto badger's flat
// keyspace with a "<bucket>/" key prefix per bucket, the way the pack's
// badger-backed durable stores scope keys by namespace rather than by
// a native bucket primitive.
type badgerRaw struct {
	db *badger.DB
}

func openBadgerRaw(dir string) (*badgerRaw, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerRaw{db: db}, nil
}

func badgerKey(bucket, key string) []byte {
	return []byte(bucket + "/" + key)
}

func (b *badgerRaw) Get(bucket, key string) ([]byte, bool, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(bucket, key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = append([]byte{}, val...)
			return nil
		})
	})
	return out, out != nil, err
}

func (b *badgerRaw) Put(bucket, key string, value []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(bucket, key), value)
	})
}

func (b *badgerRaw) Delete(bucket, key string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(bucket, key))
	})
}

func (b *badgerRaw) ForEach(bucket string, fn func(key string, value []byte) error) error {
	prefix := []byte(bucket + "/")
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := string(item.Key()[len(prefix):])
			var value []byte
			if err := item.Value(func(val []byte) error {
				value = append([]byte{}, val...)
				return nil
			}); err != nil {
				return err
			}
			if err := fn(key, value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *badgerRaw) Close() error { return b.db.Close() }

// badgerMigrationDB mirrors boltMigrationDB's bucket-migration shim.
type badgerMigrationDB struct {
	raw *badgerRaw
}

func (m *badgerMigrationDB) Exec(ctx context.Context, stmt string, args ...interface{}) error {
	return m.raw.db.Update(func(txn *badger.Txn) error {
		seq := uint64(0)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		prefix := []byte(bucketSchema + "/stmt:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			seq++
		}
		it.Close()
		return txn.Set(badgerKey(bucketSchema, fmt.Sprintf("stmt:%020d", seq)), []byte(stmt))
	})
}

func (m *badgerMigrationDB) Get(ctx context.Context, query string, args ...interface{}) (map[string]interface{}, error) {
	return nil, nil
}

func (m *badgerMigrationDB) All(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error) {
	return nil, nil
}

// NewBadgerAdapter opens (creating if needed) a badger-backed StorageAdapter at dir.
func NewBadgerAdapter(dir string) (StorageAdapter, error) {
	raw, err := openBadgerRaw(dir)
	if err != nil {
		return nil, err
	}
	return newGenericAdapter(raw, &badgerMigrationDB{raw: raw}), nil
}
