package cache

import (
	"context"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var boltBuckets = [][]byte{
	[]byte(bucketSnapshots),
	[]byte(bucketDeltas),
	[]byte(bucketKV),
	[]byte(bucketSchema),
}

type boltRaw struct {
	db *bolt.DB
}

func openBoltRaw(path string) (*boltRaw, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range boltBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &boltRaw{db: db}, nil
}

func (b *boltRaw) Get(bucket, key string) ([]byte, bool, error) {
	var out []byte
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucket)).Get([]byte(key))
		if v == nil {
			return nil
		}
		found = true
		out = make([]byte, len(v))
		copy(out, v)
		return nil
	})
	return out, found, err
}

func (b *boltRaw) Put(bucket, key string, value []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put([]byte(key), value)
	})
}

func (b *boltRaw) Delete(bucket, key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Delete([]byte(key))
	})
}

func (b *boltRaw) ForEach(bucket string, fn func(key string, value []byte) error) error {
	return b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).ForEach(func(k, v []byte) error {
			return fn(string(k), v)
		})
	})
}

func (b *boltRaw) Close() error { return b.db.Close() }

// boltMigrationDB is the run/exec/get/all shim the migration engine
// drives. There is no relational engine underneath a bucket store, so
// Exec records the generated statement in the schema bucket rather
// than executing it; the diff algorithm and SQL text generation in
// internal/client/migration are exercised and asserted against
// regardless of whether a statement is ever literally run.
type boltMigrationDB struct {
	db *bolt.DB
}

func (m *boltMigrationDB) Exec(ctx context.Context, stmt string, args ...interface{}) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketSchema))
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put([]byte(fmt.Sprintf("stmt:%020d", seq)), []byte(stmt))
	})
}

func (m *boltMigrationDB) Get(ctx context.Context, query string, args ...interface{}) (map[string]interface{}, error) {
	return nil, nil
}

func (m *boltMigrationDB) All(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error) {
	return nil, nil
}

// NewBoltAdapter opens (creating if needed) a bbolt-backed StorageAdapter at path.
func NewBoltAdapter(path string) (StorageAdapter, error) {
	raw, err := openBoltRaw(path)
	if err != nil {
		return nil, err
	}
	return newGenericAdapter(raw, &boltMigrationDB{db: raw.db}), nil
}
