// Package storage is the portal's persisted key-family store. Every value is
// a JSON document under a flat string key in a single bbolt bucket, mirroring
// the key layout the portal has always used (role_<addr>, pendingUsers, ...).
package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const SchemaVersion = 1

var bucketName = []byte("portal")

type Store struct {
	db *bbolt.DB
}

// Open opens (or creates) the store file and records the schema version.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName)
		if err != nil {
			return err
		}
		if b.Get([]byte(SchemaVersionKey)) == nil {
			return b.Put([]byte(SchemaVersionKey), []byte(fmt.Sprint(SchemaVersion)))
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the bucket is readable.
func (s *Store) Ping() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketName) == nil {
			return fmt.Errorf("bucket %s not found", bucketName)
		}
		return nil
	})
}

// Tx is a read-write view of the store used for multi-key updates.
type Tx struct {
	b *bbolt.Bucket
}

// Update runs fn in a single read-write transaction. Either every write in fn
// is committed or none is.
func (s *Store) Update(fn func(tx *Tx) error) error {
	return s.db.Update(func(btx *bbolt.Tx) error {
		return fn(&Tx{b: btx.Bucket(bucketName)})
	})
}

// View runs fn in a read-only transaction. Writes through the Tx fail.
func (s *Store) View(fn func(tx *Tx) error) error {
	return s.db.View(func(btx *bbolt.Tx) error {
		return fn(&Tx{b: btx.Bucket(bucketName)})
	})
}

func (tx *Tx) Delete(key string) error {
	return tx.b.Delete([]byte(key))
}

// TxGet decodes the value under key. The bool is false when the key is absent.
func TxGet[T any](tx *Tx, key string) (T, bool, error) {
	var out T
	v := tx.b.Get([]byte(key))
	if v == nil {
		return out, false, nil
	}
	if err := json.Unmarshal(v, &out); err != nil {
		return out, true, fmt.Errorf("decode %s: %w", key, err)
	}
	return out, true, nil
}

func TxPut[T any](tx *Tx, key string, value T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return tx.b.Put([]byte(key), data)
}

func Get[T any](s *Store, key string) (T, bool, error) {
	var (
		out   T
		found bool
	)
	err := s.View(func(tx *Tx) error {
		var err error
		out, found, err = TxGet[T](tx, key)
		return err
	})
	return out, found, err
}

func Put[T any](s *Store, key string, value T) error {
	return s.Update(func(tx *Tx) error {
		return TxPut(tx, key, value)
	})
}

// Modify reads the value under key, hands it to fn and writes the result back
// within one transaction.
func Modify[T any](s *Store, key string, fn func(cur T, exists bool) (T, error)) error {
	return s.Update(func(tx *Tx) error {
		cur, exists, err := TxGet[T](tx, key)
		if err != nil {
			return err
		}
		next, err := fn(cur, exists)
		if err != nil {
			return err
		}
		return TxPut(tx, key, next)
	})
}

// TxAppend adds items to the JSON array under key.
func TxAppend[T any](tx *Tx, key string, items ...T) error {
	cur, _, err := TxGet[[]T](tx, key)
	if err != nil {
		return err
	}
	return TxPut(tx, key, append(cur, items...))
}

// ScanPrefix calls fn for every key starting with prefix, in key order.
// val is only valid for the duration of the call.
func (s *Store) ScanPrefix(prefix string, fn func(key string, val []byte) error) error {
	return s.db.View(func(btx *bbolt.Tx) error {
		c := btx.Bucket(bucketName).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			if err := fn(string(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

// ScanContains calls fn for every key whose key or value contains sub,
// compared case-insensitively.
func (s *Store) ScanContains(sub string, fn func(key string, val []byte) error) error {
	needle := []byte(strings.ToLower(sub))
	return s.db.View(func(btx *bbolt.Tx) error {
		return btx.Bucket(bucketName).ForEach(func(k, v []byte) error {
			if bytes.Contains(bytes.ToLower(k), needle) || bytes.Contains(bytes.ToLower(v), needle) {
				return fn(string(k), v)
			}
			return nil
		})
	})
}

// ErrStopScan can be returned from a scan callback to end the scan early
// without reporting an error.
var ErrStopScan = errors.New("stop scan")

// Stopped maps ErrStopScan to nil.
func Stopped(err error) error {
	if errors.Is(err, ErrStopScan) {
		return nil
	}
	return err
}
