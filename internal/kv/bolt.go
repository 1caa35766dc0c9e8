package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

const (
	// bucketName is the BoltDB bucket holding every key
	bucketName = "kv"

	kindString = "string"
	kindHash   = "hash"
	kindList   = "list"
	kindLease  = "lease"
)

// record is the stored form of one key
type record struct {
	Kind string            `json:"kind"`
	Str  string            `json:"str,omitempty"`
	Hash map[string]string `json:"hash,omitempty"`
	List []string          `json:"list,omitempty"`

	// ExpiresAt is a unix nano timestamp, 0 for no expiry
	ExpiresAt int64 `json:"expires_at,omitempty"`
}

func (r *record) expired(now time.Time) bool {
	return r.ExpiresAt != 0 && now.UnixNano() >= r.ExpiresAt
}

// BoltStore is a Store kept in a single bbolt file.
// bbolt holds an exclusive file lock, so one BoltStore serves one process;
// goroutines inside that process share it safely.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens (or creates) the store at path
func NewBoltStore(path string) (*BoltStore, error) {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open store database: %w", err)
	}

	// Create bucket if it doesn't exist
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create store bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Close closes the store database
func (s *BoltStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}

	return nil
}

// view runs fn with the live record for key (nil when missing or expired)
func (s *BoltStore) view(key string, fn func(rec *record) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		rec, err := load(tx.Bucket([]byte(bucketName)), key, time.Now())
		if err != nil {
			return err
		}

		return fn(rec)
	})
}

func load(b *bbolt.Bucket, key string, now time.Time) (*record, error) {
	data := b.Get([]byte(key))
	if data == nil {
		return nil, nil
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}

	if rec.expired(now) {
		return nil, nil
	}

	return &rec, nil
}

func save(b *bbolt.Bucket, key string, rec *record) error {
	// Empty containers vanish, as they do in Redis
	if (rec.Kind == kindList && len(rec.List) == 0) || (rec.Kind == kindHash && len(rec.Hash) == 0) {
		return b.Delete([]byte(key))
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return b.Put([]byte(key), data)
}

// update loads key as kind (creating it if missing), lets fn mutate it, and saves it
func (s *BoltStore) update(key, kind string, fn func(rec *record) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))

		rec, err := load(b, key, time.Now())
		if err != nil {
			return err
		}

		if rec == nil {
			rec = &record{Kind: kind}
		} else if rec.Kind != kind {
			return ErrWrongType
		}

		if err := fn(rec); err != nil {
			return err
		}

		return save(b, key, rec)
	})
}

func expiry(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}

	return time.Now().Add(ttl).UnixNano()
}

func (s *BoltStore) Get(_ context.Context, key string) (string, error) {
	var out string
	err := s.view(key, func(rec *record) error {
		if rec == nil {
			return ErrNotFound
		}

		if rec.Kind != kindString {
			return ErrWrongType
		}

		out = rec.Str
		return nil
	})

	return out, err
}

func (s *BoltStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return save(tx.Bucket([]byte(bucketName)), key, &record{Kind: kindString, Str: value, ExpiresAt: expiry(ttl)})
	})
}

func (s *BoltStore) SetMany(_ context.Context, values map[string]string, ttl time.Duration) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		for k, v := range values {
			if err := save(b, k, &record{Kind: kindString, Str: v, ExpiresAt: expiry(ttl)}); err != nil {
				return err
			}
		}

		return nil
	})
}

func (s *BoltStore) CompareAndSwap(_ context.Context, key string, old []string, value string, ttl time.Duration) (bool, error) {
	swapped := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))

		rec, err := load(b, key, time.Now())
		if err != nil {
			return err
		}

		current := ""
		if rec != nil {
			if rec.Kind != kindString {
				return ErrWrongType
			}

			current = rec.Str
		}

		if !slices.Contains(old, current) {
			return nil
		}

		swapped = true
		return save(b, key, &record{Kind: kindString, Str: value, ExpiresAt: expiry(ttl)})
	})

	return swapped, err
}

func (s *BoltStore) Del(_ context.Context, keys ...string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		for _, k := range keys {
			if err := b.Delete([]byte(k)); err != nil {
				return err
			}
		}

		return nil
	})
}

func (s *BoltStore) Exists(_ context.Context, key string) (bool, error) {
	found := false
	err := s.view(key, func(rec *record) error {
		found = rec != nil
		return nil
	})

	return found, err
}

func (s *BoltStore) IncrBy(_ context.Context, key string, n int64) (int64, error) {
	var out int64
	err := s.update(key, kindString, func(rec *record) error {
		var current int64
		if rec.Str != "" {
			v, err := strconv.ParseInt(rec.Str, 10, 64)
			if err != nil {
				return fmt.Errorf("value at %s is not an integer: %w", key, err)
			}

			current = v
		}

		out = current + n
		rec.Str = strconv.FormatInt(out, 10)
		return nil
	})

	return out, err
}

func (s *BoltStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	out := map[string]string{}
	err := s.view(key, func(rec *record) error {
		if rec == nil {
			return nil
		}

		if rec.Kind != kindHash {
			return ErrWrongType
		}

		for k, v := range rec.Hash {
			out[k] = v
		}

		return nil
	})

	return out, err
}

func (s *BoltStore) HSet(_ context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}

	return s.update(key, kindHash, func(rec *record) error {
		if rec.Hash == nil {
			rec.Hash = make(map[string]string, len(fields))
		}

		for k, v := range fields {
			rec.Hash[k] = v
		}

		return nil
	})
}

func (s *BoltStore) LPush(_ context.Context, key string, values ...string) error {
	return s.update(key, kindList, func(rec *record) error {
		// Each value lands at the head in turn, matching LPUSH a b c -> [c b a]
		head := make([]string, len(values))
		for i, v := range values {
			head[len(values)-1-i] = v
		}

		rec.List = append(head, rec.List...)
		return nil
	})
}

func (s *BoltStore) RPush(_ context.Context, key string, values ...string) error {
	return s.update(key, kindList, func(rec *record) error {
		rec.List = append(rec.List, values...)
		return nil
	})
}

func (s *BoltStore) RPop(_ context.Context, key string) (string, error) {
	var out string
	err := s.update(key, kindList, func(rec *record) error {
		if len(rec.List) == 0 {
			return ErrNotFound
		}

		out = rec.List[len(rec.List)-1]
		rec.List = rec.List[:len(rec.List)-1]
		return nil
	})

	return out, err
}

func (s *BoltStore) BRPop(ctx context.Context, timeout time.Duration, key string) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		v, err := s.RPop(ctx, key)
		if !errors.Is(err, ErrNotFound) {
			return v, err
		}

		if !time.Now().Before(deadline) {
			return "", ErrNotFound
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}

func (s *BoltStore) LRem(_ context.Context, key, value string) error {
	return s.update(key, kindList, func(rec *record) error {
		rec.List = slices.DeleteFunc(rec.List, func(v string) bool { return v == value })
		return nil
	})
}

func (s *BoltStore) LRange(_ context.Context, key string) ([]string, error) {
	var out []string
	err := s.view(key, func(rec *record) error {
		if rec == nil {
			return nil
		}

		if rec.Kind != kindList {
			return ErrWrongType
		}

		out = slices.Clone(rec.List)
		return nil
	})

	return out, err
}

func (s *BoltStore) Lock(ctx context.Context, name string, ttl, wait time.Duration) (Lease, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		obtained := false
		err := s.db.Update(func(tx *bbolt.Tx) error {
			b := tx.Bucket([]byte(bucketName))

			rec, err := load(b, name, time.Now())
			if err != nil {
				return err
			}

			if rec != nil {
				return nil // Held by someone else
			}

			obtained = true
			return save(b, name, &record{Kind: kindLease, Str: token, ExpiresAt: expiry(ttl)})
		})
		if err != nil {
			return nil, fmt.Errorf("failed to obtain lock %s: %w", name, err)
		}

		if obtained {
			return &boltLease{store: s, name: name, token: token}, nil
		}

		if !time.Now().Before(deadline) {
			return nil, ErrLockNotObtained
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}

type boltLease struct {
	store *BoltStore
	name  string
	token string
}

// Release deletes the lease only if this holder still owns it
func (l *boltLease) Release(_ context.Context) error {
	return l.store.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))

		rec, err := load(b, l.name, time.Now())
		if err != nil || rec == nil || rec.Kind != kindLease || rec.Str != l.token {
			return err
		}

		return b.Delete([]byte(l.name))
	})
}
