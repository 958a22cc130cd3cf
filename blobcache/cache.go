// Package blobcache keeps fetched attachment blobs on disk so later sessions
// can display them without going back to the gateway.
package blobcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"

	"secura/contentstore"
)

// ErrMiss indicates no cached blob exists for an address.
var ErrMiss = errors.New("blobcache: miss")

// MaxEntryBytes is the largest blob kept in the cache.
const MaxEntryBytes = 16 << 20

type entry struct {
	MediaType string `cbor:"1,keyasint"`
	Data      []byte `cbor:"2,keyasint"`
	FetchedAt int64  `cbor:"3,keyasint"`
}

func blobKey(address string) []byte {
	return []byte("blob:" + address)
}

// Cache wraps a BadgerDB instance holding blobs keyed by content address.
type Cache struct {
	db    *badger.DB
	owned bool
}

// Open opens (or creates) a cache under dir.
func Open(dir string) (*Cache, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open blob cache: %w", err)
	}
	return &Cache{db: db, owned: true}, nil
}

// OpenInMemory returns a cache that lives only as long as the process.
func OpenInMemory() (*Cache, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open in-memory blob cache: %w", err)
	}
	return &Cache{db: db, owned: true}, nil
}

// New wraps an already open database. Close leaves it open.
func New(db *badger.DB) *Cache {
	return &Cache{db: db}
}

// Close closes the underlying database if the cache opened it.
func (c *Cache) Close() error {
	if !c.owned {
		return nil
	}
	return c.db.Close()
}

// Get returns the cached blob for address or ErrMiss.
func (c *Cache) Get(address string) (contentstore.Blob, error) {
	var e entry
	err := c.db.View(func(txn *badger.Txn) error {
		i, err := txn.Get(blobKey(address))
		if err != nil {
			return err
		}
		return i.Value(func(val []byte) error {
			return cbor.Unmarshal(val, &e)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return contentstore.Blob{}, ErrMiss
	}
	if err != nil {
		return contentstore.Blob{}, fmt.Errorf("read cached blob %s: %w", address, err)
	}
	return contentstore.Blob{Data: e.Data, MediaType: e.MediaType}, nil
}

// Put stores blob under address. Blobs over MaxEntryBytes are skipped.
func (c *Cache) Put(address string, blob contentstore.Blob) error {
	if address == "" {
		return errors.New("address is required")
	}
	if len(blob.Data) > MaxEntryBytes {
		return nil
	}
	serialized, err := cbor.Marshal(entry{
		MediaType: blob.MediaType,
		Data:      blob.Data,
		FetchedAt: time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("encode cached blob %s: %w", address, err)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(blobKey(address), serialized)
	})
}

// Len counts cached blobs.
func (c *Cache) Len() (int, error) {
	count := 0
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte("blob:")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Fetcher serves blobs from the cache and falls back to an upstream fetcher,
// caching what it fetches. Content addresses are immutable so entries never expire.
type Fetcher struct {
	cache    *Cache
	upstream contentstore.BlobFetcher
	log      zerolog.Logger
}

// NewFetcher layers cache in front of upstream.
func NewFetcher(cache *Cache, upstream contentstore.BlobFetcher, log zerolog.Logger) *Fetcher {
	return &Fetcher{cache: cache, upstream: upstream, log: log}
}

// GetBlob returns the cached blob or fetches and caches it.
func (f *Fetcher) GetBlob(ctx context.Context, address string) (contentstore.Blob, error) {
	blob, err := f.cache.Get(address)
	if err == nil {
		return blob, nil
	}
	if !errors.Is(err, ErrMiss) {
		f.log.Warn().Err(err).Str("cid", address).Msg("blob cache read failed")
	}

	blob, err = f.upstream.GetBlob(ctx, address)
	if err != nil {
		return contentstore.Blob{}, err
	}
	if err := f.cache.Put(address, blob); err != nil {
		f.log.Warn().Err(err).Str("cid", address).Msg("blob cache write failed")
	}
	return blob, nil
}

// BlobURL delegates to the upstream fetcher.
func (f *Fetcher) BlobURL(address string) string {
	return f.upstream.BlobURL(address)
}
