// Package store persists gob-encoded blobs (fitted ensembles, reducers, run
// metadata) under a diskv directory.
package store

import (
	"bytes"
	"encoding/gob"
	"regexp"

	"github.com/peterbourgon/diskv"

	"crownid/pkg/errors"
)

// ErrNotFound is returned by Load when no blob exists under the key.
var ErrNotFound = errors.New("blob not found")

var validKey = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

type Store struct {
	*diskv.Diskv
}

// Open returns a gzip-compressed store rooted at dir with an in-memory cache
// of up to cacheBytes.
func Open(dir string, cacheBytes uint64) *Store {
	return &Store{diskv.New(diskv.Options{
		BasePath:     dir,
		CacheSizeMax: cacheBytes,
		Compression:  diskv.NewGzipCompression(),
	})}
}

// Save gob-encodes v under key, replacing any previous blob.
func (s *Store) Save(key string, v any) error {
	if !validKey.MatchString(key) {
		return errors.Configf("invalid store key %q", key)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return errors.Wrapf(err, "encode %s", key)
	}
	return errors.Wrapf(s.Write(key, buf.Bytes()), "write %s", key)
}

// Load decodes the blob under key into v, which must be a pointer.
func (s *Store) Load(key string, v any) error {
	if !s.Has(key) {
		return errors.Wrapf(ErrNotFound, "key %q", key)
	}
	b, err := s.Read(key)
	if err != nil {
		return errors.Wrapf(err, "read %s", key)
	}
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(v); err != nil {
		return errors.Wrapf(err, "decode %s", key)
	}
	return nil
}

// List returns every stored key.
func (s *Store) List() []string {
	var keys []string
	for k := range s.Keys(nil) {
		keys = append(keys, k)
	}
	return keys
}
