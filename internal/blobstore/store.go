// Package blobstore holds assembled recordings in memory and addresses them
// by object URL until they are revoked.
package blobstore

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tabrelay/agent/internal/logging"
)

var log = logging.L("blobstore")

// Scheme prefixes every object URL issued by a Store.
const Scheme = "blob:tabrelay/"

var ErrNotFound = errors.New("object url not found or revoked")

type blob struct {
	data []byte
	mime string
}

// Store maps object URLs to immutable byte blobs.
type Store struct {
	mu    sync.Mutex
	blobs map[string]blob
}

func New() *Store {
	return &Store{blobs: make(map[string]blob)}
}

// CreateObjectURL stores data and returns a URL that resolves to it until revoked.
func (s *Store) CreateObjectURL(data []byte, mime string) string {
	url := Scheme + uuid.NewString()

	s.mu.Lock()
	s.blobs[url] = blob{data: data, mime: mime}
	s.mu.Unlock()

	log.Debug("object url created", "url", url, logging.KeyBytes, len(data), "mime", mime)
	return url
}

// IsObjectURL reports whether url was issued by a Store.
func IsObjectURL(url string) bool {
	return strings.HasPrefix(url, Scheme)
}

// Open returns a reader over the blob behind url and its mime type.
func (s *Store) Open(url string) (io.Reader, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blobs[url]
	if !ok {
		return nil, "", ErrNotFound
	}
	return bytes.NewReader(b.data), b.mime, nil
}

// Revoke releases the blob. Revoking an unknown url is a no-op.
func (s *Store) Revoke(url string) {
	s.mu.Lock()
	_, ok := s.blobs[url]
	delete(s.blobs, url)
	s.mu.Unlock()

	if ok {
		log.Debug("object url revoked", "url", url)
	}
}

// RevokeAfter revokes url once d has elapsed.
func (s *Store) RevokeAfter(url string, d time.Duration) *time.Timer {
	return time.AfterFunc(d, func() { s.Revoke(url) })
}

// Len returns the number of live blobs.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}
