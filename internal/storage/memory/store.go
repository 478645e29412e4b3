package memory

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tabletalk/tabletalk/internal/storage"
)

// Store keeps objects in process memory. It backs the dev and test
// profiles where no S3 endpoint is available.
type Store struct {
	mu      sync.RWMutex
	objects map[string]object
	now     func() time.Time
}

type object struct {
	data []byte
	info storage.ObjectInfo
}

var _ storage.ObjectStore = (*Store)(nil)

func New() *Store {
	return &Store{objects: map[string]object{}, now: time.Now}
}

func (s *Store) Put(_ context.Context, key string, body io.Reader, _ int64, opts storage.PutOptions) (storage.ObjectInfo, error) {
	normalized, err := storage.NormalizeKey(key)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("read object body: %w", err)
	}
	sum := md5.Sum(data)
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeFor(normalized)
	}
	info := storage.ObjectInfo{
		Key:          normalized,
		Size:         int64(len(data)),
		ETag:         hex.EncodeToString(sum[:]),
		ContentType:  contentType,
		Metadata:     maps.Clone(opts.Metadata),
		LastModified: s.now().UTC(),
	}
	s.mu.Lock()
	s.objects[normalized] = object{data: data, info: info}
	s.mu.Unlock()
	return info, nil
}

func (s *Store) Get(_ context.Context, key string) (io.ReadCloser, error) {
	normalized, err := storage.NormalizeKey(key)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	obj, ok := s.objects[normalized]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (s *Store) Stat(_ context.Context, key string) (storage.ObjectInfo, error) {
	normalized, err := storage.NormalizeKey(key)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	s.mu.RLock()
	obj, ok := s.objects[normalized]
	s.mu.RUnlock()
	if !ok {
		return storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	return obj.info, nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	normalized, err := storage.NormalizeKey(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.objects, normalized)
	s.mu.Unlock()
	return nil
}

func (s *Store) List(_ context.Context, prefix string) ([]storage.ObjectInfo, error) {
	prefix, err := storage.NormalizePrefix(prefix)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]storage.ObjectInfo, 0)
	for key, obj := range s.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, obj.info)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
