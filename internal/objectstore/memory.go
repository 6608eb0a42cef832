package objectstore

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryObject struct {
	data []byte
	info ObjectInfo
}

// MemoryStore keeps objects in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	bucket  string
	buckets map[string]map[string]memoryObject
	now     func() time.Time
}

func NewMemory(bucket string) *MemoryStore {
	return &MemoryStore{
		bucket:  bucket,
		buckets: map[string]map[string]memoryObject{bucket: {}},
		now:     time.Now,
	}
}

func (s *MemoryStore) Bucket() string {
	return s.bucket
}

func (s *MemoryStore) EnsureContainerExists(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[name]; !ok {
		s.buckets[name] = map[string]memoryObject{}
	}
	return nil
}

func (s *MemoryStore) Put(_ context.Context, data []byte, filename, prefix string) (Ref, error) {
	if err := validatePut(data, filename); err != nil {
		return Ref{}, err
	}
	now := s.now()
	ref := Ref{Bucket: s.bucket, Key: NewKey(prefix, filename, now)}

	s.mu.Lock()
	defer s.mu.Unlock()
	objects, ok := s.buckets[ref.Bucket]
	if !ok {
		return Ref{}, fmt.Errorf("write object %s: bucket does not exist", ref)
	}
	objects[ref.Key] = memoryObject{
		data: append([]byte(nil), data...),
		info: ObjectInfo{
			Key:          ref.Key,
			Size:         int64(len(data)),
			ContentType:  ContentTypeFor(filename),
			LastModified: now,
			Metadata:     newMetadata(filename, len(data), now),
		},
	}
	return ref, nil
}

func (s *MemoryStore) lookup(ref Ref) (memoryObject, bool) {
	objects, ok := s.buckets[ref.Bucket]
	if !ok {
		return memoryObject{}, false
	}
	obj, ok := objects[ref.Key]
	return obj, ok
}

func (s *MemoryStore) Get(_ context.Context, ref Ref) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.lookup(ref)
	if !ok {
		return nil, fmt.Errorf("open object %s: %w", ref, ErrObjectNotFound)
	}
	return append([]byte(nil), obj.data...), nil
}

// PresignedURL returns a memory:// URL carrying the method and expiry.
func (s *MemoryStore) PresignedURL(_ context.Context, ref Ref, ttl time.Duration, method string) (string, error) {
	method, err := validateMethod(method)
	if err != nil {
		return "", err
	}
	s.mu.RLock()
	_, ok := s.lookup(ref)
	s.mu.RUnlock()
	if !ok && method != "PUT" {
		return "", fmt.Errorf("sign url for %s: %w", ref, ErrObjectNotFound)
	}
	q := url.Values{}
	q.Set("method", method)
	q.Set("expires", s.now().Add(ttl).UTC().Format(time.RFC3339))
	u := url.URL{Scheme: "memory", Host: ref.Bucket, Path: "/" + ref.Key, RawQuery: q.Encode()}
	return u.String(), nil
}

func (s *MemoryStore) Delete(_ context.Context, ref Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookup(ref); !ok {
		return fmt.Errorf("delete object %s: %w", ref, ErrObjectNotFound)
	}
	delete(s.buckets[ref.Bucket], ref.Key)
	return nil
}

func (s *MemoryStore) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ObjectInfo
	for key, obj := range s.buckets[s.bucket] {
		if strings.HasPrefix(key, prefix) {
			out = append(out, obj.info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *MemoryStore) Stat(_ context.Context, ref Ref) (ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.lookup(ref)
	if !ok {
		return ObjectInfo{}, fmt.Errorf("stat object %s: %w", ref, ErrObjectNotFound)
	}
	return obj.info, nil
}
