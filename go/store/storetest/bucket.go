// Package storetest provides an in-memory store.Bucket with the same
// conditional-PUT and delimiter-listing semantics as the S3 implementation,
// for use in tests.
package storetest

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/quantlab/compactor/go/store"
)

// Bucket is a threadsafe in-memory object store.
type Bucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	failFn  func(key string) error
}

var _ store.Bucket = (*Bucket)(nil)

// NewBucket returns an empty in-memory Bucket.
func NewBucket() *Bucket {
	return &Bucket{objects: make(map[string][]byte)}
}

func (b *Bucket) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, ok := b.objects[key]
	if !ok {
		return nil, store.ErrNotExist
	}
	return append([]byte(nil), data...), nil
}

func (b *Bucket) Put(_ context.Context, key string, body []byte, _ string) error {
	if err := b.failPut(key); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = append([]byte(nil), body...)
	return nil
}

func (b *Bucket) PutIfAbsent(_ context.Context, key string, body []byte, _ string) (bool, error) {
	if err := b.failPut(key); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.objects[key]; ok {
		return false, nil
	}
	b.objects[key] = append([]byte(nil), body...)
	return true, nil
}

func (b *Bucket) Exists(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var _, ok = b.objects[key]
	return ok, nil
}

func (b *Bucket) Remove(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	return nil
}

func (b *Bucket) Copy(_ context.Context, dst, src string) error {
	if err := b.failPut(dst); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	data, ok := b.objects[src]
	if !ok {
		return fmt.Errorf("copy source %q: %w", src, store.ErrNotExist)
	}
	b.objects[dst] = append([]byte(nil), data...)
	return nil
}

func (b *Bucket) List(_ context.Context, prefix string) ([]store.ObjectInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []store.ObjectInfo
	for key, data := range b.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, store.ObjectInfo{Key: key, Size: int64(len(data))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (b *Bucket) ListPrefixes(_ context.Context, prefix string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var seen = make(map[string]struct{})
	for key := range b.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		var rest = key[len(prefix):]
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			seen[prefix+rest[:idx+1]] = struct{}{}
		}
	}

	var out = make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func (b *Bucket) Download(ctx context.Context, key, path string) error {
	data, err := b.Get(ctx, key)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (b *Bucket) Upload(ctx context.Context, path, key, contentType string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return b.Put(ctx, key, data, contentType)
}

// Keys returns all object keys, sorted.
func (b *Bucket) Keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out = make([]string, 0, len(b.objects))
	for key := range b.objects {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// SetFailPut installs |fn|, consulted before every Put / Upload / Copy,
// letting tests inject crash-like publication failures. A nil fn clears it.
func (b *Bucket) SetFailPut(fn func(key string) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failFn = fn
}

func (b *Bucket) failPut(key string) error {
	b.mu.Lock()
	var fn = b.failFn
	b.mu.Unlock()

	if fn != nil {
		return fn(key)
	}
	return nil
}
