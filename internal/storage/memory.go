package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"secure-file-share/internal/access"
)

type memObject struct {
	data        []byte
	contentType string
}

// Memory keeps objects in process memory.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]memObject
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string]memObject)}
}

func (m *Memory) Put(ctx context.Context, body io.Reader, _ int64, contentType string) (access.ObjectInfo, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return access.ObjectInfo{}, fmt.Errorf("read body: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return access.ObjectInfo{}, err
	}
	key := newObjectKey()
	m.mu.Lock()
	m.objects[key] = memObject{data: data, contentType: contentType}
	m.mu.Unlock()
	return access.ObjectInfo{Ref: key, SizeBytes: int64(len(data)), ContentType: contentType}, nil
}

func (m *Memory) Open(_ context.Context, ref string) (io.ReadCloser, access.ObjectInfo, error) {
	m.mu.RLock()
	obj, ok := m.objects[ref]
	m.mu.RUnlock()
	if !ok {
		return nil, access.ObjectInfo{}, fmt.Errorf("%s: %w", ref, ErrObjectNotFound)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), access.ObjectInfo{
		Ref:         ref,
		SizeBytes:   int64(len(obj.data)),
		ContentType: obj.contentType,
	}, nil
}

func (m *Memory) Remove(_ context.Context, ref string) error {
	m.mu.Lock()
	delete(m.objects, ref)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

// Len reports how many objects are stored.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
