package objects

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/maauso/streetstage-api/internal/storage"
)

// memBackend is an in-memory storage.Backend with failure injection.
type memBackend struct {
	mu      sync.Mutex
	objects map[storage.Location]*memObject
	modes   []storage.WriteMode

	statErr error
	openErr error
	// failAfter > 0 makes Open streams fail after that many bytes.
	failAfter int
	// failImmediately makes Open streams fail before the first byte.
	failImmediately bool
}

type memObject struct {
	data        []byte
	contentType string
	metadata    map[string]string
}

var errBackendDown = errors.New("backend down")

func newMemBackend() *memBackend {
	return &memBackend{objects: make(map[storage.Location]*memObject)}
}

func (m *memBackend) put(loc storage.Location, data []byte, contentType string, md map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[loc] = &memObject{data: data, contentType: contentType, metadata: md}
}

func (m *memBackend) Stat(_ context.Context, loc storage.Location) (storage.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statErr != nil {
		return storage.ObjectInfo{}, m.statErr
	}
	obj, ok := m.objects[loc]
	if !ok || obj.data == nil {
		return storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	md := make(map[string]string, len(obj.metadata))
	for k, v := range obj.metadata {
		md[k] = v
	}
	return storage.ObjectInfo{
		Location:     loc,
		Size:         int64(len(obj.data)),
		ContentType:  obj.contentType,
		Metadata:     md,
		LastModified: time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC),
	}, nil
}

func (m *memBackend) Open(_ context.Context, loc storage.Location, offset, length int64) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return nil, m.openErr
	}
	obj, ok := m.objects[loc]
	if !ok || obj.data == nil {
		return nil, storage.ErrObjectNotFound
	}
	end := int64(len(obj.data))
	if length >= 0 && offset+length < end {
		end = offset + length
	}
	window := obj.data[offset:end]

	switch {
	case m.failImmediately:
		return io.NopCloser(&failingReader{err: errBackendDown}), nil
	case m.failAfter > 0 && m.failAfter < len(window):
		return io.NopCloser(io.MultiReader(
			bytes.NewReader(window[:m.failAfter]),
			&failingReader{err: errBackendDown},
		)), nil
	}
	return io.NopCloser(bytes.NewReader(window)), nil
}

func (m *memBackend) ReplaceMetadata(_ context.Context, loc storage.Location, md map[string]string, mode storage.WriteMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modes = append(m.modes, mode)
	obj, ok := m.objects[loc]
	if !ok {
		if mode == storage.ModeStrict {
			return storage.ErrObjectNotFound
		}
		obj = &memObject{}
		m.objects[loc] = obj
	}
	obj.metadata = md
	return nil
}

func (m *memBackend) SignUpload(_ context.Context, loc storage.Location, ttl time.Duration) (string, error) {
	return "https://store.example.com/" + loc.Container + "/" + loc.Key + "?ttl=" + ttl.String(), nil
}

type failingReader struct{ err error }

func (f *failingReader) Read([]byte) (int, error) { return 0, f.err }
