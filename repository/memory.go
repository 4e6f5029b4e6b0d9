package repository

import (
	"bytes"
	"io"
	"time"

	"github.com/coffer-backup/coffer/cerrors"
)

// memoryStorage is an in-RAM Storage, generalizing the teacher's
// storage.NewMemory the same way storage.go generalizes disk.go: it
// exists purely so repository tests don't need a scratch directory,
// exactly as the teacher's tests build on storage.NewMemory instead of
// storage.NewDisk.
type memoryStorage struct {
	segments map[string]*bytes.Buffer
	meta     map[string]memoryMeta
}

type memoryMeta struct {
	data    []byte
	created time.Time
}

// NewMemoryStorage returns a Storage backed entirely by RAM.
func NewMemoryStorage() Storage {
	return &memoryStorage{
		segments: make(map[string]*bytes.Buffer),
		meta:     make(map[string]memoryMeta),
	}
}

func (m *memoryStorage) String() string { return "memory" }

type memorySegmentWriter struct {
	buf *bytes.Buffer
}

func (w *memorySegmentWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }
func (w *memorySegmentWriter) Close() error                { return nil }

func (m *memoryStorage) CreateSegment(name string) (io.WriteCloser, error) {
	if _, ok := m.segments[name]; ok {
		return nil, cerrors.New(cerrors.Consistency, "segment already exists: "+name)
	}
	buf := &bytes.Buffer{}
	m.segments[name] = buf
	return &memorySegmentWriter{buf: buf}, nil
}

func (m *memoryStorage) OpenSegment(name string) (io.ReadCloser, error) {
	buf, ok := m.segments[name]
	if !ok {
		return nil, cerrors.New(cerrors.Transient, "segment not found: "+name)
	}
	return io.NopCloser(bytes.NewReader(buf.Bytes())), nil
}

func (m *memoryStorage) ListSegments() ([]string, error) {
	names := make([]string, 0, len(m.segments))
	for name := range m.segments {
		names = append(names, name)
	}
	return names, nil
}

func (m *memoryStorage) RemoveSegment(name string) error {
	if _, ok := m.segments[name]; !ok {
		return cerrors.New(cerrors.Transient, "segment not found: "+name)
	}
	delete(m.segments, name)
	return nil
}

func (m *memoryStorage) WriteMetadata(name string, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	m.meta[name] = memoryMeta{data: cp, created: time.Now()}
	return nil
}

func (m *memoryStorage) ReadMetadata(name string) ([]byte, error) {
	md, ok := m.meta[name]
	if !ok {
		return nil, cerrors.New(cerrors.Transient, "metadata not found: "+name)
	}
	cp := make([]byte, len(md.data))
	copy(cp, md.data)
	return cp, nil
}

func (m *memoryStorage) MetadataExists(name string) bool {
	_, ok := m.meta[name]
	return ok
}

func (m *memoryStorage) ListMetadata() (map[string]time.Time, error) {
	out := make(map[string]time.Time, len(m.meta))
	for name, md := range m.meta {
		out[name] = md.created
	}
	return out, nil
}

func (m *memoryStorage) RemoveMetadata(name string) error {
	if _, ok := m.meta[name]; !ok {
		return cerrors.New(cerrors.Transient, "metadata not found: "+name)
	}
	delete(m.meta, name)
	return nil
}
