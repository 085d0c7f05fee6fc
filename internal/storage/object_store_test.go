package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alqutdigital/board-harvester/internal/models"
	"github.com/alqutdigital/board-harvester/pkg/logger"
)

type MockObjectStorage struct {
	mu       sync.Mutex
	uploaded map[string]string
	err      error
}

func NewMockObjectStorage() *MockObjectStorage {
	return &MockObjectStorage{uploaded: make(map[string]string)}
}

func (m *MockObjectStorage) UploadFile(_ context.Context, localPath, remotePath string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploaded[remotePath] = localPath
	return remotePath, nil
}

func (m *MockObjectStorage) Health(context.Context) error { return m.err }

func (m *MockObjectStorage) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.uploaded))
	for k := range m.uploaded {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func savedRecord(t *testing.T) models.SavedRecord {
	t.Helper()
	s := NewFileStore(t.TempDir())
	draft, err := s.Create("alpha", 1, "입찰 공고")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(draft.AttachmentsDir, "spec.pdf"), []byte("pdf"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(draft.Dir, ".content-tmp.md"), nil, 0o644))
	saved, err := s.Finalize(draft, &models.DetailRecord{Title: "입찰 공고"}, nil)
	require.NoError(t, err)
	return saved
}

func TestMirror_Upload(t *testing.T) {
	store := NewMockObjectStorage()
	m := NewMirror(store, nil)
	defer m.Close()

	n, err := m.Upload(context.Background(), savedRecord(t))

	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{
		"alpha/001_입찰 공고/attachments/spec.pdf",
		"alpha/001_입찰 공고/content.md",
	}, store.keys())
}

func TestMirror_RecordSavedDrainsOnClose(t *testing.T) {
	store := NewMockObjectStorage()
	m := NewMirror(store, nil)

	m.RecordSaved(context.Background(), savedRecord(t))
	m.Close()
	m.Close()

	assert.Len(t, store.keys(), 2)
}

// blockingObjectStorage holds every upload until release is closed.
type blockingObjectStorage struct {
	*MockObjectStorage
	release chan struct{}
}

func (b *blockingObjectStorage) UploadFile(ctx context.Context, localPath, remotePath string) (string, error) {
	<-b.release
	return b.MockObjectStorage.UploadFile(ctx, localPath, remotePath)
}

func TestMirror_RecordSavedNeverBlocks(t *testing.T) {
	store := &blockingObjectStorage{MockObjectStorage: NewMockObjectStorage(), release: make(chan struct{})}
	m := NewMirror(store, logger.Discard())
	rec := savedRecord(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < mirrorQueueSize*2; i++ {
			m.RecordSaved(context.Background(), rec)
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("RecordSaved blocked on a full queue")
	}

	close(store.release)
	m.Close()
	assert.Len(t, store.keys(), 2)
}

func TestMirror_RecordSavedAfterClose(t *testing.T) {
	store := NewMockObjectStorage()
	m := NewMirror(store, logger.Discard())
	m.Close()

	assert.NotPanics(t, func() {
		m.RecordSaved(context.Background(), savedRecord(t))
	})
	assert.Empty(t, store.keys())
}

func TestMirror_UploadError(t *testing.T) {
	store := NewMockObjectStorage()
	store.err = errors.New("bucket gone")
	m := NewMirror(store, nil)
	defer m.Close()

	n, err := m.Upload(context.Background(), savedRecord(t))
	assert.Error(t, err)
	assert.Zero(t, n)
}

func TestDetectContentType(t *testing.T) {
	assert.Equal(t, "application/pdf", detectContentType("a/B.PDF"))
	assert.Equal(t, "application/x-hwp", detectContentType("신청서.hwp"))
	assert.Equal(t, "text/markdown; charset=utf-8", detectContentType("content.md"))
	assert.Equal(t, "application/octet-stream", detectContentType("noext"))
}
