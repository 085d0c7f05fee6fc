package storage

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/alqutdigital/board-harvester/internal/crawler"
	"github.com/alqutdigital/board-harvester/internal/models"
	"github.com/alqutdigital/board-harvester/pkg/logger"
)

// ObjectStorage is the subset of object storage the mirror needs.
type ObjectStorage interface {
	UploadFile(ctx context.Context, localPath, remotePath string) (string, error)
	Health(ctx context.Context) error
}

// MinIOConfig holds MinIO connection configuration.
type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	UseSSL          bool
	Region          string
}

// MinIOStorage implements ObjectStorage using MinIO SDK.
type MinIOStorage struct {
	client     *minio.Client
	bucketName string
	region     string
}

// NewMinIOStorage creates a new MinIO storage client.
func NewMinIOStorage(cfg MinIOConfig) (*MinIOStorage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	return &MinIOStorage{
		client:     client,
		bucketName: cfg.BucketName,
		region:     cfg.Region,
	}, nil
}

// InitBucket ensures the bucket exists and creates it if necessary.
func (s *MinIOStorage) InitBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		err = s.client.MakeBucket(ctx, s.bucketName, minio.MakeBucketOptions{Region: s.region})
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return nil
}

// Health checks MinIO connectivity.
func (s *MinIOStorage) Health(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucketName)
	return err
}

// UploadFile uploads a file from local path to remote path.
func (s *MinIOStorage) UploadFile(ctx context.Context, localPath, remotePath string) (string, error) {
	info, err := s.client.FPutObject(ctx, s.bucketName, remotePath, localPath, minio.PutObjectOptions{
		ContentType: detectContentType(localPath),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload file: %w", err)
	}
	return info.Key, nil
}

func detectContentType(p string) string {
	contentTypes := map[string]string{
		".pdf":  "application/pdf",
		".hwp":  "application/x-hwp",
		".hwpx": "application/hwp+zip",
		".doc":  "application/msword",
		".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		".xls":  "application/vnd.ms-excel",
		".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		".zip":  "application/zip",
		".png":  "image/png",
		".jpg":  "image/jpeg",
		".jpeg": "image/jpeg",
		".md":   "text/markdown; charset=utf-8",
		".txt":  "text/plain; charset=utf-8",
	}
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(p))]; ok {
		return ct
	}
	return "application/octet-stream"
}

const mirrorQueueSize = 64

// Mirror copies every saved record folder to object storage under
// <site>/<folder>/. Uploads run on a background worker; Close drains the
// queue. Records arriving while the queue is full or after Close are logged
// and left unmirrored.
type Mirror struct {
	crawler.NopObserver
	store  ObjectStorage
	log    *logger.Logger
	queue  chan models.SavedRecord
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewMirror starts a mirror worker.
func NewMirror(store ObjectStorage, log *logger.Logger) *Mirror {
	if log == nil {
		log = logger.Default()
	}
	m := &Mirror{
		store: store,
		log:   log.WithComponent("mirror"),
		queue: make(chan models.SavedRecord, mirrorQueueSize),
	}
	m.wg.Add(1)
	go m.run()
	return m
}

// RecordSaved queues rec for upload without blocking the crawl.
func (m *Mirror) RecordSaved(_ context.Context, rec models.SavedRecord) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		m.log.Warn("mirror closed, record not mirrored", "dir", rec.Dir)
		return
	}
	select {
	case m.queue <- rec:
	default:
		m.log.Warn("mirror queue full, record not mirrored", "dir", rec.Dir)
	}
}

// Close waits for queued uploads to finish.
func (m *Mirror) Close() {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.queue)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Mirror) run() {
	defer m.wg.Done()
	for rec := range m.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		n, err := m.Upload(ctx, rec)
		cancel()
		if err != nil {
			m.log.WithError(err).Error("mirror upload failed", "dir", rec.Dir, "uploaded", n)
			continue
		}
		m.log.Debug("record mirrored", "dir", rec.Dir, "files", n)
	}
}

// Upload copies one record folder and returns the number of files sent.
func (m *Mirror) Upload(ctx context.Context, rec models.SavedRecord) (int, error) {
	prefix := path.Join(models.SanitizeName(rec.Site), filepath.Base(rec.Dir))
	n := 0
	err := filepath.WalkDir(rec.Dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(rec.Dir, p)
		if err != nil {
			return err
		}
		if _, err := m.store.UploadFile(ctx, p, path.Join(prefix, filepath.ToSlash(rel))); err != nil {
			return err
		}
		n++
		return nil
	})
	return n, err
}
