// Package events publishes crawl progress to NATS JetStream so downstream
// consumers can pick up new records without polling the output directory.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/alqutdigital/board-harvester/internal/crawler"
	"github.com/alqutdigital/board-harvester/internal/models"
	"github.com/alqutdigital/board-harvester/pkg/logger"
)

// StreamHarvest is the JetStream stream holding every harvest event.
const StreamHarvest = "HARVEST"

// Subjects published on the harvest stream.
const (
	SubjectRecordSaved = "harvest.record.saved"
	SubjectRunFinished = "harvest.run.finished"
)

// Config holds NATS connection configuration.
type Config struct {
	URL            string
	Name           string
	MaxReconnects  int
	ReconnectWait  time.Duration
	ConnectTimeout time.Duration
	MaxAge         time.Duration
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		URL:            nats.DefaultURL,
		Name:           "board-harvester",
		MaxReconnects:  -1,
		ReconnectWait:  2 * time.Second,
		ConnectTimeout: 10 * time.Second,
		MaxAge:         7 * 24 * time.Hour,
	}
}

// Client wraps a NATS connection and its JetStream context.
type Client struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	config Config
	log    *logger.Logger
	mu     sync.RWMutex
}

// Connect dials NATS and opens a JetStream context.
func Connect(cfg Config, log *logger.Logger) (*Client, error) {
	if log == nil {
		log = logger.Default()
	}
	c := &Client{config: cfg, log: log.WithComponent("nats")}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.log.Warn("disconnected from NATS", "error", err)
			}
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			c.log.Info("reconnected to NATS", "url", conn.ConnectedUrl())
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := conn.JetStream(nats.PublishAsyncMaxPending(256))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	c.conn = conn
	c.js = js

	c.log.Info("connected to NATS", "url", cfg.URL)
	return c, nil
}

// SetupStream creates or updates the harvest stream.
func (c *Client) SetupStream(ctx context.Context) error {
	maxAge := c.config.MaxAge
	if maxAge <= 0 {
		maxAge = 7 * 24 * time.Hour
	}
	cfg := &nats.StreamConfig{
		Name:        StreamHarvest,
		Description: "Board harvest events",
		Subjects:    []string{"harvest.>"},
		Storage:     nats.FileStorage,
		Retention:   nats.LimitsPolicy,
		MaxAge:      maxAge,
		MaxMsgs:     -1,
		MaxBytes:    -1,
		Replicas:    1,
		Discard:     nats.DiscardOld,
	}

	c.mu.RLock()
	js := c.js
	c.mu.RUnlock()

	ctx, cancel := withDeadline(ctx)
	defer cancel()
	_, err := js.StreamInfo(cfg.Name, nats.Context(ctx))
	switch {
	case errors.Is(err, nats.ErrStreamNotFound):
		if _, err := js.AddStream(cfg, nats.Context(ctx)); err != nil {
			return fmt.Errorf("failed to create stream %s: %w", cfg.Name, err)
		}
		c.log.Info("created stream", "stream", cfg.Name)
	case err != nil:
		return fmt.Errorf("failed to get stream info for %s: %w", cfg.Name, err)
	default:
		if _, err := js.UpdateStream(cfg, nats.Context(ctx)); err != nil {
			c.log.Warn("failed to update stream", "stream", cfg.Name, "error", err)
		}
	}
	return nil
}

// Publish marshals event and publishes it to subject.
func (c *Client) Publish(ctx context.Context, subject string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	c.mu.RLock()
	js := c.js
	c.mu.RUnlock()
	if js == nil {
		return errors.New("nats client is closed")
	}

	ctx, cancel := withDeadline(ctx)
	defer cancel()
	if _, err := js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	c.log.Debug("published event", "subject", subject, "size", len(data))
	return nil
}

// withDeadline bounds JetStream API calls made without a deadline.
func withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 10*time.Second)
}

// JetStream returns the underlying JetStream context.
func (c *Client) JetStream() nats.JetStreamContext {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.js
}

// IsConnected returns true if connected to NATS.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && c.conn.IsConnected()
}

// Close drains and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Drain()
	c.conn = nil
	c.js = nil
	if err != nil {
		return fmt.Errorf("failed to drain connection: %w", err)
	}
	return nil
}

// RecordSavedEvent announces a newly persisted record folder.
type RecordSavedEvent struct {
	EventID       string    `json:"event_id"`
	RunID         string    `json:"run_id,omitempty"`
	Site          string    `json:"site"`
	Seq           int       `json:"seq"`
	Title         string    `json:"title"`
	Folder        string    `json:"folder"`
	URL           string    `json:"url"`
	PublishedDate string    `json:"published_date,omitempty"`
	Attachments   int       `json:"attachments"`
	FailedFiles   int       `json:"failed_files"`
	SavedAt       time.Time `json:"saved_at"`
}

// NewRecordSavedEvent builds the event for rec.
func NewRecordSavedEvent(runID string, rec models.SavedRecord) RecordSavedEvent {
	return RecordSavedEvent{
		EventID:       uuid.New().String(),
		RunID:         runID,
		Site:          rec.Site,
		Seq:           rec.Seq,
		Title:         rec.Title,
		Folder:        rec.Dir,
		URL:           rec.CanonicalURL,
		PublishedDate: models.FormatDate(rec.PublishedDate),
		Attachments:   rec.Attachments,
		FailedFiles:   rec.FailedFiles,
		SavedAt:       time.Now().UTC(),
	}
}

// RunFinishedEvent summarizes a finished run.
type RunFinishedEvent struct {
	EventID    string    `json:"event_id"`
	RunID      string    `json:"run_id"`
	Site       string    `json:"site"`
	Status     string    `json:"status"`
	Saved      int       `json:"saved"`
	Duplicates int       `json:"duplicates"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	Pages      int       `json:"pages"`
	LastPage   int       `json:"last_page"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// NewRunFinishedEvent builds the event for res.
func NewRunFinishedEvent(res crawler.Result) RunFinishedEvent {
	e := RunFinishedEvent{
		EventID:    uuid.New().String(),
		RunID:      res.RunID,
		Site:       res.Site,
		Status:     string(res.Status),
		Saved:      res.Saved,
		Duplicates: res.Duplicates,
		Skipped:    res.Skipped,
		Failed:     res.Failed,
		Pages:      res.Pages,
		LastPage:   res.LastPage,
		StartedAt:  res.StartedAt.UTC(),
		FinishedAt: res.FinishedAt.UTC(),
	}
	if res.Err != nil {
		e.Error = res.Err.Error()
	}
	return e
}
