package events

import (
	"context"

	"github.com/alqutdigital/board-harvester/internal/crawler"
	"github.com/alqutdigital/board-harvester/internal/models"
	"github.com/alqutdigital/board-harvester/pkg/logger"
)

// Sink publishes a JSON event on a subject.
type Sink interface {
	Publish(ctx context.Context, subject string, event any) error
}

// Publisher is a crawler.Observer that announces saved records and finished
// runs. Publish errors are logged and never reach the crawl.
type Publisher struct {
	crawler.NopObserver
	sink  Sink
	runID string
	log   *logger.Logger
}

// NewPublisher creates a publisher for one run.
func NewPublisher(sink Sink, runID string, log *logger.Logger) *Publisher {
	if log == nil {
		log = logger.Default()
	}
	return &Publisher{sink: sink, runID: runID, log: log.WithComponent("events")}
}

// RecordSaved implements crawler.Observer.
func (p *Publisher) RecordSaved(ctx context.Context, rec models.SavedRecord) {
	if err := p.sink.Publish(ctx, SubjectRecordSaved, NewRecordSavedEvent(p.runID, rec)); err != nil {
		p.log.WithError(err).Warn("failed to publish record event", "site", rec.Site, "seq", rec.Seq)
	}
}

// RunFinished implements crawler.Observer.
func (p *Publisher) RunFinished(ctx context.Context, res crawler.Result) {
	if err := p.sink.Publish(ctx, SubjectRunFinished, NewRunFinishedEvent(res)); err != nil {
		p.log.WithError(err).Warn("failed to publish run event", "run_id", res.RunID)
	}
}
