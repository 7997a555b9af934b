package services

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"imagesearch/internal/embedding"
	imgerr "imagesearch/internal/errors"
	"imagesearch/internal/events"
	"imagesearch/internal/models"
	"imagesearch/internal/store"
)

const (
	DefaultBatchSize = 2
	DefaultQueueSize = 100
)

// Job asks a worker to embed a stored record.
type Job struct {
	ID int64
}

type PipelineConfig struct {
	Store    store.Driver
	Provider embedding.Provider
	Bus      *events.Bus
	Logger   *slog.Logger

	// BatchSize bounds how many provider calls are outstanding at once,
	// across recovery, ProcessNew and queued jobs.
	BatchSize int

	// BatchDelay is waited between recovery batches.
	BatchDelay time.Duration

	QueueSize int

	// Workers drain the job queue. Defaults to BatchSize.
	Workers int

	// Sleep replaces the wait between batches. Tests use it to avoid timers.
	Sleep func(ctx context.Context, d time.Duration) error
}

// RecoveryReport summarizes one RecoverPending run. Skipped is set when
// another run was already active and this call did nothing.
type RecoveryReport struct {
	RunID     string `json:"run_id,omitempty"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Skipped   bool   `json:"skipped"`
}

// Pipeline moves records from pending to ready by calling the embedding
// provider and writing the result back to the store.
type Pipeline struct {
	store    store.Driver
	provider embedding.Provider
	bus      *events.Bus
	logger   *slog.Logger

	sem        *semaphore.Weighted
	batchSize  int
	batchDelay time.Duration
	sleep      func(ctx context.Context, d time.Duration) error

	recovering atomic.Bool

	// backlog counts queued jobs until the queue runs dry.
	backlogMu sync.Mutex
	backlog   backlog

	jobsMu sync.RWMutex
	jobs   chan Job
	closed bool
	wg     sync.WaitGroup
	once   sync.Once
	ctx    context.Context
	cancel context.CancelFunc
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Workers < 1 {
		cfg.Workers = cfg.BatchSize
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		store:      cfg.Store,
		provider:   cfg.Provider,
		bus:        cfg.Bus,
		logger:     cfg.Logger,
		sem:        semaphore.NewWeighted(int64(cfg.BatchSize)),
		batchSize:  cfg.BatchSize,
		batchDelay: cfg.BatchDelay,
		sleep:      cfg.Sleep,
		jobs:       make(chan Job, cfg.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
	}

	p.startWorkers(cfg.Workers)
	return p
}

func (p *Pipeline) startWorkers(n int) {
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

func (p *Pipeline) worker(id int) {
	defer p.wg.Done()

	for job := range p.jobs {
		if p.ctx.Err() != nil {
			p.logger.Debug("pipeline stopped, leaving image pending", "worker", id, "image_id", job.ID)
			p.settle(false)
			continue
		}

		err := p.processStored(p.ctx, job.ID)
		p.settle(err == nil)
		if err != nil {
			p.logger.Warn("queued embedding failed", "worker", id, "image_id", job.ID, "error", err)
			continue
		}
		p.logger.Debug("queued embedding complete", "worker", id, "image_id", job.ID)
	}
}

type backlog struct {
	total     int
	completed int
	settled   int
}

// settle records the end of one queued job and publishes progress after a
// success. The counters restart once every queued job has settled.
func (p *Pipeline) settle(ok bool) {
	p.backlogMu.Lock()
	defer p.backlogMu.Unlock()

	p.backlog.settled++
	if ok {
		p.backlog.completed++
		p.bus.Publish(events.TopicProgress, events.Progress{
			Total:     p.backlog.total,
			Completed: p.backlog.completed,
		})
	}
	if p.backlog.settled >= p.backlog.total {
		p.backlog = backlog{}
	}
}

// Queue schedules id for embedding on a worker. A full queue drops the job;
// the record stays pending until the next recovery run.
func (p *Pipeline) Queue(id int64) {
	p.jobsMu.RLock()
	defer p.jobsMu.RUnlock()
	if p.closed {
		p.logger.Warn("pipeline shut down, not queueing image", "image_id", id)
		return
	}

	// Count the job before a worker can settle it.
	p.backlogMu.Lock()
	p.backlog.total++
	p.backlogMu.Unlock()

	select {
	case p.jobs <- Job{ID: id}:
	default:
		p.backlogMu.Lock()
		p.backlog.total--
		p.backlogMu.Unlock()
		p.logger.Warn("job queue full, leaving image pending", "image_id", id)
	}
}

// ProcessNew embeds payload and stores the result for id. On failure the
// record stays pending and the error is returned; nothing is retried.
func (p *Pipeline) ProcessNew(ctx context.Context, id int64, payload []byte) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return imgerr.Wrap(err, imgerr.CodeProviderFailure, "waiting for provider slot", imgerr.FieldID(id))
	}
	defer p.sem.Release(1)

	vec, err := p.provider.Embed(ctx, embedding.Vision, payload)
	if err != nil {
		return err
	}
	if err := p.store.UpdateEmbedding(ctx, id, vec); err != nil {
		return err
	}

	p.bus.Publish(events.TopicImageProcessed, events.ImageEvent{ID: id})
	return nil
}

// processStored loads the payload for id and runs ProcessNew on it.
func (p *Pipeline) processStored(ctx context.Context, id int64) error {
	payload, _, err := p.store.GetPayload(ctx, id)
	if err != nil {
		return err
	}
	return p.ProcessNew(ctx, id, payload)
}

// RecoverPending reprocesses every record that is still pending or lacks an
// embedding. Only one run is active at a time; a concurrent call returns a
// report with Skipped set. Per-item failures are logged and counted, never
// returned.
func (p *Pipeline) RecoverPending(ctx context.Context) (RecoveryReport, error) {
	if !p.recovering.CompareAndSwap(false, true) {
		p.logger.Info("recovery already running, skipping")
		return RecoveryReport{Skipped: true}, nil
	}
	defer p.recovering.Store(false)

	report := RecoveryReport{RunID: uuid.NewString()}
	log := p.logger.With("run_id", report.RunID)

	images, err := p.store.GetAll(ctx)
	if err != nil {
		return report, err
	}
	pending := selectPending(images)
	report.Total = len(pending)
	if report.Total == 0 {
		log.Debug("no pending images")
		return report, nil
	}
	log.Info("recovering pending images", "total", report.Total, "batch_size", p.batchSize)

	var mu sync.Mutex
	for start := 0; start < len(pending); start += p.batchSize {
		if start > 0 && p.batchDelay > 0 {
			if err := p.sleep(ctx, p.batchDelay); err != nil {
				return report, err
			}
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}

		batch := pending[start:min(start+p.batchSize, len(pending))]
		var g errgroup.Group
		for _, id := range batch {
			g.Go(func() error {
				err := p.processStored(ctx, id)

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					report.Failed++
					log.Warn("embedding failed, image stays pending", "image_id", id, "error", err)
					return nil
				}
				report.Completed++
				p.bus.Publish(events.TopicProgress, events.Progress{
					Total:     report.Total,
					Completed: report.Completed,
				})
				return nil
			})
		}
		_ = g.Wait()
	}

	log.Info("recovery finished",
		"total", report.Total,
		"completed", report.Completed,
		"failed", report.Failed,
	)
	return report, nil
}

// Recovering reports whether a recovery run is active.
func (p *Pipeline) Recovering() bool {
	return p.recovering.Load()
}

// Shutdown stops accepting jobs and lets workers drain the queue until ctx
// is done. Embeddings still running then are cancelled and the remaining
// jobs are dropped; their records stay pending for the next recovery run.
// Shutdown returns ctx's error when the queue was not drained in time.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	var err error
	p.once.Do(func() {
		p.jobsMu.Lock()
		p.closed = true
		close(p.jobs)
		p.jobsMu.Unlock()

		drained := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(drained)
		}()

		select {
		case <-drained:
		case <-ctx.Done():
			err = ctx.Err()
			p.logger.Warn("pipeline shutdown deadline reached, cancelling queued embeddings")
			p.cancel()
			<-drained
		}
		p.cancel()
	})
	return err
}

func selectPending(images []*models.Image) []int64 {
	ids := make([]int64, 0, len(images))
	for _, img := range images {
		if img.Pending() {
			ids = append(ids, img.ID)
		}
	}
	return ids
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
