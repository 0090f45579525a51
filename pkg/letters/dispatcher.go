package letters

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-conduct-api/internal/models"
)

// Renderer produces the letter document bytes.
type Renderer interface {
	Render(letter Letter) ([]byte, error)
}

// Store persists rendered letters.
type Store interface {
	Save(filename string, data []byte) (string, error)
}

// StatusRecorder updates delivery status on the escalation record after an
// attempt. Delivery failure never removes the record itself.
type StatusRecorder interface {
	MarkDelivery(ctx context.Context, recordID string, status models.DeliveryStatus, letterPath string) error
}

// DispatcherConfig configures worker behaviour.
type DispatcherConfig struct {
	Workers    int
	BufferSize int
	MaxRetries int
	RetryDelay time.Duration
	Logger     *zap.Logger
}

// Dispatcher is an in-memory worker pool that renders and delivers warning
// letters queued by the escalation evaluator. Delivery is fire-and-forget
// from the evaluator's perspective.
type Dispatcher struct {
	renderer Renderer
	store    Store
	records  StatusRecorder

	workers    int
	maxRetries int
	retryDelay time.Duration
	logger     *zap.Logger

	letters chan queued
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
}

type queued struct {
	letter  Letter
	attempt int
}

// NewDispatcher builds a dispatcher over the given collaborators.
func NewDispatcher(renderer Renderer, store Store, records StatusRecorder, cfg DispatcherConfig) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = cfg.Workers * 4
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Dispatcher{
		renderer:   renderer,
		store:      store,
		records:    records,
		workers:    cfg.Workers,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		logger:     cfg.Logger,
		letters:    make(chan queued, cfg.BufferSize),
	}
}

// Start begins worker consumption. Safe to call once.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	d.started = true
	d.logger.Sugar().Infow("letter dispatcher started", "workers", d.workers)
}

// Stop cancels workers and waits for them to exit.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.cancel()
	d.mu.Unlock()
	d.wg.Wait()
	d.logger.Sugar().Infow("letter dispatcher stopped")
}

// Enqueue queues a letter for delivery.
func (d *Dispatcher) Enqueue(letter Letter) error {
	d.mu.Lock()
	ctx := d.ctx
	started := d.started
	d.mu.Unlock()

	if !started {
		return fmt.Errorf("letter dispatcher not started")
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("letter dispatcher stopped: %w", ctx.Err())
	case d.letters <- queued{letter: letter}:
		return nil
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case item := <-d.letters:
			if err := d.deliver(d.ctx, item.letter); err != nil {
				d.handleFailure(item, err)
			}
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, letter Letter) error {
	data, err := d.renderer.Render(letter)
	if err != nil {
		return fmt.Errorf("render letter %s: %w", letter.RecordID, err)
	}
	path, err := d.store.Save(Filename(letter), data)
	if err != nil {
		return fmt.Errorf("store letter %s: %w", letter.RecordID, err)
	}
	if err := d.records.MarkDelivery(ctx, letter.RecordID, models.DeliverySent, path); err != nil {
		return fmt.Errorf("mark letter %s delivered: %w", letter.RecordID, err)
	}
	d.logger.Sugar().Infow("warning letter delivered",
		"record_id", letter.RecordID, "tier", letter.TierLevel, "path", path)
	return nil
}

func (d *Dispatcher) handleFailure(item queued, err error) {
	item.attempt++
	if item.attempt > d.maxRetries {
		d.logger.Sugar().Errorw("letter delivery exceeded retries",
			"record_id", item.letter.RecordID, "error", err)
		if markErr := d.records.MarkDelivery(d.ctx, item.letter.RecordID, models.DeliveryFailed, ""); markErr != nil {
			d.logger.Sugar().Errorw("failed to mark letter failed",
				"record_id", item.letter.RecordID, "error", markErr)
		}
		return
	}
	d.logger.Sugar().Warnw("letter delivery failed, retrying",
		"record_id", item.letter.RecordID, "attempt", item.attempt, "error", err)

	go func(q queued) {
		timer := time.NewTimer(d.retryDelay)
		defer timer.Stop()
		select {
		case <-d.ctx.Done():
			return
		case <-timer.C:
			select {
			case <-d.ctx.Done():
			case d.letters <- q:
			}
		}
	}(item)
}
