package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"psamonitor/config"
	"psamonitor/metrics"
	"psamonitor/models"

	"go.uber.org/zap"
)

// StatusWriter persists a batch of line status snapshots.
type StatusWriter interface {
	WriteStatusBatch(ctx context.Context, batch []*models.LineStatusSnapshot) error
}

// BatchWriterService coalesces alarm events into per-line status snapshots
// and writes them in batches
type BatchWriterService struct {
	writer       StatusWriter
	logger       *zap.Logger
	in           chan *models.LineStatusSnapshot
	buffer       map[models.LineKey]*models.LineStatusSnapshot
	bufferMutex  sync.Mutex
	flushTimer   *time.Timer
	maxBatchSize int
	batchTimeout time.Duration
	writeTimeout time.Duration
	retryDelay   time.Duration
	shutdownChan chan bool
}

func NewBatchWriterService(cfg *config.Config, writer StatusWriter, logger *zap.Logger) *BatchWriterService {
	return &BatchWriterService{
		writer:       writer,
		logger:       logger,
		in:           make(chan *models.LineStatusSnapshot, cfg.FirebaseBatchSize*4),
		buffer:       make(map[models.LineKey]*models.LineStatusSnapshot),
		maxBatchSize: cfg.FirebaseBatchSize,
		batchTimeout: cfg.FirebaseBatchTimeout,
		writeTimeout: cfg.StoreTimeout,
		retryDelay:   time.Second,
		shutdownChan: make(chan bool, 1),
	}
}

// Publish queues the new status of the event's line. It never blocks; when
// the queue is full the snapshot is dropped and the next event for the line
// corrects the mirror.
func (bw *BatchWriterService) Publish(_ context.Context, event *models.AlarmEvent) {
	snapshot := &models.LineStatusSnapshot{
		PlantID: event.PlantID,
		LineID:  event.LineID,
		Level:   event.To,
		Since:   event.At,
		Reason:  event.Reason,
	}
	select {
	case bw.in <- snapshot:
	default:
		metrics.IncMirrorFlush("dropped")
		bw.logger.Warn("Status mirror queue full, snapshot dropped",
			zap.String("line", event.Key().String()))
	}
}

// Start begins the batch writer service
func (bw *BatchWriterService) Start(ctx context.Context) {
	bw.logger.Info("Starting status mirror",
		zap.Int("max_batch_size", bw.maxBatchSize),
		zap.Duration("batch_timeout", bw.batchTimeout))

	bw.flushTimer = time.NewTimer(bw.batchTimeout)
	defer bw.flushTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			bw.logger.Info("Status mirror received shutdown signal")
			bw.drainQueue()
			bw.flushBuffer(context.Background())
			bw.shutdownChan <- true
			return

		case snapshot := <-bw.in:
			currentSize := bw.add(snapshot)

			if currentSize >= bw.maxBatchSize {
				if !bw.flushTimer.Stop() {
					select {
					case <-bw.flushTimer.C:
					default:
					}
				}
				bw.flushBuffer(ctx)
				bw.flushTimer.Reset(bw.batchTimeout)
			}

		case <-bw.flushTimer.C:
			if bw.GetBufferSize() > 0 {
				bw.flushBuffer(ctx)
			}
			bw.flushTimer.Reset(bw.batchTimeout)
		}
	}
}

// add keeps only the latest snapshot per line.
func (bw *BatchWriterService) add(snapshot *models.LineStatusSnapshot) int {
	bw.bufferMutex.Lock()
	defer bw.bufferMutex.Unlock()
	bw.buffer[models.LineKey{PlantID: snapshot.PlantID, LineID: snapshot.LineID}] = snapshot
	return len(bw.buffer)
}

func (bw *BatchWriterService) drainQueue() {
	for {
		select {
		case snapshot := <-bw.in:
			bw.add(snapshot)
		default:
			return
		}
	}
}

// flushBuffer writes the current buffer and clears it
func (bw *BatchWriterService) flushBuffer(ctx context.Context) {
	bw.bufferMutex.Lock()
	if len(bw.buffer) == 0 {
		bw.bufferMutex.Unlock()
		return
	}
	batch := make([]*models.LineStatusSnapshot, 0, len(bw.buffer))
	for _, s := range bw.buffer {
		batch = append(batch, s)
	}
	bw.buffer = make(map[models.LineKey]*models.LineStatusSnapshot)
	bw.bufferMutex.Unlock()

	sort.Slice(batch, func(i, j int) bool {
		if batch[i].PlantID != batch[j].PlantID {
			return batch[i].PlantID < batch[j].PlantID
		}
		return batch[i].LineID < batch[j].LineID
	})

	maxRetries := 3
	var err error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bw.writeTimeout)
		err = bw.writer.WriteStatusBatch(writeCtx, batch)
		cancel()
		if err == nil {
			metrics.IncMirrorFlush("ok")
			bw.logger.Debug("Flushed status batch", zap.Int("batch_size", len(batch)))
			return
		}

		bw.logger.Error("Failed to flush status batch",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Int("batch_size", len(batch)),
			zap.Error(err))

		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt) * bw.retryDelay)
		}
	}

	metrics.IncMirrorFlush("error")
	bw.logger.Error("Failed to flush status batch after all retries",
		zap.Int("batch_size", len(batch)),
		zap.Error(err))
}

// WaitForShutdown waits for the batch writer to complete shutdown
func (bw *BatchWriterService) WaitForShutdown(timeout time.Duration) bool {
	select {
	case <-bw.shutdownChan:
		return true
	case <-time.After(timeout):
		return false
	}
}

// GetBufferSize returns the current buffer size (for monitoring)
func (bw *BatchWriterService) GetBufferSize() int {
	bw.bufferMutex.Lock()
	defer bw.bufferMutex.Unlock()
	return len(bw.buffer)
}
