package cacheworker

import (
	"context"
	"sync"
	"time"

	"imuslab.com/offlinecache/mod/info/logger"
	"imuslab.com/offlinecache/mod/offline"
)

// Worker runs cache refresh jobs in the background
type Worker struct {
	queue       chan offline.RefreshJob
	workerCount int
	jobTimeout  time.Duration
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	logger      Logger
	stopOnce    sync.Once
	mu          sync.RWMutex
	stopped     bool
}

// Logger interface for worker logging
type Logger interface {
	Printf(format string, v ...interface{})
	Println(v ...interface{})
}

// Config holds worker configuration
type Config struct {
	// QueueSize is the size of the job queue
	QueueSize int

	// WorkerCount is the number of concurrent workers
	WorkerCount int

	// JobTimeout bounds a single refresh, 0 means no limit
	JobTimeout time.Duration

	// Logger for worker output
	Logger Logger
}

// DefaultConfig returns default worker configuration
func DefaultConfig() Config {
	return Config{
		QueueSize:   1000,
		WorkerCount: 4,
		JobTimeout:  30 * time.Second,
	}
}

// NewWorker creates a new background worker
func NewWorker(config Config) *Worker {
	if config.QueueSize <= 0 {
		config.QueueSize = 1000
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 4
	}
	if config.JobTimeout < 0 {
		config.JobTimeout = 0
	}
	if config.Logger == nil {
		config.Logger, _ = logger.NewFmtLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Worker{
		queue:       make(chan offline.RefreshJob, config.QueueSize),
		workerCount: config.WorkerCount,
		jobTimeout:  config.JobTimeout,
		ctx:         ctx,
		cancel:      cancel,
		logger:      config.Logger,
	}
}

// Start starts the worker pool
func (w *Worker) Start() {
	w.logger.Printf("Starting %d cache refresh workers", w.workerCount)

	for i := 0; i < w.workerCount; i++ {
		w.wg.Add(1)
		go w.processJobs()
	}
}

// Stop drains the queue and stops the worker pool
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Println("Stopping cache refresh workers")
		w.mu.Lock()
		w.stopped = true
		close(w.queue)
		w.mu.Unlock()
		w.wg.Wait()
		w.cancel()
		w.logger.Println("Cache refresh workers stopped")
	})
}

// Enqueue adds a job to the queue (implements offline.JobQueue)
func (w *Worker) Enqueue(job offline.RefreshJob) error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.stopped {
		return offline.ErrQueueClosed
	}

	select {
	case w.queue <- job:
		return nil
	default:
		// Queue is full, drop the job
		w.logger.Println("Refresh queue is full, dropping job for key:", job.Key)
		return offline.ErrQueueFull
	}
}

// processJobs processes jobs from the queue until it is closed
func (w *Worker) processJobs() {
	defer w.wg.Done()

	for job := range w.queue {
		w.processJob(job)
	}
}

// processJob runs a single refresh. Failures are discarded.
func (w *Worker) processJob(job offline.RefreshJob) {
	if job.Run == nil {
		return
	}

	ctx := w.ctx
	if w.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.jobTimeout)
		defer cancel()
	}
	_ = job.Run(ctx)
}

// GetQueueSize returns the current queue size
func (w *Worker) GetQueueSize() int {
	return len(w.queue)
}

// GetQueueCapacity returns the queue capacity
func (w *Worker) GetQueueCapacity() int {
	return cap(w.queue)
}
