package storage

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"coldproxy/pkg/logger"
	"coldproxy/pkg/models"
)

// WriteQueueCapacity and writeQueueWarnThreshold are fixed per spec.md §5:
// a bounded write queue of at most 1000 jobs, warning at 80% full.
const (
	WriteQueueCapacity    = 1000
	writeQueueWarnThreshold = int(float64(WriteQueueCapacity) * 0.8)
)

// ErrQueueFull names the queue-at-capacity condition, grounded on the
// teacher's ingest/queue.ErrQueueFull. TryEnqueue does not return it; it
// reports the condition as a false result.
var ErrQueueFull = errors.New("storage: write queue full")

// ErrQueueClosed names the after-Shutdown condition. TryEnqueue does not
// return it; it reports the condition as a false result.
var ErrQueueClosed = errors.New("storage: write queue closed")

var writeQueueDrops = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "coldproxy_write_queue_drops_total",
	Help: "Count of async persistence jobs dropped because the write queue was full.",
})

func init() {
	prometheus.MustRegister(writeQueueDrops)
}

// WriteJob is one deferred header+blob commit.
type WriteJob struct {
	Header models.InteractionHeader
	Blobs  []models.CipherBlob
}

// WriteQueue is the bounded async durability path spec.md §5 permits:
// header/blob writes MAY be batched through here instead of committed
// synchronously. Overflow drops the job and increments a counter; callers
// are notified via TryEnqueue's boolean return rather than blocking.
type WriteQueue struct {
	store  *Store
	jobs   chan WriteJob
	wg     sync.WaitGroup
	closed chan struct{}
	once   sync.Once
}

// NewWriteQueue starts nWorkers goroutines draining jobs into store.
func NewWriteQueue(store *Store, nWorkers int) *WriteQueue {
	q := &WriteQueue{
		store:  store,
		jobs:   make(chan WriteJob, WriteQueueCapacity),
		closed: make(chan struct{}),
	}
	if nWorkers < 1 {
		nWorkers = 1
	}
	for i := 0; i < nWorkers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

func (q *WriteQueue) worker() {
	defer q.wg.Done()
	for job := range q.jobs {
		if err := q.commit(job); err != nil {
			logger.Error("write_queue_commit_failed", zap.Error(err))
		}
	}
}

func (q *WriteQueue) commit(job WriteJob) error {
	tx := q.store.BeginTx()
	if err := tx.InsertHeader(job.Header); err != nil {
		tx.Rollback()
		return err
	}
	for _, b := range job.Blobs {
		if err := tx.InsertBlob(b); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// TryEnqueue attempts to enqueue job without blocking. Returns false if the
// queue is full or closed; only the full case increments the overflow
// counter.
func (q *WriteQueue) TryEnqueue(job WriteJob) bool {
	select {
	case <-q.closed:
		return false
	default:
	}
	if len(q.jobs) >= writeQueueWarnThreshold {
		logger.Warn("write_queue_near_capacity")
	}
	select {
	case q.jobs <- job:
		return true
	default:
		writeQueueDrops.Inc()
		return false
	}
}

// Shutdown closes the queue and blocks until every enqueued job has been
// committed (spec.md §5: "shutdown MUST flush the queue").
func (q *WriteQueue) Shutdown() {
	q.once.Do(func() {
		close(q.closed)
		close(q.jobs)
	})
	q.wg.Wait()
}
