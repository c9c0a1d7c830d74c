// Package outbox delivers board status changes to the backend. Changes are
// written to a local log before they are acknowledged to the caller, routed
// to a worker by task id so updates of one task keep their order, retried
// with backoff, and reported to listeners once they settle.
package outbox

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"pms-board/backend"
	"pms-board/board"
	"pms-board/domain"
	"pms-board/internal/env"
)

var (
	ErrSaturated = errors.New("status outbox is saturated")
	ErrClosed    = errors.New("status outbox is closed")
)

// Sender persists a task status on the backend.
type Sender interface {
	SetTaskStatus(ctx context.Context, taskID int64, status domain.Status) error
}

// Outcome is the settled result of one change. Err is nil when the backend
// acknowledged it.
type Outcome struct {
	Change   board.StatusChange
	Err      error
	Attempts int
}

// Listener observes settled changes. It runs on the delivering worker.
type Listener func(Outcome)

// Config tunes the outbox.
type Config struct {
	Workers        int
	BufferSize     int
	HandoffTimeout time.Duration
	SendTimeout    time.Duration
	RetryInitial   time.Duration
	RetryMax       time.Duration
	MaxAttempts    int
	Dir            string
	SegmentBytes   int64
	SyncEvery      int
}

// ConfigFromEnv reads OUTBOX_* variables. Every unparsable value is
// reported in the returned error.
func ConfigFromEnv() (Config, error) {
	var errs []error
	num := func(key string, def int) int {
		n, err := env.Int(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return n
	}
	dur := func(key string, def time.Duration) time.Duration {
		d, err := env.Dur(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}
	cfg := Config{
		Workers:        num("OUTBOX_WORKERS", 8),
		BufferSize:     num("OUTBOX_BUFFER", 256),
		HandoffTimeout: dur("OUTBOX_HANDOFF_TIMEOUT", 25*time.Millisecond),
		SendTimeout:    dur("OUTBOX_SEND_TIMEOUT", 15*time.Second),
		RetryInitial:   dur("OUTBOX_RETRY_INITIAL", 250*time.Millisecond),
		RetryMax:       dur("OUTBOX_RETRY_MAX", 30*time.Second),
		MaxAttempts:    num("OUTBOX_MAX_ATTEMPTS", 5),
		Dir:            env.String("OUTBOX_DIR", filepath.Join(os.TempDir(), "pms-board-outbox")),
		SegmentBytes:   int64(num("OUTBOX_SEGMENT_MB", 16)) * 1024 * 1024,
		SyncEvery:      num("OUTBOX_SYNC_EVERY", 1),
	}
	return cfg, errors.Join(errs...)
}

func (c *Config) normalize() {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.SegmentBytes <= 0 {
		c.SegmentBytes = 16 * 1024 * 1024
	}
	if c.SyncEvery <= 0 {
		c.SyncEvery = 1
	}
}

// Outbox is the durable status update queue.
type Outbox struct {
	cfg       Config
	sender    Sender
	logger    *log.Logger
	listeners []Listener
	wal       *wal
	shards    []chan *record
	stopCh    chan struct{}
	workerWG  sync.WaitGroup

	mu        sync.Mutex
	inflight  map[uint64]*record
	acked     map[uint64]struct{}
	nextAck   uint64
	closing   bool
	delivered atomic.Uint64
	failed    atomic.Uint64
	started   time.Time
}

// Open loads the log in cfg.Dir, starts the workers and replays every
// change that was not settled before the previous shutdown.
func Open(cfg Config, sender Sender, logger *log.Logger, listeners ...Listener) (*Outbox, error) {
	if sender == nil {
		return nil, errors.New("outbox: sender is required")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	cfg.normalize()

	w, pending, err := openWAL(walConfig{
		dir:          cfg.Dir,
		segmentBytes: cfg.SegmentBytes,
		syncEvery:    cfg.SyncEvery,
		logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	o := &Outbox{
		cfg:       cfg,
		sender:    sender,
		logger:    logger,
		listeners: listeners,
		wal:       w,
		shards:    make([]chan *record, cfg.Workers),
		stopCh:    make(chan struct{}),
		inflight:  make(map[uint64]*record),
		acked:     make(map[uint64]struct{}),
		nextAck:   w.committedOffset,
		started:   time.Now().UTC(),
	}
	for i := range o.shards {
		o.shards[i] = make(chan *record, cfg.BufferSize)
	}

	sort.Slice(pending, func(i, j int) bool { return pending[i].Offset < pending[j].Offset })
	for _, rec := range pending {
		o.inflight[rec.Offset] = rec
	}
	for i := range o.shards {
		o.workerWG.Add(1)
		go o.worker(i, o.shards[i])
	}
	if len(pending) > 0 {
		logger.Infof("status outbox replaying %d pending changes", len(pending))
		go func() {
			for _, rec := range pending {
				select {
				case o.shardFor(rec.Change.TaskID) <- rec:
				case <-o.stopCh:
					return
				}
			}
		}()
	}
	logger.Infof("status outbox started, workers: %d, buffer: %d, max attempts: %d", cfg.Workers, cfg.BufferSize, cfg.MaxAttempts)
	return o, nil
}

func (o *Outbox) shardFor(taskID int64) chan *record {
	return o.shards[uint64(taskID)%uint64(len(o.shards))]
}

// Enqueue durably records the change and hands it to its worker. When the
// worker stays busy past the handoff timeout the record is rolled back and
// ErrSaturated is returned; the caller owns the change again.
func (o *Outbox) Enqueue(change board.StatusChange) error {
	o.mu.Lock()
	closing := o.closing
	o.mu.Unlock()
	if closing {
		return ErrClosed
	}

	rec := &record{Change: change, Timestamp: time.Now().UTC()}

	o.wal.mu.Lock()
	defer o.wal.mu.Unlock()
	if err := o.wal.appendRecordLocked(rec); err != nil {
		return err
	}
	if err := o.wal.syncIfNeededLocked(); err != nil {
		if rbErr := o.wal.rollbackRecordLocked(rec); rbErr != nil {
			o.logger.WithError(rbErr).Error("wal rollback failed")
		}
		return err
	}

	o.mu.Lock()
	o.inflight[rec.Offset] = rec
	o.mu.Unlock()

	if err := o.dispatch(rec); err != nil {
		o.mu.Lock()
		delete(o.inflight, rec.Offset)
		o.mu.Unlock()
		if rbErr := o.wal.rollbackRecordLocked(rec); rbErr != nil {
			o.logger.WithError(rbErr).Error("wal rollback failed")
		}
		if syncErr := o.wal.syncLocked(); syncErr != nil {
			o.logger.WithError(syncErr).Error("wal sync after rollback failed")
		}
		return err
	}
	return nil
}

func (o *Outbox) dispatch(rec *record) error {
	ch := o.shardFor(rec.Change.TaskID)
	if o.cfg.HandoffTimeout <= 0 {
		select {
		case ch <- rec:
			return nil
		default:
			return ErrSaturated
		}
	}

	timer := time.NewTimer(o.cfg.HandoffTimeout)
	defer timer.Stop()
	select {
	case ch <- rec:
		return nil
	case <-timer.C:
		return ErrSaturated
	case <-o.stopCh:
		return ErrClosed
	}
}

func (o *Outbox) worker(id int, ch <-chan *record) {
	defer o.workerWG.Done()
	for {
		select {
		case rec := <-ch:
			o.deliver(id, rec)
		case <-o.stopCh:
			return
		}
	}
}

// deliver sends rec until it succeeds, fails permanently or runs out of
// attempts. Retries block the worker so later changes of the same task
// cannot overtake this one.
func (o *Outbox) deliver(workerID int, rec *record) {
	for {
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.SendTimeout)
		err := o.sender.SetTaskStatus(ctx, rec.Change.TaskID, rec.Change.To)
		cancel()
		if err == nil {
			o.settle(rec, nil)
			return
		}

		rec.Attempt++
		rec.LastErr = err.Error()
		entry := o.logger.WithError(err).WithFields(log.Fields{
			"worker":  workerID,
			"task_id": rec.Change.TaskID,
			"status":  rec.Change.To,
			"offset":  rec.Offset,
			"attempt": rec.Attempt,
		})
		if permanent(err) || rec.Attempt >= o.cfg.MaxAttempts {
			entry.Error("status update failed")
			o.settle(rec, err)
			return
		}
		entry.Warn("status update failed, retrying")

		timer := time.NewTimer(exponentialBackoff(rec.Attempt, o.cfg.RetryInitial, o.cfg.RetryMax))
		select {
		case <-timer.C:
		case <-o.stopCh:
			timer.Stop()
			return
		}
	}
}

// permanent reports whether retrying err cannot help: the backend rejected
// the request itself.
func permanent(err error) bool {
	var se *backend.StatusError
	if !errors.As(err, &se) {
		return false
	}
	if se.Code == http.StatusRequestTimeout || se.Code == http.StatusTooManyRequests {
		return false
	}
	return se.Code >= 400 && se.Code < 500
}

func (o *Outbox) settle(rec *record, err error) {
	if err == nil {
		o.delivered.Add(1)
	} else {
		o.failed.Add(1)
	}
	o.markDone(rec)
	// Attempt counts failures only.
	out := Outcome{Change: rec.Change, Err: err, Attempts: rec.Attempt}
	if err == nil {
		out.Attempts++
	}
	for _, l := range o.listeners {
		l(out)
	}
}

// markDone acknowledges rec and advances the log checkpoint over the
// contiguous prefix of settled offsets.
func (o *Outbox) markDone(rec *record) {
	var maxCommit uint64

	o.mu.Lock()
	delete(o.inflight, rec.Offset)
	o.acked[rec.Offset] = struct{}{}
	for {
		next := o.nextAck + 1
		if _, ok := o.acked[next]; !ok {
			break
		}
		delete(o.acked, next)
		o.nextAck = next
		maxCommit = next
	}
	o.mu.Unlock()

	if maxCommit == 0 {
		return
	}
	o.wal.mu.Lock()
	if err := o.wal.commitLocked(maxCommit); err != nil && !errors.Is(err, errWALClosed) {
		o.logger.WithError(err).Error("failed to commit outbox wal")
	}
	o.wal.mu.Unlock()
}

func exponentialBackoff(attempt int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		initial = time.Second
	}
	if attempt <= 0 {
		return initial
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := 0.2 * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}

// Pending reports whether a change of taskID is queued, in delivery or
// waiting for a retry.
func (o *Outbox) Pending(taskID int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, rec := range o.inflight {
		if rec.Change.TaskID == taskID {
			return true
		}
	}
	return false
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	QueueDepth int           `json:"queueDepth"`
	Buffered   int           `json:"buffered"`
	OldestAge  time.Duration `json:"oldestAge"`
	Delivered  uint64        `json:"delivered"`
	Failed     uint64        `json:"failed"`
	StartedAt  time.Time     `json:"startedAt"`
	DrainRate  float64       `json:"drainRatePerSecond"`
}

// Stats reports queue depth and throughput.
func (o *Outbox) Stats() Stats {
	o.mu.Lock()
	depth := len(o.inflight)
	var oldest time.Duration
	now := time.Now()
	for _, rec := range o.inflight {
		if age := now.Sub(rec.Timestamp); age > oldest {
			oldest = age
		}
	}
	o.mu.Unlock()

	buffered := 0
	for _, ch := range o.shards {
		buffered += len(ch)
	}
	delivered := o.delivered.Load()
	rps := 0.0
	if elapsed := time.Since(o.started); elapsed > 0 {
		rps = float64(delivered) / elapsed.Seconds()
	}
	return Stats{
		QueueDepth: depth,
		Buffered:   buffered,
		OldestAge:  oldest,
		Delivered:  delivered,
		Failed:     o.failed.Load(),
		StartedAt:  o.started,
		DrainRate:  rps,
	}
}

// Close stops the workers. Changes not yet settled stay in the log and are
// replayed by the next Open.
func (o *Outbox) Close() error {
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return nil
	}
	o.closing = true
	close(o.stopCh)
	o.mu.Unlock()

	o.workerWG.Wait()
	return o.wal.close()
}
