package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/whysosaket/intercom-agent/internal/agenterr"
	"github.com/whysosaket/intercom-agent/internal/heartbeat"
	"github.com/whysosaket/intercom-agent/internal/pipeline"
	"github.com/whysosaket/intercom-agent/internal/retry"
	"github.com/whysosaket/intercom-agent/internal/store"
)

var ErrClosed = errors.New("coordinator is closed")

const (
	// MergeSeparator joins bodies that arrived in the same debounce window.
	MergeSeparator = "\n\n"

	componentName = "coordinator"
)

// Batch is the merged unit of work handed to the pipeline for one flush.
type Batch struct {
	ConversationID string
	Body           string
	Identity       pipeline.Identity
	MessageCount   int
	FirstQueuedAt  time.Time
}

type Handler func(ctx context.Context, batch Batch) error

type DeadLetterStore interface {
	RecordDeadLetter(ctx context.Context, input store.RecordDeadLetterInput) (store.DeadLetter, error)
}

type Config struct {
	Window        time.Duration
	MaxConcurrent int
	MaxRetries    int
	RetryBaseWait time.Duration
	DeadLetters   DeadLetterStore
}

type message struct {
	body     string
	queuedAt time.Time
}

type buffer struct {
	messages []message
	identity pipeline.Identity
	timer    *time.Timer
	// generation changes on every enqueue so a timer that fired after being
	// replaced can tell it is stale.
	generation uint64
}

// runLock serializes pipeline runs of one conversation. It is dropped once no
// flush holds a reference.
type runLock struct {
	mu   sync.Mutex
	refs int
}

// Coordinator debounces bursts of customer messages per conversation and
// hands each merged burst to the handler exactly once.
type Coordinator struct {
	handler Handler
	cfg     Config
	logger  *slog.Logger
	slots   *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	buffers  map[string]*buffer
	runLocks map[string]*runLock
	closed   bool
	inflight sync.WaitGroup

	statsMu    sync.Mutex
	dispatched int
	failed     int

	reporter heartbeat.Reporter
}

func New(handler Handler, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.Window <= 0 {
		cfg.Window = 3 * time.Second
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 16
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBaseWait <= 0 {
		cfg.RetryBaseWait = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		handler:  handler,
		cfg:      cfg,
		logger:   logger.With("component", componentName),
		slots:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		ctx:      ctx,
		cancel:   cancel,
		buffers:  map[string]*buffer{},
		runLocks: map[string]*runLock{},
	}
}

func (c *Coordinator) SetHeartbeatReporter(reporter heartbeat.Reporter) {
	c.reporter = reporter
}

// Enqueue appends a message to the conversation's buffer and restarts its
// debounce timer. It only touches the buffer map and never waits on a run.
func (c *Coordinator) Enqueue(conversationID, body string, identity pipeline.Identity) error {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return fmt.Errorf("conversation id is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	buf, ok := c.buffers[conversationID]
	if !ok {
		buf = &buffer{}
		c.buffers[conversationID] = buf
	}
	buf.messages = append(buf.messages, message{body: body, queuedAt: time.Now().UTC()})
	if identity != (pipeline.Identity{}) {
		buf.identity = identity
	}
	if buf.timer != nil {
		buf.timer.Stop()
	}
	buf.generation++
	generation := buf.generation
	buf.timer = time.AfterFunc(c.cfg.Window, func() {
		c.flush(conversationID, generation)
	})

	c.logger.Debug("message buffered",
		"conversation_id", conversationID,
		"buffered", len(buf.messages),
		"window_ms", c.cfg.Window.Milliseconds(),
	)
	return nil
}

// flush pops the buffer if the firing timer is still the current one.
func (c *Coordinator) flush(conversationID string, generation uint64) {
	c.mu.Lock()
	buf, ok := c.buffers[conversationID]
	if !ok || buf.generation != generation {
		c.mu.Unlock()
		return
	}
	delete(c.buffers, conversationID)
	lock := c.acquireRunLockLocked(conversationID)
	c.inflight.Add(1)
	c.mu.Unlock()

	defer c.inflight.Done()
	c.dispatch(conversationID, lock, mergeBuffer(conversationID, buf))
}

func (c *Coordinator) acquireRunLockLocked(conversationID string) *runLock {
	lock, ok := c.runLocks[conversationID]
	if !ok {
		lock = &runLock{}
		c.runLocks[conversationID] = lock
	}
	lock.refs++
	return lock
}

func (c *Coordinator) releaseRunLock(conversationID string, lock *runLock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(c.runLocks, conversationID)
	}
}

func (c *Coordinator) dispatch(conversationID string, lock *runLock, batch Batch) {
	defer c.releaseRunLock(conversationID, lock)
	lock.mu.Lock()
	defer lock.mu.Unlock()

	if err := c.slots.Acquire(c.ctx, 1); err != nil {
		c.fail(batch, 0, fmt.Errorf("acquire run slot: %w", err))
		return
	}
	defer c.slots.Release(1)

	logger := c.logger.With("conversation_id", conversationID)
	logger.Info("buffer flushed",
		"messages", batch.MessageCount,
		"waited_ms", time.Since(batch.FirstQueuedAt).Milliseconds(),
	)

	attempts := 0
	var err error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if sleepErr := retry.Sleep(c.ctx, c.cfg.RetryBaseWait, attempt); sleepErr != nil {
				break
			}
			logger.Warn("retrying failed batch", "attempt", attempt+1)
		}
		attempts++
		err = c.handler(c.ctx, batch)
		if err == nil {
			c.statsMu.Lock()
			c.dispatched++
			c.statsMu.Unlock()
			if c.reporter != nil {
				c.reporter.Beat(componentName, "batch dispatched")
			}
			return
		}
	}
	c.fail(batch, attempts, err)
}

func (c *Coordinator) fail(batch Batch, attempts int, cause error) {
	err := fmt.Errorf("%w: %w", agenterr.ErrBufferDispatch, cause)
	c.statsMu.Lock()
	c.failed++
	c.statsMu.Unlock()
	c.logger.Error("batch dispatch failed",
		"conversation_id", batch.ConversationID,
		"attempts", attempts,
		"error", err,
	)
	if c.reporter != nil {
		c.reporter.Degrade(componentName, "batch dispatch failed", err)
	}
	if c.cfg.DeadLetters == nil {
		return
	}
	identityJSON, _ := json.Marshal(batch.Identity)
	if _, dlErr := c.cfg.DeadLetters.RecordDeadLetter(context.WithoutCancel(c.ctx), store.RecordDeadLetterInput{
		ConversationID: batch.ConversationID,
		Body:           batch.Body,
		IdentityJSON:   string(identityJSON),
		ErrorMessage:   cause.Error(),
		Attempts:       attempts,
	}); dlErr != nil {
		c.logger.Error("record dead letter failed", "conversation_id", batch.ConversationID, "error", dlErr)
	}
}

func mergeBuffer(conversationID string, buf *buffer) Batch {
	bodies := make([]string, 0, len(buf.messages))
	for _, msg := range buf.messages {
		bodies = append(bodies, msg.body)
	}
	batch := Batch{
		ConversationID: conversationID,
		Body:           strings.Join(bodies, MergeSeparator),
		Identity:       buf.identity,
		MessageCount:   len(buf.messages),
	}
	if len(buf.messages) > 0 {
		batch.FirstQueuedAt = buf.messages[0].queuedAt
	}
	return batch
}

// Pending returns the number of conversations waiting on a debounce timer.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffers)
}

type Stats struct {
	Pending    int `json:"pending"`
	Running    int `json:"running"`
	Dispatched int `json:"dispatched"`
	Failed     int `json:"failed"`
}

func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	stats := Stats{Pending: len(c.buffers), Running: len(c.runLocks)}
	c.mu.Unlock()
	c.statsMu.Lock()
	stats.Dispatched = c.dispatched
	stats.Failed = c.failed
	c.statsMu.Unlock()
	return stats
}

// Run blocks until ctx is done, then drains the coordinator.
func (c *Coordinator) Run(ctx context.Context) error {
	if c.reporter != nil {
		c.reporter.Beat(componentName, "accepting messages")
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	return c.Close(shutdownCtx)
}

// Close stops accepting messages, flushes buffers whose timers have not fired
// yet and waits for in-flight runs until ctx expires.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := make(map[string]uint64, len(c.buffers))
	for conversationID, buf := range c.buffers {
		if buf.timer != nil {
			buf.timer.Stop()
		}
		pending[conversationID] = buf.generation
	}
	c.mu.Unlock()

	for conversationID, generation := range pending {
		go c.flush(conversationID, generation)
	}

	done := make(chan struct{})
	go func() {
		// A buffer leaves the map in the same critical section that registers
		// its run with inflight.
		for c.Pending() > 0 {
			time.Sleep(5 * time.Millisecond)
		}
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.cancel()
		if c.reporter != nil {
			c.reporter.Stopped(componentName, "drained")
		}
		c.logger.Info("coordinator drained")
		return nil
	case <-ctx.Done():
		c.cancel()
		return fmt.Errorf("drain coordinator: %w", ctx.Err())
	}
}
