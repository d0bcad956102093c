/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of tiercache.
 *
 * tiercache is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * tiercache is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package writepolicy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pmkol/tiercache/mlog"
	"github.com/pmkol/tiercache/pkg/cache"
	"github.com/pmkol/tiercache/pkg/pool"
	"github.com/pmkol/tiercache/pkg/safe_close"
	"github.com/pmkol/tiercache/pkg/utils"
)

// ErrQueueFull is returned by Back.Apply when ctx is done before the task
// could be queued. The write was not applied to any tier.
var ErrQueueFull = errors.New("write-back queue full")

type BackOpts struct {
	// Workers is the number of delivery goroutines. Tasks of one key are
	// always handled by the same worker.
	// Default is 1.
	Workers int

	// QueueSize is the queue length of each worker.
	// Default is 1024.
	QueueSize int

	// MaxAttempts is the number of delivery attempts before a task is
	// reported as a durability failure.
	// Default is 5.
	MaxAttempts int

	// Default is 100ms.
	InitialBackoff time.Duration
	// Default is 30s.
	MaxBackoff time.Duration

	// WriteL2 also writes L2 synchronously.
	WriteL2 bool

	// Sink receives exhausted tasks. Optional.
	Sink DurabilitySink

	Logger *zap.Logger
}

func (opts *BackOpts) Init() {
	utils.SetDefaultNum(&opts.Workers, 1)
	utils.SetDefaultNum(&opts.QueueSize, 1024)
	utils.SetDefaultNum(&opts.MaxAttempts, 5)
	utils.SetDefaultNum(&opts.InitialBackoff, 100*time.Millisecond)
	utils.SetDefaultNum(&opts.MaxBackoff, 30*time.Second)
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	if opts.Sink == nil {
		opts.Sink = nopSink{}
	}
	opts.Logger = mlog.OrNop(opts.Logger)
}

// Task is a write accepted by the fast tiers but not yet durable.
type Task struct {
	Key         string
	Value       []byte
	Version     uint64
	Attempts    int
	NextRetryAt time.Time

	tiers Tiers
}

func (t *Task) entry() *cache.Entry {
	return &cache.Entry{Key: t.Key, Value: t.Value, Version: t.Version}
}

const lockStripes = 64

// Back is the deferred-durable (write-back) policy.
//
// Apply queues a Task, then writes L1 and returns. L2 is written too if
// WriteL2 is set, otherwise its copy is invalidated. Workers deliver tasks
// to L3 with exponential backoff, then drop older copies that a read
// promoted into the fast tiers meanwhile. A task that runs out of attempts
// is handed to the DurabilitySink and kept as pending until Reconcile or a
// newer delivery of the same key. Only Forget discards an accepted task:
// Close delivers what is queued and reports what it could not deliver.
type Back struct {
	opts   BackOpts
	hasher utils.KeyHasher
	queues []chan *Task
	sc     *safe_close.SafeClose
	depth  atomic.Int64

	mu     sync.RWMutex
	closed bool

	pendingMu sync.Mutex
	pending   map[string]*Task

	// Delivery of a key and Forget of the same key hold its stripe.
	locks  [lockStripes]sync.Mutex
	keysMu sync.Mutex
	keys   map[string]*keyState
}

// keyState exists while tasks of a key are queued or being delivered.
type keyState struct {
	inflight int
	removed  uint64 // tasks up to this version are discarded
}

var _ Policy = (*Back)(nil)

func NewBack(opts BackOpts) *Back {
	opts.Init()
	p := &Back{
		opts:    opts,
		hasher:  utils.NewKeyHasher(),
		queues:  make([]chan *Task, opts.Workers),
		sc:      safe_close.NewSafeClose(),
		pending: make(map[string]*Task),
		keys:    make(map[string]*keyState),
	}
	for i := range p.queues {
		q := make(chan *Task, opts.QueueSize)
		p.queues[i] = q
		p.sc.Attach(func(ctx context.Context) {
			p.worker(ctx, q)
		})
	}
	return p
}

func (p *Back) Kind() Kind {
	return KindBack
}

// Apply queues e for L3 before it touches the fast tiers, so an error
// from the L1 or L2 write does not mean the write was rejected: it is
// still delivered to L3. Only ErrQueueFull and cache.ErrClosed mean
// nothing was written.
func (p *Back) Apply(ctx context.Context, t Tiers, e *cache.Entry) error {
	task := &Task{
		Key:     e.Key,
		Value:   append([]byte(nil), e.Value...),
		Version: e.Version,
		tiers:   t,
	}
	if err := p.enqueue(ctx, task); err != nil {
		return err
	}

	if p.opts.WriteL2 && t.L2 != nil {
		if err := t.L2.Put(ctx, e); err != nil && !errors.Is(err, cache.ErrVersionConflict) {
			p.opts.Logger.Warn("l2 write failed", zap.String("key", e.Key), zap.Error(err))
			if ierr := invalidate(ctx, e.Key, t.L2); ierr != nil {
				p.opts.Logger.Warn("failed to invalidate l2 copy", zap.String("key", e.Key), zap.Error(ierr))
			}
		}
	} else if err := invalidate(ctx, e.Key, t.L2); err != nil {
		// The copy is dropped again after delivery.
		p.opts.Logger.Warn("failed to invalidate l2 copy", zap.String("key", e.Key), zap.Error(err))
	}

	if err := t.L1.Put(ctx, e); err != nil && !errors.Is(err, cache.ErrVersionConflict) {
		return fmt.Errorf("l1 write, queued for l3 anyway: %w", err)
	}
	return nil
}

// enqueue blocks while the queue is full until ctx is done or p is closed.
func (p *Back) enqueue(ctx context.Context, task *Task) error {
	p.track(task.Key)
	return p.send(ctx, task)
}

// send queues a tracked task. The task is untracked if it was not queued.
func (p *Back) send(ctx context.Context, task *Task) (err error) {
	defer func() {
		if err != nil {
			p.untrack(task.Key)
		}
	}()

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return cache.ErrClosed
	}

	q := p.queues[p.hasher.Index(task.Key, len(p.queues))]
	p.depth.Add(1)
	select {
	case q <- task:
		return nil
	case <-ctx.Done():
		p.depth.Add(-1)
		return fmt.Errorf("%w: %w", ErrQueueFull, ctx.Err())
	case <-p.sc.ReceiveCloseSignal():
		p.depth.Add(-1)
		return cache.ErrClosed
	}
}

func (p *Back) track(key string) {
	p.keysMu.Lock()
	s, ok := p.keys[key]
	if !ok {
		s = new(keyState)
		p.keys[key] = s
	}
	s.inflight++
	p.keysMu.Unlock()
}

func (p *Back) untrack(key string) {
	p.keysMu.Lock()
	if s, ok := p.keys[key]; ok {
		s.inflight--
		if s.inflight <= 0 {
			delete(p.keys, key)
		}
	}
	p.keysMu.Unlock()
}

func (p *Back) removedVersion(key string) uint64 {
	p.keysMu.Lock()
	defer p.keysMu.Unlock()
	if s, ok := p.keys[key]; ok {
		return s.removed
	}
	return 0
}

func (p *Back) stripe(key string) *sync.Mutex {
	return &p.locks[p.hasher.Index(key, lockStripes)]
}

// Forget discards queued and pending writes of key with a version up to
// version. A delivery of key in progress is waited for, so removing key
// from L3 after Forget returns cannot be undone by this policy.
func (p *Back) Forget(key string, version uint64) {
	l := p.stripe(key)
	l.Lock()
	defer l.Unlock()

	p.keysMu.Lock()
	if s, ok := p.keys[key]; ok && s.removed < version {
		s.removed = version
	}
	p.keysMu.Unlock()

	p.pendingMu.Lock()
	if t, ok := p.pending[key]; ok && t.Version <= version {
		delete(p.pending, key)
	}
	p.pendingMu.Unlock()
}

func (p *Back) worker(ctx context.Context, q <-chan *Task) {
	for task := range q {
		p.deliver(ctx, task)
		p.untrack(task.Key)
		p.depth.Add(-1)
	}
}

// put makes one delivery attempt. It reports false if key was forgotten.
func (p *Back) put(task *Task) (bool, error) {
	l := p.stripe(task.Key)
	l.Lock()
	defer l.Unlock()
	if task.Version <= p.removedVersion(task.Key) {
		return false, nil
	}
	return true, task.tiers.L3.Put(context.Background(), task.entry())
}

// dropOlder removes copies older than task from the fast tiers. They can
// be promoted from L3 while the task is not delivered yet.
func (p *Back) dropOlder(task *Task) {
	fast := []cache.Tier{task.tiers.L1}
	if !p.opts.WriteL2 {
		fast = append(fast, task.tiers.L2)
	}
	for _, t := range fast {
		if t == nil {
			continue
		}
		e, err := t.Get(context.Background(), task.Key)
		if err != nil || e.Version >= task.Version {
			continue
		}
		if err := invalidate(context.Background(), task.Key, t); err != nil {
			p.opts.Logger.Warn("failed to drop stale copy",
				zap.Stringer("tier", t.ID()), zap.String("key", task.Key), zap.Error(err))
		}
	}
}

// deliver retries until success or MaxAttempts. Once ctx is done, the
// remaining attempts are made without waiting.
func (p *Back) deliver(ctx context.Context, task *Task) {
	for {
		task.Attempts++
		live, err := p.put(task)
		switch {
		case !live:
			p.opts.Logger.Debug("write-back of removed key discarded", zap.String("key", task.Key), zap.Uint64("version", task.Version))
			return
		case err == nil:
			p.clearPending(task)
			p.dropOlder(task)
			return
		case errors.Is(err, cache.ErrVersionConflict):
			p.opts.Logger.Debug("stale write-back discarded", zap.String("key", task.Key), zap.Uint64("version", task.Version))
			p.clearPending(task)
			return
		case task.Attempts >= p.opts.MaxAttempts:
			p.fail(task, err)
			return
		}

		d := p.backoff(task.Attempts)
		task.NextRetryAt = time.Now().Add(d)
		p.opts.Logger.Warn("write-back delivery failed, retrying",
			zap.String("key", task.Key),
			zap.Int("attempt", task.Attempts),
			zap.Duration("backoff", d),
			zap.Error(err))
		pool.Sleep(d, ctx.Done())
	}
}

func (p *Back) backoff(attempts int) time.Duration {
	d := p.opts.InitialBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= p.opts.MaxBackoff {
			return p.opts.MaxBackoff
		}
	}
	return d
}

func (p *Back) fail(task *Task, err error) {
	f := &cache.DurabilityFailure{
		Key:      task.Key,
		Version:  task.Version,
		Tier:     task.tiers.L3.ID(),
		Attempts: task.Attempts,
		Err:      err,
	}
	p.opts.Logger.Error("write-back exhausted retries", zap.String("key", task.Key), zap.Uint64("version", task.Version), zap.Error(err))
	p.opts.Sink.DurabilityFailure(f)

	if task.Version <= p.removedVersion(task.Key) {
		return
	}
	p.pendingMu.Lock()
	if old, ok := p.pending[task.Key]; !ok || old.Version <= task.Version {
		p.pending[task.Key] = task
	}
	p.pendingMu.Unlock()
}

func (p *Back) clearPending(task *Task) {
	p.pendingMu.Lock()
	if old, ok := p.pending[task.Key]; ok && old.Version <= task.Version {
		delete(p.pending, task.Key)
	}
	p.pendingMu.Unlock()
}

// Pending reports whether the latest failed delivery of key has not been
// made durable yet.
func (p *Back) Pending(key string) bool {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	_, ok := p.pending[key]
	return ok
}

func (p *Back) isPending(t *Task) bool {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	return p.pending[t.Key] == t
}

// PendingLen returns the number of keys that failed delivery.
func (p *Back) PendingLen() int {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	return len(p.pending)
}

// Reconcile queues every pending task again with a fresh attempt budget.
// It returns the number of queued tasks.
func (p *Back) Reconcile(ctx context.Context) (int, error) {
	p.pendingMu.Lock()
	tasks := make([]*Task, 0, len(p.pending))
	for _, t := range p.pending {
		tasks = append(tasks, t)
	}
	p.pendingMu.Unlock()

	n := 0
	for _, t := range tasks {
		// Tracked before the pending check, so a Forget that races with
		// this either removed t already or will discard the new task.
		p.track(t.Key)
		if !p.isPending(t) {
			p.untrack(t.Key)
			continue
		}
		nt := &Task{Key: t.Key, Value: t.Value, Version: t.Version, tiers: t.tiers}
		if err := p.send(ctx, nt); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		p.opts.Logger.Info("reconcile queued pending writes", zap.Int("tasks", n))
	}
	return n, nil
}

// QueueDepth returns the number of tasks queued or being delivered.
func (p *Back) QueueDepth() int {
	return int(p.depth.Load())
}

// Close stops accepting tasks and waits until every queued task was
// delivered or reported.
func (p *Back) Close() error {
	p.sc.SendCloseSignal(nil)
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		for _, q := range p.queues {
			close(q)
		}
	}
	p.mu.Unlock()
	return p.sc.CloseWait(context.Background())
}
