package queue

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jsclaw/jsclaw/pkg/events"
	"github.com/jsclaw/jsclaw/pkg/ipc"
	"github.com/jsclaw/jsclaw/pkg/log"
	"github.com/jsclaw/jsclaw/pkg/metrics"
	"github.com/jsclaw/jsclaw/pkg/types"
)

const maxRetries = 5

// ProcessMessagesFunc is the fallback work function used when a queued
// item carries no Fn of its own, typically the message-check path,
// which asks the host to re-check a group's pending input mailbox.
type ProcessMessagesFunc func(jid string) (bool, error)

// Config configures a Scheduler.
type Config struct {
	MaxConcurrentContainers int
	DataDir                 string
	ProcessMessages         ProcessMessagesFunc

	// StrictSlotRelease selects which of the two documented
	// slot-release behaviors applies to message-check items. Zero value
	// (false, the shipped default) holds a group's slot across retries
	// for both item kinds uniformly, releasing only on terminal
	// resolution (success, or exhausted retries). Setting it true
	// reproduces the literal, on-its-face surprising behavior: a task
	// item with a caller-provided Fn only releases its slot after
	// retries are exhausted or it succeeds, while every message-check
	// item releases its slot unconditionally after its first attempt's
	// resolution, win or lose, then re-claims a slot through the
	// ordinary drain path for each retry.
	StrictSlotRelease bool

	// MaxQueueDepth bounds a single group's pending queue length. Zero
	// means unbounded, so work queues grow in memory with no
	// backpressure. A positive value fails enqueue fast instead of
	// growing without limit.
	MaxQueueDepth int
}

// groupState is the scheduler's per-group bookkeeping: its pending
// queue, whether a work item is currently being processed, and the
// live container handle (if any) registered against it.
type groupState struct {
	jid    string
	folder string

	queue      []*types.WorkItem
	processing bool

	activeProcess *os.Process
	containerName string
}

// Scheduler is the per-process group queue and dispatcher. The queue,
// the watcher, and the framing parser are expected to run
// cooperatively on one goroutine conceptually; Scheduler guards its map
// and counters with a mutex so Go's preemptive scheduler doesn't need
// that same assumption, but holds the lock only across bookkeeping, not
// across subprocess I/O or callbacks.
type Scheduler struct {
	cfg    Config
	events *events.Broker

	mu          sync.Mutex
	groups      map[string]*groupState
	activeCount int
}

// NewScheduler creates a Scheduler. cfg.MaxConcurrentContainers must be
// at least 1.
func NewScheduler(cfg Config, bus *events.Broker) *Scheduler {
	if cfg.MaxConcurrentContainers < 1 {
		cfg.MaxConcurrentContainers = 1
	}
	return &Scheduler{
		cfg:    cfg,
		events: bus,
		groups: make(map[string]*groupState),
	}
}

func (s *Scheduler) group(jid string) *groupState {
	g, ok := s.groups[jid]
	if !ok {
		g = &groupState{jid: jid}
		s.groups[jid] = g
	}
	return g
}

// EnqueueMessageCheck appends a MessageCheck item to jid's queue (FIFO
// among message checks) and triggers a drain. The returned channel
// resolves once the item (or a later retry of it) completes.
func (s *Scheduler) EnqueueMessageCheck(jid string) (<-chan types.WorkResult, error) {
	item := &types.WorkItem{Kind: types.WorkMessageCheck, Done: make(chan types.WorkResult, 1)}
	if err := s.enqueue(jid, item, false); err != nil {
		return nil, err
	}
	s.drain()
	return item.Done, nil
}

// EnqueueTask prepends a Task item to jid's queue (priority over
// pending message checks; LIFO among tasks themselves) and triggers a
// drain.
func (s *Scheduler) EnqueueTask(jid, taskID string, fn func() (bool, error)) (<-chan types.WorkResult, error) {
	item := &types.WorkItem{Kind: types.WorkTask, TaskID: taskID, Fn: fn, Done: make(chan types.WorkResult, 1)}
	if err := s.enqueue(jid, item, true); err != nil {
		return nil, err
	}
	s.drain()
	return item.Done, nil
}

func (s *Scheduler) enqueue(jid string, item *types.WorkItem, prepend bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.group(jid)
	if s.cfg.MaxQueueDepth > 0 && len(g.queue) >= s.cfg.MaxQueueDepth {
		return fmt.Errorf("queue depth limit (%d) exceeded for group %s", s.cfg.MaxQueueDepth, jid)
	}
	if prepend {
		g.queue = append([]*types.WorkItem{item}, g.queue...)
	} else {
		g.queue = append(g.queue, item)
	}
	metrics.QueueDepth.WithLabelValues(g.folder).Set(float64(len(g.queue)))
	return nil
}

// drain picks at most one group to advance per call: if the global
// slot budget is exhausted it does nothing; otherwise it scans groups
// in map iteration order (no cross-group ordering guarantee) for the
// first with pending work and no item already in flight, claims a
// slot, and processes that item asynchronously. The next drain, not
// this call, picks up whatever else is pending.
func (s *Scheduler) drain() {
	s.mu.Lock()
	if s.activeCount >= s.cfg.MaxConcurrentContainers {
		s.mu.Unlock()
		return
	}

	var picked *groupState
	for _, g := range s.groups {
		if len(g.queue) > 0 && !g.processing {
			picked = g
			break
		}
	}
	if picked == nil {
		s.mu.Unlock()
		return
	}

	picked.processing = true
	s.activeCount++
	item := picked.queue[0]
	picked.queue = picked.queue[1:]
	jid := picked.jid
	metrics.QueueDepth.WithLabelValues(picked.folder).Set(float64(len(picked.queue)))
	metrics.ActiveContainers.Set(float64(s.activeCount))
	s.mu.Unlock()

	go s.process(jid, item, 0)
}

// process runs item.Fn (or the configured fallback) with retry on
// failure, exponential backoff, and the slot-release behavior selected
// by cfg.StrictSlotRelease.
func (s *Scheduler) process(jid string, item *types.WorkItem, attempt int) {
	ok, err := s.run(jid, item)

	if err == nil {
		s.fulfill(item, types.WorkResult{OK: ok})
		s.releaseSlot(jid, item, attempt, true)
		return
	}

	if attempt < maxRetries {
		backoff := time.Duration(5000*pow2(attempt)) * time.Millisecond
		log.Logger.Warn().
			Str("group_jid", jid).
			Err(err).
			Msg(fmt.Sprintf("work item failed, retrying in %s", backoff))
		if s.events != nil {
			s.events.Publish(&events.Event{Type: events.QueueItemRetried, Metadata: map[string]string{"jid": jid, "attempt": fmt.Sprint(attempt)}})
		}
		metrics.RetriesTotal.Inc()

		if s.cfg.StrictSlotRelease && item.Kind == types.WorkMessageCheck {
			// Message checks release their slot after every attempt's
			// resolution, success or failure, even mid-retry-sequence.
			s.releaseSlot(jid, item, attempt, false)
			time.AfterFunc(backoff, func() { s.retryWithoutSlot(jid, item, attempt+1) })
			return
		}

		time.AfterFunc(backoff, func() { s.process(jid, item, attempt+1) })
		return
	}

	log.Logger.Error().Str("group_jid", jid).Err(err).Msg("work item failed after exhausting retries")
	s.fulfill(item, types.WorkResult{OK: false, Err: err})
	if s.events != nil {
		s.events.Publish(&events.Event{Type: events.QueueItemFailed, Metadata: map[string]string{"jid": jid}})
	}
	s.releaseSlot(jid, item, attempt, true)
}

// retryWithoutSlot re-runs an item that already released its slot
// (the StrictSlotRelease message-check path) by re-claiming a slot
// through the normal drain path rather than assuming one is still
// held.
func (s *Scheduler) retryWithoutSlot(jid string, item *types.WorkItem, attempt int) {
	s.mu.Lock()
	g := s.group(jid)
	g.queue = append([]*types.WorkItem{item}, g.queue...)
	metrics.QueueDepth.WithLabelValues(g.folder).Set(float64(len(g.queue)))
	s.mu.Unlock()
	s.drain()
}

func (s *Scheduler) run(jid string, item *types.WorkItem) (bool, error) {
	if item.Fn != nil {
		return item.Fn()
	}
	if s.cfg.ProcessMessages != nil {
		return s.cfg.ProcessMessages(jid)
	}
	return false, fmt.Errorf("No processing function configured")
}

func (s *Scheduler) fulfill(item *types.WorkItem, result types.WorkResult) {
	select {
	case item.Done <- result:
	default:
	}
}

// releaseSlot clears a group's in-flight bookkeeping and re-drains.
// terminal indicates the item has reached its final resolution (as
// opposed to the StrictSlotRelease mid-retry release, which is never
// terminal for the item itself but is still terminal for the slot).
func (s *Scheduler) releaseSlot(jid string, item *types.WorkItem, attempt int, terminal bool) {
	s.mu.Lock()
	g := s.group(jid)
	g.processing = false
	g.activeProcess = nil
	g.containerName = ""
	s.activeCount--
	if s.activeCount < 0 {
		s.activeCount = 0
	}
	metrics.ActiveContainers.Set(float64(s.activeCount))
	s.mu.Unlock()

	s.drain()
}

// RegisterProcess attaches a live subprocess handle to jid's group
// state. Required before SendMessage or CloseContainer will do
// anything.
func (s *Scheduler) RegisterProcess(jid string, proc *os.Process, containerName, folder string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.group(jid)
	g.activeProcess = proc
	g.containerName = containerName
	g.folder = folder
}

// SendMessage writes text into jid's input mailbox if the group has a
// registered live process. Returns false if there is no active
// process.
func (s *Scheduler) SendMessage(jid, text string) bool {
	s.mu.Lock()
	g, ok := s.groups[jid]
	if !ok || g.activeProcess == nil {
		s.mu.Unlock()
		return false
	}
	folder := g.folder
	s.mu.Unlock()

	dir := inputDir(s.cfg.DataDir, folder)
	msg := types.IpcInput{Text: text, Timestamp: time.Now().UTC()}
	if _, err := ipc.Write(dir, msg, ""); err != nil {
		log.Logger.Error().Str("group_jid", jid).Err(err).Msg("failed to write input mailbox entry")
		return false
	}
	return true
}

// CloseContainer writes the close sentinel into jid's input mailbox,
// if its folder is known.
func (s *Scheduler) CloseContainer(jid string) {
	s.mu.Lock()
	g, ok := s.groups[jid]
	folder := ""
	if ok {
		folder = g.folder
	}
	s.mu.Unlock()
	if folder == "" {
		return
	}
	if err := ipc.WriteClose(inputDir(s.cfg.DataDir, folder)); err != nil {
		log.Logger.Error().Str("group_jid", jid).Err(err).Msg("failed to write close sentinel")
	}
}

// HasActiveContainer reports whether jid currently has a registered
// live process.
func (s *Scheduler) HasActiveContainer(jid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[jid]
	return ok && g.activeProcess != nil
}

// Shutdown writes close sentinels to every group with a live process,
// sleeps graceMs, then force-kills any that are still alive. Kill
// errors are swallowed: shutdown must not fail loudly partway
// through.
func (s *Scheduler) Shutdown(graceMs int) {
	if graceMs <= 0 {
		graceMs = 10_000
	}

	s.mu.Lock()
	live := make([]*groupState, 0, len(s.groups))
	for _, g := range s.groups {
		if g.activeProcess != nil {
			live = append(live, g)
		}
	}
	s.mu.Unlock()

	for _, g := range live {
		if err := ipc.WriteClose(inputDir(s.cfg.DataDir, g.folder)); err != nil {
			log.Logger.Error().Str("group_jid", g.jid).Err(err).Msg("failed to write close sentinel during shutdown")
		}
	}

	time.Sleep(time.Duration(graceMs) * time.Millisecond)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range live {
		if g.activeProcess == nil {
			continue
		}
		_ = g.activeProcess.Kill()
	}
}

// ActiveCount reports the number of groups currently holding a slot.
// Satisfies metrics.QueueSource.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeCount
}

// QueueDepths reports the pending queue length per group folder.
// Satisfies metrics.QueueSource.
func (s *Scheduler) QueueDepths() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	depths := make(map[string]int, len(s.groups))
	for _, g := range s.groups {
		if g.folder != "" {
			depths[g.folder] = len(g.queue)
		}
	}
	return depths
}

func inputDir(dataDir, folder string) string {
	return filepath.Join(dataDir, "ipc", folder, "input")
}

func pow2(n int) int {
	result := 1
	for i := 0; i < n; i++ {
		result *= 2
	}
	return result
}
