// Package gate provides named admission control for background work. Every
// subsystem spawns its goroutines through the gate so that each category of
// work has a known concurrency budget and the process never accumulates
// unbounded anonymous goroutines.
package gate

import (
	"sync"
	"time"

	"github.com/wrangler-bot/wrangler/util/logger"
	"github.com/wrangler-bot/wrangler/util/metrics"
)

// Category names a class of background work. Categories are independent:
// exhausting one never blocks another.
type Category string

const (
	CategoryCommand      Category = "command"
	CategoryRule         Category = "rule"
	CategoryNotification Category = "notification"
	CategoryIM           Category = "im"
	CategoryLog          Category = "log"
	CategoryPost         Category = "post"
	CategoryPreload      Category = "preload"
	CategoryHorde        Category = "horde"
	CategorySoftBan      Category = "softban"
	CategoryAuxiliary    Category = "auxiliary"
)

// Task is a unit of background work.
type Task func()

// keyedTask carries the admission deadline for TTL-bounded work.
type keyedTask struct {
	key      string
	deadline time.Time
	task     Task
}

// keyedQueue drains TTL-bounded tasks for one category with a fixed number
// of workers. Tasks whose deadline passed before a worker picked them up are
// discarded instead of executed stale.
type keyedQueue struct {
	tasks   chan keyedTask
	held    bool
	release chan struct{}
	mu      sync.Mutex
}

// seqQueue serializes tasks for one category through a single worker, so
// submission order is execution order.
type seqQueue struct {
	tasks chan Task
}

// Gate is the process-wide admission controller.
//
// Spawn runs a task immediately; the per-category bound is an intended
// budget, not a hard rejection point: tasks admitted above the bound still
// run, with a diagnostic. Callers that need hard rejection (the per-group
// command worker limit) keep their own explicit counter.
//
// SpawnSequential preserves submission order within a category and bounds
// the time a submission may wait for queue space.
//
// SpawnKeyed associates a task with a logical key and a time-to-live: if the
// task has not begun execution within ttl of admission it is discarded. This
// keeps group-scheduled commands from firing hours late after an outage.
type Gate struct {
	mu      sync.Mutex
	running map[Category]int
	keyed   map[Category]*keyedQueue
	seq     map[Category]*seqQueue
	stopped bool
	done    chan struct{}
	wg      sync.WaitGroup
	log     *logger.Logger
}

// New creates a gate.
func New() *Gate {
	return &Gate{
		running: make(map[Category]int),
		keyed:   make(map[Category]*keyedQueue),
		seq:     make(map[Category]*seqQueue),
		done:    make(chan struct{}),
		log:     logger.NewLogger("Gate"),
	}
}

// Spawn admits task for asynchronous execution in the given category.
// maxConcurrent is the intended bound; exceeding it records an overflow but
// the task still runs.
func (g *Gate) Spawn(category Category, maxConcurrent int, task Task) {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.running[category]++
	over := maxConcurrent > 0 && g.running[category] > maxConcurrent
	g.wg.Add(1)
	g.mu.Unlock()

	if over {
		metrics.RecordGateOverflow(string(category))
		g.log.Debugf("category %s above intended concurrency %d", category, maxConcurrent)
	}

	go func() {
		defer g.finish(category)
		task()
	}()
}

// Running returns the number of tasks currently executing in the category.
func (g *Gate) Running(category Category) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running[category]
}

func (g *Gate) finish(category Category) {
	g.mu.Lock()
	g.running[category]--
	g.mu.Unlock()
	g.wg.Done()
}

// SpawnSequential admits task into the category's ordered queue. Tasks in a
// sequential category execute one at a time in submission order. If the
// queue has no room within timeout the task is discarded and false is
// returned.
func (g *Gate) SpawnSequential(category Category, maxPending int, timeout time.Duration, task Task) bool {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return false
	}
	q, ok := g.seq[category]
	if !ok {
		if maxPending <= 0 {
			maxPending = 1
		}
		q = &seqQueue{tasks: make(chan Task, maxPending)}
		g.seq[category] = q
		g.wg.Add(1)
		go g.seqWorker(category, q)
	}
	g.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case q.tasks <- task:
		return true
	case <-timer.C:
		g.log.Warnf("sequential category %s queue full, task discarded after %v", category, timeout)
		return false
	case <-g.done:
		return false
	}
}

func (g *Gate) seqWorker(category Category, q *seqQueue) {
	defer g.wg.Done()
	for {
		select {
		case <-g.done:
			return
		case task := <-q.tasks:
			g.mu.Lock()
			g.running[category]++
			g.mu.Unlock()
			task()
			g.mu.Lock()
			g.running[category]--
			g.mu.Unlock()
		}
	}
}

// SpawnKeyed admits task with a logical key and a time-to-live. The category
// drains through maxConcurrent workers; a task that has not started within
// ttl is discarded. Returns false if the pending queue itself is full.
func (g *Gate) SpawnKeyed(category Category, maxConcurrent int, key string, ttl time.Duration, task Task) bool {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return false
	}
	q, ok := g.keyed[category]
	if !ok {
		if maxConcurrent <= 0 {
			maxConcurrent = 1
		}
		q = &keyedQueue{
			tasks:   make(chan keyedTask, maxConcurrent*16),
			release: make(chan struct{}),
		}
		g.keyed[category] = q
		for i := 0; i < maxConcurrent; i++ {
			g.wg.Add(1)
			go g.keyedWorker(category, q)
		}
	}
	g.mu.Unlock()

	kt := keyedTask{key: key, deadline: time.Now().Add(ttl), task: task}
	select {
	case q.tasks <- kt:
		return true
	default:
		metrics.RecordGateExpired(string(category))
		g.log.Warnf("category %s keyed queue full, task for key %s discarded", category, key)
		return false
	}
}

// Hold pauses the keyed workers of a category; queued tasks age in place
// until Release. Used while the world connection is down so that TTLs decide
// what still fires afterwards.
func (g *Gate) Hold(category Category) {
	q := g.keyedQueueFor(category)
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.held {
		q.held = true
		q.release = make(chan struct{})
	}
}

// Release resumes a held category.
func (g *Gate) Release(category Category) {
	q := g.keyedQueueFor(category)
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.held {
		q.held = false
		close(q.release)
	}
}

func (g *Gate) keyedQueueFor(category Category) *keyedQueue {
	g.mu.Lock()
	defer g.mu.Unlock()
	q, ok := g.keyed[category]
	if !ok {
		q = &keyedQueue{
			tasks:   make(chan keyedTask, 16),
			release: make(chan struct{}),
		}
		g.keyed[category] = q
		g.wg.Add(1)
		go g.keyedWorker(category, q)
	}
	return q
}

func (g *Gate) keyedWorker(category Category, q *keyedQueue) {
	defer g.wg.Done()
	for {
		select {
		case <-g.done:
			return
		case kt := <-q.tasks:
			if !g.waitReleased(q) {
				return
			}
			if time.Now().After(kt.deadline) {
				metrics.RecordGateExpired(string(category))
				g.log.Infof("category %s task for key %s expired before start, discarded", category, kt.key)
				continue
			}
			g.mu.Lock()
			g.running[category]++
			g.mu.Unlock()
			kt.task()
			g.mu.Lock()
			g.running[category]--
			g.mu.Unlock()
		}
	}
}

// waitReleased blocks while the queue is held. Returns false when the gate
// stopped during the wait.
func (g *Gate) waitReleased(q *keyedQueue) bool {
	for {
		q.mu.Lock()
		held := q.held
		release := q.release
		q.mu.Unlock()
		if !held {
			return true
		}
		select {
		case <-release:
		case <-g.done:
			return false
		}
	}
}

// Stop prevents new admissions and waits for running tasks to finish.
// Queued sequential and keyed tasks that have not started are discarded.
func (g *Gate) Stop() {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	g.mu.Unlock()
	close(g.done)
	g.wg.Wait()
}
