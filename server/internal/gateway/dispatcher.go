package gateway

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"triage-assistant/server/internal/model"
)

// Handler 是会话编排的入口（由 orchestrator.Orchestrator 实现）
type Handler interface {
	HandleMessage(ctx context.Context, msg model.InboundMessage) (*model.Reply, error)
	Cancel(ctx context.Context, patientID string) (*model.Reply, error)
	IdleSessions(ctx context.Context) ([]string, error)
	Expire(ctx context.Context, patientID string) (bool, error)
}

// Dispatcher 把每个病人的请求路由到该病人自己的 EventQueue。
// 不同病人之间完全并行，同一病人的请求严格串行。
type Dispatcher struct {
	handler Handler
	logger  *log.Logger
	timeout time.Duration

	mu     sync.Mutex
	queues map[string]*EventQueue
	closed bool
}

// NewDispatcher 创建分发器。timeout 为同步等待的上限，0 使用默认值。
func NewDispatcher(handler Handler, timeout time.Duration, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	if timeout == 0 {
		timeout = defaultJobTimeout
	}
	return &Dispatcher{
		handler: handler,
		logger:  logger,
		timeout: timeout,
		queues:  make(map[string]*EventQueue),
	}
}

func (d *Dispatcher) queue(patientID string) (*EventQueue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrQueueClosed
	}
	q, ok := d.queues[patientID]
	if !ok {
		q = NewEventQueue(patientID, d.logger)
		d.queues[patientID] = q
	}
	return q, nil
}

// Do 在病人的队列中同步执行 job。
func (d *Dispatcher) Do(patientID, name string, job Job) error {
	for attempt := 0; ; attempt++ {
		q, err := d.queue(patientID)
		if err != nil {
			return err
		}
		err = q.EnqueueSync(name, job, d.timeout)
		// 队列刚好被回收：换一个新队列重试一次
		if errors.Is(err, ErrQueueClosed) && attempt == 0 && d.forget(patientID, q) {
			continue
		}
		return err
	}
}

// HandleMessage 串行处理一条消息
func (d *Dispatcher) HandleMessage(_ context.Context, msg model.InboundMessage) (*model.Reply, error) {
	if msg.PatientID == "" {
		return d.handler.HandleMessage(context.Background(), msg)
	}
	var reply *model.Reply
	err := d.Do(msg.PatientID, "message", func(ctx context.Context) error {
		var err error
		reply, err = d.handler.HandleMessage(ctx, msg)
		return err
	})
	if err != nil {
		return nil, err
	}
	if reply.State.Terminal() {
		d.release(msg.PatientID)
	}
	return reply, nil
}

// Cancel 串行取消病人的会话
func (d *Dispatcher) Cancel(_ context.Context, patientID string) (*model.Reply, error) {
	var reply *model.Reply
	err := d.Do(patientID, "cancel", func(ctx context.Context) error {
		var err error
		reply, err = d.handler.Cancel(ctx, patientID)
		return err
	})
	if err != nil {
		return nil, err
	}
	d.release(patientID)
	return reply, nil
}

// Sweep 结束所有空闲会话。每个会话在自己的队列里处理，不会与正在进行的消息冲突。
func (d *Dispatcher) Sweep(ctx context.Context) (int, error) {
	ids, err := d.handler.IdleSessions(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	var errs []error
	for _, id := range ids {
		var expired bool
		err := d.Do(id, "expire", func(ctx context.Context) error {
			var err error
			expired, err = d.handler.Expire(ctx, id)
			return err
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if expired {
			n++
			d.release(id)
		}
	}
	if n > 0 {
		d.logger.Printf("[Dispatcher] sweep expired %d idle sessions", n)
	}
	return n, errors.Join(errs...)
}

// Prune 回收 idle 时间内没有任务的队列
func (d *Dispatcher) Prune(idle time.Duration) int {
	cutoff := time.Now().Add(-idle)
	var stale []*EventQueue

	d.mu.Lock()
	for id, q := range d.queues {
		st := q.GetStats()
		if st.Pending == 0 && q.idleSince().Before(cutoff) {
			stale = append(stale, q)
			delete(d.queues, id)
		}
	}
	d.mu.Unlock()

	for _, q := range stale {
		q.Close()
	}
	return len(stale)
}

// release 会话结束后关闭病人的队列。必须在队列协程之外调用：
// 先同步关闭，等正在执行的任务结束，再从 map 中移除，
// 这样同一病人的新消息只会在旧队列停止后才建新队列；排队中未执行的任务收到 ErrQueueClosed 后重试。
func (d *Dispatcher) release(patientID string) {
	d.mu.Lock()
	q, ok := d.queues[patientID]
	d.mu.Unlock()
	if !ok {
		return
	}
	q.Close()
	d.forget(patientID, q)
}

// forget 仅当 map 中仍是 q 时才移除
func (d *Dispatcher) forget(patientID string, q *EventQueue) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.queues[patientID]; ok && cur == q {
		delete(d.queues, patientID)
	}
	return !d.closed
}

// Stats 所有活跃队列的统计，按病人 ID 排序
func (d *Dispatcher) Stats() []Stats {
	d.mu.Lock()
	out := make([]Stats, 0, len(d.queues))
	for _, q := range d.queues {
		out = append(out, q.GetStats())
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Close 关闭所有队列
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	queues := d.queues
	d.queues = make(map[string]*EventQueue)
	d.mu.Unlock()

	for _, q := range queues {
		q.Close()
	}
}
