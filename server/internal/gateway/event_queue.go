package gateway

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

var (
	// ErrQueueClosed 队列已关闭
	ErrQueueClosed = errors.New("event queue closed")
	// ErrQueueFull 队列已满（背压）
	ErrQueueFull = errors.New("event queue full")
)

// Job 是在病人队列中串行执行的一段工作
type Job func(ctx context.Context) error

// EventQueue 为单个病人提供串行处理（Actor Model）
// 解决问题：
// 1. 同一病人的会话不会被并发修改（HTTP、WebSocket、空闲清理都走这里）
// 2. 保证消息按到达顺序处理
type EventQueue struct {
	key     string
	jobChan chan *queuedJob
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *log.Logger
	timeout time.Duration

	// 统计信息
	mu            sync.Mutex
	totalJobs     int64
	processedJobs int64
	droppedJobs   int64
	lastActive    time.Time
}

type queuedJob struct {
	name      string
	run       Job
	timestamp time.Time
	resultCh  chan error // 同步调用时等待结果
}

const (
	// 队列容量：超过此值的任务将被拒绝（背压控制）
	defaultQueueCapacity = 100
	// 单个任务的处理超时
	defaultJobTimeout = 10 * time.Second
	// 处理时间超过该值时记录警告
	slowJobThreshold = 5 * time.Second
)

// NewEventQueue 创建队列并启动处理协程
func NewEventQueue(key string, logger *log.Logger) *EventQueue {
	if logger == nil {
		logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	eq := &EventQueue{
		key:        key,
		jobChan:    make(chan *queuedJob, defaultQueueCapacity),
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger,
		timeout:    defaultJobTimeout,
		lastActive: time.Now(),
	}

	eq.wg.Add(1)
	go eq.processLoop()
	return eq
}

// Enqueue 异步加入队列（非阻塞）
func (eq *EventQueue) Enqueue(name string, job Job) error {
	select {
	case <-eq.ctx.Done():
		return ErrQueueClosed
	default:
	}

	select {
	case eq.jobChan <- &queuedJob{name: name, run: job, timestamp: time.Now()}:
		eq.mu.Lock()
		eq.totalJobs++
		eq.mu.Unlock()
		return nil
	default:
		eq.mu.Lock()
		eq.droppedJobs++
		eq.mu.Unlock()
		eq.logger.Printf("[EventQueue] queue full for %s, dropping job %s", eq.key, name)
		return ErrQueueFull
	}
}

// EnqueueSync 加入队列并等待处理完成，返回任务的错误
func (eq *EventQueue) EnqueueSync(name string, job Job, timeout time.Duration) error {
	select {
	case <-eq.ctx.Done():
		return ErrQueueClosed
	default:
	}
	if timeout == 0 {
		timeout = eq.timeout
	}

	qj := &queuedJob{
		name:      name,
		run:       job,
		timestamp: time.Now(),
		resultCh:  make(chan error, 1),
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case eq.jobChan <- qj:
		eq.mu.Lock()
		eq.totalJobs++
		eq.mu.Unlock()
	case <-timer.C:
		return errors.New("timeout enqueuing job")
	case <-eq.ctx.Done():
		return ErrQueueClosed
	}

	select {
	case err := <-qj.resultCh:
		return err
	case <-timer.C:
		return errors.New("timeout waiting for job")
	case <-eq.ctx.Done():
		// 关闭时任务可能已经执行：等处理协程退出后再看结果，
		// 只有确实没执行过才返回 ErrQueueClosed，调用方可以安全重试
		eq.wg.Wait()
		select {
		case err := <-qj.resultCh:
			return err
		default:
			return ErrQueueClosed
		}
	}
}

// processLoop 串行处理（单协程）
func (eq *EventQueue) processLoop() {
	defer eq.wg.Done()
	for {
		select {
		case <-eq.ctx.Done():
			return
		case qj := <-eq.jobChan:
			// 关闭后取到的任务不再执行，同步调用方收到 ErrQueueClosed 后换队列重试
			if eq.ctx.Err() != nil {
				return
			}
			eq.process(qj)
		}
	}
}

func (eq *EventQueue) process(qj *queuedJob) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(eq.ctx, eq.timeout)
	defer cancel()
	err := qj.run(ctx)

	elapsed := time.Since(start)
	if err != nil {
		eq.logger.Printf("[EventQueue] %s job %s failed after %v (queued %v): %v",
			eq.key, qj.name, elapsed, start.Sub(qj.timestamp), err)
	}
	if elapsed > slowJobThreshold {
		eq.logger.Printf("[EventQueue] slow job %s for %s: %v", qj.name, eq.key, elapsed)
	}

	eq.mu.Lock()
	eq.processedJobs++
	eq.lastActive = time.Now()
	eq.mu.Unlock()

	if qj.resultCh != nil {
		qj.resultCh <- err
	}
}

// Close 停止处理协程。尚未处理的任务被丢弃。
func (eq *EventQueue) Close() error {
	eq.cancel()
	eq.wg.Wait()

	eq.mu.Lock()
	defer eq.mu.Unlock()
	if pending := len(eq.jobChan); pending > 0 || eq.droppedJobs > 0 {
		eq.logger.Printf("[EventQueue] closed %s: total=%d processed=%d dropped=%d pending=%d",
			eq.key, eq.totalJobs, eq.processedJobs, eq.droppedJobs, pending)
	}
	return nil
}

// Stats 队列统计
type Stats struct {
	Key       string    `json:"key"`
	Total     int64     `json:"total"`
	Processed int64     `json:"processed"`
	Dropped   int64     `json:"dropped"`
	Pending   int       `json:"pending"`
	Capacity  int       `json:"capacity"`
	LastUsed  time.Time `json:"last_active"`
}

// GetStats 获取队列统计信息
func (eq *EventQueue) GetStats() Stats {
	eq.mu.Lock()
	defer eq.mu.Unlock()
	return Stats{
		Key:       eq.key,
		Total:     eq.totalJobs,
		Processed: eq.processedJobs,
		Dropped:   eq.droppedJobs,
		Pending:   len(eq.jobChan),
		Capacity:  cap(eq.jobChan),
		LastUsed:  eq.lastActive,
	}
}

func (eq *EventQueue) idleSince() time.Time {
	eq.mu.Lock()
	defer eq.mu.Unlock()
	return eq.lastActive
}
