package utils

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var ErrPoolStopped = errors.New("worker pool stopped")

// WorkerPool 有界协程池，广播投递共享这一个池
type WorkerPool struct {
	JobQueue  chan func()
	WorkerNum int
	log       *zap.Logger

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
	quit    chan struct{}
}

// NewWorkerPool 创建一个新的协程池
func NewWorkerPool(workerNum, queueSize int, log *zap.Logger) *WorkerPool {
	if workerNum <= 0 {
		workerNum = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &WorkerPool{
		JobQueue:  make(chan func(), queueSize),
		WorkerNum: workerNum,
		log:       log.Named("worker_pool"),
		quit:      make(chan struct{}),
	}
}

// Start 启动协程池
func (p *WorkerPool) Start() {
	for i := 0; i < p.WorkerNum; i++ {
		p.wg.Add(1)
		go p.work(i)
	}
	p.log.Info("worker pool started", zap.Int("workers", p.WorkerNum), zap.Int("queue", cap(p.JobQueue)))
}

func (p *WorkerPool) work(workerID int) {
	defer p.wg.Done()
	for {
		select {
		case job := <-p.JobQueue:
			p.run(workerID, job)
		case <-p.quit:
			// 退出前执行完已入队的任务，提交方可能在等待它们
			for {
				select {
				case job := <-p.JobQueue:
					p.run(workerID, job)
				default:
					return
				}
			}
		}
	}
}

func (p *WorkerPool) run(workerID int, job func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("job panicked", zap.Int("worker", workerID), zap.Any("panic", r))
		}
	}()
	job()
}

// Submit 提交任务到协程池
// 队列已满时阻塞排队，直到有空位、ctx 结束或协程池停止
func (p *WorkerPool) Submit(ctx context.Context, job func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case p.JobQueue <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued jobs not yet picked up.
func (p *WorkerPool) Pending() int {
	return len(p.JobQueue)
}

// Stop 停止协程池，已入队的任务仍会执行
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.quit)
	p.mu.Unlock()
	p.wg.Wait()
	p.log.Info("worker pool stopped")
}
