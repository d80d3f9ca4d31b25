// ============================================================================
// Sortline Lookup Pool - 並發查詢執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理查詢 Worker goroutine 的生命週期，讓掃描路徑不必等待遠端查詢
//
// 架構組件:
//   ┌─────────────┐
//   │ Controller  │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//    Results()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker N│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool() - 創建 Pool，初始化 channels
//   2. Start(n) - 啟動 n 個 Worker goroutines
//   3. Submit(task) - 非阻塞提交；緩衝已滿時返回 ErrPoolFull
//   4. Results() / ReceiveResult() - 讀取結果
//   5. Stop() - 取消進行中的查詢，等待所有 Worker 退出
//
// 並發控制:
//   taskCh 永不關閉。Worker 與 Submit 皆以 stopCh 判斷是否結束，
//   因此 Submit 與 Stop 之間不存在向已關閉 channel 發送的競爭。
//
// ============================================================================

package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = eris.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = eris.New("worker pool not started")
	// ErrPoolFull 表示任務緩衝已滿
	ErrPoolFull = eris.New("worker pool queue is full")
	// ErrPoolStarted 表示 Pool 已啟動
	ErrPoolStarted = eris.New("worker pool already started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表查詢 Worker 池
type Pool struct {
	resolver Resolver
	timeout  time.Duration

	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result
	stopCh   chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
	stopped  bool
	mu       sync.Mutex
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的查詢 Pool
// 參數：
//   - resolver: 路由查詢實作
//   - bufferSize: 任務和結果通道的緩衝大小
//   - timeout: 單一查詢的預設逾時
func NewPool(resolver Resolver, bufferSize int, timeout time.Duration) *Pool {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		resolver: resolver,
		timeout:  timeout,
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}
	if workerCount <= 0 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.resolver, p.timeout, p.taskCh, p.resultCh, p.stopCh)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(p.ctx)
		}(w)
	}

	p.started = true
	return nil
}

// Submit 非阻塞地提交查詢
//
// 返回值：
//   - error: ErrPoolNotStarted / ErrPoolClosed / ErrPoolFull
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	select {
	case p.taskCh <- task:
		return nil
	default:
		return ErrPoolFull
	}
}

// SubmitWait 阻塞提交，直到有空位、ctx 取消或 Pool 關閉
func (p *Pool) SubmitWait(ctx context.Context, task Task) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Results 返回結果通道；Stop() 後關閉
func (p *Pool) Results() <-chan Result {
	return p.resultCh
}

// ReceiveResult 從結果通道接收執行結果
func (p *Pool) ReceiveResult() (Result, error) {
	select {
	case result, ok := <-p.resultCh:
		if !ok {
			return Result{}, ErrPoolClosed
		}
		return result, nil
	case <-p.stopCh:
		return Result{}, ErrPoolClosed
	}
}

// Stop 關閉 Pool
// 關閉流程：
//  1. 設定 stopped 標誌
//  2. 取消 Worker context，中斷進行中的查詢
//  3. 關閉 stopCh，Worker 退出主循環
//  4. 等待所有 Worker 退出後關閉 resultCh
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	wasStarted := p.started
	p.stopped = true
	p.mu.Unlock()

	p.cancel()
	close(p.stopCh)

	if wasStarted {
		p.wg.Wait()
	}
	close(p.resultCh)
}

// ============================================================================
// 查詢方法
// ============================================================================

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Pending 返回等待中的任務數
func (p *Pool) Pending() int {
	return len(p.taskCh)
}
