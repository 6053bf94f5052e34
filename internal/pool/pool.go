package pool

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/agent"
	xerrors "github.com/HoodyNetwork/hoody-agent-server-sub001/internal/errors"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/event"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/pkg/logger"
)

// CodePoolExhausted 表示执行池已满。
const CodePoolExhausted xerrors.Code = "POOL_EXHAUSTED"

func init() {
	xerrors.Register(CodePoolExhausted, xerrors.Attributes{
		Kind:      xerrors.KindRateLimited,
		Message:   "execution pool exhausted",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

// ErrPoolExhausted 用于 errors.Is 判断。
var ErrPoolExhausted = xerrors.New(CodePoolExhausted, "")

// 释放原因。
const (
	ReasonReleased = "released"
	ReasonFinished = "finished"
	ReasonIdle     = "idle"
	ReasonShutdown = "shutdown"
)

// Metrics 接收执行池的运行指标。
type Metrics interface {
	SetPoolSize(size int)
	IncPoolExhausted()
	IncPoolReleased(reason string)
}

// SlotInfo 是槽位的只读快照。
type SlotInfo struct {
	TaskID       string         `json:"taskId"`
	CreatedAt    int64          `json:"createdAt"`
	LastAccessAt int64          `json:"lastAccessAt"`
	Task         agent.Snapshot `json:"task"`
}

type slot struct {
	taskID       string
	handle       agent.Handle
	createdAt    time.Time
	lastAccessAt time.Time
	unsubscribe  func()
}

// Pool 将任务 ID 映射到隔离的执行上下文，并限制同时存在的上下文数量。
type Pool struct {
	factory        agent.Factory
	max            int
	idleTimeout    time.Duration
	sweepInterval  time.Duration
	releaseTimeout time.Duration
	now            func() time.Time
	metrics        Metrics

	mu     sync.Mutex
	slots  map[string]*slot
	closed bool

	sink atomic.Pointer[event.Sink]

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option 定义可选配置。
type Option func(*Pool)

// WithMax 设置槽位上限。
func WithMax(max int) Option {
	return func(p *Pool) {
		if max > 0 {
			p.max = max
		}
	}
}

// WithIdleTimeout 设置空闲回收阈值，0 表示关闭空闲回收。
func WithIdleTimeout(timeout time.Duration) Option {
	return func(p *Pool) {
		if timeout > 0 {
			p.idleTimeout = timeout
		}
	}
}

// WithSweepInterval 设置空闲扫描周期。
func WithSweepInterval(interval time.Duration) Option {
	return func(p *Pool) {
		if interval > 0 {
			p.sweepInterval = interval
		}
	}
}

// WithReleaseTimeout 设置单个上下文关闭时允许的最长时间。
func WithReleaseTimeout(timeout time.Duration) Option {
	return func(p *Pool) {
		if timeout > 0 {
			p.releaseTimeout = timeout
		}
	}
}

// WithClock 替换时间来源，用于测试。
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

// WithMetrics 设置指标接收者。
func WithMetrics(m Metrics) Option {
	return func(p *Pool) {
		p.metrics = m
	}
}

// New 创建执行池；启用空闲回收时立即启动后台扫描，由 Close 停止。
func New(factory agent.Factory, opts ...Option) *Pool {
	p := &Pool{
		factory:        factory,
		max:            10,
		sweepInterval:  time.Minute,
		releaseTimeout: 10 * time.Second,
		now:            time.Now,
		slots:          make(map[string]*slot),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	if p.idleTimeout > 0 {
		p.wg.Add(1)
		go p.sweepLoop(ctx)
	}
	return p
}

// SetSink 设置所有执行上下文共用的事件出口，传入 nil 后事件被丢弃。
func (p *Pool) SetSink(sink event.Sink) {
	if sink == nil {
		p.sink.Store(nil)
		return
	}
	p.sink.Store(&sink)
}

func (p *Pool) emit(env event.Envelope) {
	if sink := p.sink.Load(); sink != nil {
		(*sink)(env)
	}
}

// Acquire 返回任务对应的执行上下文；不存在时在容量允许的情况下创建。
// 检查与插入在同一次加锁内完成，同一任务并发调用只会构造一个上下文。
func (p *Pool) Acquire(taskID string) (agent.Handle, bool, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, false, xerrors.New(xerrors.CodeInvalidArgument, "taskId 不能为空")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, false, xerrors.New(xerrors.CodeUnavailable, "执行池已关闭")
	}
	now := p.now()
	if s, ok := p.slots[taskID]; ok {
		s.lastAccessAt = now
		return s.handle, false, nil
	}
	if len(p.slots) >= p.max {
		if p.metrics != nil {
			p.metrics.IncPoolExhausted()
		}
		return nil, false, xerrors.Errorf(CodePoolExhausted, "execution pool exhausted (max %d)", p.max)
	}

	handle, err := p.factory(taskID, p.emit)
	if err != nil {
		return nil, false, err
	}
	s := &slot{taskID: taskID, handle: handle, createdAt: now, lastAccessAt: now}
	s.unsubscribe = handle.OnFinish(func(agent.State) {
		p.releaseIfCurrent(taskID, handle)
	})
	p.slots[taskID] = s
	p.reportSize()
	logger.Audit().Info("task_acquired", "task_id", taskID, "pool_size", len(p.slots))
	return handle, true, nil
}

// Get 查询已存在的执行上下文并刷新访问时间。
func (p *Pool) Get(taskID string) (agent.Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slots[taskID]
	if !ok {
		return nil, false
	}
	s.lastAccessAt = p.now()
	return s.handle, true
}

// Info 返回单个槽位的快照。
func (p *Pool) Info(taskID string) (SlotInfo, bool) {
	p.mu.Lock()
	s, ok := p.slots[taskID]
	if !ok {
		p.mu.Unlock()
		return SlotInfo{}, false
	}
	info := SlotInfo{TaskID: s.taskID, CreatedAt: s.createdAt.UnixMilli(), LastAccessAt: s.lastAccessAt.UnixMilli()}
	handle := s.handle
	p.mu.Unlock()
	info.Task = handle.Snapshot()
	return info, true
}

// List 返回所有槽位的快照，按创建时间排序。
func (p *Pool) List() []SlotInfo {
	p.mu.Lock()
	infos := make([]SlotInfo, 0, len(p.slots))
	handles := make([]agent.Handle, 0, len(p.slots))
	for _, s := range p.slots {
		infos = append(infos, SlotInfo{TaskID: s.taskID, CreatedAt: s.createdAt.UnixMilli(), LastAccessAt: s.lastAccessAt.UnixMilli()})
		handles = append(handles, s.handle)
	}
	p.mu.Unlock()

	for i := range infos {
		infos[i].Task = handles[i].Snapshot()
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt == infos[j].CreatedAt {
			return infos[i].TaskID < infos[j].TaskID
		}
		return infos[i].CreatedAt < infos[j].CreatedAt
	})
	return infos
}

// Size 返回当前槽位数。
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// Max 返回槽位上限。
func (p *Pool) Max() int { return p.max }

// Release 移除槽位并关闭执行上下文，任务不存在时不做任何事。
func (p *Pool) Release(ctx context.Context, taskID string) error {
	p.mu.Lock()
	s, ok := p.slots[taskID]
	if ok {
		delete(p.slots, taskID)
		p.reportSize()
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return p.teardown(ctx, s, ReasonReleased)
}

// releaseIfCurrent 只在槽位仍持有同一个上下文时释放，避免过期信号释放新建的槽位。
// 结束信号到达前已有新的执行开始时保留槽位，由那次执行结束后再释放。
func (p *Pool) releaseIfCurrent(taskID string, handle agent.Handle) {
	p.mu.Lock()
	s, ok := p.slots[taskID]
	if !ok || s.handle != handle || !handle.Retire() {
		p.mu.Unlock()
		return
	}
	delete(p.slots, taskID)
	p.reportSize()
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.releaseTimeout)
	defer cancel()
	_ = p.teardown(ctx, s, ReasonFinished)
}

// Sweep 释放空闲超过阈值且未在执行中的槽位，返回释放数量。
func (p *Pool) Sweep() int {
	if p.idleTimeout <= 0 {
		return 0
	}
	now := p.now()
	var stale []*slot
	p.mu.Lock()
	for id, s := range p.slots {
		if now.Sub(s.lastAccessAt) <= p.idleTimeout {
			continue
		}
		if !s.handle.Retire() {
			continue
		}
		delete(p.slots, id)
		stale = append(stale, s)
	}
	if len(stale) > 0 {
		p.reportSize()
	}
	p.mu.Unlock()

	for _, s := range stale {
		ctx, cancel := context.WithTimeout(context.Background(), p.releaseTimeout)
		_ = p.teardown(ctx, s, ReasonIdle)
		cancel()
	}
	return len(stale)
}

func (p *Pool) sweepLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := p.Sweep(); n > 0 {
				logger.L().Info("回收空闲执行上下文", "count", n)
			}
		}
	}
}

// ReleaseAll 并发关闭全部执行上下文。
func (p *Pool) ReleaseAll(ctx context.Context) error {
	p.mu.Lock()
	slots := make([]*slot, 0, len(p.slots))
	for id, s := range p.slots {
		slots = append(slots, s)
		delete(p.slots, id)
	}
	p.reportSize()
	p.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(8)
	for _, s := range slots {
		g.Go(func() error {
			return p.teardown(ctx, s, ReasonShutdown)
		})
	}
	return g.Wait()
}

// Close 停止后台扫描、拒绝新的 Acquire 并释放全部槽位。
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	return p.ReleaseAll(ctx)
}

func (p *Pool) teardown(ctx context.Context, s *slot, reason string) error {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	err := s.handle.Close(ctx)
	if err != nil {
		logger.L().Error("关闭执行上下文失败", "task_id", s.taskID, "reason", reason, "error", err)
	}
	if p.metrics != nil {
		p.metrics.IncPoolReleased(reason)
	}
	logger.Audit().Info("task_released", "task_id", s.taskID, "reason", reason)
	if env, envErr := event.New(event.TypeTaskReleased, map[string]string{"taskId": s.taskID, "reason": reason}); envErr == nil {
		p.emit(env)
	}
	return err
}

// reportSize 需在持有 p.mu 时调用。
func (p *Pool) reportSize() {
	if p.metrics != nil {
		p.metrics.SetPoolSize(len(p.slots))
	}
}
