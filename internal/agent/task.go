package agent

import (
	"context"
	stdErrors "errors"
	"strings"
	"sync"
	"time"

	xerrors "github.com/HoodyNetwork/hoody-agent-server-sub001/internal/errors"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/event"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/llm"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/storage"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/pkg/logger"
)

// State 表示执行上下文当前所处的阶段。
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateAborted   State = "aborted"
)

// Terminal 判断状态是否为一次执行的终态。
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateAborted
}

const (
	CodeTaskBusy       xerrors.Code = "TASK_BUSY"
	CodeTaskNotRunning xerrors.Code = "TASK_NOT_RUNNING"
	CodeTaskClosed     xerrors.Code = "TASK_CLOSED"
)

func init() {
	xerrors.Register(CodeTaskBusy, xerrors.Attributes{
		Kind:     xerrors.KindConflict,
		Message:  "task is still running",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskNotRunning, xerrors.Attributes{
		Kind:     xerrors.KindConflict,
		Message:  "task is not running",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskClosed, xerrors.Attributes{
		Kind:      xerrors.KindConflict,
		Message:   "task has been released",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
	})
}

var (
	// ErrTaskBusy 表示任务仍在执行中，无法接受新的输入。
	ErrTaskBusy = xerrors.New(CodeTaskBusy, "")
	// ErrTaskNotRunning 表示任务当前没有可中止的执行。
	ErrTaskNotRunning = xerrors.New(CodeTaskNotRunning, "")
	// ErrTaskClosed 表示执行上下文已被释放。
	ErrTaskClosed = xerrors.New(CodeTaskClosed, "")
)

// Submission 描述提交给执行上下文的一次输入。
type Submission struct {
	Goal     string            `json:"goal"`
	Message  string            `json:"message,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Snapshot 是执行上下文状态的只读拷贝。
type Snapshot struct {
	ID         string `json:"id"`
	State      State  `json:"state"`
	Goal       string `json:"goal"`
	Message    string `json:"message,omitempty"`
	Thought    string `json:"thought,omitempty"`
	Reply      string `json:"reply,omitempty"`
	Error      string `json:"error,omitempty"`
	Step       int    `json:"step"`
	TotalSteps int    `json:"totalSteps"`
	Runs       int    `json:"runs"`
	CreatedAt  int64  `json:"createdAt"`
	UpdatedAt  int64  `json:"updatedAt"`
}

// Handle 是执行池持有的执行上下文。
type Handle interface {
	ID() string
	Submit(ctx context.Context, sub Submission) error
	Abort() error
	Snapshot() Snapshot
	// OnFinish 注册一次执行结束（完成、失败或中止）时的回调。
	OnFinish(fn func(State)) (remove func())
	// Retire 在没有执行进行时拒绝之后的输入并返回 true，执行中返回 false。
	Retire() bool
	// Close 中止执行并持久化尚未写入的历史。
	Close(ctx context.Context) error
}

// Factory 为指定任务构造执行上下文，sink 是其事件出口。
type Factory func(taskID string, sink event.Sink) (Handle, error)

// Config 汇总执行上下文的协作者。
type Config struct {
	LLM          llm.Client
	Repository   storage.Repository
	Timeout      time.Duration
	HistoryDepth int
}

// NewFactory 返回基于 Task 的 Factory。
func NewFactory(cfg Config) Factory {
	return func(taskID string, sink event.Sink) (Handle, error) {
		if cfg.LLM == nil {
			return nil, xerrors.New(xerrors.CodeUnavailable, "未配置大模型客户端")
		}
		return NewTask(taskID, sink, cfg), nil
	}
}

// Task 是单个任务的隔离执行上下文，同一时间最多只有一次执行。
type Task struct {
	id   string
	cfg  Config
	emit event.Sink
	now  func() time.Time

	mu        sync.Mutex
	snap      Snapshot
	cancel    context.CancelFunc
	done      chan struct{}
	aborting  bool
	closed    bool
	finalized bool
	pending   []storage.Record
	listeners map[uint64]func(State)
	nextID    uint64
}

// NewTask 构造执行上下文。
func NewTask(id string, sink event.Sink, cfg Config) *Task {
	if sink == nil {
		sink = func(event.Envelope) {}
	}
	if cfg.HistoryDepth <= 0 {
		cfg.HistoryDepth = 5
	}
	t := &Task{
		id:        id,
		cfg:       cfg,
		emit:      sink,
		now:       time.Now,
		listeners: make(map[uint64]func(State)),
	}
	ts := t.now().UnixMilli()
	t.snap = Snapshot{ID: id, State: StateIdle, CreatedAt: ts, UpdatedAt: ts}
	return t
}

// ID 返回任务 ID。
func (t *Task) ID() string { return t.id }

// Snapshot 返回当前状态。
func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap
}

// OnFinish 实现 Handle。
func (t *Task) OnFinish(fn func(State)) func() {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.listeners[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

// Submit 开始一次新的执行。执行在后台进行，不受请求上下文取消的影响。
func (t *Task) Submit(ctx context.Context, sub Submission) error {
	sub.Goal = strings.TrimSpace(sub.Goal)
	sub.Message = strings.TrimSpace(sub.Message)
	if sub.Goal == "" && t.Snapshot().Goal == "" {
		// 上下文被回收后的追问沿用历史中的目标。
		sub.Goal = t.lastGoal(ctx)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTaskClosed
	}
	if t.snap.State == StateRunning {
		t.mu.Unlock()
		return ErrTaskBusy
	}
	if sub.Goal == "" {
		sub.Goal = t.snap.Goal
	}
	if sub.Goal == "" {
		t.mu.Unlock()
		return xerrors.New(xerrors.CodeInvalidArgument, "任务目标不能为空")
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if t.cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(context.Background(), t.cfg.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(context.Background())
	}
	done := make(chan struct{})
	t.cancel = cancel
	t.done = done
	t.aborting = false
	t.snap.State = StateRunning
	t.snap.Goal = sub.Goal
	t.snap.Message = sub.Message
	t.snap.Thought, t.snap.Reply, t.snap.Error = "", "", ""
	t.snap.Step, t.snap.TotalSteps = 0, 0
	t.snap.Runs++
	t.snap.UpdatedAt = t.now().UnixMilli()
	run := t.snap.Runs
	t.mu.Unlock()

	go t.run(runCtx, cancel, done, sub, run)
	return nil
}

func (t *Task) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}, sub Submission, run int) {
	defer cancel()
	startedAt := t.now().UnixMilli()
	t.publish(event.TypeTaskStarted, map[string]any{
		"taskId":  t.id,
		"goal":    sub.Goal,
		"message": sub.Message,
		"run":     run,
	})

	req := llm.Request{TaskID: t.id, Goal: sub.Goal, Message: sub.Message, History: t.loadHistory(ctx)}
	resp, err := llm.Run(ctx, t.cfg.LLM, req, func(p llm.Progress) {
		t.mu.Lock()
		t.snap.Step = p.Step
		t.snap.TotalSteps = p.Total
		t.snap.UpdatedAt = t.now().UnixMilli()
		t.mu.Unlock()
		t.publish(event.TypeTaskProgress, map[string]any{
			"taskId":  t.id,
			"step":    p.Step,
			"total":   p.Total,
			"message": p.Message,
		})
	})

	t.mu.Lock()
	state := StateCompleted
	switch {
	case err == nil:
		t.snap.Thought = resp.Thought
		t.snap.Reply = resp.Reply
	case t.aborting && stdErrors.Is(err, context.Canceled):
		state = StateAborted
	case stdErrors.Is(err, context.DeadlineExceeded):
		state = StateFailed
		t.snap.Error = xerrors.Wrap(xerrors.CodeTimeout, err, "任务执行超时").Message()
	default:
		state = StateFailed
		t.snap.Error = xerrors.ToEnvelope(err).Message
		logger.L().Error("任务执行失败", "task_id", t.id, "error", err)
	}
	t.snap.State = state
	t.snap.UpdatedAt = t.now().UnixMilli()
	snap := t.snap
	t.pending = append(t.pending, storage.Record{
		TaskID:     t.id,
		Goal:       snap.Goal,
		Message:    snap.Message,
		Thought:    snap.Thought,
		Reply:      snap.Reply,
		State:      string(state),
		Error:      snap.Error,
		Steps:      snap.Step,
		CreatedAt:  startedAt,
		FinishedAt: snap.UpdatedAt,
	})
	listeners := make([]func(State), 0, len(t.listeners))
	for _, fn := range t.listeners {
		listeners = append(listeners, fn)
	}
	t.mu.Unlock()

	switch state {
	case StateCompleted:
		t.publish(event.TypeTaskCompleted, map[string]any{
			"taskId":  t.id,
			"reply":   snap.Reply,
			"thought": snap.Thought,
			"steps":   snap.Step,
		})
	case StateAborted:
		t.publish(event.TypeTaskAborted, map[string]any{"taskId": t.id, "step": snap.Step})
	default:
		t.publish(event.TypeTaskFailed, map[string]any{"taskId": t.id, "error": snap.Error})
	}

	close(done)
	for _, fn := range listeners {
		fn(state)
	}
}

// Abort 取消正在进行的执行。
func (t *Task) Abort() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.snap.State != StateRunning || t.cancel == nil {
		return ErrTaskNotRunning
	}
	t.aborting = true
	t.cancel()
	return nil
}

// Retire 实现 Handle。
func (t *Task) Retire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.snap.State == StateRunning {
		return false
	}
	t.closed = true
	return true
}

// Close 中止执行、等待后台协程退出并写入历史，可重复调用。
func (t *Task) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.finalized {
		t.mu.Unlock()
		return nil
	}
	t.finalized = true
	t.closed = true
	if t.snap.State == StateRunning && t.cancel != nil {
		t.aborting = true
		t.cancel()
	}
	done := t.done
	t.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待任务退出超时")
		}
	}
	return t.flush(ctx)
}

func (t *Task) flush(ctx context.Context) error {
	t.mu.Lock()
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	if t.cfg.Repository == nil {
		return nil
	}
	var errs []error
	for i := range pending {
		if err := t.cfg.Repository.Save(ctx, &pending[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return stdErrors.Join(errs...)
}

func (t *Task) lastGoal(ctx context.Context) string {
	if t.cfg.Repository == nil {
		return ""
	}
	records, err := t.cfg.Repository.ListByTask(ctx, t.id, 1)
	if err != nil || len(records) == 0 {
		return ""
	}
	return records[0].Goal
}

func (t *Task) loadHistory(ctx context.Context) []llm.HistoryEntry {
	if t.cfg.Repository == nil {
		return nil
	}
	records, err := t.cfg.Repository.ListByTask(ctx, t.id, t.cfg.HistoryDepth)
	if err != nil {
		logger.L().Warn("读取任务历史失败", "task_id", t.id, "error", err)
		return nil
	}
	entries := make([]llm.HistoryEntry, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		entries = append(entries, llm.HistoryEntry{
			Goal:      records[i].Goal,
			Reply:     records[i].Reply,
			CreatedAt: records[i].FinishedAt,
		})
	}
	return entries
}

func (t *Task) publish(typ string, payload any) {
	env, err := event.New(typ, payload)
	if err != nil {
		logger.L().Error("构造事件失败", "task_id", t.id, "type", typ, "error", err)
		return
	}
	t.emit(env)
}
