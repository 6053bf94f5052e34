package agent

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	xerrors "github.com/HoodyNetwork/hoody-agent-server-sub001/internal/errors"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/event"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/storage"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/pkg/logger"
)

// 持久连接可发送给共享运行时的消息类型。
const (
	MessageStatus    = "status"
	MessageHistory   = "history"
	MessageTaskState = "task.state"
	MessageTaskAbort = "task.abort"
	MessageNotice    = "notice"
)

// TaskDirectory 是运行时查询执行池所需的能力。
type TaskDirectory interface {
	Get(taskID string) (Handle, bool)
	Size() int
	Max() int
}

// ConnectionCounter 返回当前持久连接数量。
type ConnectionCounter interface {
	Count() int
}

// Status 是服务运行状态的快照。
type Status struct {
	Version       string `json:"version"`
	StartedAt     int64  `json:"startedAt"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
	PoolSize      int    `json:"poolSize"`
	PoolMax       int    `json:"poolMax"`
	Connections   int    `json:"connections"`
	Observers     int    `json:"observers"`
}

// Runtime 是进程内唯一的共享执行上下文，负责管理类操作，并通过观察者向外发布事件。
type Runtime struct {
	observers event.Observers
	repo      storage.Repository
	version   string
	startedAt time.Time
	now       func() time.Time

	mu    sync.RWMutex
	tasks TaskDirectory
	conns ConnectionCounter
}

// RuntimeOption 定义 Runtime 的可选配置。
type RuntimeOption func(*Runtime)

// WithVersion 设置对外展示的版本号。
func WithVersion(version string) RuntimeOption {
	return func(r *Runtime) {
		r.version = version
	}
}

// NewRuntime 创建共享运行时，默认观察者将事件写入调试日志。
func NewRuntime(repo storage.Repository, opts ...RuntimeOption) *Runtime {
	r := &Runtime{repo: repo, version: "dev", now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.startedAt = r.now()
	log := logger.Named("runtime")
	r.observers.Add(func(env event.Envelope) {
		log.Debug("运行时事件", "type", env.Type, "payload", string(env.Payload))
	})
	return r
}

// Bind 关联执行池与连接管理器，用于状态查询与任务操作。
func (r *Runtime) Bind(tasks TaskDirectory, conns ConnectionCounter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = tasks
	r.conns = conns
}

// AddObserver 注册事件观察者，返回注销函数。
func (r *Runtime) AddObserver(sink event.Sink) func() {
	return r.observers.Add(sink)
}

// Emit 向所有观察者发布事件。
func (r *Runtime) Emit(typ string, payload any) error {
	env, err := event.New(typ, payload)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "事件负载无法序列化")
	}
	r.observers.Emit(env)
	return nil
}

// Version 返回服务版本。
func (r *Runtime) Version() string { return r.version }

// Status 返回运行状态。
func (r *Runtime) Status() Status {
	r.mu.RLock()
	tasks, conns := r.tasks, r.conns
	r.mu.RUnlock()

	st := Status{
		Version:       r.version,
		StartedAt:     r.startedAt.UnixMilli(),
		UptimeSeconds: int64(r.now().Sub(r.startedAt).Seconds()),
		Observers:     r.observers.Len(),
	}
	if tasks != nil {
		st.PoolSize = tasks.Size()
		st.PoolMax = tasks.Max()
	}
	if conns != nil {
		st.Connections = conns.Count()
	}
	return st
}

// ListHistory 返回最近的任务历史。
func (r *Runtime) ListHistory(ctx context.Context, limit int) ([]storage.Record, error) {
	if r.repo == nil {
		return []storage.Record{}, nil
	}
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	records, err := r.repo.ListLatest(ctx, limit)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []storage.Record{}
	}
	return records, nil
}

// TaskHistory 返回指定任务的历史记录，最新的在前。
func (r *Runtime) TaskHistory(ctx context.Context, taskID string, limit int) ([]storage.Record, error) {
	if r.repo == nil {
		return []storage.Record{}, nil
	}
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	records, err := r.repo.ListByTask(ctx, taskID, limit)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []storage.Record{}
	}
	return records, nil
}

// Task 查询执行池中的任务。
func (r *Runtime) Task(taskID string) (Handle, error) {
	r.mu.RLock()
	tasks := r.tasks
	r.mu.RUnlock()
	if tasks == nil {
		return nil, xerrors.New(xerrors.CodeUnavailable, "执行池未就绪")
	}
	handle, ok := tasks.Get(taskID)
	if !ok {
		return nil, xerrors.Errorf(xerrors.CodeNotFound, "task %s not found", taskID)
	}
	return handle, nil
}

// HandleMessage 处理持久连接转发来的消息，返回需要单独回复给该连接的事件。
func (r *Runtime) HandleMessage(ctx context.Context, connID string, msg event.Inbound) (*event.Envelope, error) {
	switch msg.Type {
	case MessageStatus:
		return reply(MessageStatus, r.Status())
	case MessageHistory:
		var params struct {
			Limit int `json:"limit"`
		}
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &params); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeInvalidJSON, err, "history 参数格式错误")
			}
		}
		records, err := r.ListHistory(ctx, params.Limit)
		if err != nil {
			return nil, err
		}
		return reply(MessageHistory, records)
	case MessageTaskState:
		handle, err := r.lookup(msg.TaskID)
		if err != nil {
			return nil, err
		}
		return reply(MessageTaskState, handle.Snapshot())
	case MessageTaskAbort:
		handle, err := r.lookup(msg.TaskID)
		if err != nil {
			return nil, err
		}
		if err := handle.Abort(); err != nil {
			return nil, err
		}
		return reply(MessageTaskAbort, map[string]string{"taskId": msg.TaskID})
	case MessageNotice:
		var params struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(msg.Payload, &params); err != nil || strings.TrimSpace(params.Text) == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "notice 需要非空的 text")
		}
		if err := r.Emit(event.TypeRuntimeNotice, map[string]string{"from": connID, "text": params.Text}); err != nil {
			return nil, err
		}
		return nil, nil
	case "":
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "消息缺少 type 字段")
	default:
		return nil, xerrors.Errorf(xerrors.CodeInvalidArgument, "unsupported message type %q", msg.Type)
	}
}

func (r *Runtime) lookup(taskID string) (Handle, error) {
	if strings.TrimSpace(taskID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少 taskId")
	}
	return r.Task(taskID)
}

func reply(typ string, payload any) (*event.Envelope, error) {
	env, err := event.New(typ, payload)
	if err != nil {
		return nil, err
	}
	return &env, nil
}
