package event

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// 事件类型。
const (
	TypeWelcome       = "welcome"
	TypePing          = "ping"
	TypePong          = "pong"
	TypeError         = "error"
	TypeTaskStarted   = "task.started"
	TypeTaskProgress  = "task.progress"
	TypeTaskCompleted = "task.completed"
	TypeTaskFailed    = "task.failed"
	TypeTaskAborted   = "task.aborted"
	TypeTaskReleased  = "task.released"
	TypeRuntimeNotice = "runtime.notice"
)

// Envelope 是广播给所有持久连接的不可变事件，Payload 已预先序列化。
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// New 序列化负载并构造事件，时间戳为毫秒。
func New(typ string, payload any) (Envelope, error) {
	env := Envelope{Type: typ, Timestamp: time.Now().UnixMilli()}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("序列化事件 %s 失败: %w", typ, err)
	}
	env.Payload = raw
	return env, nil
}

// Encode 返回事件的 JSON 编码。
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Sink 接收执行上下文产生的事件。
type Sink func(Envelope)

// Observers 维护一组按注册顺序调用的观察者。
type Observers struct {
	mu      sync.RWMutex
	nextID  uint64
	entries []observer
}

type observer struct {
	id   uint64
	sink Sink
}

// Add 注册观察者并返回对应的注销函数，注销函数可重复调用。
func (o *Observers) Add(sink Sink) (remove func()) {
	if sink == nil {
		return func() {}
	}
	o.mu.Lock()
	o.nextID++
	id := o.nextID
	o.entries = append(o.entries, observer{id: id, sink: sink})
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			for i, entry := range o.entries {
				if entry.id == id {
					o.entries = append(o.entries[:i:i], o.entries[i+1:]...)
					return
				}
			}
		})
	}
}

// Emit 将事件依次交给所有观察者。
func (o *Observers) Emit(env Envelope) {
	o.mu.RLock()
	snapshot := make([]observer, len(o.entries))
	copy(snapshot, o.entries)
	o.mu.RUnlock()
	for _, entry := range snapshot {
		entry.sink(env)
	}
}

// Len 返回当前观察者数量。
func (o *Observers) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.entries)
}

// Inbound 是客户端通过持久连接发送的消息。
type Inbound struct {
	Type    string          `json:"type"`
	TaskID  string          `json:"taskId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
