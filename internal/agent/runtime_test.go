package agent

import (
	"context"
	"encoding/json"
	"testing"

	xerrors "github.com/HoodyNetwork/hoody-agent-server-sub001/internal/errors"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/event"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/llm"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/storage"
)

type fakeDirectory struct {
	tasks map[string]Handle
}

func (f *fakeDirectory) Get(id string) (Handle, bool) {
	h, ok := f.tasks[id]
	return h, ok
}
func (f *fakeDirectory) Size() int { return len(f.tasks) }
func (f *fakeDirectory) Max() int  { return 4 }

type fakeCounter int

func (c fakeCounter) Count() int { return int(c) }

func TestRuntimeObserversAndNotice(t *testing.T) {
	rt := NewRuntime(nil, WithVersion("1.2.3"))
	var got []event.Envelope
	remove := rt.AddObserver(func(env event.Envelope) { got = append(got, env) })

	resp, err := rt.HandleMessage(context.Background(), "conn-1", event.Inbound{
		Type:    MessageNotice,
		Payload: json.RawMessage(`{"text":"hello"}`),
	})
	if err != nil || resp != nil {
		t.Fatalf("notice: resp=%v err=%v", resp, err)
	}
	if len(got) != 1 || got[0].Type != event.TypeRuntimeNotice {
		t.Fatalf("unexpected observed events: %+v", got)
	}

	remove()
	_ = rt.Emit(event.TypeRuntimeNotice, map[string]string{"text": "later"})
	if len(got) != 1 {
		t.Fatalf("observer still invoked after removal")
	}
}

func TestRuntimeStatusAndTaskMessages(t *testing.T) {
	rt := NewRuntime(nil, WithVersion("1.2.3"))
	task := NewTask("t1", nil, Config{LLM: llm.NewStatic()})
	rt.Bind(&fakeDirectory{tasks: map[string]Handle{"t1": task}}, fakeCounter(2))

	resp, err := rt.HandleMessage(context.Background(), "c", event.Inbound{Type: MessageStatus})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var st Status
	if err := json.Unmarshal(resp.Payload, &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Version != "1.2.3" || st.PoolSize != 1 || st.PoolMax != 4 || st.Connections != 2 {
		t.Fatalf("unexpected status: %+v", st)
	}

	resp, err = rt.HandleMessage(context.Background(), "c", event.Inbound{Type: MessageTaskState, TaskID: "t1"})
	if err != nil || resp.Type != MessageTaskState {
		t.Fatalf("task state: resp=%v err=%v", resp, err)
	}

	_, err = rt.HandleMessage(context.Background(), "c", event.Inbound{Type: MessageTaskState, TaskID: "missing"})
	if xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	_, err = rt.HandleMessage(context.Background(), "c", event.Inbound{Type: MessageTaskAbort, TaskID: "t1"})
	if xerrors.CodeOf(err) != CodeTaskNotRunning {
		t.Fatalf("expected not running, got %v", err)
	}
	_, err = rt.HandleMessage(context.Background(), "c", event.Inbound{Type: "dance"})
	if env := xerrors.ToEnvelope(err); env.Error != xerrors.KindBadRequest {
		t.Fatalf("expected bad request, got %+v", env)
	}
}

func TestRuntimeHistoryWithoutRepository(t *testing.T) {
	rt := NewRuntime(nil)
	records, err := rt.ListHistory(context.Background(), 5)
	if err != nil || records == nil || len(records) != 0 {
		t.Fatalf("unexpected history: %v %v", records, err)
	}
}

func TestRuntimeTaskHistory(t *testing.T) {
	repo, _ := storage.NewMemoryRepository("")
	ctx := context.Background()
	_ = repo.Save(ctx, &storage.Record{TaskID: "a", Goal: "first"})
	_ = repo.Save(ctx, &storage.Record{TaskID: "b", Goal: "other"})
	_ = repo.Save(ctx, &storage.Record{TaskID: "a", Goal: "second"})

	rt := NewRuntime(repo)
	records, err := rt.TaskHistory(ctx, "a", 0)
	if err != nil {
		t.Fatalf("TaskHistory: %v", err)
	}
	if len(records) != 2 || records[0].Goal != "second" {
		t.Fatalf("unexpected records: %+v", records)
	}
	if empty, _ := NewRuntime(nil).TaskHistory(ctx, "a", 1); empty == nil || len(empty) != 0 {
		t.Fatalf("expected empty slice without repository")
	}
}
