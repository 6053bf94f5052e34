package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/agent"
	xerrors "github.com/HoodyNetwork/hoody-agent-server-sub001/internal/errors"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/pkg/logger"
)

type createTaskRequest struct {
	TaskID   string            `json:"taskId"`
	Goal     string            `json:"goal"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata"`
}

type messageRequest struct {
	Goal    string `json:"goal"`
	Message string `json:"message"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	st := s.deps.Runtime.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"uptimeSeconds": st.UptimeSeconds,
		"poolSize":      st.PoolSize,
		"poolMax":       st.PoolMax,
		"connections":   st.Connections,
	})
	return nil
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) error {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.deps.Runtime.Version()})
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) error {
	writeJSON(w, http.StatusOK, s.deps.Runtime.Status())
	return nil
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) error {
	limit, err := parseLimit(r)
	if err != nil {
		return err
	}
	records, err := s.deps.Runtime.ListHistory(r.Context(), limit)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": records})
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) error {
	h := s.ws.Load()
	if h == nil {
		return xerrors.New(xerrors.CodeUnavailable, "persistent connections are not available")
	}
	(*h).ServeHTTP(w, r)
	return nil
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) error {
	var req createTaskRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	req.Goal = strings.TrimSpace(req.Goal)
	if req.Goal == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "goal is required")
	}
	taskID := strings.TrimSpace(req.TaskID)
	if taskID == "" {
		taskID = uuid.NewString()
	}
	return s.submit(w, r, taskID, agent.Submission{Goal: req.Goal, Message: req.Message, Metadata: req.Metadata})
}

func (s *Server) handleTaskMessage(w http.ResponseWriter, r *http.Request) error {
	var req messageRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Message) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "message is required")
	}
	return s.submit(w, r, chi.URLParam(r, "id"), agent.Submission{Goal: req.Goal, Message: req.Message})
}

// submit 获取（必要时创建）执行上下文并提交输入；新建的上下文提交失败时立即释放。
// 拿到的上下文恰好被回收时重新获取一次。
func (s *Server) submit(w http.ResponseWriter, r *http.Request, taskID string, sub agent.Submission) error {
	var (
		handle  agent.Handle
		created bool
		err     error
	)
	for attempt := 0; attempt < 2; attempt++ {
		handle, created, err = s.deps.Pool.Acquire(taskID)
		if err != nil {
			return err
		}
		err = handle.Submit(r.Context(), sub)
		if !errors.Is(err, agent.ErrTaskClosed) {
			break
		}
	}
	if err != nil {
		if created {
			if relErr := s.deps.Pool.Release(r.Context(), taskID); relErr != nil {
				logger.L().Warn("释放执行上下文失败", "task_id", taskID, "error", relErr)
			}
		}
		return err
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"taskId":  taskID,
		"created": created,
		"task":    handle.Snapshot(),
	})
	return nil
}

func (s *Server) handleListTasks(w http.ResponseWriter, _ *http.Request) error {
	st := s.deps.Runtime.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks": s.deps.Pool.List(),
		"size":  st.PoolSize,
		"max":   st.PoolMax,
	})
	return nil
}

// handleGetTask 优先返回执行池中的状态，已释放的任务回退到历史记录。
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) error {
	taskID := chi.URLParam(r, "id")
	history, err := s.deps.Runtime.TaskHistory(r.Context(), taskID, 20)
	if err != nil {
		return err
	}
	if info, ok := s.deps.Pool.Info(taskID); ok {
		writeJSON(w, http.StatusOK, map[string]any{
			"taskId":  taskID,
			"pooled":  true,
			"slot":    info,
			"history": history,
		})
		return nil
	}
	if len(history) == 0 {
		return xerrors.Errorf(xerrors.CodeNotFound, "task %s not found", taskID)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"taskId":  taskID,
		"pooled":  false,
		"state":   history[0].State,
		"history": history,
	})
	return nil
}

func (s *Server) handleAbortTask(w http.ResponseWriter, r *http.Request) error {
	taskID := chi.URLParam(r, "id")
	handle, ok := s.deps.Pool.Get(taskID)
	if !ok {
		return xerrors.Errorf(xerrors.CodeNotFound, "task %s not found", taskID)
	}
	if err := handle.Abort(); err != nil {
		return err
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"taskId": taskID, "status": "aborting"})
	return nil
}

func (s *Server) handleReleaseTask(w http.ResponseWriter, r *http.Request) error {
	taskID := chi.URLParam(r, "id")
	if _, ok := s.deps.Pool.Info(taskID); !ok {
		return xerrors.Errorf(xerrors.CodeNotFound, "task %s not found", taskID)
	}
	if err := s.deps.Pool.Release(r.Context(), taskID); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"taskId": taskID, "released": true})
	return nil
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 20, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, xerrors.Errorf(xerrors.CodeInvalidArgument, "invalid limit %q", raw)
	}
	return limit, nil
}
