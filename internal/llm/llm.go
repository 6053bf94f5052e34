package llm

import "context"

// Request 描述发送给大模型的任务上下文。
type Request struct {
	TaskID  string
	Goal    string
	Message string
	History []HistoryEntry
}

// Response 是大模型推理得到的结构化输出。
type Response struct {
	Thought string
	Reply   string
}

// Progress 描述推理过程中的一个中间步骤。
type Progress struct {
	Step    int
	Total   int
	Message string
}

// ProgressFunc 接收中间步骤，调用顺序即步骤顺序。
type ProgressFunc func(Progress)

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Streamer 是可以报告中间步骤的客户端。
type Streamer interface {
	Client
	Stream(ctx context.Context, req Request, onProgress ProgressFunc) (*Response, error)
}

// HistoryEntry 描述了一段历史任务，用于为大模型提供上下文记忆。
type HistoryEntry struct {
	Goal      string
	Reply     string
	CreatedAt int64
}

// Run 调用客户端，支持 Streamer 时转发中间步骤。
func Run(ctx context.Context, client Client, req Request, onProgress ProgressFunc) (*Response, error) {
	if streamer, ok := client.(Streamer); ok && onProgress != nil {
		return streamer.Stream(ctx, req, onProgress)
	}
	return client.Generate(ctx, req)
}
