package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DefaultSteps 是 StaticClient 未指定步骤时使用的推理步骤。
var DefaultSteps = []string{"analysing goal", "planning", "drafting reply"}

// StaticClient 在未接入真实模型时按固定步骤生成回复，便于本地联调与测试。
type StaticClient struct {
	Steps []string
	// Delay 是每个步骤之间的等待时间。
	Delay time.Duration
}

// NewStatic 创建一个固定步骤的客户端。
func NewStatic(steps ...string) *StaticClient {
	if len(steps) == 0 {
		steps = DefaultSteps
	}
	return &StaticClient{Steps: steps}
}

// Generate 实现 Client。
func (c *StaticClient) Generate(ctx context.Context, req Request) (*Response, error) {
	return c.Stream(ctx, req, nil)
}

// Stream 依次报告每个步骤，期间响应上下文取消。
func (c *StaticClient) Stream(ctx context.Context, req Request, onProgress ProgressFunc) (*Response, error) {
	total := len(c.Steps)
	for idx, step := range c.Steps {
		if c.Delay > 0 {
			timer := time.NewTimer(c.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		} else if err := ctx.Err(); err != nil {
			return nil, err
		}
		if onProgress != nil {
			onProgress(Progress{Step: idx + 1, Total: total, Message: step})
		}
	}
	prompt := strings.TrimSpace(req.Message)
	if prompt == "" {
		prompt = strings.TrimSpace(req.Goal)
	}
	return &Response{
		Thought: fmt.Sprintf("completed %d steps", total),
		Reply:   fmt.Sprintf("done: %s", prompt),
	}, nil
}
