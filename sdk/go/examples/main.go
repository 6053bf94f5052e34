package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/HoodyNetwork/hoody-agent-server-sub001/sdk/go/agentclient"
)

// 示例：提交任务并打印该任务的事件，直到执行结束。
func main() {
	baseURL := os.Getenv("AGENTSERVER_URL")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	token := os.Getenv("AGENTSERVER_TOKEN")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	client, err := agentclient.NewClient(baseURL, token, nil)
	if err != nil {
		log.Fatal(err)
	}

	stream, err := client.Dial(ctx)
	if err != nil {
		log.Fatalf("dial: %v", err)
	}
	defer stream.Close()
	fmt.Println("connected as", stream.ConnectionID())

	submitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	sub, err := client.CreateTask(submitCtx, agentclient.TaskRequest{Goal: "summarise the release notes"})
	cancel()
	if err != nil {
		log.Fatalf("create task: %v", err)
	}
	fmt.Println("submitted", sub.TaskID)

	events := stream.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				log.Printf("stream closed: %v", stream.Err())
				return
			}
			var p struct {
				TaskID string `json:"taskId"`
			}
			if ev.Decode(&p) != nil || p.TaskID != sub.TaskID {
				continue
			}
			fmt.Printf("%s %s\n", ev.Type, ev.Payload)
			switch ev.Type {
			case "task.completed", "task.failed", "task.aborted":
				return
			}
		}
	}
}
