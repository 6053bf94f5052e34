// Package agentclient is a Go client for the agent server. It covers the
// REST task API and the authenticated WebSocket event stream.
//
//	c, _ := agentclient.NewClient("http://127.0.0.1:8080", token, nil)
//	s, _ := c.Dial(ctx)
//	sub, _ := c.CreateTask(ctx, agentclient.TaskRequest{Goal: "summarise"})
//	for ev := range s.Events() {
//		// task.started, task.progress, task.completed ...
//	}
package agentclient
