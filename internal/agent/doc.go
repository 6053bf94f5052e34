// Package agent holds the execution contexts served by the task server: Task
// runs one task's reasoning loop in isolation and reports progress through
// its event sink, while Runtime is the single shared context behind the
// administrative endpoints and persistent-connection messages.
package agent
