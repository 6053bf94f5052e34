// Package relay forwards server events to external brokers so that other
// instances or downstream consumers can observe task activity. Publishing
// happens on a background goroutine; the event sink never blocks the task
// that produced the event.
package relay
