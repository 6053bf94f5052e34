// Package event defines the broadcast envelope shared by execution contexts,
// the connection manager and the relays, plus an explicit observer registry.
package event
