// Package server wires the transport, connection manager, execution pool and
// shared runtime together and owns their startup and shutdown order.
package server
