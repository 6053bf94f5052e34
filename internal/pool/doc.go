// Package pool bounds the number of live task execution contexts. Each task
// ID maps to at most one context; contexts are released explicitly, when
// their run finishes, by the idle sweeper, or on shutdown.
package pool
