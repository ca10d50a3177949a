package config

import (
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Coordinator holds the single active Snapshot and publishes new ones
// atomically (§4.13). Readers call Current to get a consistent view;
// the returned pointer is never mutated, so holding onto it across the
// lifetime of one request is always safe even if a reload happens
// concurrently.
type Coordinator struct {
	active atomic.Pointer[Snapshot]
	log    *slog.Logger

	version atomic.Uint64
}

// NewCoordinator builds a Coordinator whose initial active snapshot is
// initial. initial.Version is set to 1.
func NewCoordinator(initial *Snapshot, log *slog.Logger) *Coordinator {
	c := &Coordinator{log: log}
	c.version.Store(1)
	initial.Version = 1
	c.active.Store(initial)
	return c
}

// Current returns the currently active snapshot. Safe for concurrent use
// from any number of goroutines.
func (c *Coordinator) Current() *Snapshot {
	return c.active.Load()
}

// Reload validates and publishes next as the new active snapshot. On
// validation failure, the previously active snapshot is left untouched
// and an error is returned — a bad reload never interrupts traffic
// (spec.md §4.13, §7).
func (c *Coordinator) Reload(next *Snapshot) error {
	if err := next.Validate(); err != nil {
		return fmt.Errorf("config: reload rejected: %w", err)
	}
	v := c.version.Add(1)
	next.Version = v
	prev := c.active.Swap(next)
	if c.log != nil {
		c.log.Info("config reloaded",
			slog.Uint64("version", v),
			slog.Uint64("previous_version", prev.Version),
			slog.Int("servers", len(next.Servers)),
		)
	}
	return nil
}

// ReloadFromFile loads, validates, and publishes the snapshot found at
// path, without ever touching the currently active snapshot if loading
// fails.
func (c *Coordinator) ReloadFromFile(path string) error {
	next, err := Load(path)
	if err != nil {
		return err
	}
	return c.Reload(next)
}
