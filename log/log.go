// Package log provides subsystem-scoped logging for obmirror:
// log.Warnf(log.CollectorMgr, "...", args...) tags each line with its
// subsystem, backed by zap.
package log

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Subsystem names a logical area of the pipeline, used as a zap field so
// log lines can be filtered per component downstream.
type Subsystem string

// Known subsystems. New ones can be declared by callers; Subsystem is a
// plain string type, not a closed enum.
const (
	FilterMgr    Subsystem = "filter"
	OrderbookMgr Subsystem = "orderbook"
	StreamMgr    Subsystem = "stream"
	IngestMgr    Subsystem = "ingest"
	RepairMgr    Subsystem = "repair"
	SchedulerMgr Subsystem = "scheduler"
	CollectorMgr Subsystem = "collector"
	TransportMgr Subsystem = "transport"
)

var (
	mu      sync.RWMutex
	backing *zap.Logger = zap.NewNop()
)

// SetBacking installs the zap logger used for all subsequent log calls.
// Call once during startup (cmd/obmirror); safe to call again in tests.
func SetBacking(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	if l == nil {
		l = zap.NewNop()
	}
	backing = l
}

func current() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return backing
}

// Debugf logs a debug-level message scoped to subsystem s.
func Debugf(s Subsystem, format string, args ...any) {
	current().Sugar().Debugw(fmt.Sprintf(format, args...), "subsystem", string(s))
}

// Infof logs an info-level message scoped to subsystem s.
func Infof(s Subsystem, format string, args ...any) {
	current().Sugar().Infow(fmt.Sprintf(format, args...), "subsystem", string(s))
}

// Warnf logs a warn-level message scoped to subsystem s.
func Warnf(s Subsystem, format string, args ...any) {
	current().Sugar().Warnw(fmt.Sprintf(format, args...), "subsystem", string(s))
}

// Errorf logs an error-level message scoped to subsystem s.
func Errorf(s Subsystem, format string, args ...any) {
	current().Sugar().Errorw(fmt.Sprintf(format, args...), "subsystem", string(s))
}
