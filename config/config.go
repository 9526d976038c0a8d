// Package config loads obmirror's runtime configuration, matching the
// option list in spec.md §6.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable the core pipeline reads. All durations are
// stored as milliseconds in the backing store (per spec.md's *_ms naming)
// but exposed here as time.Duration for callers.
type Config struct {
	SymbolsExpiry       time.Duration
	EntryExpiry         time.Duration
	DiffQueueCapacity   int
	ParallelBatchThresh int
	PostBatchSleep      time.Duration
	RepairPoll          time.Duration
	StreamIdleGlobal    time.Duration
	StreamIdleSymbol    time.Duration
	StreamWarmup        time.Duration
	MaxTickQueue        int
	MaxStreams          int
}

// Default returns the defaults enumerated in spec.md §6.
func Default(numCPU int) Config {
	return Config{
		SymbolsExpiry:       5 * time.Minute,
		EntryExpiry:         10 * 24 * time.Hour,
		DiffQueueCapacity:   8192,
		ParallelBatchThresh: 32,
		PostBatchSleep:      10 * time.Millisecond,
		RepairPoll:          5 * time.Second,
		StreamIdleGlobal:    20 * time.Second,
		StreamIdleSymbol:    60 * time.Second,
		StreamWarmup:        120 * time.Second,
		MaxTickQueue:        clamp(numCPU, 2, 32),
		MaxStreams:          256,
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Load reads configuration from path (if non-empty) and environment
// variables prefixed OBMIRROR_, falling back to Default(numCPU) for any
// unset option.
func Load(path string, numCPU int) (Config, error) {
	def := Default(numCPU)

	v := viper.New()
	v.SetEnvPrefix("OBMIRROR")
	v.AutomaticEnv()

	v.SetDefault("symbols_expiry_ms", def.SymbolsExpiry.Milliseconds())
	v.SetDefault("entry_expiry_ms", def.EntryExpiry.Milliseconds())
	v.SetDefault("diff_queue_capacity", def.DiffQueueCapacity)
	v.SetDefault("parallel_batch_threshold", def.ParallelBatchThresh)
	v.SetDefault("post_batch_sleep_ms", def.PostBatchSleep.Milliseconds())
	v.SetDefault("repair_poll_ms", def.RepairPoll.Milliseconds())
	v.SetDefault("stream_idle_global_ms", def.StreamIdleGlobal.Milliseconds())
	v.SetDefault("stream_idle_symbol_ms", def.StreamIdleSymbol.Milliseconds())
	v.SetDefault("stream_warmup_ms", def.StreamWarmup.Milliseconds())
	v.SetDefault("max_tick_queue", def.MaxTickQueue)
	v.SetDefault("max_streams", def.MaxStreams)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := Config{
		SymbolsExpiry:       time.Duration(v.GetInt64("symbols_expiry_ms")) * time.Millisecond,
		EntryExpiry:         time.Duration(v.GetInt64("entry_expiry_ms")) * time.Millisecond,
		DiffQueueCapacity:   v.GetInt("diff_queue_capacity"),
		ParallelBatchThresh: v.GetInt("parallel_batch_threshold"),
		PostBatchSleep:      time.Duration(v.GetInt64("post_batch_sleep_ms")) * time.Millisecond,
		RepairPoll:          time.Duration(v.GetInt64("repair_poll_ms")) * time.Millisecond,
		StreamIdleGlobal:    time.Duration(v.GetInt64("stream_idle_global_ms")) * time.Millisecond,
		StreamIdleSymbol:    time.Duration(v.GetInt64("stream_idle_symbol_ms")) * time.Millisecond,
		StreamWarmup:        time.Duration(v.GetInt64("stream_warmup_ms")) * time.Millisecond,
		MaxTickQueue:        v.GetInt("max_tick_queue"),
		MaxStreams:          v.GetInt("max_streams"),
	}
	return cfg, nil
}
