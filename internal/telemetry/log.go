// Package telemetry provides the process-wide debug logger used across the
// overlay: queued, non-blocking writes to stderr gated by an environment
// variable, plus a rate-limited variant for hot paths (repeated PoW or
// signature failures from the same remote peer).
package telemetry

import (
	"fmt"
	"os"
	"sync"
	"time"
)

const queueSize = 2048

type logger struct {
	once sync.Once
	ch   chan string
}

var (
	global  logger
	rlMu    sync.Mutex
	rlLast  = make(map[string]time.Time)
	rlSweep = time.Now()
)

func enabled() bool {
	return os.Getenv("SWARMCOUNT_DEBUG") == "1"
}

func (l *logger) start() {
	l.once.Do(func() {
		l.ch = make(chan string, queueSize)
		go func() {
			for msg := range l.ch {
				_, _ = os.Stderr.WriteString(msg)
			}
		}()
	})
}

// Logf always reaches stderr; use for operational events that must never be
// silently dropped (bootstrap phase transitions, bind failures, shutdown).
func Logf(format string, args ...any) {
	_, _ = os.Stderr.WriteString(fmt.Sprintf(format+"\n", args...))
}

// Debugf is gated by SWARMCOUNT_DEBUG=1 and queued so a saturated debug
// stream never blocks the goroutine that called it.
func Debugf(format string, args ...any) {
	if !enabled() {
		return
	}
	global.start()
	msg := fmt.Sprintf(format+"\n", args...)
	select {
	case global.ch <- msg:
	default:
		// drop when saturated to keep gossip/bootstrap goroutines non-blocking
	}
}

// RateLimitedf emits at most once per interval per key.
func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if !enabled() || key == "" {
		return
	}
	now := time.Now()
	rlMu.Lock()
	last := rlLast[key]
	if now.Sub(last) < interval {
		rlMu.Unlock()
		return
	}
	rlLast[key] = now
	if now.Sub(rlSweep) > 2*interval {
		for k, ts := range rlLast {
			if now.Sub(ts) > 4*interval {
				delete(rlLast, k)
			}
		}
		rlSweep = now
	}
	rlMu.Unlock()
	Debugf(format, args...)
}
