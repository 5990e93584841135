package httpserver

import (
	"sync"
	"sync/atomic"
)

// LimitReason labels a rejected upgrade in metrics.
type LimitReason string

const (
	LimitReasonGlobal LimitReason = "global_limit"
	LimitReasonPerIP  LimitReason = "per_ip_limit"
)

// ConnectionLimits caps concurrent WebSocket streams per instance and per
// client IP. Slots are held for the lifetime of a stream.
type ConnectionLimits struct {
	current   atomic.Int64
	maxGlobal int64

	mu       sync.Mutex
	perIP    map[string]int
	maxPerIP int
}

func NewConnectionLimits(maxGlobal int64, maxPerIP int) *ConnectionLimits {
	return &ConnectionLimits{
		maxGlobal: maxGlobal,
		perIP:     make(map[string]int),
		maxPerIP:  maxPerIP,
	}
}

// Acquire takes one global and one per-IP slot, or neither.
func (l *ConnectionLimits) Acquire(ip string) (bool, LimitReason) {
	if !l.acquireGlobal() {
		return false, LimitReasonGlobal
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.perIP[ip] >= l.maxPerIP {
		l.current.Add(-1)
		return false, LimitReasonPerIP
	}
	l.perIP[ip]++
	return true, ""
}

func (l *ConnectionLimits) acquireGlobal() bool {
	for {
		current := l.current.Load()
		if current >= l.maxGlobal {
			return false
		}
		if l.current.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

// Release returns the slots taken by a successful Acquire.
func (l *ConnectionLimits) Release(ip string) {
	l.mu.Lock()
	if count := l.perIP[ip]; count > 1 {
		l.perIP[ip] = count - 1
	} else {
		delete(l.perIP, ip)
	}
	l.mu.Unlock()

	l.current.Add(-1)
}

// Current returns the number of held global slots.
func (l *ConnectionLimits) Current() int64 {
	return l.current.Load()
}

// CountFor returns the number of slots held by ip.
func (l *ConnectionLimits) CountFor(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.perIP[ip]
}
