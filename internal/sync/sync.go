// Package sync provides wrappers around standard library concurrency
// primitives that log slow lock acquisitions. The core uses these instead of
// sync.Mutex/sync.RWMutex directly wherever a lock guards a structure that
// multiple long-lived goroutines (the remote-ingest loop, the event-queue
// worker pool, ConnectivityManager callbacks) may contend on, so that lock
// contention shows up in logs instead of as unexplained latency.
package sync

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pvtbox/syncd/internal/slogutil"
)

// Debug makes the constructors return the slow-lock logging wrappers. Off by
// default. The wrappers log at debug level, so their messages appear only
// while the "sync" package log level is debug.
var Debug = false

const threshold = 100 * time.Millisecond

type Mutex interface {
	Lock()
	Unlock()
}

type RWMutex interface {
	Mutex
	RLock()
	RUnlock()
}

type WaitGroup interface {
	Add(int)
	Done()
	Wait()
}

func NewMutex() Mutex {
	if Debug {
		return &loggedMutex{}
	}
	return &sync.Mutex{}
}

func NewRWMutex() RWMutex {
	if Debug {
		return &loggedRWMutex{
			unlockers: make([]string, 0),
		}
	}
	return &sync.RWMutex{}
}

func NewWaitGroup() WaitGroup {
	if Debug {
		return &loggedWaitGroup{}
	}
	return &sync.WaitGroup{}
}

type loggedMutex struct {
	sync.Mutex
	start    time.Time
	lockedAt string
}

func (m *loggedMutex) Lock() {
	m.Mutex.Lock()
	m.start = time.Now()
	m.lockedAt = getCaller()
}

func (m *loggedMutex) Unlock() {
	duration := time.Since(m.start)
	if duration >= threshold {
		slogutil.Default().Debug("mutex held", "duration", duration, "lockedAt", m.lockedAt, "unlockedAt", getCaller())
	}
	m.Mutex.Unlock()
}

type loggedRWMutex struct {
	sync.RWMutex
	start    time.Time
	lockedAt string

	logUnlockers uint32

	unlockers    []string
	unlockersMut sync.Mutex
}

func (m *loggedRWMutex) Lock() {
	start := time.Now()

	atomic.StoreUint32(&m.logUnlockers, 1)
	m.RWMutex.Lock()
	atomic.StoreUint32(&m.logUnlockers, 0)

	m.start = time.Now()
	duration := m.start.Sub(start)

	m.lockedAt = getCaller()
	if duration > threshold {
		slogutil.Default().Debug("rwmutex took long to lock", "duration", duration, "lockedAt", m.lockedAt, "runlockers", strings.Join(m.unlockers, ", "))
	}
	m.unlockers = m.unlockers[:0]
}

func (m *loggedRWMutex) Unlock() {
	duration := time.Since(m.start)
	if duration >= threshold {
		slogutil.Default().Debug("rwmutex held", "duration", duration, "lockedAt", m.lockedAt, "unlockedAt", getCaller())
	}
	m.RWMutex.Unlock()
}

func (m *loggedRWMutex) RUnlock() {
	if atomic.LoadUint32(&m.logUnlockers) == 1 {
		m.unlockersMut.Lock()
		m.unlockers = append(m.unlockers, getCaller())
		m.unlockersMut.Unlock()
	}
	m.RWMutex.RUnlock()
}

type loggedWaitGroup struct {
	sync.WaitGroup
}

func (wg *loggedWaitGroup) Wait() {
	start := time.Now()
	wg.WaitGroup.Wait()
	duration := time.Since(start)
	if duration >= threshold {
		slogutil.Default().Debug("waitgroup wait took long", "duration", duration, "at", getCaller())
	}
}

func getCaller() string {
	_, file, line, _ := runtime.Caller(2)
	file = filepath.Join(filepath.Base(filepath.Dir(file)), filepath.Base(file))
	return fmt.Sprintf("%s:%d", file, line)
}
