package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock источник времени и таймеров.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real использует системное время. Now всегда в UTC.
type Real struct{}

// Now текущее время в UTC
func (Real) Now() time.Time { return time.Now().UTC() }

// After обертка над time.After
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

type waiter struct {
	deadline time.Time
	ch       chan time.Time
}

// Fake ручные часы для тестов: время двигается только через Set/Advance.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
}

// NewFake создает часы, выставленные на t
func NewFake(t time.Time) *Fake {
	return &Fake{now: t.UTC()}
}

// Now текущее время часов
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After канал срабатывает, когда время часов дойдет до now+d
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan time.Time, 1)
	deadline := f.now.Add(d)
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.waiters = append(f.waiters, waiter{deadline: deadline, ch: ch})
	return ch
}

// Advance сдвигает время на d и запускает наступившие таймеры
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.fireLocked()
	f.mu.Unlock()
}

// Set выставляет время t. Сдвиг назад ничего не запускает.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t.UTC()
	f.fireLocked()
	f.mu.Unlock()
}

// Waiters число ожидающих таймеров
func (f *Fake) Waiters() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiters)
}

func (f *Fake) fireLocked() {
	sort.Slice(f.waiters, func(i, j int) bool { return f.waiters[i].deadline.Before(f.waiters[j].deadline) })
	remaining := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.deadline.After(f.now) {
			w.ch <- f.now
			continue
		}
		remaining = append(remaining, w)
	}
	f.waiters = remaining
}
