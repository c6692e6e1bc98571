// Package testutil provides common testing utilities and mock implementations.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/pricewatch/internal/app/services/notify"
	"github.com/R3E-Network/pricewatch/internal/coordination"
)

// MockSink records delivered notification events.
type MockSink struct {
	mu     sync.Mutex
	events []notify.Event
	err    error
}

// NewMockSink creates a sink that accepts every event.
func NewMockSink() *MockSink {
	return &MockSink{}
}

// FailWith makes subsequent deliveries return err after recording the event.
func (m *MockSink) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Deliver records the event.
func (m *MockSink) Deliver(_ context.Context, ev notify.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return m.err
}

// Events returns a copy of the recorded events.
func (m *MockSink) Events() []notify.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]notify.Event, len(m.events))
	copy(out, m.events)
	return out
}

// MockCoordinator is a scriptable coordination.Coordinator. Leadership and
// rate decisions are fixed by the test; Err is returned from every call.
type MockCoordinator struct {
	mu        sync.Mutex
	id        string
	leader    bool
	allowRate bool
	err       error
	locks     map[string]bool
	calls     map[string]int
}

// NewMockCoordinator creates a coordinator that leads and allows every request.
func NewMockCoordinator() *MockCoordinator {
	return &MockCoordinator{
		id:        uuid.NewString(),
		leader:    true,
		allowRate: true,
		locks:     make(map[string]bool),
		calls:     make(map[string]int),
	}
}

// SetLeader fixes the leadership answer.
func (m *MockCoordinator) SetLeader(leader bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leader = leader
}

// SetRateAllowed fixes the rate limit answer.
func (m *MockCoordinator) SetRateAllowed(allowed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowRate = allowed
}

// SetError makes every call fail with err. Leadership then reports false
// and rate checks report allowed, mirroring an unreachable store.
func (m *MockCoordinator) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls returns how often the named method was invoked.
func (m *MockCoordinator) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

func (m *MockCoordinator) record(method string) {
	m.mu.Lock()
	m.calls[method]++
	m.mu.Unlock()
}

func (m *MockCoordinator) InstanceID() string { return m.id }

func (m *MockCoordinator) AcquireLock(_ context.Context, key string, _ time.Duration) (bool, error) {
	m.record("AcquireLock")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if m.locks[key] {
		return false, nil
	}
	m.locks[key] = true
	return true, nil
}

func (m *MockCoordinator) ReleaseLock(_ context.Context, key string) (bool, error) {
	m.record("ReleaseLock")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	held := m.locks[key]
	delete(m.locks, key)
	return held, nil
}

func (m *MockCoordinator) leadership(method string) (bool, error) {
	m.record(method)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	return m.leader, nil
}

func (m *MockCoordinator) AcquireLeaderLease(context.Context, string, time.Duration) (bool, error) {
	return m.leadership("AcquireLeaderLease")
}

func (m *MockCoordinator) IsLeader(context.Context, string) (bool, error) {
	return m.leadership("IsLeader")
}

func (m *MockCoordinator) RenewLeaderLease(context.Context, string, time.Duration) (bool, error) {
	return m.leadership("RenewLeaderLease")
}

func (m *MockCoordinator) ReleaseLeaderLease(context.Context, string) (bool, error) {
	return m.leadership("ReleaseLeaderLease")
}

func (m *MockCoordinator) CheckRateLimit(context.Context, string, int, time.Duration) (coordination.RateDecision, error) {
	m.record("CheckRateLimit")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return coordination.RateDecision{Allowed: true}, m.err
	}
	return coordination.RateDecision{Allowed: m.allowRate}, nil
}

func (m *MockCoordinator) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *MockCoordinator) Close() error { return nil }

var _ coordination.Coordinator = (*MockCoordinator)(nil)
