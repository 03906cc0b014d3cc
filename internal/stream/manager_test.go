package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/langchou/cardata/internal/events"
)

type fakeConn struct {
	disconnected atomic.Bool
}

func (c *fakeConn) Disconnect() { c.disconnected.Store(true) }

type recordingSink struct {
	mu          sync.Mutex
	descriptors []events.DescriptorUpdate
	connections []events.ConnectionStatus
}

func (s *recordingSink) PublishDescriptor(u events.DescriptorUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.descriptors = append(s.descriptors, u)
}

func (s *recordingSink) PublishConnection(c events.ConnectionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections = append(s.connections, c)
}

func (s *recordingSink) PublishMetadata(events.VehicleMetadata) {}
func (s *recordingSink) PublishQuota(events.QuotaSnapshot)      {}

func (s *recordingSink) connectionStates() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	states := make([]string, len(s.connections))
	for i, c := range s.connections {
		states[i] = c.State
	}
	return states
}

func testConfig() Config {
	return Config{
		Host:            "broker.test",
		Port:            9000,
		Keepalive:       120 * time.Second,
		BackoffMin:      time.Second,
		BackoffMax:      2 * time.Minute,
		StabilityWindow: 5 * time.Minute,
		DegradedAfter:   15 * time.Minute,
	}
}

// dialRecorder counts dials and hands each one's lost channel to the test.
// When gate is set every dial blocks until the test releases it.
type dialRecorder struct {
	mu       sync.Mutex
	conns    []*fakeConn
	lost     []chan<- error
	errs     []error
	attempts int
	gate     chan struct{}
}

func (d *dialRecorder) dial(_ context.Context, gcid, idToken string, lost chan<- error) (transport, error) {
	d.mu.Lock()
	d.attempts++
	gate := d.gate
	var err error
	if len(d.errs) > 0 {
		err = d.errs[0]
		d.errs = d.errs[1:]
	}
	d.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	conn := &fakeConn{}
	d.conns = append(d.conns, conn)
	d.lost = append(d.lost, lost)
	return conn, nil
}

func (d *dialRecorder) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *dialRecorder) attemptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func (d *dialRecorder) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func (d *dialRecorder) loseConnection(i int, err error) {
	d.mu.Lock()
	lost := d.lost[i]
	d.mu.Unlock()
	lost <- err
}

func newTestManager(t *testing.T, dialer *dialRecorder) (*Manager, *clock.Mock, *recordingSink) {
	t.Helper()
	mock := clock.NewMock()
	sink := &recordingSink{}
	m := NewManager(zap.NewNop(), mock, testConfig(), sink, nil)
	m.dial = dialer.dial
	m.SetCredentials("gcid-1", "id-token-1")
	return m, mock, sink
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, time.Millisecond)
}

func TestKeepaliveCycleReconnectsWithoutBackoff(t *testing.T) {
	dialer := &dialRecorder{}
	m, mock, _ := newTestManager(t, dialer)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go m.Run(ctx)
	waitFor(t, func() bool { return m.State() == StateConnected })

	// the broker drops the session after a healthy stretch
	mock.Add(3 * time.Minute)
	dialer.loseConnection(0, fmt.Errorf("EOF"))

	// reconnect happens immediately, without a backoff timer
	waitFor(t, func() bool { return dialer.count() == 2 })
	waitFor(t, func() bool { return m.State() == StateConnected })

	m.mu.Lock()
	delay := m.currentDelay
	failures := m.failures
	m.mu.Unlock()
	assert.Equal(t, testConfig().BackoffMin, delay)
	assert.Equal(t, 0, failures)

	cancel()
	m.Close()
}

func TestEarlyDisconnectBacksOff(t *testing.T) {
	dialer := &dialRecorder{}
	m, mock, _ := newTestManager(t, dialer)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go m.Run(ctx)
	waitFor(t, func() bool { return m.State() == StateConnected })

	// drop well inside the keepalive window: not an expected cycle
	mock.Add(10 * time.Second)
	dialer.loseConnection(0, fmt.Errorf("EOF"))

	waitFor(t, func() bool { return m.State() == StateBackoff })
	assert.Equal(t, 1, dialer.count())

	// only advancing the clock past the delay releases the next dial
	waitFor(t, func() bool {
		mock.Add(time.Second)
		return dialer.count() == 2
	})

	cancel()
	m.Close()
}

func TestCredentialRejectionEscalatesInsteadOfReconnecting(t *testing.T) {
	dialer := &dialRecorder{}
	m, mock, sink := newTestManager(t, dialer)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var rejected atomic.Int32
	m.OnCredentialRejected(func() { rejected.Add(1) })

	go m.Run(ctx)
	waitFor(t, func() bool { return m.State() == StateConnected })

	mock.Add(time.Minute)
	dialer.loseConnection(0, packets.ErrorRefusedNotAuthorised)

	waitFor(t, func() bool { return m.State() == StateReauthRequired })
	assert.Equal(t, int32(1), rejected.Load())

	// no bare reconnect with the same credentials
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, dialer.count())
	assert.Contains(t, sink.connectionStates(), events.ConnReauth)

	// fresh credentials resume the loop
	m.Resume("gcid-1", "id-token-2")
	waitFor(t, func() bool { return dialer.count() == 2 })
	waitFor(t, func() bool { return m.State() == StateConnected })

	cancel()
	m.Close()
}

func TestCredentialRejectionOnDial(t *testing.T) {
	dialer := &dialRecorder{errs: []error{packets.ErrorRefusedBadUsernameOrPassword}}
	m, _, _ := newTestManager(t, dialer)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var rejected atomic.Int32
	m.OnCredentialRejected(func() { rejected.Add(1) })

	go m.Run(ctx)
	waitFor(t, func() bool { return m.State() == StateReauthRequired })
	assert.Equal(t, int32(1), rejected.Load())
	assert.Equal(t, 0, dialer.count())

	cancel()
	m.Close()
}

func TestTokenRotationForcesCycle(t *testing.T) {
	dialer := &dialRecorder{}
	m, _, _ := newTestManager(t, dialer)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go m.Run(ctx)
	waitFor(t, func() bool { return m.State() == StateConnected })

	// even a textually identical token cycles the session
	m.UpdateToken("gcid-1", "id-token-1")

	waitFor(t, func() bool { return dialer.count() == 2 })
	assert.True(t, dialer.conn(0).disconnected.Load())
	waitFor(t, func() bool { return m.State() == StateConnected })

	cancel()
	m.Close()
}

func TestRotationDuringBackoffRetriesImmediately(t *testing.T) {
	dialer := &dialRecorder{errs: []error{fmt.Errorf("connection refused")}}
	m, _, _ := newTestManager(t, dialer)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go m.Run(ctx)
	waitFor(t, func() bool { return m.State() == StateBackoff })

	m.UpdateToken("gcid-1", "id-token-2")
	waitFor(t, func() bool { return m.State() == StateConnected })
	assert.Equal(t, 1, dialer.count())

	cancel()
	m.Close()
}

func TestIsCredentialRejected(t *testing.T) {
	assert.True(t, IsCredentialRejected(packets.ErrorRefusedNotAuthorised))
	assert.True(t, IsCredentialRejected(packets.ErrorRefusedBadUsernameOrPassword))
	assert.True(t, IsCredentialRejected(fmt.Errorf("connect: %w", packets.ErrorRefusedNotAuthorised)))
	assert.False(t, IsCredentialRejected(fmt.Errorf("EOF")))
	assert.False(t, IsCredentialRejected(nil))
}

func TestCloseAbortsBackoffWait(t *testing.T) {
	dialer := &dialRecorder{errs: []error{fmt.Errorf("connection refused")}}
	m, _, _ := newTestManager(t, dialer)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	waitFor(t, func() bool { return m.State() == StateBackoff })

	m.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	assert.Equal(t, StateDisconnected, m.State())
}

func TestStaleResumeDoesNotRedialAfterSecondRejection(t *testing.T) {
	credErr := packets.ErrorRefusedNotAuthorised
	dialer := &dialRecorder{
		errs: []error{credErr, credErr},
		gate: make(chan struct{}),
	}
	m, _, _ := newTestManager(t, dialer)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go m.Run(ctx)
	defer m.Close()

	dialer.gate <- struct{}{}
	waitFor(t, func() bool { return m.State() == StateReauthRequired })

	// first resume wakes the loop into the second dial
	m.Resume("gcid-1", "id-token-2")
	waitFor(t, func() bool { return dialer.attemptCount() == 2 })

	// a second resume lands while that dial is still in flight and stays
	// queued; the rejection that follows must discard it
	m.Resume("gcid-1", "id-token-2")
	dialer.gate <- struct{}{}
	waitFor(t, func() bool { return m.State() == StateReauthRequired })

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, dialer.attemptCount())
	assert.Equal(t, StateReauthRequired, m.State())

	// only a resume issued after the rejection dials again
	m.Resume("gcid-1", "id-token-3")
	waitFor(t, func() bool { return dialer.attemptCount() == 3 })
	dialer.gate <- struct{}{}
	waitFor(t, func() bool { return m.State() == StateConnected })
}
