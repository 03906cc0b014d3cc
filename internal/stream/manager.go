// Package stream owns the MQTT session against the CarData broker: connect,
// subscribe, keepalive-driven forced cycling, reconnect backoff, and the
// coupling between broker reason codes and re-authentication.
package stream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/langchou/cardata/internal/events"
	"github.com/langchou/cardata/internal/soc"
)

// Connection states.
const (
	StateDisconnected   = "disconnected"
	StateConnecting     = "connecting"
	StateConnected      = "connected"
	StateBackoff        = "backoff"
	StateReauthRequired = "reauth_required"
)

// Events.
const (
	eventDial        = "dial"
	eventEstablished = "established"
	eventLost        = "lost"
	eventRejected    = "rejected"
	eventResume      = "resume"
	eventStop        = "stop"
)

// Config holds the connection tunables.
type Config struct {
	Host      string
	Port      int
	Keepalive time.Duration

	BackoffMin      time.Duration
	BackoffMax      time.Duration
	StabilityWindow time.Duration
	DegradedAfter   time.Duration

	QueueSize int
}

// transport is the live broker session. The production implementation wraps
// the paho client; tests substitute their own.
type transport interface {
	Disconnect()
}

// dialFunc opens a transport. It blocks until the session is established and
// subscribed; a later connection loss is delivered on lost.
type dialFunc func(ctx context.Context, gcid, idToken string, lost chan<- error) (transport, error)

type inboundMessage struct {
	topic      string
	payload    []byte
	receivedAt time.Time
}

// Manager owns one streaming session.
type Manager struct {
	log    *zap.Logger
	cfg    Config
	clock  clock.Clock
	sink   events.Sink
	engine *soc.Engine

	dial dialFunc

	mu             sync.Mutex
	fsm            *fsm.FSM
	gcid           string
	idToken        string
	connectedAt    time.Time
	lastMessageAt  time.Time
	currentDelay   time.Duration
	failures       int
	decodeFailures int

	inbound  chan inboundMessage
	rotateCh chan struct{}
	resumeCh chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	onCredentialRejected func()
}

// NewManager creates a stream manager publishing into sink and feeding
// battery descriptors to the soc engine.
func NewManager(log *zap.Logger, clk clock.Clock, cfg Config, sink events.Sink, engine *soc.Engine) *Manager {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	m := &Manager{
		log:          log,
		cfg:          cfg,
		clock:        clk,
		sink:         sink,
		engine:       engine,
		currentDelay: cfg.BackoffMin,
		inbound:      make(chan inboundMessage, cfg.QueueSize),
		rotateCh:     make(chan struct{}, 1),
		resumeCh:     make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
	}
	m.dial = m.dialMQTT

	m.fsm = fsm.NewFSM(
		StateDisconnected,
		fsm.Events{
			{Name: eventDial, Src: []string{StateDisconnected, StateBackoff}, Dst: StateConnecting},
			{Name: eventEstablished, Src: []string{StateConnecting}, Dst: StateConnected},
			{Name: eventLost, Src: []string{StateConnecting, StateConnected}, Dst: StateBackoff},
			{Name: eventRejected, Src: []string{StateConnecting, StateConnected, StateBackoff}, Dst: StateReauthRequired},
			{Name: eventResume, Src: []string{StateReauthRequired}, Dst: StateDisconnected},
			{Name: eventStop, Src: []string{StateConnecting, StateConnected, StateBackoff, StateReauthRequired}, Dst: StateDisconnected},
		},
		fsm.Callbacks{},
	)

	return m
}

// OnCredentialRejected registers the escalation hook, normally wired to the
// auth manager.
func (m *Manager) OnCredentialRejected(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCredentialRejected = fn
}

// SetCredentials stores the streaming credentials without reconnecting.
func (m *Manager) SetCredentials(gcid, idToken string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gcid = gcid
	m.idToken = idToken
}

// UpdateToken installs rotated credentials and forces a session cycle even
// when the token is textually identical: the broker silently stops accepting
// previously issued tokens, so a passive swap is unsafe.
func (m *Manager) UpdateToken(gcid, idToken string) {
	m.SetCredentials(gcid, idToken)
	select {
	case m.rotateCh <- struct{}{}:
	default:
	}
}

// Resume re-enters the connect loop after re-authentication supplied fresh
// credentials.
func (m *Manager) Resume(gcid, idToken string) {
	m.SetCredentials(gcid, idToken)
	m.mu.Lock()
	_ = m.fsm.Event(context.Background(), eventResume)
	m.mu.Unlock()
	select {
	case m.resumeCh <- struct{}{}:
	default:
	}
}

// State returns the connection state.
func (m *Manager) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fsm.Current()
}

// ConnectedSince returns when the current session was established; the zero
// time while not connected.
func (m *Manager) ConnectedSince() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fsm.Current() != StateConnected {
		return time.Time{}
	}
	return m.connectedAt
}

// LastMessageAt returns when the last stream message arrived.
func (m *Manager) LastMessageAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastMessageAt
}

// Run drives the session until the context ends or Close is called. It owns
// the reconnect loop; paho auto-reconnect stays disabled.
func (m *Manager) Run(ctx context.Context) {
	m.wg.Add(1)
	go m.dispatchLoop(ctx)

	var downSince time.Time
	degraded := false

	for {
		if m.State() == StateReauthRequired {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-m.resumeCh:
			}
		}

		m.mu.Lock()
		gcid, idToken := m.gcid, m.idToken
		_ = m.fsm.Event(ctx, eventDial)
		m.mu.Unlock()
		m.publishStatus(events.ConnConnecting, "")

		lost := make(chan error, 1)
		conn, err := m.dial(ctx, gcid, idToken, lost)
		if err != nil {
			if ctx.Err() != nil || m.stopped() {
				return
			}
			if IsCredentialRejected(err) {
				m.enterReauth(err)
				continue
			}
			if downSince.IsZero() {
				downSince = m.clock.Now()
			}
			degraded = m.checkDegraded(downSince, degraded)
			if !m.waitBackoff(ctx, fmt.Sprintf("connect failed: %v", err)) {
				return
			}
			continue
		}

		m.mu.Lock()
		m.connectedAt = m.clock.Now()
		m.failures = 0
		_ = m.fsm.Event(ctx, eventEstablished)
		m.mu.Unlock()
		downSince = time.Time{}
		degraded = false
		m.publishStatus(events.ConnConnected, "")

		select {
		case <-ctx.Done():
			conn.Disconnect()
			return
		case <-m.stopCh:
			conn.Disconnect()
			return
		case <-m.rotateCh:
			m.log.Debug("Token rotated; cycling stream session")
			conn.Disconnect()
			m.transitionLost("token rotated")
			continue
		case err := <-lost:
			conn.Disconnect()
			uptime := m.clock.Now().Sub(m.connectedAt)

			if IsCredentialRejected(err) {
				m.enterReauth(err)
				continue
			}

			if uptime >= m.cfg.Keepalive {
				// Expected keepalive-driven cycle: the broker routinely drops
				// long-lived sessions. Reconnect immediately, no backoff.
				m.log.Debug("Keepalive cycle disconnect; reconnecting",
					zap.Duration("uptime", uptime),
					zap.Error(err))
				m.transitionLost("keepalive cycle")
				m.mu.Lock()
				m.currentDelay = m.cfg.BackoffMin
				m.mu.Unlock()
				continue
			}

			if uptime >= m.cfg.StabilityWindow {
				m.mu.Lock()
				m.currentDelay = m.cfg.BackoffMin
				m.mu.Unlock()
			}
			downSince = m.clock.Now()
			degraded = m.checkDegraded(downSince, degraded)
			if !m.waitBackoff(ctx, fmt.Sprintf("connection lost: %v", err)) {
				return
			}
		}
	}
}

// Close stops the session; no further reconnect attempts happen, including
// aborting an in-flight backoff wait.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
	m.mu.Lock()
	_ = m.fsm.Event(context.Background(), eventStop)
	m.mu.Unlock()
	m.publishStatus(events.ConnDisconnected, "closed")
}

func (m *Manager) stopped() bool {
	select {
	case <-m.stopCh:
		return true
	default:
		return false
	}
}

// transitionLost records a lost session without waiting.
func (m *Manager) transitionLost(detail string) {
	m.mu.Lock()
	_ = m.fsm.Event(context.Background(), eventLost)
	m.mu.Unlock()
	m.publishStatus(events.ConnBackoff, detail)
}

// waitBackoff sleeps for the current backoff delay, doubling it for the next
// failure. Returns false when the manager is shutting down.
func (m *Manager) waitBackoff(ctx context.Context, detail string) bool {
	m.mu.Lock()
	_ = m.fsm.Event(ctx, eventLost)
	m.failures++
	delay := m.currentDelay
	m.currentDelay *= 2
	if m.currentDelay > m.cfg.BackoffMax {
		m.currentDelay = m.cfg.BackoffMax
	}
	failures := m.failures
	m.mu.Unlock()

	m.publishStatus(events.ConnBackoff, detail)
	m.log.Warn("Stream disconnected; backing off",
		zap.Duration("delay", delay),
		zap.Int("consecutive_failures", failures),
		zap.String("detail", detail))

	timer := m.clock.Timer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-m.stopCh:
		return false
	case <-m.rotateCh:
		// fresh credentials arrived; retry immediately
		return true
	case <-timer.C:
		return true
	}
}

func (m *Manager) checkDegraded(downSince time.Time, already bool) bool {
	if already || downSince.IsZero() {
		return already
	}
	if m.clock.Now().Sub(downSince) < m.cfg.DegradedAfter {
		return already
	}
	m.log.Warn("Stream degraded: no successful reconnect",
		zap.Time("down_since", downSince))
	m.publishStatus(events.ConnDegraded, "no successful reconnect")
	return true
}

func (m *Manager) enterReauth(err error) {
	m.log.Error("Stream credentials rejected by broker", zap.Error(err))
	m.mu.Lock()
	_ = m.fsm.Event(context.Background(), eventRejected)
	fn := m.onCredentialRejected
	m.mu.Unlock()
	// discard wakeups queued before the rejection; only a Resume issued
	// after this point carries credentials the broker has not refused yet
	select {
	case <-m.resumeCh:
	default:
	}
	select {
	case <-m.rotateCh:
	default:
	}
	m.publishStatus(events.ConnReauth, "broker rejected credentials")
	if fn != nil {
		fn()
	}
}

func (m *Manager) publishStatus(state, detail string) {
	if m.sink == nil {
		return
	}
	m.sink.PublishConnection(events.ConnectionStatus{
		State:  state,
		Detail: detail,
		Since:  m.clock.Now(),
	})
}

// IsCredentialRejected reports whether a disconnect reason indicates the
// broker refused the credentials rather than a transient failure.
func IsCredentialRejected(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, packets.ErrorRefusedNotAuthorised) ||
		errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword)
}

// dialMQTT opens the real broker session.
func (m *Manager) dialMQTT(ctx context.Context, gcid, idToken string, lost chan<- error) (transport, error) {
	if gcid == "" || idToken == "" {
		return nil, fmt.Errorf("missing streaming credentials")
	}

	broker := fmt.Sprintf("tls://%s:%d", m.cfg.Host, m.cfg.Port)
	topic := fmt.Sprintf("%s/+/#", gcid)

	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(fmt.Sprintf("cardata-%s", gcid)).
		SetUsername(gcid).
		SetPassword(idToken).
		SetKeepAlive(m.cfg.Keepalive).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectTimeout(30 * time.Second).
		SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		select {
		case lost <- err:
		default:
		}
	})
	opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		m.enqueue(msg.Topic(), msg.Payload())
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}

	sub := client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		m.enqueue(msg.Topic(), msg.Payload())
	})
	sub.Wait()
	if err := sub.Error(); err != nil {
		client.Disconnect(250)
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	m.log.Info("Stream connected",
		zap.String("broker", broker),
		zap.String("topic", topic))

	return pahoTransport{client: client}, nil
}

type pahoTransport struct {
	client mqtt.Client
}

func (t pahoTransport) Disconnect() {
	if t.client.IsConnected() {
		t.client.Disconnect(250)
	}
}

// enqueue pushes a raw message into the bounded inbound queue, applying
// backpressure to the transport rather than buffering without bound.
func (m *Manager) enqueue(topic string, payload []byte) {
	msg := inboundMessage{
		topic:      topic,
		payload:    append([]byte(nil), payload...),
		receivedAt: m.clock.Now(),
	}
	select {
	case m.inbound <- msg:
	case <-m.stopCh:
	}
}
