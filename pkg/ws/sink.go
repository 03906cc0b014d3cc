package ws

import (
	"sync"

	"github.com/langchou/cardata/internal/events"
)

// Sink adapts the hub to the session event fan-out. It remembers the last
// connection and quota snapshots so the init payload can include them.
type Sink struct {
	hub *Hub

	mu         sync.RWMutex
	connection events.ConnectionStatus
	quota      events.QuotaSnapshot
}

// NewSink wraps a hub.
func NewSink(hub *Hub) *Sink {
	return &Sink{hub: hub}
}

// PublishDescriptor broadcasts a telemetry value.
func (s *Sink) PublishDescriptor(u events.DescriptorUpdate) {
	s.hub.BroadcastMessage(MsgTypeDescriptor, u)
}

// PublishConnection broadcasts a connection state change.
func (s *Sink) PublishConnection(status events.ConnectionStatus) {
	s.mu.Lock()
	s.connection = status
	s.mu.Unlock()
	s.hub.BroadcastMessage(MsgTypeConnection, status)
}

// PublishMetadata broadcasts refreshed vehicle metadata.
func (s *Sink) PublishMetadata(meta events.VehicleMetadata) {
	s.hub.BroadcastMessage(MsgTypeVehicle, meta)
}

// PublishQuota broadcasts an API budget snapshot.
func (s *Sink) PublishQuota(q events.QuotaSnapshot) {
	s.mu.Lock()
	s.quota = q
	s.mu.Unlock()
	s.hub.BroadcastMessage(MsgTypeQuota, q)
}

// Connection returns the last published connection state.
func (s *Sink) Connection() events.ConnectionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connection
}

// Quota returns the last published budget snapshot.
func (s *Sink) Quota() events.QuotaSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.quota
}
