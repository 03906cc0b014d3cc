package stream

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/langchou/cardata/internal/api/cardata"
	"github.com/langchou/cardata/internal/events"
	"github.com/langchou/cardata/internal/soc"
)

// dispatchLoop decodes inbound messages in arrival order and fans them out.
// A single goroutine preserves per-topic ordering.
func (m *Manager) dispatchLoop(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case msg := <-m.inbound:
			m.handleMessage(ctx, msg)
		}
	}
}

// handleMessage decodes one topic+payload pair. Decode failures are logged
// and dropped; they never terminate the session.
func (m *Manager) handleMessage(ctx context.Context, msg inboundMessage) {
	var decoded cardata.StreamMessage
	if err := json.Unmarshal(msg.payload, &decoded); err != nil {
		m.mu.Lock()
		m.decodeFailures++
		m.mu.Unlock()
		m.log.Warn("Dropping undecodable stream message",
			zap.String("topic", msg.topic),
			zap.Error(err))
		return
	}

	if decoded.VIN == "" {
		decoded.VIN = vinFromTopic(msg.topic)
	}
	if decoded.VIN == "" || len(decoded.Data) == 0 {
		return
	}

	m.mu.Lock()
	m.lastMessageAt = msg.receivedAt
	m.mu.Unlock()

	for descriptor, dv := range decoded.Data {
		if dv.Value == nil {
			continue
		}
		ts := dv.Time()
		if ts.IsZero() {
			ts = msg.receivedAt
		}

		if m.sink != nil {
			m.sink.PublishDescriptor(events.DescriptorUpdate{
				VIN:        decoded.VIN,
				Descriptor: descriptor,
				Value:      dv.Value,
				Unit:       dv.Unit,
				Timestamp:  ts,
			})
		}
		if m.engine != nil && soc.IsBatteryDescriptor(descriptor) {
			m.engine.ApplyDescriptor(ctx, decoded.VIN, descriptor, dv.Value, dv.Unit, ts)
		}
	}
}

// DecodeFailures returns the count of dropped messages.
func (m *Manager) DecodeFailures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.decodeFailures
}

// vinFromTopic extracts the VIN from a "<gcid>/<vin>" style topic.
func vinFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}
