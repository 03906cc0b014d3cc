package events

import "time"

// Connection states surfaced to consumers.
const (
	ConnDisconnected = "disconnected"
	ConnConnecting   = "connecting"
	ConnConnected    = "connected"
	ConnBackoff      = "backoff"
	ConnDegraded     = "degraded"
	ConnReauth       = "reauth_required"
)

// DescriptorUpdate is a single decoded telemetry value.
type DescriptorUpdate struct {
	VIN        string    `json:"vin"`
	Descriptor string    `json:"descriptor"`
	Value      any       `json:"value"`
	Unit       string    `json:"unit,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ConnectionStatus reports a stream state transition.
type ConnectionStatus struct {
	State  string    `json:"state"`
	Detail string    `json:"detail,omitempty"`
	Since  time.Time `json:"since"`
}

// VehicleMetadata carries static per-vehicle data from the basic data endpoint.
type VehicleMetadata struct {
	VIN          string `json:"vin"`
	Name         string `json:"name,omitempty"`
	Model        string `json:"model,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	SeriesDev    string `json:"series,omitempty"`
	SoftwareVer  string `json:"software_version,omitempty"`
}

// QuotaSnapshot reports current API budget usage for diagnostics.
type QuotaSnapshot struct {
	Used      int        `json:"used"`
	Remaining int        `json:"remaining"`
	NextReset *time.Time `json:"next_reset,omitempty"`
}

// Sink consumes events produced by the session core. The host platform
// implements this; the core never blocks on a slow consumer beyond what the
// implementation allows.
type Sink interface {
	PublishDescriptor(DescriptorUpdate)
	PublishConnection(ConnectionStatus)
	PublishMetadata(VehicleMetadata)
	PublishQuota(QuotaSnapshot)
}

// MultiSink fans events out to several sinks.
type MultiSink []Sink

func (m MultiSink) PublishDescriptor(e DescriptorUpdate) {
	for _, s := range m {
		s.PublishDescriptor(e)
	}
}

func (m MultiSink) PublishConnection(e ConnectionStatus) {
	for _, s := range m {
		s.PublishConnection(e)
	}
}

func (m MultiSink) PublishMetadata(e VehicleMetadata) {
	for _, s := range m {
		s.PublishMetadata(e)
	}
}

func (m MultiSink) PublishQuota(e QuotaSnapshot) {
	for _, s := range m {
		s.PublishQuota(e)
	}
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) PublishDescriptor(DescriptorUpdate) {}
func (NopSink) PublishConnection(ConnectionStatus) {}
func (NopSink) PublishMetadata(VehicleMetadata)    {}
func (NopSink) PublishQuota(QuotaSnapshot)         {}
