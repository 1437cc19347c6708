package metadata

import "sort"

// Metadata is the typed extension field carried by driver and passenger
// messages and by the frames that wrap them on a virtual channel.
type Metadata map[string]string

// Well-known keys stamped onto frames and notification messages.
const (
	KeyFrameType     = "frame_type"
	KeyClientID      = "client_id"
	KeyRouteID       = "route_id"
	KeyBusID         = "bus_id"
	KeyBroadcastID   = "broadcast_id"
	KeyCorrelationID = "correlation_id"
	KeySource        = "source"
	KeyStopEvent     = "stop_event"
	KeyForcedOffline = "forced_offline"
	KeyEmergencyNote = "emergency_note"

	KeyNotificationKind = "notification_kind"
	KeyPassengerID      = "passenger_id"
)

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map. A nil map clones to an
// empty, non-nil map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a copy containing key=value.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a copy with entries layered on top.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// Get returns the value stored under key or fallback when absent.
func (m Metadata) Get(key, fallback string) string {
	if v, ok := m[key]; ok {
		return v
	}
	return fallback
}

// Keys returns the sorted key set.
func (m Metadata) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// New constructs a Metadata map from alternating key/value pairs. A trailing
// key without a value is ignored.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
