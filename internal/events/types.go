package events

import "time"

// Channel names an event stream a device pushes notifications on.
type Channel string

const (
	// ChannelTransport carries playback transport state changes.
	ChannelTransport Channel = "transport"
	// ChannelRendering carries volume and mute changes.
	ChannelRendering Channel = "rendering"
	// ChannelTopology signals that the group layout changed.
	ChannelTopology Channel = "topology"
)

// channelPaths maps a channel to the device-side event endpoint.
var channelPaths = map[Channel]string{
	ChannelTransport: "/MediaRenderer/AVTransport/Event",
	ChannelRendering: "/MediaRenderer/RenderingControl/Event",
	ChannelTopology:  "/ZoneGroupTopology/Event",
}

// Type discriminates decoded events.
type Type string

const (
	TypeTransportState  Type = "transport_state"
	TypeVolume          Type = "volume"
	TypeMute            Type = "mute"
	TypeTopologyChanged Type = "topology_changed"
)

// Event is one decoded state change. A single notification may decode into
// several events (a rendering push can carry volume and mute together).
type Event struct {
	Type           Type
	TransportState string
	Volume         int
	Mute           bool
}

// Handler receives every successfully decoded event.
type Handler func(deviceIP string, ev Event)

// SubscriptionInfo is the read-only view of one live subscription.
type SubscriptionInfo struct {
	ID        string    `json:"id"`
	DeviceIP  string    `json:"deviceIp"`
	Channel   Channel   `json:"channel"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Snapshot is the diagnostics view of the manager.
type Snapshot struct {
	Running       bool               `json:"running"`
	ListenPort    int                `json:"listenPort"`
	LocalAddress  string             `json:"localAddress"`
	Subscriptions []SubscriptionInfo `json:"subscriptions"`
}

// subscription is the registry entry. The renewal task handle lives and dies
// with the entry: every removal path cancels it.
type subscription struct {
	id           string
	deviceIP     string
	channel      Channel
	expiresAt    time.Time
	callbackPath string
	renewal      *renewalTask
}
