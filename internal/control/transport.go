package control

import (
	"context"
	"fmt"
	"strconv"
)

// Service namespaces and control paths for the playback actions the bridge
// drives. Only the coordinator of a group receives these.
const (
	avTransportNS   = "urn:schemas-upnp-org:service:AVTransport:1"
	avTransportPath = "/MediaRenderer/AVTransport/Control"

	renderingNS   = "urn:schemas-upnp-org:service:RenderingControl:1"
	renderingPath = "/MediaRenderer/RenderingControl/Control"
)

// SetStreamURI points the device's transport at the relay's live endpoint.
func (c *Client) SetStreamURI(ctx context.Context, deviceIP, streamURL, title string) error {
	meta := didlLite(title)
	_, err := c.Send(ctx, deviceIP, avTransportPath, avTransportNS, "SetAVTransportURI", map[string]string{
		"InstanceID":         "0",
		"CurrentURI":         streamURL,
		"CurrentURIMetaData": meta,
	})
	return err
}

// Play starts playback on the current transport URI.
func (c *Client) Play(ctx context.Context, deviceIP string) error {
	_, err := c.Send(ctx, deviceIP, avTransportPath, avTransportNS, "Play", map[string]string{
		"InstanceID": "0",
		"Speed":      "1",
	})
	return err
}

// Stop halts playback. A device that is already stopped answers with the
// transition-not-available fault; that outcome is a success for the caller.
func (c *Client) Stop(ctx context.Context, deviceIP string) error {
	_, err := c.Send(ctx, deviceIP, avTransportPath, avTransportNS, "Stop", map[string]string{
		"InstanceID": "0",
	})
	if err != nil && FaultCode(err) == faultTransitionNotAvailable {
		return nil
	}
	return err
}

// GetVolume reads the master volume (0-100).
func (c *Client) GetVolume(ctx context.Context, deviceIP string) (int, error) {
	body, err := c.Send(ctx, deviceIP, renderingPath, renderingNS, "GetVolume", map[string]string{
		"InstanceID": "0",
		"Channel":    "Master",
	})
	if err != nil {
		return 0, err
	}
	raw, ok := ExtractTag(body, "CurrentVolume")
	if !ok {
		return 0, fmt.Errorf("volume response missing CurrentVolume")
	}
	vol, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parsing volume %q: %w", raw, err)
	}
	return vol, nil
}

// SetVolume sets the master volume (0-100).
func (c *Client) SetVolume(ctx context.Context, deviceIP string, volume int) error {
	if volume < 0 {
		volume = 0
	}
	if volume > 100 {
		volume = 100
	}
	_, err := c.Send(ctx, deviceIP, renderingPath, renderingNS, "SetVolume", map[string]string{
		"InstanceID":    "0",
		"Channel":       "Master",
		"DesiredVolume": strconv.Itoa(volume),
	})
	return err
}

// didlLite wraps a display title in the minimal item document legacy
// renderers expect alongside a stream URI.
func didlLite(title string) string {
	inner := fmt.Sprintf(`<DIDL-Lite xmlns="urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/" xmlns:dc="http://purl.org/dc/elements/1.1/" xmlns:upnp="urn:schemas-upnp-org:metadata-1-0/upnp/">`+
		`<item id="-1" parentID="-1" restricted="true">`+
		`<dc:title>%s</dc:title>`+
		`<upnp:class>object.item.audioItem.audioBroadcast</upnp:class>`+
		`</item></DIDL-Lite>`, EscapeXML(title))
	return inner
}
