package topology

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/castbridge/castbridge/internal/control"
	"github.com/castbridge/castbridge/internal/discovery"
)

type stubSender struct {
	body string
	err  error
	ip   string
}

func (s *stubSender) Send(_ context.Context, deviceIP, _, _, _ string, _ map[string]string) (string, error) {
	s.ip = deviceIP
	return s.body, s.err
}

type stubFinder struct {
	devices []discovery.Device
}

func (s *stubFinder) Discover(context.Context, bool) []discovery.Device {
	return s.devices
}

const sampleState = `<ZoneGroups>` +
	`<ZoneGroup Coordinator="RINCON_AAA" ID="RINCON_AAA:12">` +
	`<ZoneGroupMember UUID="RINCON_AAA" Location="http://192.168.1.50:1400/xml/device_description.xml" ZoneName="Living Room" Icon="x-rincon-roomicon:living"/>` +
	`<ZoneGroupMember UUID="RINCON_BBB" Location="http://192.168.1.51:1400/xml/device_description.xml" ZoneName="Kitchen" Icon="x-rincon-roomicon:kitchen"/>` +
	`<ZoneGroupMember UUID="RINCON_BRIDGE" Location="http://192.168.1.52:1400/xml/device_description.xml" ZoneName="BRIDGE" Icon="x-rincon-roomicon:zonebridge" IsZoneBridge="1"/>` +
	`</ZoneGroup>` +
	`<ZoneGroup Coordinator="RINCON_ONLYBRIDGE" ID="RINCON_ONLYBRIDGE:3">` +
	`<ZoneGroupMember UUID="RINCON_ONLYBRIDGE" Location="http://192.168.1.53:1400/x.xml" ZoneName="BOOST" IsZoneBridge="1"/>` +
	`</ZoneGroup>` +
	`</ZoneGroups>`

func envelopeWith(state string) string {
	return `<s:Envelope><s:Body><u:GetZoneGroupStateResponse><ZoneGroupState>` +
		control.EscapeXML(state) +
		`</ZoneGroupState></u:GetZoneGroupStateResponse></s:Body></s:Envelope>`
}

func TestGroups_ParsesAndFiltersBridges(t *testing.T) {
	sender := &stubSender{body: envelopeWith(sampleState)}
	r := NewResolver(sender, nil, zap.NewNop())

	groups, err := r.Groups(context.Background(), "192.168.1.50")
	require.NoError(t, err)
	require.Len(t, groups, 1, "bridge-only group must be dropped")

	g := groups[0]
	assert.Equal(t, "RINCON_AAA", g.ID)
	assert.Equal(t, g.CoordinatorID, g.ID)
	assert.Equal(t, "192.168.1.50", g.CoordinatorIP)
	assert.Equal(t, "Living Room + Kitchen", g.DisplayName)

	require.Len(t, g.Members, 2, "bridge member must be filtered out")
	assert.Equal(t, "living", g.Members[0].ModelLabel)
	assert.Equal(t, "192.168.1.51", g.Members[1].IP)

	// Coordinator always matches exactly one member.
	matches := 0
	for _, m := range g.Members {
		if m.UUID == g.CoordinatorID {
			matches++
		}
	}
	assert.Equal(t, 1, matches)
}

func TestGroups_EscapedZoneName(t *testing.T) {
	state := `<ZoneGroups><ZoneGroup Coordinator="RINCON_1" ID="RINCON_1:1">` +
		`<ZoneGroupMember UUID="RINCON_1" Location="http://10.0.0.9:1400/d.xml" ZoneName="Tom&amp;Jerry&apos;s Den"/>` +
		`</ZoneGroup></ZoneGroups>`
	sender := &stubSender{body: envelopeWith(state)}
	r := NewResolver(sender, nil, zap.NewNop())

	groups, err := r.Groups(context.Background(), "10.0.0.9")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "Tom&Jerry's Den", groups[0].Members[0].DisplayName)
}

func TestGroups_MalformedMemberSkippedNotFatal(t *testing.T) {
	state := `<ZoneGroups><ZoneGroup Coordinator="RINCON_1" ID="RINCON_1:1">` +
		`<ZoneGroupMember ZoneName="No UUID Here"/>` +
		`<ZoneGroupMember UUID="RINCON_1" Location="http://10.0.0.9:1400/d.xml" ZoneName="Den"/>` +
		`</ZoneGroup></ZoneGroups>`
	sender := &stubSender{body: envelopeWith(state)}
	r := NewResolver(sender, nil, zap.NewNop())

	groups, err := r.Groups(context.Background(), "10.0.0.9")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Len(t, groups[0].Members, 1)
}

func TestGroups_NoIPUsesDiscovery(t *testing.T) {
	sender := &stubSender{body: envelopeWith(sampleState)}
	finder := &stubFinder{devices: []discovery.Device{{UUID: "RINCON_AAA", IP: "192.168.1.50"}}}
	r := NewResolver(sender, finder, zap.NewNop())

	_, err := r.Groups(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.50", sender.ip)
}

func TestGroups_NoDevicesAvailable(t *testing.T) {
	r := NewResolver(&stubSender{}, &stubFinder{}, zap.NewNop())
	_, err := r.Groups(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoDevicesAvailable)
}

func TestGroups_ControlErrorPropagates(t *testing.T) {
	sender := &stubSender{err: errors.New("boom")}
	r := NewResolver(sender, nil, zap.NewNop())
	_, err := r.Groups(context.Background(), "10.0.0.9")
	assert.Error(t, err)
}
