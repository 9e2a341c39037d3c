package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/castbridge/castbridge/internal/discovery"
	"github.com/castbridge/castbridge/internal/events"
	"github.com/castbridge/castbridge/internal/relay"
	"github.com/castbridge/castbridge/internal/topology"
)

type stubDevices struct {
	devices    []discovery.Device
	forceSeen  bool
	refreshArg bool
}

func (s *stubDevices) Discover(_ context.Context, force bool) []discovery.Device {
	s.forceSeen = true
	s.refreshArg = force
	return s.devices
}

type stubGroups struct {
	groups []topology.Group
	err    error
}

func (s *stubGroups) Groups(context.Context, string) ([]topology.Group, error) {
	return s.groups, s.err
}

type controlCall struct {
	op       string
	deviceIP string
	arg      string
}

type stubControl struct {
	calls   []controlCall
	failOps map[string]error
	volume  int
}

func (s *stubControl) fail(op string) error {
	if s.failOps == nil {
		return nil
	}
	return s.failOps[op]
}

func (s *stubControl) SetStreamURI(_ context.Context, deviceIP, streamURL, _ string) error {
	s.calls = append(s.calls, controlCall{"seturi", deviceIP, streamURL})
	return s.fail("seturi")
}

func (s *stubControl) Play(_ context.Context, deviceIP string) error {
	s.calls = append(s.calls, controlCall{"play", deviceIP, ""})
	return s.fail("play")
}

func (s *stubControl) Stop(_ context.Context, deviceIP string) error {
	s.calls = append(s.calls, controlCall{"stop", deviceIP, ""})
	return s.fail("stop")
}

func (s *stubControl) GetVolume(_ context.Context, deviceIP string) (int, error) {
	s.calls = append(s.calls, controlCall{"getvol", deviceIP, ""})
	return s.volume, s.fail("getvol")
}

func (s *stubControl) SetVolume(_ context.Context, deviceIP string, _ int) error {
	s.calls = append(s.calls, controlCall{"setvol", deviceIP, ""})
	return s.fail("setvol")
}

type stubEvents struct {
	subscribed   []string
	unsubscribed []string
	subErr       error
	snap         events.Snapshot
}

func (s *stubEvents) Subscribe(_ context.Context, deviceIP string, ch events.Channel) (string, error) {
	s.subscribed = append(s.subscribed, deviceIP+"/"+string(ch))
	return "uuid:test-sub", s.subErr
}

func (s *stubEvents) UnsubscribeAll(_ context.Context, deviceIP string) {
	s.unsubscribed = append(s.unsubscribed, deviceIP)
}

func (s *stubEvents) Snapshot() events.Snapshot { return s.snap }

type testEnv struct {
	devices *stubDevices
	groups  *stubGroups
	control *stubControl
	events  *stubEvents
	relay   *relay.Relay
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		devices: &stubDevices{},
		groups:  &stubGroups{},
		control: &stubControl{volume: 25},
		events:  &stubEvents{},
		relay:   relay.New(relay.Config{}, zap.NewNop()),
	}
	srv := NewServer(env.devices, env.groups, env.control, env.events, env.relay, "http://bridge.local:8090", zap.NewNop())
	env.handler = NewRouter(srv, zap.NewNop())
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleDevices(t *testing.T) {
	env := newTestEnv(t)
	env.devices.devices = []discovery.Device{
		{UUID: "RINCON_1", IP: "192.168.1.50", DescriptorURL: "http://192.168.1.50:1400/xml/device_description.xml"},
	}

	rec := env.do(t, http.MethodGet, "/api/devices?refresh=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.devices.refreshArg, "refresh=1 should force a rescan")

	var out []deviceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "RINCON_1", out[0].UUID)
	assert.Equal(t, "192.168.1.50", out[0].IP)
}

func TestHandleGroups_NoDevices(t *testing.T) {
	env := newTestEnv(t)
	env.groups.err = topology.ErrNoDevicesAvailable

	rec := env.do(t, http.MethodGet, "/api/groups", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleGroups(t *testing.T) {
	env := newTestEnv(t)
	env.groups.groups = []topology.Group{
		{
			ID:            "RINCON_1:42",
			DisplayName:   "Kitchen + Den",
			CoordinatorID: "RINCON_1",
			CoordinatorIP: "192.168.1.50",
			Members: []topology.Member{
				{UUID: "RINCON_1", IP: "192.168.1.50", DisplayName: "Kitchen"},
				{UUID: "RINCON_2", IP: "192.168.1.51", DisplayName: "Den"},
			},
		},
	}

	rec := env.do(t, http.MethodGet, "/api/groups", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out []groupResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "Kitchen + Den", out[0].DisplayName)
	assert.Len(t, out[0].Members, 2)
}

func TestCreateStream_ReturnsTokenAndURLs(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/streams/tab-1", nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var out streamResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "tab-1", out.StreamID)
	assert.NotEmpty(t, out.IngestToken)
	assert.Equal(t, "ws://bridge.local:8090/ingest/tab-1?token="+out.IngestToken, out.IngestURL)
	assert.Equal(t, "http://bridge.local:8090/stream/tab-1", out.LiveURL)

	// The token must actually be valid for the stream it names.
	assert.NoError(t, env.relay.ValidateIngestToken("tab-1", out.IngestToken))

	_, ok := env.relay.Get("tab-1")
	assert.True(t, ok)
}

func TestPlay_BindsDeviceAndSubscribes(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/streams/tab-1", nil)

	rec := env.do(t, http.MethodPost, "/api/streams/tab-1/play", playRequest{DeviceIP: "192.168.1.50"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	require.Len(t, env.control.calls, 2)
	assert.Equal(t, "seturi", env.control.calls[0].op)
	assert.Equal(t, "http://bridge.local:8090/stream/tab-1", env.control.calls[0].arg)
	assert.Equal(t, "play", env.control.calls[1].op)

	stream, ok := env.relay.Get("tab-1")
	require.True(t, ok)
	assert.Equal(t, "192.168.1.50", stream.DeviceIP())

	assert.ElementsMatch(t, []string{
		"192.168.1.50/transport",
		"192.168.1.50/rendering",
	}, env.events.subscribed)
}

func TestPlay_DeviceRejectsURI(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/streams/tab-1", nil)
	env.control.failOps = map[string]error{"seturi": assert.AnError}

	rec := env.do(t, http.MethodPost, "/api/streams/tab-1/play", playRequest{DeviceIP: "192.168.1.50"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	stream, _ := env.relay.Get("tab-1")
	assert.Empty(t, stream.DeviceIP(), "failed play should not bind the device")
	assert.Empty(t, env.events.subscribed)
}

func TestPlay_UnknownStream(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/streams/nope/play", playRequest{DeviceIP: "192.168.1.50"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteStream_StopsDeviceAndTearsDown(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/streams/tab-1", nil)
	env.do(t, http.MethodPost, "/api/streams/tab-1/play", playRequest{DeviceIP: "192.168.1.50"})
	env.control.calls = nil

	rec := env.do(t, http.MethodDelete, "/api/streams/tab-1", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	require.Len(t, env.control.calls, 1)
	assert.Equal(t, "stop", env.control.calls[0].op)
	assert.Equal(t, []string{"192.168.1.50"}, env.events.unsubscribed)

	_, ok := env.relay.Get("tab-1")
	assert.False(t, ok)
}

func TestDeleteStream_StopFailureStillTearsDown(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/streams/tab-1", nil)
	env.do(t, http.MethodPost, "/api/streams/tab-1/play", playRequest{DeviceIP: "192.168.1.50"})
	env.control.failOps = map[string]error{"stop": assert.AnError}

	rec := env.do(t, http.MethodDelete, "/api/streams/tab-1", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	_, ok := env.relay.Get("tab-1")
	assert.False(t, ok)
}

func TestStreamMetadata(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/streams/tab-1", nil)

	rec := env.do(t, http.MethodPost, "/api/streams/tab-1/metadata", relay.Metadata{
		Title:  "Holocene",
		Artist: "Bon Iver",
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	stream, _ := env.relay.Get("tab-1")
	assert.Equal(t, "Holocene", stream.Metadata().Title)
	assert.Equal(t, "Bon Iver", stream.Metadata().Artist)
}

func TestVolumeRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/devices/192.168.1.50/volume", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 25, out["volume"])

	rec = env.do(t, http.MethodPost, "/api/devices/192.168.1.50/volume", map[string]int{"volume": 40})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	require.Len(t, env.control.calls, 2)
	assert.Equal(t, "setvol", env.control.calls[1].op)
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/streams/tab-1", nil)
	env.events.snap = events.Snapshot{
		Running:    true,
		ListenPort: 43211,
		Subscriptions: []events.SubscriptionInfo{
			{ID: "uuid:sub-1", DeviceIP: "192.168.1.50", Channel: events.ChannelTransport, ExpiresAt: time.Now().Add(time.Hour)},
		},
	}

	rec := env.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Streams, 1)
	assert.Equal(t, "tab-1", out.Streams[0].StreamID)
	require.Len(t, out.Subscriptions, 1)
	assert.Equal(t, "transport", out.Subscriptions[0].Channel)
	assert.True(t, out.EventListener.Running)
}
