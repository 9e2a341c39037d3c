package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/castbridge/castbridge/internal/discovery"
	"github.com/castbridge/castbridge/internal/events"
	"github.com/castbridge/castbridge/internal/relay"
	"github.com/castbridge/castbridge/internal/topology"
)

// DeviceLister finds renderers on the local network.
type DeviceLister interface {
	Discover(ctx context.Context, forceRefresh bool) []discovery.Device
}

// GroupResolver reports the current grouping topology.
type GroupResolver interface {
	Groups(ctx context.Context, deviceIP string) ([]topology.Group, error)
}

// Controller drives playback on a renderer.
type Controller interface {
	SetStreamURI(ctx context.Context, deviceIP, streamURL, title string) error
	Play(ctx context.Context, deviceIP string) error
	Stop(ctx context.Context, deviceIP string) error
	GetVolume(ctx context.Context, deviceIP string) (int, error)
	SetVolume(ctx context.Context, deviceIP string, volume int) error
}

// EventSource manages device event subscriptions.
type EventSource interface {
	Subscribe(ctx context.Context, deviceIP string, ch events.Channel) (string, error)
	UnsubscribeAll(ctx context.Context, deviceIP string)
	Snapshot() events.Snapshot
}

type Server struct {
	devices DeviceLister
	groups  GroupResolver
	control Controller
	events  EventSource
	relay   *relay.Relay
	logger  *zap.Logger

	// advertiseBase, when set, is the scheme://host:port clients and
	// renderers should use to reach this process. Falls back to the
	// Host header of the incoming request.
	advertiseBase string
}

func NewServer(devices DeviceLister, groups GroupResolver, control Controller, ev EventSource, rl *relay.Relay, advertiseBase string, logger *zap.Logger) *Server {
	return &Server{
		devices:       devices,
		groups:        groups,
		control:       control,
		events:        ev,
		relay:         rl,
		logger:        logger,
		advertiseBase: advertiseBase,
	}
}

type deviceResponse struct {
	UUID          string `json:"uuid"`
	IP            string `json:"ip"`
	DescriptorURL string `json:"descriptor_url"`
}

type memberResponse struct {
	UUID        string `json:"uuid"`
	IP          string `json:"ip"`
	DisplayName string `json:"display_name"`
	ModelLabel  string `json:"model_label,omitempty"`
}

type groupResponse struct {
	ID            string           `json:"id"`
	DisplayName   string           `json:"display_name"`
	CoordinatorID string           `json:"coordinator_id"`
	CoordinatorIP string           `json:"coordinator_ip"`
	Members       []memberResponse `json:"members"`
}

type streamResponse struct {
	StreamID    string `json:"stream_id"`
	IngestToken string `json:"ingest_token"`
	IngestURL   string `json:"ingest_url"`
	LiveURL     string `json:"live_url"`
}

type streamStatus struct {
	StreamID     string         `json:"stream_id"`
	DeviceIP     string         `json:"device_ip,omitempty"`
	Producers    int            `json:"producers"`
	Consumers    int            `json:"consumers"`
	Metadata     relay.Metadata `json:"metadata"`
	LastActivity time.Time      `json:"last_activity"`
}

type statusResponse struct {
	Streams       []streamStatus       `json:"streams"`
	Subscriptions []subscriptionStatus `json:"subscriptions"`
	EventListener eventListenerStatus  `json:"event_listener"`
}

type subscriptionStatus struct {
	ID        string    `json:"id"`
	DeviceIP  string    `json:"device_ip"`
	Channel   string    `json:"channel"`
	ExpiresAt time.Time `json:"expires_at"`
}

type eventListenerStatus struct {
	Running    bool   `json:"running"`
	ListenPort int    `json:"listen_port,omitempty"`
	LocalAddr  string `json:"local_addr,omitempty"`
}

type playRequest struct {
	DeviceIP string `json:"device_ip"`
	Volume   *int   `json:"volume,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("refresh") == "1"
	devices := s.devices.Discover(r.Context(), force)

	out := make([]deviceResponse, 0, len(devices))
	for _, d := range devices {
		out = append(out, deviceResponse{
			UUID:          d.UUID,
			IP:            d.IP,
			DescriptorURL: d.DescriptorURL,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	deviceIP := r.URL.Query().Get("device")
	groups, err := s.groups.Groups(r.Context(), deviceIP)
	if err != nil {
		if errors.Is(err, topology.ErrNoDevicesAvailable) {
			writeError(w, http.StatusServiceUnavailable, "no devices available")
			return
		}
		s.logger.Warn("topology query failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "topology query failed")
		return
	}

	out := make([]groupResponse, 0, len(groups))
	for _, g := range groups {
		members := make([]memberResponse, 0, len(g.Members))
		for _, m := range g.Members {
			members = append(members, memberResponse{
				UUID:        m.UUID,
				IP:          m.IP,
				DisplayName: m.DisplayName,
				ModelLabel:  m.ModelLabel,
			})
		}
		out = append(out, groupResponse{
			ID:            g.ID,
			DisplayName:   g.DisplayName,
			CoordinatorID: g.CoordinatorID,
			CoordinatorIP: g.CoordinatorIP,
			Members:       members,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateStream(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "streamID")
	if streamID == "" {
		writeError(w, http.StatusBadRequest, "stream id required")
		return
	}

	s.relay.CreateOrGet(streamID)
	token := s.relay.IssueIngestToken(streamID)

	base := s.baseURL(r)
	writeJSON(w, http.StatusCreated, streamResponse{
		StreamID:    streamID,
		IngestToken: token,
		IngestURL:   wsBase(base) + "/ingest/" + streamID + "?token=" + token,
		LiveURL:     base + "/stream/" + streamID,
	})
}

func (s *Server) handleDeleteStream(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "streamID")
	stream, ok := s.relay.Get(streamID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown stream")
		return
	}

	// Stop playback and drop subscriptions before tearing the stream
	// down. Both are best-effort: the stream goes away regardless.
	if ip := stream.DeviceIP(); ip != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.control.Stop(ctx, ip); err != nil {
			s.logger.Warn("stop on stream delete failed",
				zap.String("stream", streamID),
				zap.String("device", ip),
				zap.Error(err),
			)
		}
		s.events.UnsubscribeAll(ctx, ip)
	}

	s.relay.Remove(streamID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStreamMetadata(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "streamID")
	stream, ok := s.relay.Get(streamID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown stream")
		return
	}

	var md relay.Metadata
	if err := json.NewDecoder(r.Body).Decode(&md); err != nil {
		writeError(w, http.StatusBadRequest, "invalid metadata payload")
		return
	}

	stream.SetMetadata(md)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "streamID")
	stream, ok := s.relay.Get(streamID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown stream")
		return
	}

	var req playRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceIP == "" {
		writeError(w, http.StatusBadRequest, "device_ip required")
		return
	}

	streamURL := s.baseURL(r) + "/stream/" + streamID
	title := stream.Metadata().Title
	if title == "" {
		title = "CastBridge"
	}

	if err := s.control.SetStreamURI(r.Context(), req.DeviceIP, streamURL, title); err != nil {
		s.logger.Warn("set stream uri failed", zap.String("device", req.DeviceIP), zap.Error(err))
		writeError(w, http.StatusBadGateway, "device rejected stream url")
		return
	}
	if req.Volume != nil {
		if err := s.control.SetVolume(r.Context(), req.DeviceIP, *req.Volume); err != nil {
			s.logger.Warn("set volume failed", zap.String("device", req.DeviceIP), zap.Error(err))
		}
	}
	if err := s.control.Play(r.Context(), req.DeviceIP); err != nil {
		s.logger.Warn("play failed", zap.String("device", req.DeviceIP), zap.Error(err))
		writeError(w, http.StatusBadGateway, "device refused to play")
		return
	}

	stream.SetDeviceIP(req.DeviceIP)

	// Event subscriptions keep playback state visible in /api/status.
	// Playback already started, so failures here only degrade status.
	for _, ch := range []events.Channel{events.ChannelTransport, events.ChannelRendering} {
		if _, err := s.events.Subscribe(r.Context(), req.DeviceIP, ch); err != nil {
			s.logger.Warn("event subscribe failed",
				zap.String("device", req.DeviceIP),
				zap.String("channel", string(ch)),
				zap.Error(err),
			)
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "streamID")
	stream, ok := s.relay.Get(streamID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown stream")
		return
	}

	ip := stream.DeviceIP()
	if ip == "" {
		writeError(w, http.StatusConflict, "stream is not bound to a device")
		return
	}

	if err := s.control.Stop(r.Context(), ip); err != nil {
		s.logger.Warn("stop failed", zap.String("device", ip), zap.Error(err))
		writeError(w, http.StatusBadGateway, "device refused to stop")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleVolume(w http.ResponseWriter, r *http.Request) {
	deviceIP := chi.URLParam(r, "deviceIP")

	switch r.Method {
	case http.MethodGet:
		vol, err := s.control.GetVolume(r.Context(), deviceIP)
		if err != nil {
			writeError(w, http.StatusBadGateway, "volume query failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"volume": vol})
	case http.MethodPost:
		var body struct {
			Volume int `json:"volume"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid volume payload")
			return
		}
		if err := s.control.SetVolume(r.Context(), deviceIP, body.Volume); err != nil {
			writeError(w, http.StatusBadGateway, "volume change failed")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ids := s.relay.StreamIDs()
	streams := make([]streamStatus, 0, len(ids))
	for _, id := range ids {
		stream, ok := s.relay.Get(id)
		if !ok {
			continue
		}
		streams = append(streams, streamStatus{
			StreamID:     id,
			DeviceIP:     stream.DeviceIP(),
			Producers:    stream.ProducerCount(),
			Consumers:    stream.ConsumerCount(),
			Metadata:     stream.Metadata(),
			LastActivity: stream.LastActivity(),
		})
	}

	snap := s.events.Snapshot()
	subs := make([]subscriptionStatus, 0, len(snap.Subscriptions))
	for _, info := range snap.Subscriptions {
		subs = append(subs, subscriptionStatus{
			ID:        info.ID,
			DeviceIP:  info.DeviceIP,
			Channel:   string(info.Channel),
			ExpiresAt: info.ExpiresAt,
		})
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Streams:       streams,
		Subscriptions: subs,
		EventListener: eventListenerStatus{
			Running:    snap.Running,
			ListenPort: snap.ListenPort,
			LocalAddr:  snap.LocalAddress,
		},
	})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	s.relay.HandleIngest(w, r, chi.URLParam(r, "streamID"))
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	s.relay.HandleLive(w, r, chi.URLParam(r, "streamID"))
}

func (s *Server) baseURL(r *http.Request) string {
	if s.advertiseBase != "" {
		return s.advertiseBase
	}
	return "http://" + r.Host
}

func wsBase(base string) string {
	if len(base) > 7 && base[:7] == "http://" {
		return "ws://" + base[7:]
	}
	if len(base) > 8 && base[:8] == "https://" {
		return "wss://" + base[8:]
	}
	return base
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
