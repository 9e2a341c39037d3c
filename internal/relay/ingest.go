package relay

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a control message to the producer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the producer.
	pongWait = 60 * time.Second

	// Ping period; must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound message size. Encoded audio frames are small; this
	// bound protects the relay from a misbehaving producer.
	maxFrameSize = 512 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 1024,
	// The ingest endpoint is reached from a browser extension; the token
	// is the credential, not the origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ingestEvent is a structured text message on the ingest connection. Binary
// frames are raw audio; the two are discriminated by websocket frame type.
type ingestEvent struct {
	Type   string `json:"type"`
	Title  string `json:"title,omitempty"`
	Artist string `json:"artist,omitempty"`
	Album  string `json:"album,omitempty"`
}

// HandleIngest upgrades a producer connection onto streamID. The request
// must carry a valid stream-scoped token in the "token" query parameter.
func (r *Relay) HandleIngest(w http.ResponseWriter, req *http.Request, streamID string) {
	token := req.URL.Query().Get("token")
	if err := r.ValidateIngestToken(streamID, token); err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	stream, ok := r.Get(streamID)
	if !ok {
		http.Error(w, "unknown stream", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("ingest upgrade failed",
			zap.String("streamID", streamID), zap.Error(err))
		return
	}

	producer, err := stream.AttachProducer()
	if err != nil {
		_ = conn.Close()
		return
	}
	r.logger.Info("producer attached", zap.String("streamID", streamID))

	go r.pingLoop(conn, streamID)
	r.readLoop(conn, stream, producer)
}

func (r *Relay) readLoop(conn *websocket.Conn, stream *Stream, producer *Producer) {
	defer func() {
		stream.DetachProducer(producer)
		_ = conn.Close()
		r.logger.Info("producer detached", zap.String("streamID", stream.ID()))
	}()

	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Debug("ingest read error",
					zap.String("streamID", stream.ID()), zap.Error(err))
			}
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			if err := stream.PushFrame(data); err != nil {
				return
			}
		case websocket.TextMessage:
			r.handleIngestEvent(stream, data)
		}
	}
}

func (r *Relay) handleIngestEvent(stream *Stream, data []byte) {
	var ev ingestEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		r.logger.Debug("malformed ingest event",
			zap.String("streamID", stream.ID()), zap.Error(err))
		return
	}
	switch ev.Type {
	case "metadata":
		stream.SetMetadata(Metadata{Title: ev.Title, Artist: ev.Artist, Album: ev.Album})
		stream.Touch()
	case "heartbeat":
		stream.Touch()
	default:
		r.logger.Debug("unknown ingest event type",
			zap.String("streamID", stream.ID()), zap.String("type", ev.Type))
	}
}

func (r *Relay) pingLoop(conn *websocket.Conn, streamID string) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
			return
		}
	}
}
