package relay

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrTooManyConsumers is returned once the per-stream consumer cap is
	// reached; attach attempts are rejected explicitly, never dropped.
	ErrTooManyConsumers = errors.New("too many consumers")

	// ErrStreamClosed is returned for operations on a torn-down stream.
	ErrStreamClosed = errors.New("stream closed")

	// ErrInvalidToken rejects producer attachment with a bad/expired token.
	ErrInvalidToken = errors.New("invalid ingest token")
)

// Config bounds per-stream memory and consumer fan-out.
type Config struct {
	MaxConsumers    int
	MaxBufferFrames int
	TokenTTL        time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.MaxConsumers <= 0 {
		out.MaxConsumers = 8
	}
	if out.MaxBufferFrames <= 0 {
		out.MaxBufferFrames = 64
	}
	if out.TokenTTL <= 0 {
		out.TokenTTL = 30 * time.Second
	}
	return out
}

// Relay owns the stream registry. It is a process-scoped service object,
// constructed once and injected where needed.
type Relay struct {
	cfg    Config
	logger *zap.Logger
	tokens *tokenStore

	mu      sync.Mutex
	streams map[string]*Stream
}

// New creates an empty relay.
func New(cfg Config, logger *zap.Logger) *Relay {
	c := cfg.withDefaults()
	return &Relay{
		cfg:     c,
		logger:  logger,
		tokens:  newTokenStore(c.TokenTTL),
		streams: make(map[string]*Stream),
	}
}

// CreateOrGet returns the stream for id, creating it on first use.
// Idempotent.
func (r *Relay) CreateOrGet(id string) *Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.streams[id]; ok {
		return s
	}
	s := newStream(id, r.cfg, r.logger)
	r.streams[id] = s
	r.logger.Info("stream created", zap.String("streamID", id))
	return s
}

// Get returns the stream for id if it exists.
func (r *Relay) Get(id string) (*Stream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[id]
	return s, ok
}

// Remove tears a stream down: every consumer is shed, the replay buffer is
// released, and outstanding ingest tokens for the stream are revoked.
func (r *Relay) Remove(id string) {
	r.mu.Lock()
	s, ok := r.streams[id]
	delete(r.streams, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	r.tokens.revokeStream(id)
	s.close()
	r.logger.Info("stream removed", zap.String("streamID", id))
}

// IssueIngestToken mints a short-lived, stream-scoped producer credential.
func (r *Relay) IssueIngestToken(streamID string) string {
	return r.tokens.issue(streamID)
}

// ValidateIngestToken checks a producer credential before attachment.
func (r *Relay) ValidateIngestToken(streamID, token string) error {
	return r.tokens.validate(streamID, token)
}

// StreamIDs lists live streams for diagnostics.
func (r *Relay) StreamIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.streams))
	for id := range r.streams {
		ids = append(ids, id)
	}
	return ids
}

// Producer is an opaque handle for one attached producer connection. More
// than one may be live at once (transient reconnect overlap); frames from
// any of them are accepted.
type Producer struct {
	attachedAt time.Time
}

// Stream is the per-id relay state: replay buffer, consumer set, metadata.
type Stream struct {
	id     string
	cfg    Config
	logger *zap.Logger

	mu           sync.Mutex
	closed       bool
	producers    map[*Producer]bool
	consumers    map[*Consumer]bool
	buffer       [][]byte
	meta         Metadata
	metaSet      bool
	metaBlock    []byte
	deviceIP     string
	lastActivity time.Time
}

func newStream(id string, cfg Config, logger *zap.Logger) *Stream {
	return &Stream{
		id:           id,
		cfg:          cfg,
		logger:       logger,
		producers:    make(map[*Producer]bool),
		consumers:    make(map[*Consumer]bool),
		lastActivity: time.Now(),
	}
}

// ID returns the stream id.
func (s *Stream) ID() string { return s.id }

// SetDeviceIP associates the stream with the playback coordinator.
func (s *Stream) SetDeviceIP(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceIP = ip
}

// DeviceIP returns the associated coordinator address, if any.
func (s *Stream) DeviceIP() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceIP
}

// AttachProducer registers a producer connection and returns its handle.
func (s *Stream) AttachProducer() (*Producer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStreamClosed
	}
	p := &Producer{attachedAt: time.Now()}
	s.producers[p] = true
	s.lastActivity = time.Now()
	return p, nil
}

// DetachProducer removes a producer handle.
func (s *Stream) DetachProducer(p *Producer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.producers, p)
}

// ProducerCount reports attached producers (diagnostics).
func (s *Stream) ProducerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.producers)
}

// ConsumerCount reports attached consumers (diagnostics).
func (s *Stream) ConsumerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.consumers)
}

// PushFrame appends a frame to the replay buffer (dropping the oldest frame
// when full) and forwards it synchronously to every active consumer. A
// consumer whose forward fails is marked and pruned after the iteration,
// never mid-walk.
func (s *Stream) PushFrame(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}

	s.buffer = append(s.buffer, frame)
	if len(s.buffer) > s.cfg.MaxBufferFrames {
		s.buffer = s.buffer[1:]
	}
	s.lastActivity = time.Now()

	var failed []*Consumer
	for c := range s.consumers {
		select {
		case c.frames <- frame:
		default:
			// Full channel means a dead or hopelessly slow consumer;
			// the producer is never blocked on it.
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		s.dropConsumerLocked(c)
		s.logger.Debug("consumer pruned",
			zap.String("streamID", s.id))
	}
	return nil
}

// Touch records producer activity that carries no frame (heartbeats).
func (s *Stream) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// LastActivity is the liveness signal the orchestration layer polls to
// detect a silent producer.
func (s *Stream) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// OpenConsumer attaches a new consumer, replaying the full current buffer
// ahead of any live frame. Rejects with ErrTooManyConsumers at the cap.
func (s *Stream) OpenConsumer() (*Consumer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStreamClosed
	}
	if len(s.consumers) >= s.cfg.MaxConsumers {
		return nil, ErrTooManyConsumers
	}

	// Channel capacity covers a full replay plus live-frame slack, so the
	// replay preload below can never fail.
	c := &Consumer{
		stream: s,
		frames: make(chan []byte, s.cfg.MaxBufferFrames*2),
	}
	for _, frame := range s.buffer {
		c.frames <- frame
	}
	s.consumers[c] = true
	return c, nil
}

// dropConsumerLocked removes a consumer and closes its channel. Callers hold
// s.mu, which also serializes against in-flight sends.
func (s *Stream) dropConsumerLocked(c *Consumer) {
	if _, ok := s.consumers[c]; !ok {
		return
	}
	delete(s.consumers, c)
	close(c.frames)
}

// close tears the stream down, shedding all consumers and buffers.
func (s *Stream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for c := range s.consumers {
		s.dropConsumerLocked(c)
	}
	s.producers = make(map[*Producer]bool)
	s.buffer = nil
	s.metaBlock = nil
}

// Consumer is one attached playback client. Frames arrive in producer
// submission order; the channel closes when the consumer is dropped or the
// stream is torn down.
type Consumer struct {
	stream *Stream
	frames chan []byte
}

// Frames is the consumer's receive side.
func (c *Consumer) Frames() <-chan []byte { return c.frames }

// Close deregisters the consumer immediately and synchronously.
func (c *Consumer) Close() {
	c.stream.mu.Lock()
	defer c.stream.mu.Unlock()
	c.stream.dropConsumerLocked(c)
}
