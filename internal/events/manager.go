package events

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config tunes subscription leases and the callback listener.
type Config struct {
	// ListenPort for the callback listener; 0 picks an ephemeral port.
	ListenPort int
	// RequestedLease is the lease duration asked of the device.
	RequestedLease time.Duration
	// RenewalMargin is how far before expiry a renewal fires.
	RenewalMargin time.Duration
	// MinRenewalDelay floors the renewal delay so very short leases do not
	// cause renewal storms.
	MinRenewalDelay time.Duration
	// RequestTimeout bounds each subscribe/renew/unsubscribe call.
	RequestTimeout time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.RequestedLease <= 0 {
		out.RequestedLease = time.Hour
	}
	if out.RenewalMargin <= 0 {
		out.RenewalMargin = 5 * time.Minute
	}
	if out.MinRenewalDelay <= 0 {
		out.MinRenewalDelay = time.Minute
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = 5 * time.Second
	}
	return out
}

// renewalTask is the cancel handle for one scheduled renewal. Owning the
// handle inside the registry entry makes cancel-on-remove structural: there
// is no path that deletes a subscription without reaching its task.
type renewalTask struct {
	timer *time.Timer
}

func (t *renewalTask) cancel() {
	if t != nil && t.timer != nil {
		t.timer.Stop()
	}
}

// Manager owns the subscription registry, the renewal timers, and the
// inbound notification listener.
type Manager struct {
	cfg        Config
	logger     *zap.Logger
	httpClient *http.Client
	devicePort int

	mu      sync.Mutex
	running bool
	subs    map[string]*subscription // keyed by subscription id
	handler Handler

	server     *http.Server
	listenPort int
	localAddr  string
}

// NewManager creates a stopped manager; call Start before subscribing.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	c := cfg.withDefaults()
	return &Manager{
		cfg:        c,
		logger:     logger,
		httpClient: &http.Client{Timeout: c.RequestTimeout},
		devicePort: 1400,
		subs:       make(map[string]*subscription),
	}
}

// OnNotification registers the single process-wide handler invoked for every
// successfully decoded event.
func (m *Manager) OnNotification(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// Subscribe opens a subscription on the device's channel and schedules its
// renewal. Failures propagate to the caller.
func (m *Manager) Subscribe(ctx context.Context, deviceIP string, ch Channel) (string, error) {
	path, ok := channelPaths[ch]
	if !ok {
		return "", fmt.Errorf("unknown channel %q", ch)
	}

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return "", fmt.Errorf("event manager not started")
	}
	port := m.listenPort
	m.mu.Unlock()

	callbackPath := "/notify/" + uuid.New().String()
	localIP, err := m.localAddrFor(deviceIP)
	if err != nil {
		return "", fmt.Errorf("resolving callback address: %w", err)
	}
	callbackURL := fmt.Sprintf("http://%s:%d%s", localIP, port, callbackPath)

	url := fmt.Sprintf("http://%s:%d%s", deviceIP, m.devicePort, path)
	req, err := http.NewRequestWithContext(ctx, "SUBSCRIBE", url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("CALLBACK", "<"+callbackURL+">")
	req.Header.Set("NT", "upnp:event")
	req.Header.Set("TIMEOUT", formatLease(m.cfg.RequestedLease))

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("subscribe %s/%s: %w", deviceIP, ch, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("subscribe %s/%s: status %d", deviceIP, ch, resp.StatusCode)
	}

	sid := resp.Header.Get("SID")
	if sid == "" {
		return "", fmt.Errorf("subscribe %s/%s: response missing SID", deviceIP, ch)
	}
	lease := parseLease(resp.Header.Get("TIMEOUT"), m.cfg.RequestedLease)

	sub := &subscription{
		id:           sid,
		deviceIP:     deviceIP,
		channel:      ch,
		expiresAt:    time.Now().Add(lease),
		callbackPath: callbackPath,
	}

	m.mu.Lock()
	m.subs[sid] = sub
	m.scheduleRenewalLocked(sub)
	m.mu.Unlock()

	m.logger.Info("subscribed",
		zap.String("deviceIP", deviceIP),
		zap.String("channel", string(ch)),
		zap.String("sid", sid),
		zap.Duration("lease", lease),
	)
	return sid, nil
}

// renew runs from a fired renewal timer. Renewals for one subscription are
// strictly serialized: each entry carries at most one pending timer and the
// next one is only scheduled after this attempt resolves.
func (m *Manager) renew(id string) {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	deviceIP, ch, path := sub.deviceIP, sub.channel, channelPaths[sub.channel]
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RequestTimeout)
	defer cancel()

	lease, err := m.renewOnce(ctx, deviceIP, path, id)
	if err == nil {
		m.mu.Lock()
		if sub, ok := m.subs[id]; ok {
			sub.expiresAt = time.Now().Add(lease)
			m.scheduleRenewalLocked(sub)
		}
		m.mu.Unlock()
		m.logger.Debug("renewed subscription", zap.String("sid", id), zap.Duration("lease", lease))
		return
	}

	// The device forgot us (reboot, lease lapse). Drop the stale record and
	// transparently subscribe again; callers observe continuity.
	m.mu.Lock()
	_, present := m.subs[id]
	if present {
		m.removeLocked(id)
	}
	m.mu.Unlock()
	if !present {
		// Unsubscribed while the renewal was in flight; restoring it now
		// would resurrect a subscription the caller explicitly dropped.
		return
	}
	m.logger.Warn("renewal failed, resubscribing",
		zap.String("sid", id),
		zap.String("deviceIP", deviceIP),
		zap.Error(err),
	)

	resubCtx, resubCancel := context.WithTimeout(context.Background(), m.cfg.RequestTimeout)
	defer resubCancel()
	if _, err := m.Subscribe(resubCtx, deviceIP, ch); err != nil {
		// No retry loop: the subscription is simply gone until the
		// orchestration layer asks for it again.
		m.logger.Error("resubscribe failed, subscription dropped",
			zap.String("deviceIP", deviceIP),
			zap.String("channel", string(ch)),
			zap.Error(err),
		)
	}
}

func (m *Manager) renewOnce(ctx context.Context, deviceIP, path, sid string) (time.Duration, error) {
	url := fmt.Sprintf("http://%s:%d%s", deviceIP, m.devicePort, path)
	req, err := http.NewRequestWithContext(ctx, "SUBSCRIBE", url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("SID", sid)
	req.Header.Set("TIMEOUT", formatLease(m.cfg.RequestedLease))

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("renew status %d", resp.StatusCode)
	}
	return parseLease(resp.Header.Get("TIMEOUT"), m.cfg.RequestedLease), nil
}

// Unsubscribe removes a subscription: best-effort on the network, guaranteed
// locally.
func (m *Manager) Unsubscribe(ctx context.Context, id string) {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if ok {
		m.removeLocked(id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if err := m.unsubscribeDevice(ctx, sub); err != nil {
		m.logger.Warn("network unsubscribe failed",
			zap.String("sid", id), zap.Error(err))
	}
}

// UnsubscribeAll removes every subscription held against deviceIP.
func (m *Manager) UnsubscribeAll(ctx context.Context, deviceIP string) {
	m.mu.Lock()
	var victims []*subscription
	for id, sub := range m.subs {
		if sub.deviceIP == deviceIP {
			victims = append(victims, sub)
			m.removeLocked(id)
		}
	}
	m.mu.Unlock()

	for _, sub := range victims {
		if err := m.unsubscribeDevice(ctx, sub); err != nil {
			m.logger.Warn("network unsubscribe failed",
				zap.String("sid", sub.id), zap.Error(err))
		}
	}
}

func (m *Manager) unsubscribeDevice(ctx context.Context, sub *subscription) error {
	url := fmt.Sprintf("http://%s:%d%s", sub.deviceIP, m.devicePort, channelPaths[sub.channel])
	req, err := http.NewRequestWithContext(ctx, "UNSUBSCRIBE", url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("SID", sub.id)
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unsubscribe status %d", resp.StatusCode)
	}
	return nil
}

// removeLocked deletes the registry entry and cancels its renewal task.
// Callers hold m.mu.
func (m *Manager) removeLocked(id string) {
	if sub, ok := m.subs[id]; ok {
		sub.renewal.cancel()
		sub.renewal = nil
		delete(m.subs, id)
	}
}

// scheduleRenewalLocked attaches a fresh renewal task to sub, replacing any
// previous one. Callers hold m.mu.
func (m *Manager) scheduleRenewalLocked(sub *subscription) {
	sub.renewal.cancel()
	delay := time.Until(sub.expiresAt) - m.cfg.RenewalMargin
	if delay < m.cfg.MinRenewalDelay {
		delay = m.cfg.MinRenewalDelay
	}
	id := sub.id
	sub.renewal = &renewalTask{timer: time.AfterFunc(delay, func() { m.renew(id) })}
}

// Snapshot returns the diagnostics view.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{
		Running:      m.running,
		ListenPort:   m.listenPort,
		LocalAddress: m.localAddr,
	}
	for _, sub := range m.subs {
		snap.Subscriptions = append(snap.Subscriptions, SubscriptionInfo{
			ID:        sub.id,
			DeviceIP:  sub.deviceIP,
			Channel:   sub.channel,
			ExpiresAt: sub.expiresAt,
		})
	}
	return snap
}

// formatLease renders a lease duration as the wire header value.
func formatLease(d time.Duration) string {
	return "Second-" + strconv.Itoa(int(d.Seconds()))
}

// parseLease reads a granted lease header ("Second-1800"); unparseable or
// infinite grants fall back to the requested lease.
func parseLease(header string, fallback time.Duration) time.Duration {
	v := strings.TrimPrefix(strings.TrimSpace(header), "Second-")
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}
