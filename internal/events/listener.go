package events

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Devices push notifications with a non-standard verb.
func init() {
	chi.RegisterMethod("NOTIFY")
}

const maxNotifyBody = 256 * 1024

// Start opens the callback listener. The advertised callback URLs use the
// socket's actual port, so ListenPort 0 (ephemeral) works for tests and for
// running several instances side by side.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", m.cfg.ListenPort))
	if err != nil {
		return fmt.Errorf("event listener: %w", err)
	}
	m.listenPort = ln.Addr().(*net.TCPAddr).Port
	if addr, err := outboundAddr(); err == nil {
		m.localAddr = addr
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method("NOTIFY", "/notify/{token}", http.HandlerFunc(m.handleNotify))

	server := &http.Server{Handler: r}
	m.server = server
	m.running = true

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("event listener stopped", zap.Error(err))
		}
	}()

	m.logger.Info("event listener started", zap.Int("port", m.listenPort))
	return nil
}

// Close stops the listener and drops every subscription, cancelling all
// renewal tasks. Network unsubscribes are not attempted here; callers that
// want clean device-side state use UnsubscribeAll first.
func (m *Manager) Close() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	for id := range m.subs {
		m.removeLocked(id)
	}
	server := m.server
	m.server = nil
	m.mu.Unlock()

	return server.Close()
}

// handleNotify processes an inbound notification. Unknown subscription ids
// are rejected at the protocol level with 412 and never reach the handler.
func (m *Manager) handleNotify(w http.ResponseWriter, r *http.Request) {
	sid := r.Header.Get("SID")

	m.mu.Lock()
	sub, known := m.subs[sid]
	handler := m.handler
	m.mu.Unlock()

	if !known {
		m.logger.Debug("notification for unknown subscription",
			zap.String("sid", sid),
			zap.String("path", r.URL.Path),
		)
		http.Error(w, "unknown subscription", http.StatusPreconditionFailed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxNotifyBody))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	evs := decodeNotification(sub.channel, string(body))
	m.logger.Debug("notification",
		zap.String("sid", sid),
		zap.String("channel", string(sub.channel)),
		zap.Int("events", len(evs)),
	)
	if handler != nil {
		for _, ev := range evs {
			handler(sub.deviceIP, ev)
		}
	}
	w.WriteHeader(http.StatusOK)
}

// localAddrFor returns the local IP the OS would use to reach deviceIP; the
// callback URL must carry an address the device can route back to.
func (m *Manager) localAddrFor(deviceIP string) (string, error) {
	conn, err := net.Dial("udp4", net.JoinHostPort(deviceIP, strconv.Itoa(m.devicePort)))
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}

// outboundAddr is a best-effort LAN-facing address for diagnostics. Dialing
// UDP sends no packets.
func outboundAddr() (string, error) {
	conn, err := net.Dial("udp4", "239.255.255.250:1900")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
