package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// DevicePort is the control port the devices listen on.
	DevicePort = 1400

	defaultTimeout = 5 * time.Second
)

// backoffSchedule spaces retries of transient device faults. The devices run
// single-threaded embedded stacks; hammering them extends the busy window.
var backoffSchedule = []time.Duration{200 * time.Millisecond, 500 * time.Millisecond, time.Second}

// Sender is the request/response contract the higher layers program
// against; *Client is the production implementation.
type Sender interface {
	Send(ctx context.Context, deviceIP, controlPath, serviceNS, action string, params map[string]string) (string, error)
}

// Client sends request/response control actions to devices on the LAN.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
	port       int
	backoff    []time.Duration
}

// NewClient creates a control client. ratePerSec bounds outgoing control
// requests across all devices; timeout bounds each individual request.
func NewClient(ratePerSec int, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	transport := &http.Transport{
		MaxIdleConns:    20,
		MaxConnsPerHost: 4,
		IdleConnTimeout: 90 * time.Second,
	}
	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec*2),
		logger:  logger,
		port:    DevicePort,
		backoff: backoffSchedule,
	}
}

// Send performs one control action against deviceIP and returns the raw
// response body. Transient device faults are retried with backoff; all other
// failures map onto ErrDeviceUnreachable, ErrDeviceTimeout, or *ProtocolError.
func (c *Client) Send(ctx context.Context, deviceIP, controlPath, serviceNS, action string, params map[string]string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}

	envelope := buildEnvelope(serviceNS, action, params)

	var lastErr error
	for attempt := 0; attempt <= len(c.backoff); attempt++ {
		if attempt > 0 {
			delay := c.backoff[attempt-1]
			c.logger.Debug("retrying control action",
				zap.String("deviceIP", deviceIP),
				zap.String("action", action),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
			)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}

		body, err := c.sendOnce(ctx, deviceIP, controlPath, serviceNS, action, envelope)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !IsTransient(err) {
			return "", err
		}
	}
	return "", lastErr
}

func (c *Client) sendOnce(ctx context.Context, deviceIP, controlPath, serviceNS, action, envelope string) (string, error) {
	url := fmt.Sprintf("http://%s:%d%s", deviceIP, c.port, controlPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(envelope))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPACTION", fmt.Sprintf("%q", serviceNS+"#"+action))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", classifyTransportError(deviceIP, err)
	}
	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return "", fmt.Errorf("%w: reading response from %s", ErrDeviceUnreachable, deviceIP)
	}

	if resp.StatusCode != http.StatusOK {
		pe := &ProtocolError{StatusCode: resp.StatusCode, Action: action}
		if code, ok := ExtractTag(string(body), "errorCode"); ok {
			pe.FaultCode, _ = strconv.Atoi(strings.TrimSpace(code))
		}
		return "", pe
	}
	return string(body), nil
}

func classifyTransportError(deviceIP string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return fmt.Errorf("%w: %s", ErrDeviceTimeout, deviceIP)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s", ErrDeviceTimeout, deviceIP)
	}
	return fmt.Errorf("%w: %s: %v", ErrDeviceUnreachable, deviceIP, err)
}

// buildEnvelope constructs the namespaced request envelope. Every parameter
// value passes through EscapeXML; under-escaping quotes was a real bug class
// with track URIs containing apostrophes.
func buildEnvelope(serviceNS, action string, params map[string]string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	b.WriteString(`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">`)
	b.WriteString(`<s:Body>`)
	fmt.Fprintf(&b, `<u:%s xmlns:u="%s">`, action, serviceNS)

	// Deterministic parameter order keeps envelopes reproducible in tests.
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "<%s>%s</%s>", k, EscapeXML(params[k]), k)
	}

	fmt.Fprintf(&b, `</u:%s>`, action)
	b.WriteString(`</s:Body></s:Envelope>`)
	return b.String()
}
