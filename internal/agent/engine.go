// ABOUTME: The agent polling loop: probe, drain, encode, transmit, interpret, sleep.
// ABOUTME: One HTTP round trip at a time; failures re-queue drained traffic boosted.

package agent

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"time"

	"github.com/2389/fleetlink/internal/config"
	"github.com/2389/fleetlink/internal/mailbox"
	"github.com/2389/fleetlink/internal/metrics"
	"github.com/2389/fleetlink/internal/secchan"
	"github.com/2389/fleetlink/internal/wire"
)

const (
	// controlPath is the coordinator's ingestion endpoint; the query
	// parameter selects the protocol version.
	controlPath = "/control?api=3"
	// certPath is the unauthenticated certificate bootstrap resource.
	certPath = "/server.pem"

	contentType = "binary/octet-stream"

	// hugeDepth is the artificial inbound depth declared when local
	// memory is over the ceiling: it tells the coordinator to send
	// nothing, decoupling backpressure from actual queue occupancy.
	hugeDepth = uint64(1) << 62

	httpTimeout = 60 * time.Second
)

// errNoServer is the transient probe failure; the caller backs off and
// retries until the fatal limit.
var errNoServer = errors.New("no server/proxy combination answered")

// Engine drives the agent's network side. It owns the cached working
// server URL, the consecutive-error counter, the polling cadence and the
// enrollment throttle. All message traffic flows through the mailboxes.
type Engine struct {
	cfg       *config.AgentConfig
	codec     *secchan.Codec
	priv      *rsa.PrivateKey
	roots     *x509.CertPool
	outbox    *mailbox.Mailbox
	inbox     *mailbox.Mailbox
	processor *Processor
	metrics   *metrics.Metrics
	logger    *slog.Logger
	heartbeat func()

	activeURL string
	client    *http.Client

	poll          *pollState
	errCount      int
	probeFailures int
	lastFailed    bool
	enrolling     bool
	everEnrolled  bool
	lastEnroll    time.Time

	// Injected for tests.
	memUsage func() uint64
	exit     func(int)
	now      func() time.Time
}

// Options carries the injectable collaborators of an Engine.
type Options struct {
	Config    *config.AgentConfig
	Codec     *secchan.Codec
	Key       *rsa.PrivateKey
	Roots     *x509.CertPool
	Outbox    *mailbox.Mailbox
	Inbox     *mailbox.Mailbox
	Processor *Processor
	Metrics   *metrics.Metrics
	// Heartbeat is fired from every sleep slice and blocking poll so a
	// supervising watchdog sees the process as live.
	Heartbeat func()
}

// NewEngine wires a delivery engine from its collaborators.
func NewEngine(opts Options) *Engine {
	hb := opts.Heartbeat
	if hb == nil {
		hb = func() {}
	}
	return &Engine{
		cfg:       opts.Config,
		codec:     opts.Codec,
		priv:      opts.Key,
		roots:     opts.Roots,
		outbox:    opts.Outbox,
		inbox:     opts.Inbox,
		processor: opts.Processor,
		metrics:   opts.Metrics,
		logger:    slog.Default().With("component", "engine"),
		heartbeat: hb,
		poll: newPollState(
			opts.Config.Polling.MinInterval,
			opts.Config.Polling.MaxInterval,
			opts.Config.Polling.ErrorInterval,
			opts.Config.Polling.Slew,
		),
		memUsage: heapBytes,
		exit:     os.Exit,
		now:      time.Now,
	}
}

// heapBytes reports current heap usage for the self-preservation check.
func heapBytes() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

// Run polls until the context is cancelled or probing fails fatally.
func (e *Engine) Run(ctx context.Context) error {
	for {
		fastPoll, err := e.cycle(ctx)
		e.metrics.PollCycles.Inc()

		if errors.Is(err, ErrProbeExhausted) {
			e.logger.Error("giving up after repeated probe failures")
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if e.selfPreserve(ctx) {
			return nil
		}

		var interval time.Duration
		if err != nil {
			e.logger.Warn("polling cycle failed", "error", err)
			interval = e.poll.onError()
		} else {
			interval = e.poll.onSuccess(fastPoll)
		}
		if err := e.sleep(ctx, interval); err != nil {
			return err
		}
	}
}

// cycle performs one round trip. It returns whether fast-poll mode was
// demanded by either side.
func (e *Engine) cycle(ctx context.Context) (bool, error) {
	if e.activeURL == "" {
		if err := e.probe(ctx); err != nil {
			return false, err
		}
	}

	// After a failed round trip nothing is drained: the re-queued
	// messages stay put until the link recovers.
	var drained []*wire.Message
	if !e.lastFailed {
		drained = e.outbox.Drain(e.cfg.Mailbox.DrainBytes)
	}

	// An enrolling agent sends unsigned, and the coordinator ignores
	// everything unsigned except the CSR itself. Hold other traffic back
	// rather than burning its delivery on an exchange that drops it.
	if e.enrolling {
		kept := drained[:0]
		for _, m := range drained {
			if m.SessionID == wire.EnrollmentSessionID {
				kept = append(kept, m)
			} else {
				e.requeue(ctx, []*wire.Message{m})
			}
		}
		drained = kept
	}

	depth := uint64(e.inbox.Size())
	if e.memUsage() > e.cfg.Limits.MemoryCeiling {
		depth = hugeDepth
	}
	list := &wire.MessageList{Items: drained, QueueDepth: depth}

	var (
		env   *wire.Envelope
		nonce uint64
		err   error
	)
	if e.enrolling {
		env, nonce, err = e.codec.EncodeUnsigned(list, secchan.CoordinatorIdentity)
	} else {
		env, nonce, err = e.codec.Encode(list, secchan.CoordinatorIdentity)
	}
	if err != nil {
		e.requeue(ctx, drained)
		return false, fmt.Errorf("encoding envelope: %w", err)
	}
	body, err := wire.Marshal(env)
	if err != nil {
		e.requeue(ctx, drained)
		return false, fmt.Errorf("serializing envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.activeURL+controlPath, bytes.NewReader(body))
	if err != nil {
		e.requeue(ctx, drained)
		return false, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := e.client.Do(req)
	if err != nil {
		e.onTransportFailure(ctx, drained)
		return false, fmt.Errorf("posting envelope: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return e.handleOK(ctx, resp.Body, nonce, drained)
	case resp.StatusCode == http.StatusNotAcceptable:
		// Identity unrecognized: re-queue undelivered traffic and enroll.
		e.requeue(ctx, drained)
		return e.triggerEnrollment(ctx), nil
	default:
		e.onTransportFailure(ctx, drained)
		return false, fmt.Errorf("server returned %d", resp.StatusCode)
	}
}

// handleOK decodes the response half of the exchange.
func (e *Engine) handleOK(ctx context.Context, body io.Reader, nonce uint64, drained []*wire.Message) (bool, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		e.onTransportFailure(ctx, drained)
		return false, fmt.Errorf("reading response: %w", err)
	}

	fastPoll := anyFastPoll(drained)

	if len(data) > 0 {
		var env wire.Envelope
		if err := wire.Unmarshal(data, &env); err != nil {
			e.onTransportFailure(ctx, drained)
			return false, fmt.Errorf("parsing response envelope: %w", err)
		}
		res, err := e.codec.Decode(&env, nonce)
		if err != nil {
			e.onTransportFailure(ctx, drained)
			return false, fmt.Errorf("decoding response: %w", err)
		}
		// A response that does not echo our nonce, or fails
		// verification, is treated like a server error.
		if !res.Authenticated || res.Nonce != nonce {
			e.onTransportFailure(ctx, drained)
			return false, errors.New("response failed nonce or signature check")
		}
		for _, m := range res.Messages {
			if m.RequireFastPoll {
				fastPoll = true
			}
			if err := e.inbox.Put(ctx, m, true); err != nil {
				e.logger.Error("inbound mailbox rejected message", "error", err, "task_id", m.TaskID)
			}
		}
	}

	e.errCount = 0
	e.lastFailed = false
	e.enrolling = false
	return fastPoll, nil
}

// onTransportFailure re-queues the drained batch with boosted priority
// and decremented TTL, and drops the cached URL every Nth consecutive
// error to force a fresh probe.
func (e *Engine) onTransportFailure(ctx context.Context, drained []*wire.Message) {
	e.metrics.TransportErrors.Inc()
	e.errCount++
	e.lastFailed = true
	if e.cfg.Limits.ConnectionErrorLimit > 0 && e.errCount%e.cfg.Limits.ConnectionErrorLimit == 0 {
		e.logger.Warn("dropping cached server url after consecutive errors", "errors", e.errCount)
		e.activeURL = ""
	}

	for _, m := range drained {
		m.TTL--
		if m.TTL <= 0 {
			e.logger.Warn("dropping message after ttl exhaustion",
				"session_id", m.SessionID, "task_id", m.TaskID)
			continue
		}
		m.Priority = wire.PriorityHigh
		if err := e.outbox.Put(ctx, m, false); err != nil {
			e.logger.Error("re-queueing message failed", "error", err, "task_id", m.TaskID)
		}
	}
}

// requeue puts undelivered messages back without touching TTL or
// priority. The batch was drained from this mailbox moments ago, so the
// freed capacity is still there for it.
func (e *Engine) requeue(ctx context.Context, drained []*wire.Message) {
	for _, m := range drained {
		if err := e.outbox.Put(ctx, m, false); err != nil {
			e.logger.Error("re-queueing message failed", "error", err, "task_id", m.TaskID)
		}
	}
}

// probe tries every (base URL x proxy mode) combination until one yields
// a certificate that verifies against the trusted root. Exhausting all
// combinations more than the configured number of consecutive times is
// fatal.
func (e *Engine) probe(ctx context.Context) error {
	for _, base := range e.cfg.Servers.BaseURLs {
		for _, proxy := range e.proxyModes() {
			client := &http.Client{Timeout: httpTimeout, Transport: &http.Transport{Proxy: proxy.fn}}
			cert, err := fetchServerCert(ctx, client, base)
			if err != nil {
				e.logger.Debug("probe failed", "url", base, "proxy", proxy.name, "error", err)
				continue
			}
			if err := secchan.VerifyServerCert(cert, e.roots); err != nil {
				e.logger.Warn("probed certificate not trusted", "url", base, "error", err)
				continue
			}
			pub, err := secchan.RSAPublicKey(cert)
			if err != nil {
				continue
			}
			e.codec.Peers().Put(secchan.CoordinatorIdentity, pub, cert.SerialNumber.Int64())
			e.activeURL = base
			e.client = client
			e.probeFailures = 0
			e.logger.Info("server selected", "url", base, "proxy", proxy.name)
			return nil
		}
	}

	e.probeFailures++
	if e.probeFailures >= e.cfg.Limits.MaxProbeFailures {
		return ErrProbeExhausted
	}
	return errNoServer
}

// proxyMode pairs a proxy selector with a name for logging.
type proxyMode struct {
	name string
	fn   func(*http.Request) (*url.URL, error)
}

// proxyModes returns the probe order: direct first, then the platform
// environment, then each configured proxy.
func (e *Engine) proxyModes() []proxyMode {
	modes := []proxyMode{
		{name: "direct", fn: nil},
		{name: "environment", fn: http.ProxyFromEnvironment},
	}
	for _, p := range e.cfg.Servers.Proxies {
		proxyURL, err := url.Parse(p)
		if err != nil {
			e.logger.Warn("skipping malformed proxy", "proxy", p, "error", err)
			continue
		}
		modes = append(modes, proxyMode{name: p, fn: http.ProxyURL(proxyURL)})
	}
	return modes
}

// fetchServerCert retrieves and parses the bootstrap certificate.
func fetchServerCert(ctx context.Context, client *http.Client, base string) (*x509.Certificate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+certPath, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("certificate fetch returned %d", resp.StatusCode)
	}
	pemData, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	return secchan.ParseCertPEM(pemData)
}

// sleep waits for d in one-second slices, firing the heartbeat after each
// slice so the watchdog never mistakes a long sleep for a hang.
func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	deadline := e.now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		slice := remaining
		if slice > time.Second {
			slice = time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(slice):
		}
		e.heartbeat()
	}
}

// selfPreserve exits the process when memory is over the ceiling and no
// local work is outstanding, trusting the watchdog to restart us. The
// final status message goes out on a best-effort last round trip.
func (e *Engine) selfPreserve(ctx context.Context) bool {
	if e.memUsage() <= e.cfg.Limits.MemoryCeiling {
		return false
	}
	if e.outbox.Len() > 0 || e.inbox.Len() > 0 || (e.processor != nil && e.processor.Busy()) {
		return false
	}

	e.logger.Error("memory ceiling exceeded with no outstanding work, restarting",
		"heap_bytes", e.memUsage(), "ceiling", e.cfg.Limits.MemoryCeiling)

	status, err := wire.Marshal(&StatusPayload{OK: false, Error: "memory ceiling exceeded, voluntary restart"})
	if err == nil {
		msg := &wire.Message{
			SessionID: "agent-health",
			Priority:  wire.PriorityLow,
			TTL:       1,
			Payload:   status,
			Kind:      wire.KindStatus,
		}
		if e.outbox.Put(ctx, msg, false) == nil {
			_, _ = e.cycle(ctx)
		}
	}
	e.exit(0)
	return true
}

// anyFastPoll reports whether any message in the batch demands fast-poll.
func anyFastPoll(msgs []*wire.Message) bool {
	for _, m := range msgs {
		if m.RequireFastPoll {
			return true
		}
	}
	return false
}
