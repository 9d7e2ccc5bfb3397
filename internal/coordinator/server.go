// ABOUTME: HTTP ingestion endpoint: POST /control for envelopes, GET /server.pem bootstrap.
// ABOUTME: Routes decoded traffic into the queue and drains pending tasks back out.

package coordinator

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/fleetlink/internal/config"
	"github.com/2389/fleetlink/internal/notify"
	"github.com/2389/fleetlink/internal/queue"
	"github.com/2389/fleetlink/internal/secchan"
	"github.com/2389/fleetlink/internal/store"
	"github.com/2389/fleetlink/internal/wire"
)

// maxEnvelopeBytes bounds how much an agent may post in one exchange.
const maxEnvelopeBytes = 50 << 20

// depthLimit is the declared inbound depth above which the coordinator
// sends no new work. An agent over its memory ceiling declares a huge
// depth precisely to land above this.
const depthLimit = uint64(32) << 20

// agentCertValidity is how long issued agent certificates live.
const agentCertValidity = 365 * 24 * time.Hour

// Server is the coordinator's ingestion endpoint.
type Server struct {
	cfg    *config.CoordinatorConfig
	store  store.Store
	sched  *queue.Scheduler
	fanout *notify.Fanout
	codec  *secchan.Codec
	cert   *x509.Certificate
	key    *rsa.PrivateKey
	logger *slog.Logger
}

// NewServer wires the ingestion endpoint. The codec must sign as the
// coordinator identity with the key matching cert.
func NewServer(cfg *config.CoordinatorConfig, st store.Store, sched *queue.Scheduler, fanout *notify.Fanout, codec *secchan.Codec, cert *x509.Certificate, key *rsa.PrivateKey) *Server {
	return &Server{
		cfg:    cfg,
		store:  st,
		sched:  sched,
		fanout: fanout,
		codec:  codec,
		cert:   cert,
		key:    key,
		logger: slog.Default().With("component", "coordinator"),
	}
}

// LoadEnrolledClients primes the codec's identity cache from the store so
// already-enrolled agents verify immediately after a restart.
func (s *Server) LoadEnrolledClients(ctx context.Context, identities []string) error {
	for _, id := range identities {
		c, err := s.store.GetClient(ctx, id)
		if err != nil {
			return err
		}
		if err := s.trustClient(c); err != nil {
			return err
		}
	}
	return nil
}

// trustClient installs a stored client certificate into the identity cache.
func (s *Server) trustClient(c *store.Client) error {
	cert, err := secchan.ParseCertPEM(c.CertPEM)
	if err != nil {
		return fmt.Errorf("parsing stored certificate for %s: %w", c.Identity, err)
	}
	pub, err := secchan.RSAPublicKey(cert)
	if err != nil {
		return err
	}
	s.codec.Peers().Put(c.Identity, pub, c.Serial)
	return nil
}

// Handler returns the HTTP mux for the ingestion endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/control", s.handleControl)
	mux.HandleFunc("/server.pem", s.handleServerCert)
	return mux
}

// handleServerCert serves the unauthenticated certificate bootstrap.
func (s *Server) handleServerCert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Write(secchan.EncodeCertPEM(s.cert))
}

// handleControl processes one agent round trip.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxEnvelopeBytes))
	if err != nil {
		http.Error(w, "read failed", http.StatusInternalServerError)
		return
	}
	var env wire.Envelope
	if err := wire.Unmarshal(body, &env); err != nil {
		s.logger.Warn("malformed envelope", "error", err)
		http.Error(w, "malformed envelope", http.StatusBadRequest)
		return
	}

	res, err := s.codec.Decode(&env, 0)
	if errors.Is(err, secchan.ErrUnknownClientCert) {
		// Signed by an identity we do not know: tell the agent to enroll.
		w.WriteHeader(http.StatusNotAcceptable)
		return
	}
	if err != nil {
		s.logger.Warn("envelope rejected", "error", err)
		http.Error(w, "envelope rejected", http.StatusBadRequest)
		return
	}

	enrolled := s.routeMessages(ctx, res)

	// Draining is a privileged operation and the source claim alone
	// proves nothing: leasing pushes visibility out and burns TTL, so a
	// forged source could starve the real agent's task stream. Only an
	// authenticated exchange, or the one that just enrolled the sender,
	// gets its queue drained; everything else is told to enroll.
	if !res.Authenticated && !enrolled {
		w.WriteHeader(http.StatusNotAcceptable)
		return
	}

	respList := s.drainTasks(ctx, res)
	respEnv, err := s.codec.EncodeWithNonce(respList, res.Source, res.Nonce)
	if err != nil {
		s.logger.Error("encoding response failed", "error", err, "source", res.Source)
		http.Error(w, "encoding failed", http.StatusInternalServerError)
		return
	}
	out, err := wire.Marshal(respEnv)
	if err != nil {
		http.Error(w, "encoding failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "binary/octet-stream")
	w.Write(out)
}

// routeMessages files each decoded message and reports whether the batch
// enrolled a new client.
func (s *Server) routeMessages(ctx context.Context, res *secchan.DecodeResult) bool {
	enrolled := false
	for _, m := range res.Messages {
		if m.SessionID == wire.EnrollmentSessionID {
			// Enrollment is by nature pre-trust: the CSR arrives
			// unauthenticated and is vetted by its own signature.
			if err := s.handleEnrollment(ctx, res.Source, m); err != nil {
				s.logger.Warn("enrollment failed", "source", res.Source, "error", err)
			} else {
				enrolled = true
			}
			continue
		}
		if m.AuthState != wire.AuthAuthenticated {
			s.logger.Warn("ignoring unauthenticated message",
				"source", res.Source, "session_id", m.SessionID, "kind", m.Kind.String())
			continue
		}
		s.routeMessage(ctx, res.Source, m)
	}
	return enrolled
}

// routeMessage files one authenticated message.
func (s *Server) routeMessage(ctx context.Context, source string, m *wire.Message) {
	switch {
	case m.Kind == wire.KindStatus:
		err := s.store.WriteStatus(ctx, store.Status{
			Flow:      m.SessionID,
			RequestID: m.RequestID,
			Payload:   m.Payload,
			CreatedAt: time.Now(),
		})
		if err != nil {
			s.logger.Error("writing status failed", "error", err)
			return
		}
		// The status completes the task on the agent's queue.
		if m.TaskID != "" {
			if err := s.sched.Complete(ctx, source, m.TaskID); err != nil {
				s.logger.Error("completing task failed", "error", err)
			}
		}
		s.notifyFlow(ctx, source, m)

	case m.ResponseID > 0:
		err := s.store.WriteResponse(ctx, store.Response{
			Flow:       m.SessionID,
			RequestID:  m.RequestID,
			ResponseID: m.ResponseID,
			Payload:    m.Payload,
		})
		if err != nil {
			s.logger.Error("writing response failed", "error", err)
			return
		}
		s.notifyFlow(ctx, source, m)

	default:
		// Agent-initiated traffic lands as a task on the queue named by
		// its session, for whichever server-side consumer owns it.
		err := s.sched.Schedule(ctx, map[string][]*wire.Message{
			m.SessionID: {m},
		})
		if err != nil {
			s.logger.Error("scheduling agent message failed", "error", err)
		}
	}
}

// notifyFlow wakes consumers waiting on the flow's new data.
func (s *Server) notifyFlow(ctx context.Context, source string, m *wire.Message) {
	if err := s.fanout.Notify(ctx, source, m.SessionID, m.Priority); err != nil {
		s.logger.Error("posting notification failed", "error", err, "flow", m.SessionID)
	}
}

// handleEnrollment signs the CSR, stores the client and trusts its key.
func (s *Server) handleEnrollment(ctx context.Context, source string, m *wire.Message) error {
	serial, err := s.store.NextSerial(ctx)
	if err != nil {
		return fmt.Errorf("allocating serial: %w", err)
	}
	cert, err := secchan.SignCSR(m.Payload, serial, s.cert, s.key, agentCertValidity)
	if err != nil {
		return fmt.Errorf("signing csr: %w", err)
	}
	identity := cert.Subject.CommonName
	if identity != source {
		return fmt.Errorf("csr identity %q does not match envelope source %q", identity, source)
	}
	// The identity must be the fingerprint of the key actually inside
	// the CSR. Without this check a CSR naming an already-enrolled
	// identity over a different key would, on its higher serial, replace
	// the cached trust and hijack that agent's stream.
	pub, err := secchan.RSAPublicKey(cert)
	if err != nil {
		return err
	}
	if identity != secchan.IdentityForKey(pub) {
		return fmt.Errorf("csr identity %q does not match its key fingerprint", identity)
	}
	client := store.Client{
		Identity: identity,
		CertPEM:  secchan.EncodeCertPEM(cert),
		Serial:   serial,
	}
	if err := s.store.PutClient(ctx, client); err != nil {
		return fmt.Errorf("storing client: %w", err)
	}
	if err := s.trustClient(&client); err != nil {
		return err
	}
	s.logger.Info("client enrolled", "identity", identity, "serial", serial)
	return nil
}

// drainTasks leases pending tasks from the agent's queue, bounded by the
// agent's declared inbound depth.
func (s *Server) drainTasks(ctx context.Context, res *secchan.DecodeResult) *wire.MessageList {
	list := &wire.MessageList{}
	if res.QueueDepth >= depthLimit {
		// The agent asked for nothing; backpressure wins.
		return list
	}
	tasks, err := s.sched.QueryAndOwn(ctx, res.Source, s.cfg.Queue.LeaseLimit)
	if err != nil {
		s.logger.Error("leasing tasks failed", "error", err, "queue", res.Source)
		return list
	}
	for _, t := range tasks {
		m, err := queue.DecodeTask(t)
		if err != nil {
			s.logger.Error("parsing leased task failed", "error", err, "task_id", t.TaskID)
			continue
		}
		list.Items = append(list.Items, m)
	}
	return list
}
