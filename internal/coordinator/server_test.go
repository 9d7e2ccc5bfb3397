// ABOUTME: Tests for the ingestion endpoint: bootstrap, enrollment, routing, draining.
// ABOUTME: Drives the handler over httptest with a real store, scheduler and fan-out.

package coordinator

import (
	"bytes"
	"context"
	"crypto/rsa"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fleetlink/internal/config"
	"github.com/2389/fleetlink/internal/metrics"
	"github.com/2389/fleetlink/internal/notify"
	"github.com/2389/fleetlink/internal/queue"
	"github.com/2389/fleetlink/internal/secchan"
	"github.com/2389/fleetlink/internal/store"
	"github.com/2389/fleetlink/internal/wire"
)

var (
	srvKeyOnce  sync.Once
	srvKey      *rsa.PrivateKey
	srvAgentKey *rsa.PrivateKey
)

func serverTestKeys(t *testing.T) (server, agent *rsa.PrivateKey) {
	t.Helper()
	srvKeyOnce.Do(func() {
		var err error
		srvKey, err = secchan.GenerateKey()
		if err != nil {
			panic(err)
		}
		srvAgentKey, err = secchan.GenerateKey()
		if err != nil {
			panic(err)
		}
	})
	return srvKey, srvAgentKey
}

// testHarness bundles a running coordinator with an agent-side codec.
type testHarness struct {
	ts       *httptest.Server
	server   *Server
	store    *store.SQLiteStore
	sched    *queue.Scheduler
	fanout   *notify.Fanout
	agentID  string
	agent    *secchan.Codec
	agentKey *rsa.PrivateKey
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	sKey, aKey := serverTestKeys(t)

	cfg := &config.CoordinatorConfig{
		Queue: config.QueueConfig{
			LeaseDuration:  time.Minute,
			NotifyExpiry:   time.Hour,
			ShardCount:     2,
			LeaseLimit:     10,
			ResponseBudget: 1 << 20,
		},
	}

	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	m := metrics.New()
	sched := queue.NewScheduler(st, cfg.Queue.LeaseDuration, m)
	fanout := notify.NewFanout(st, cfg.Queue.ShardCount, cfg.Queue.NotifyExpiry, notify.NewShardCounter(), m)

	cert, err := secchan.SelfSignedCert(sKey, time.Hour)
	require.NoError(t, err)
	serverCodec := secchan.NewCodec(secchan.CoordinatorIdentity, sKey, secchan.NewIdentityCache())

	srv := NewServer(cfg, st, sched, fanout, serverCodec, cert, sKey)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	agentID := secchan.IdentityForKey(&aKey.PublicKey)
	agentPeers := secchan.NewIdentityCache()
	agentPeers.Put(secchan.CoordinatorIdentity, &sKey.PublicKey, 1)

	return &testHarness{
		ts:       ts,
		server:   srv,
		store:    st,
		sched:    sched,
		fanout:   fanout,
		agentID:  agentID,
		agent:    secchan.NewCodec(agentID, aKey, agentPeers),
		agentKey: aKey,
	}
}

// post performs one agent exchange and returns the HTTP status plus the
// decoded response list, if any.
func (h *testHarness) post(t *testing.T, list *wire.MessageList, signed bool) (int, *secchan.DecodeResult) {
	t.Helper()
	var (
		env   *wire.Envelope
		nonce uint64
		err   error
	)
	if signed {
		env, nonce, err = h.agent.Encode(list, secchan.CoordinatorIdentity)
	} else {
		env, nonce, err = h.agent.EncodeUnsigned(list, secchan.CoordinatorIdentity)
	}
	require.NoError(t, err)
	body, err := wire.Marshal(env)
	require.NoError(t, err)

	resp, err := http.Post(h.ts.URL+"/control", "binary/octet-stream", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, nil
	}
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var respEnv wire.Envelope
	require.NoError(t, wire.Unmarshal(data, &respEnv))
	res, err := h.agent.Decode(&respEnv, nonce)
	require.NoError(t, err)
	require.True(t, res.Authenticated)
	return resp.StatusCode, res
}

// enroll runs the CSR exchange so subsequent signed posts verify.
func (h *testHarness) enroll(t *testing.T) {
	t.Helper()
	csr, err := secchan.CreateCSR(h.agentID, h.agentKey)
	require.NoError(t, err)
	status, _ := h.post(t, &wire.MessageList{Items: []*wire.Message{{
		SessionID: wire.EnrollmentSessionID,
		Priority:  wire.PriorityHigh,
		Payload:   csr,
	}}}, false)
	require.Equal(t, http.StatusOK, status)
}

func TestServerCertBootstrap(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Get(h.ts.URL + "/server.pem")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	pemData, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	cert, err := secchan.ParseCertPEM(pemData)
	require.NoError(t, err)
	assert.Equal(t, secchan.CoordinatorIdentity, cert.Subject.CommonName)

	// The bootstrap resource is read-only.
	postResp, err := http.Post(h.ts.URL+"/server.pem", "text/plain", nil)
	require.NoError(t, err)
	postResp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, postResp.StatusCode)
}

func TestControl_UnknownIdentityGets406(t *testing.T) {
	h := newHarness(t)

	status, _ := h.post(t, &wire.MessageList{Items: []*wire.Message{{
		SessionID: "flow-1", Payload: []byte("who am i"),
	}}}, true)
	assert.Equal(t, http.StatusNotAcceptable, status)
}

func TestControl_UnsignedWithoutCSRGets406(t *testing.T) {
	h := newHarness(t)

	status, _ := h.post(t, &wire.MessageList{Items: []*wire.Message{{
		SessionID: "flow-1", Payload: []byte("anonymous"),
	}}}, false)
	assert.Equal(t, http.StatusNotAcceptable, status)
}

func TestControl_MalformedEnvelope(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Post(h.ts.URL+"/control", "binary/octet-stream",
		bytes.NewReader([]byte("not cbor at all")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestControl_Enrollment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.enroll(t)

	// The client is durably recorded with an issued certificate.
	c, err := h.store.GetClient(ctx, h.agentID)
	require.NoError(t, err)
	cert, err := secchan.ParseCertPEM(c.CertPEM)
	require.NoError(t, err)
	assert.Equal(t, h.agentID, cert.Subject.CommonName)
	assert.Equal(t, c.Serial, cert.SerialNumber.Int64())

	// Signed traffic now verifies.
	status, res := h.post(t, &wire.MessageList{}, true)
	assert.Equal(t, http.StatusOK, status)
	assert.Empty(t, res.Messages)
}

func TestControl_EnrollmentSourceMismatch(t *testing.T) {
	h := newHarness(t)

	// A CSR naming somebody else's identity never enrolls the sender.
	csr, err := secchan.CreateCSR("agent-impostor", h.agentKey)
	require.NoError(t, err)
	status, _ := h.post(t, &wire.MessageList{Items: []*wire.Message{{
		SessionID: wire.EnrollmentSessionID,
		Payload:   csr,
	}}}, false)
	assert.Equal(t, http.StatusNotAcceptable, status)

	_, err = h.store.GetClient(context.Background(), "agent-impostor")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// spoofCodec returns a codec claiming identity but holding its own key,
// the position of an attacker who knows only the coordinator's public cert.
func spoofCodec(t *testing.T, identity string) (*secchan.Codec, *rsa.PrivateKey) {
	t.Helper()
	sKey, _ := serverTestKeys(t)
	key, err := secchan.GenerateKey()
	require.NoError(t, err)
	peers := secchan.NewIdentityCache()
	peers.Put(secchan.CoordinatorIdentity, &sKey.PublicKey, 1)
	return secchan.NewCodec(identity, key, peers), key
}

// postFrom sends one unsigned exchange from an arbitrary codec and returns
// the HTTP status.
func (h *testHarness) postFrom(t *testing.T, c *secchan.Codec, list *wire.MessageList) int {
	t.Helper()
	env, _, err := c.EncodeUnsigned(list, secchan.CoordinatorIdentity)
	require.NoError(t, err)
	body, err := wire.Marshal(env)
	require.NoError(t, err)

	resp, err := http.Post(h.ts.URL+"/control", "binary/octet-stream", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestControl_ForgedSourceNeverDrains(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enroll(t)

	require.NoError(t, h.sched.ScheduleRequest(ctx, h.agentID, "flow-1", &wire.Message{
		RequestID: 1, Payload: []byte("sensitive"), TTL: 2,
	}))

	// An unsigned envelope claiming the enrolled identity must not lease
	// the real agent's tasks: a lease pushes visibility out and burns
	// delivery attempts the agent never saw.
	forger, _ := spoofCodec(t, h.agentID)
	status := h.postFrom(t, forger, &wire.MessageList{})
	assert.Equal(t, http.StatusNotAcceptable, status)

	// The task is still immediately available to the real agent.
	status, res := h.post(t, &wire.MessageList{}, true)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, []byte("sensitive"), res.Messages[0].Payload)
}

func TestControl_ReenrollmentCannotReplaceKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enroll(t)

	before, err := h.store.GetClient(ctx, h.agentID)
	require.NoError(t, err)

	// A CSR naming an enrolled identity over a different key must be
	// rejected: accepting it would hand the identity's task stream to
	// whoever sent the CSR.
	forger, forgerKey := spoofCodec(t, h.agentID)
	csr, err := secchan.CreateCSR(h.agentID, forgerKey)
	require.NoError(t, err)
	status := h.postFrom(t, forger, &wire.MessageList{Items: []*wire.Message{{
		SessionID: wire.EnrollmentSessionID,
		Priority:  wire.PriorityHigh,
		Payload:   csr,
	}}})
	assert.Equal(t, http.StatusNotAcceptable, status)

	// The stored record and the cached trust still carry the original key.
	after, err := h.store.GetClient(ctx, h.agentID)
	require.NoError(t, err)
	assert.Equal(t, before.Serial, after.Serial)
	assert.Equal(t, before.CertPEM, after.CertPEM)

	pub, ok := h.server.codec.Peers().Get(h.agentID)
	require.True(t, ok)
	assert.True(t, pub.Equal(&h.agentKey.PublicKey))

	// The real agent's signed traffic is unaffected.
	status, _ = h.post(t, &wire.MessageList{}, true)
	assert.Equal(t, http.StatusOK, status)
}

func TestControl_StatusCompletesTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enroll(t)

	// A consumer schedules work for this agent.
	require.NoError(t, h.sched.ScheduleRequest(ctx, h.agentID, "flow-1", &wire.Message{
		RequestID: 1, Payload: []byte("do work"), TTL: 5,
	}))

	// The agent polls and receives the task.
	status, res := h.post(t, &wire.MessageList{}, true)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, res.Messages, 1)
	task := res.Messages[0]
	assert.Equal(t, "flow-1", task.SessionID)
	require.NotEmpty(t, task.TaskID)

	// It reports a response and the completing status.
	status, _ = h.post(t, &wire.MessageList{Items: []*wire.Message{
		{
			SessionID:  "flow-1",
			RequestID:  1,
			ResponseID: 1,
			TaskID:     task.TaskID,
			Payload:    []byte("result"),
			Kind:       wire.KindData,
		},
		{
			SessionID:  "flow-1",
			RequestID:  1,
			ResponseID: 2,
			TaskID:     task.TaskID,
			Priority:   wire.PriorityHigh,
			Payload:    []byte("ok"),
			Kind:       wire.KindStatus,
		},
	}}, true)
	require.Equal(t, http.StatusOK, status)

	// The request is complete and its responses readable in order.
	ids, err := h.sched.FetchCompletedRequests(ctx, "flow-1")
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, ids)

	// The status message is routed by kind, so only the data message
	// lands in the response records.
	resp, err := h.store.ResponsesForRequest(ctx, "flow-1", 1)
	require.NoError(t, err)
	require.Len(t, resp, 1)
	assert.Equal(t, []byte("result"), resp[0].Payload)

	// Consumers were notified for the flow.
	notes, err := h.fanout.SweepAll(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, notes)
	assert.Equal(t, "flow-1", notes[0].Flow)

	// The completed task never reappears on the agent's queue.
	tasks, err := h.sched.QueryAndOwn(ctx, h.agentID, 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestControl_AgentInitiatedMessageBecomesTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enroll(t)

	status, _ := h.post(t, &wire.MessageList{Items: []*wire.Message{{
		SessionID: "telemetry",
		Payload:   []byte("cpu 42%"),
		TTL:       5,
	}}}, true)
	require.Equal(t, http.StatusOK, status)

	// The message landed as a task on the queue named by its session.
	tasks, err := h.sched.QueryAndOwn(ctx, "telemetry", 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	m, err := queue.DecodeTask(tasks[0])
	require.NoError(t, err)
	assert.Equal(t, []byte("cpu 42%"), m.Payload)
}

func TestControl_BackpressureSkipsDrain(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enroll(t)

	require.NoError(t, h.sched.Schedule(ctx, map[string][]*wire.Message{
		h.agentID: {{SessionID: "flow-1", Payload: []byte("waiting"), TTL: 5}},
	}))

	// An agent declaring a huge inbound depth gets no new work.
	status, res := h.post(t, &wire.MessageList{QueueDepth: uint64(1) << 62}, true)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, res.Messages)

	// With the pressure gone the task flows out.
	status, res = h.post(t, &wire.MessageList{}, true)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, []byte("waiting"), res.Messages[0].Payload)
}

func TestLoadEnrolledClients(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enroll(t)

	// A fresh server process with an empty identity cache picks trust
	// back up from the store.
	sKey, _ := serverTestKeys(t)
	cert, err := secchan.SelfSignedCert(sKey, time.Hour)
	require.NoError(t, err)
	freshCodec := secchan.NewCodec(secchan.CoordinatorIdentity, sKey, secchan.NewIdentityCache())
	fresh := NewServer(h.server.cfg, h.store, h.sched, h.fanout, freshCodec, cert, sKey)

	require.NoError(t, fresh.LoadEnrolledClients(ctx, []string{h.agentID}))
	_, ok := freshCodec.Peers().Get(h.agentID)
	assert.True(t, ok)

	require.Error(t, fresh.LoadEnrolledClients(ctx, []string{"agent-unknown"}))
}
