package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planmesh/core/internal/auth"
	"github.com/planmesh/core/internal/config"
	"github.com/planmesh/core/internal/logging"
	"github.com/planmesh/core/internal/protocol"
	"github.com/planmesh/core/internal/runtime"
	"github.com/planmesh/core/internal/transport"
	"github.com/planmesh/core/pkg/agent"
)

// harness runs a core with both attach carriers: a websocket endpoint
// and a unix stream listener.
type harness struct {
	core  *runtime.Core
	gw    *Gateway
	wsURL string
	sock  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Fabric.DataDir = t.TempDir()
	cfg.Fabric.SHMSizeMB = 1

	core, err := runtime.New(context.Background(), cfg, logging.New("error", io.Discard))
	require.NoError(t, err)
	require.NoError(t, core.Start(context.Background()))

	gw := New(Config{Core: core, Logger: core.Logger()})

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/attach", gw.HandleAttach)
	ts := httptest.NewServer(mux)

	sock := filepath.Join(t.TempDir(), "core.sock")
	ln, err := transport.ListenUnix(sock)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go gw.ServeListener(ctx, ln, protocol.TierKernelRing)

	t.Cleanup(func() {
		cancel()
		gw.Close()
		ts.Close()
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		core.Shutdown(sctx, false)
	})

	return &harness{
		core:  core,
		gw:    gw,
		wsURL: "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/attach",
		sock:  sock,
	}
}

func (h *harness) token(t *testing.T, name, role string) string {
	t.Helper()
	token, _, err := h.core.Gate().Issue(context.Background(), name, role)
	require.NoError(t, err)
	return token
}

func (h *harness) dialWS(t *testing.T, name, role string, caps ...string) *agent.Client {
	t.Helper()
	c, err := agent.Dial(context.Background(), agent.Config{
		URL:          h.wsURL,
		Token:        h.token(t, name, role),
		Name:         name,
		Capabilities: caps,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func (h *harness) dialUnix(t *testing.T, name, role string, caps ...string) *agent.Client {
	t.Helper()
	c, err := agent.Dial(context.Background(), agent.Config{
		URL:          "unix://" + h.sock,
		Token:        h.token(t, name, role),
		Name:         name,
		Capabilities: caps,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// ============================================================================
// ATTACH AND REGISTER
// ============================================================================

func TestRegisterOverWebsocket(t *testing.T) {
	h := newHarness(t)

	c := h.dialWS(t, "Echo-One", auth.RoleUser, "echo")
	reg := c.Registration()
	assert.Equal(t, "echo-one", reg.Name, "names canonicalize to lower case")
	assert.Equal(t, "user", reg.Role)
	assert.Equal(t, "stream", reg.Tier, "websocket carriers attach at the stream tier")
	assert.NotEmpty(t, reg.FrameKey)

	rec, ok := h.core.Agents().Get("echo-one")
	require.True(t, ok)
	assert.Equal(t, []string{"echo"}, rec.Capabilities)
}

func TestRegisterOverUnixGetsKernelRingTier(t *testing.T) {
	h := newHarness(t)

	c := h.dialUnix(t, "local-worker", auth.RoleUser)
	assert.Equal(t, "ring", c.Registration().Tier)
}

func TestRegisterRejectsBadToken(t *testing.T) {
	h := newHarness(t)

	_, err := agent.Dial(context.Background(), agent.Config{
		URL:   h.wsURL,
		Token: "garbage",
		Name:  "intruder",
	})
	require.Error(t, err)
	assert.True(t, agent.IsCode(err, "INVALID_TOKEN"), "got %v", err)
}

func TestFirstFrameMustRegister(t *testing.T) {
	h := newHarness(t)

	// A raw conn that opens with a data frame instead of a register op
	// gets an error envelope back and the conn is dropped.
	conn, err := net.Dial("unix", h.sock)
	require.NoError(t, err)
	defer conn.Close()

	f := protocol.NewFrame(protocol.PatternRequestResponse, protocol.PriorityNormal, []byte(`{}`))
	src, _ := protocol.EncodeName("rude")
	tgt, _ := protocol.EncodeName("someone")
	f.Header.Source = src
	f.Header.Target = tgt
	f.Header.ContentType = protocol.EncodeContentType("application/json")
	require.NoError(t, protocol.WriteFrame(conn, f))

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	resp, err := protocol.ReadFrame(conn)
	require.NoError(t, err)
	assert.Equal(t, runtime.ErrorContentType, protocol.DecodeContentType(resp.Header.ContentType))
	assert.Contains(t, string(resp.Payload), "UNAUTHORIZED")

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = protocol.ReadFrame(conn)
	require.Error(t, err, "gateway should drop the conn after the refusal")
}

// ============================================================================
// MESSAGING ACROSS CARRIERS
// ============================================================================

func TestRequestResponseAcrossCarriers(t *testing.T) {
	h := newHarness(t)

	responder := h.dialUnix(t, "responder", auth.RoleUser)
	requester := h.dialWS(t, "requester", auth.RoleUser)

	go func() {
		msg, err := responder.Recv(context.Background())
		if err != nil {
			return
		}
		var req map[string]string
		json.Unmarshal(msg.Payload, &req)
		out, _ := json.Marshal(map[string]string{"echo": req["say"]})
		responder.Respond(context.Background(), msg, out)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, err := requester.Request(ctx, "responder", []byte(`{"say":"hi"}`))
	require.NoError(t, err)

	var got map[string]string
	require.NoError(t, json.Unmarshal(reply.Payload, &got))
	assert.Equal(t, "hi", got["echo"])
	assert.Equal(t, "responder", reply.Source)
	assert.True(t, reply.Verified, "deliveries are signed with the session key")
}

func TestPublishReachesSubscribers(t *testing.T) {
	h := newHarness(t)

	sub := h.dialWS(t, "listener", auth.RoleUser)
	pub := h.dialWS(t, "speaker", auth.RoleUser)

	_, err := sub.Subscribe(context.Background(), "alerts")
	require.NoError(t, err)

	require.NoError(t, pub.Publish(context.Background(), "alerts", []byte(`{"level":"warn"}`)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := sub.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, agent.PatternPublish, msg.Pattern)
	assert.Equal(t, "speaker", msg.Source)
}

func TestWorkQueueDeliveryAndAck(t *testing.T) {
	h := newHarness(t)

	worker := h.dialUnix(t, "crusher", auth.RoleUser, "crunch")
	sender := h.dialWS(t, "feeder", auth.RoleUser)

	require.NoError(t, sender.Enqueue(context.Background(), "crunch", []byte(`{"n":1}`)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := worker.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, agent.PatternWork, msg.Pattern)
	assert.True(t, msg.RequiresAck)
	require.NoError(t, worker.Ack(context.Background(), msg))
}

func TestBroadcastNeedsOperatorRole(t *testing.T) {
	h := newHarness(t)

	// Broadcast is fire-and-forget; the rejection comes back as an
	// error-tagged frame in the sender's inbox.
	plain := h.dialWS(t, "plain", auth.RoleUser)
	require.NoError(t, plain.Broadcast(context.Background(), []byte(`"x"`)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := plain.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "application/x-core-error+json", msg.ContentType)
	assert.Contains(t, string(msg.Payload), "UNAUTHORIZED")
}

func TestBroadcastReachesFleet(t *testing.T) {
	h := newHarness(t)

	receiver := h.dialUnix(t, "crowd", auth.RoleUser)
	boss := h.dialWS(t, "boss", auth.RoleOperator)

	require.NoError(t, boss.Broadcast(context.Background(), []byte(`"all hands"`)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := receiver.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, agent.PatternBroadcast, msg.Pattern)
	assert.Equal(t, "boss", msg.Source)
}

// ============================================================================
// CONTROL OPS OVER THE WIRE
// ============================================================================

func TestPlanLifecycleThroughClient(t *testing.T) {
	h := newHarness(t)

	worker := h.dialUnix(t, "runner", auth.RoleUser, "run")
	go func() {
		for {
			msg, err := worker.Recv(context.Background())
			if err != nil {
				return
			}
			worker.Respond(context.Background(), msg, []byte(`{"done":true}`))
		}
	}()

	submitter := h.dialWS(t, "pilot", auth.RoleOperator)
	planID, err := submitter.SubmitPlan(context.Background(), agent.PlanSpec{
		Name: "two-step",
		Tasks: []agent.TaskSpec{
			{ID: "first", Action: "run", Capability: "run"},
			{ID: "second", Action: "run", Agent: "runner", DependsOn: []string{"first"}},
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, planID)

	require.Eventually(t, func() bool {
		st, err := submitter.PlanStatus(context.Background(), planID)
		return err == nil && st.State == "completed"
	}, 10*time.Second, 50*time.Millisecond)

	st, err := submitter.PlanStatus(context.Background(), planID)
	require.NoError(t, err)
	assert.Len(t, st.Tasks, 2)
	for _, task := range st.Tasks {
		assert.Equal(t, "completed", task.State)
	}
}

func TestSubscribeUnsubscribeRoundTrip(t *testing.T) {
	h := newHarness(t)

	c := h.dialWS(t, "fickle", auth.RoleUser)
	id, err := c.Subscribe(context.Background(), "news")
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.NoError(t, c.Unsubscribe(context.Background(), id))

	err = c.Unsubscribe(context.Background(), id)
	require.Error(t, err, "second unsubscribe should miss")
}

func TestDeregisterDropsAgent(t *testing.T) {
	h := newHarness(t)

	c := h.dialWS(t, "leaver", auth.RoleUser)
	require.NoError(t, c.Deregister(context.Background()))

	require.Eventually(t, func() bool {
		_, ok := h.core.Agents().Get("leaver")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGatewayCloseEndsSessions(t *testing.T) {
	h := newHarness(t)

	c := h.dialWS(t, "doomed", auth.RoleUser)
	require.Equal(t, 1, h.gw.SessionCount())

	h.gw.Close()

	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("client did not observe the close")
	}
	require.Eventually(t, func() bool { return h.gw.SessionCount() == 0 },
		2*time.Second, 10*time.Millisecond)
}

// ============================================================================
// TIER CLAMPING
// ============================================================================

func TestClampTier(t *testing.T) {
	cases := []struct {
		name      string
		requested protocol.Tier
		carrier   protocol.Tier
		want      protocol.Tier
	}{
		{"zero keeps carrier", 0, protocol.TierStream, protocol.TierStream},
		{"weaker than carrier ok", protocol.TierFile, protocol.TierStream, protocol.TierFile},
		{"stronger than carrier denied", protocol.TierSharedMemory, protocol.TierStream, protocol.TierStream},
		{"unix may claim shm", protocol.TierSharedMemory, protocol.TierKernelRing, protocol.TierSharedMemory},
		{"equal passes", protocol.TierStream, protocol.TierStream, protocol.TierStream},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, clampTier(tc.requested, tc.carrier))
		})
	}
}
