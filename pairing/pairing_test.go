package pairing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walletconnect/relay-core/cryptoenvelope"
	"github.com/walletconnect/relay-core/expirer"
	"github.com/walletconnect/relay-core/keychain"
	"github.com/walletconnect/relay-core/messagehandler"
	"github.com/walletconnect/relay-core/rcerr"
	"github.com/walletconnect/relay-core/relay"
	"github.com/walletconnect/relay-core/relayer"
	"github.com/walletconnect/relay-core/store/memory"
)

// fakeHub is a minimal in-process relay: it answers iridium RPCs and
// fans published messages out to every connection subscribed to the
// topic except the publisher, mimicking real relay redelivery semantics
// closely enough to drive two-peer pairing scenarios end to end.
type fakeHub struct {
	srv *httptest.Server

	mu   sync.Mutex
	subs map[string]map[*websocket.Conn]bool
}

func newFakeHub(t *testing.T) *fakeHub {
	t.Helper()
	h := &fakeHub{subs: make(map[string]map[*websocket.Conn]bool)}
	upgrader := websocket.Upgrader{}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer h.dropConn(conn)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			h.handleRequest(conn, data)
		}
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *fakeHub) url() string { return "ws" + strings.TrimPrefix(h.srv.URL, "http") }

func (h *fakeHub) dropConn(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.subs {
		delete(set, conn)
	}
	conn.Close()
}

func (h *fakeHub) handleRequest(conn *websocket.Conn, data []byte) {
	var req struct {
		ID     uint64          `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}

	switch req.Method {
	case relayer.MethodSubscribe:
		var p struct {
			Topic string `json:"topic"`
		}
		json.Unmarshal(req.Params, &p)
		h.mu.Lock()
		if h.subs[p.Topic] == nil {
			h.subs[p.Topic] = make(map[*websocket.Conn]bool)
		}
		h.subs[p.Topic][conn] = true
		h.mu.Unlock()
		h.reply(conn, req.ID, p.Topic)
	case relayer.MethodUnsubscribe:
		var p struct {
			Topic string `json:"topic"`
		}
		json.Unmarshal(req.Params, &p)
		h.mu.Lock()
		delete(h.subs[p.Topic], conn)
		h.mu.Unlock()
		h.reply(conn, req.ID, true)
	case relayer.MethodPublish:
		var p struct {
			Topic   string `json:"topic"`
			Message string `json:"message"`
			Tag     uint32 `json:"tag"`
		}
		json.Unmarshal(req.Params, &p)
		h.reply(conn, req.ID, true)
		h.broadcast(conn, p.Topic, p.Message, p.Tag)
	}
}

func (h *fakeHub) reply(conn *websocket.Conn, id uint64, result any) {
	resp, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
	conn.WriteMessage(websocket.TextMessage, resp)
}

func (h *fakeHub) broadcast(publisher *websocket.Conn, topic, message string, tag uint32) {
	h.mu.Lock()
	var targets []*websocket.Conn
	for c := range h.subs[topic] {
		if c != publisher {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	notif, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  relayer.MethodSubscription,
		"params": map[string]any{
			"id": topic,
			"data": map[string]any{
				"topic":       topic,
				"message":     message,
				"publishedAt": time.Now().Unix(),
				"tag":         tag,
			},
		},
	})
	for _, c := range targets {
		c.WriteMessage(websocket.TextMessage, notif)
	}
}

// peer bundles one side's full stack, sharing nothing with the other
// peer except the fakeHub.
type peer struct {
	Pairing *Pairing
	rel     *relayer.Relayer
}

func newPeer(t *testing.T, hub *fakeHub) *peer {
	t.Helper()
	backend := memory.New()
	kc := keychain.New(backend, "wc-test")
	require.NoError(t, kc.Init(context.Background()))

	exp := expirer.New(backend, "wc-test")
	require.NoError(t, exp.Init(context.Background()))
	exp.Start()
	t.Cleanup(func() { exp.Close() })

	conn := relay.New()
	require.NoError(t, conn.Open(context.Background(), hub.url()))
	rel := relayer.New(conn)
	t.Cleanup(func() { rel.Close() })

	codec := cryptoenvelope.NewCodec(kc)
	mh := messagehandler.New(codec, rel)

	p := New(backend, "wc-test", kc, exp, rel, mh, "iridium")
	require.NoError(t, p.Init(context.Background()))

	return &peer{Pairing: p, rel: rel}
}

func TestPairing_S1_PairRoundTrip(t *testing.T) {
	hub := newFakeHub(t)
	creator := newPeer(t, hub)
	joiner := newPeer(t, hub)

	_, uri, err := creator.Pairing.Create(context.Background())
	require.NoError(t, err)

	var pingFired int
	joiner.Pairing.OnPinged(func(topic string) { pingFired++ })

	rec, err := joiner.Pairing.Pair(context.Background(), uri, false)
	require.NoError(t, err)
	assert.False(t, rec.Active)
	assert.WithinDuration(t, time.Now().Add(createExpiry), time.Unix(rec.Expiry, 0), 5*time.Second)
	assert.Equal(t, 0, pingFired)

	parsed, err := ParseURI(uri)
	require.NoError(t, err)
	assert.Equal(t, rec.Topic, parsed.Topic)
}

func TestPairing_S2_CreateURIRoundTrip(t *testing.T) {
	hub := newFakeHub(t)
	creator := newPeer(t, hub)

	rec, uri, err := creator.Pairing.Create(context.Background())
	require.NoError(t, err)

	parsed, err := ParseURI(uri)
	require.NoError(t, err)
	assert.Equal(t, rec.Topic, parsed.Topic)
	assert.Len(t, parsed.SymKey, 64)
	assert.True(t, isLowerHex(parsed.SymKey))
}

func TestPairing_S3_PingSuccess(t *testing.T) {
	hub := newFakeHub(t)
	creator := newPeer(t, hub)
	joiner := newPeer(t, hub)

	_, uri, err := creator.Pairing.Create(context.Background())
	require.NoError(t, err)
	rec, err := joiner.Pairing.Pair(context.Background(), uri, true)
	require.NoError(t, err)
	require.True(t, rec.Active)

	_, err = creator.Pairing.Activate(context.Background(), rec.Topic)
	require.NoError(t, err)

	var pinged int
	joiner.Pairing.OnPinged(func(topic string) { pinged++ })

	require.NoError(t, creator.Pairing.Ping(context.Background(), rec.Topic))
	assert.Equal(t, 1, pinged)
}

func TestPairing_S4_Disconnect(t *testing.T) {
	hub := newFakeHub(t)
	creator := newPeer(t, hub)
	joiner := newPeer(t, hub)

	_, uri, err := creator.Pairing.Create(context.Background())
	require.NoError(t, err)
	rec, err := joiner.Pairing.Pair(context.Background(), uri, true)
	require.NoError(t, err)
	_, err = creator.Pairing.Activate(context.Background(), rec.Topic)
	require.NoError(t, err)

	require.NoError(t, creator.Pairing.Disconnect(context.Background(), rec.Topic))

	assert.Empty(t, creator.Pairing.List())

	err = creator.Pairing.Disconnect(context.Background(), rec.Topic)
	require.ErrorIs(t, err, rcerr.ErrNoMatchingKey)
}

func TestPairing_S5_PeerInitiatedDelete(t *testing.T) {
	hub := newFakeHub(t)
	creator := newPeer(t, hub)
	joiner := newPeer(t, hub)

	_, uri, err := creator.Pairing.Create(context.Background())
	require.NoError(t, err)
	rec, err := joiner.Pairing.Pair(context.Background(), uri, true)
	require.NoError(t, err)
	_, err = creator.Pairing.Activate(context.Background(), rec.Topic)
	require.NoError(t, err)

	var deleted int
	creator.Pairing.OnDeleted(func(topic string) { deleted++ })

	require.NoError(t, joiner.Pairing.Disconnect(context.Background(), rec.Topic))

	require.Eventually(t, func() bool { return deleted == 1 }, 2*time.Second, 10*time.Millisecond)

	err = creator.Pairing.Ping(context.Background(), rec.Topic)
	require.ErrorIs(t, err, rcerr.ErrNoMatchingKey)
}

func TestPairing_DeletePairingIsIdempotent(t *testing.T) {
	hub := newFakeHub(t)
	creator := newPeer(t, hub)

	rec, _, err := creator.Pairing.Create(context.Background())
	require.NoError(t, err)

	require.NoError(t, creator.Pairing.DeletePairing(context.Background(), rec.Topic))
	require.NoError(t, creator.Pairing.DeletePairing(context.Background(), rec.Topic))
}

func TestParseURI_MissingSymKey(t *testing.T) {
	_, err := ParseURI("wc:" + strings.Repeat("a", 64) + "@2?relay-protocol=iridium")
	require.ErrorIs(t, err, rcerr.ErrInvalidURI)
}

func TestParseURI_UnknownVersionAccepted(t *testing.T) {
	u, err := ParseURI("wc:" + strings.Repeat("a", 64) + "@3?symKey=" + strings.Repeat("b", 64))
	require.NoError(t, err)
	assert.Equal(t, "3", u.Version)
}
