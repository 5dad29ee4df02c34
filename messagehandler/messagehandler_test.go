package messagehandler

import (
	"context"
	"crypto/rand"
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
	"github.com/walletconnect/relay-core/keychain"
	"github.com/walletconnect/relay-core/relay"
	"github.com/walletconnect/relay-core/relayer"
	"github.com/walletconnect/relay-core/store/memory"
)

// testRelayServer answers iridium RPCs and lets the test push raw
// envelope-bearing subscription notifications for a topic.
type testRelayServer struct {
	srv    *httptest.Server
	connMu sync.Mutex
	conn   *websocket.Conn
}

func newTestRelayServer(t *testing.T) *testRelayServer {
	t.Helper()
	f := &testRelayServer{}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		f.connMu.Lock()
		f.conn = conn
		f.connMu.Unlock()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req struct {
				ID     uint64 `json:"id"`
				Method string `json:"method"`
			}
			require.NoError(t, json.Unmarshal(data, &req))
			var result any
			switch req.Method {
			case relayer.MethodSubscribe:
				result = "sub-1"
			case relayer.MethodUnsubscribe, relayer.MethodPublish:
				result = true
			}
			resp, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, resp))
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *testRelayServer) url() string { return "ws" + strings.TrimPrefix(f.srv.URL, "http") }

func (f *testRelayServer) push(t *testing.T, topic, message string, tag uint32) {
	t.Helper()
	f.connMu.Lock()
	conn := f.conn
	f.connMu.Unlock()
	require.NotNil(t, conn)

	notif := map[string]any{
		"jsonrpc": "2.0",
		"method":  relayer.MethodSubscription,
		"params": map[string]any{
			"id": "sub-1",
			"data": map[string]any{
				"topic":       topic,
				"message":     message,
				"publishedAt": time.Now().Unix(),
				"tag":         tag,
			},
		},
	}
	raw, err := json.Marshal(notif)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func newTestHandler(t *testing.T) (*Handler, *testRelayServer, *keychain.Keychain, string) {
	t.Helper()
	f := newTestRelayServer(t)

	kc := keychain.New(memory.New(), "wc-test")
	require.NoError(t, kc.Init(context.Background()))
	key := make([]byte, keychain.SymKeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	topic, err := kc.SetSymKey(context.Background(), key)
	require.NoError(t, err)

	codec := cryptoenvelope.NewCodec(kc)

	conn := relay.New()
	require.NoError(t, conn.Open(context.Background(), f.url()))
	rel := relayer.New(conn)
	require.NoError(t, rel.Subscribe(context.Background(), topic))

	h := New(codec, rel)
	t.Cleanup(func() { rel.Close() })
	return h, f, kc, topic
}

func TestHandler_SendRequestWaitForResponse(t *testing.T) {
	h, f, kc, topic := newTestHandler(t)
	ctx := context.Background()

	id, err := h.SendRequest(ctx, topic, "wc_pairingPing", map[string]any{})
	require.NoError(t, err)

	key, err := kc.GetSymKey(ctx, topic)
	require.NoError(t, err)

	respEnvelope, err := cryptoenvelope.Encode(key, mustJSON(t, map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  true,
	}), cryptoenvelope.TypeSym, nil)
	require.NoError(t, err)

	f.push(t, topic, respEnvelope, 1002)

	result, err := h.WaitForResponse(ctx, id, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "true", string(result))
}

func TestHandler_DispatchesInboundRequest(t *testing.T) {
	h, f, kc, topic := newTestHandler(t)
	ctx := context.Background()

	received := make(chan uint64, 1)
	h.HandleMessageType("wc_pairingPing", func(ctx context.Context, topic string, id uint64, params json.RawMessage) {
		received <- id
	}, nil)

	key, err := kc.GetSymKey(ctx, topic)
	require.NoError(t, err)
	reqEnvelope, err := cryptoenvelope.Encode(key, mustJSON(t, map[string]any{
		"jsonrpc": "2.0",
		"id":      7,
		"method":  "wc_pairingPing",
		"params":  map[string]any{},
	}), cryptoenvelope.TypeSym, nil)
	require.NoError(t, err)

	f.push(t, topic, reqEnvelope, 1002)

	select {
	case id := <-received:
		assert.Equal(t, uint64(7), id)
	case <-time.After(2 * time.Second):
		t.Fatal("request handler did not fire")
	}
}

func TestID_AcceptsFractionalZero(t *testing.T) {
	var id ID
	require.NoError(t, json.Unmarshal([]byte("1.0"), &id))
	assert.Equal(t, ID(1), id)

	require.Error(t, json.Unmarshal([]byte("1.5"), &id))

	raw, err := json.Marshal(ID(42))
	require.NoError(t, err)
	assert.Equal(t, "42", string(raw))
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return string(raw)
}
