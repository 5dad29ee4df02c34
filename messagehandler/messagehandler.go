// Package messagehandler implements spec §4.7: envelope decrypt/dispatch,
// typed request/response correlation, and method-keyed tag/TTL policy on
// top of a relayer.Relayer.
//
// Grounded on pkg/agent/transport/websocket/client.go's pendingResponses
// id-correlation map (reworked here to be keyed by an application-level
// JSON-RPC id rather than a transport message id, and to carry the
// originating method so a typed response handler can be found) and on
// session/manager.go's registry-of-callbacks shape for the method
// dispatch table.
package messagehandler

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/walletconnect/relay-core/cryptoenvelope"
	"github.com/walletconnect/relay-core/internal/logger"
	"github.com/walletconnect/relay-core/rcerr"
	"github.com/walletconnect/relay-core/relayer"
)

// DefaultRequestTimeout bounds WaitForResponse when the caller doesn't
// override it, per spec §5.
const DefaultRequestTimeout = 30 * time.Second

// ID is a JSON-RPC request/response id. Per spec §9, some peer
// implementations emit floating-point ids with a zero fractional part;
// ID accepts those on decode while always encoding as a plain integer.
type ID uint64

// UnmarshalJSON accepts both integer and numeric-with-fractional-zero ids.
func (id *ID) UnmarshalJSON(data []byte) error {
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	if f != math.Trunc(f) || f < 0 {
		return fmt.Errorf("id: non-integral json-rpc id %v", f)
	}
	*id = ID(f)
	return nil
}

// MarshalJSON always emits a plain integer.
func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(uint64(id))
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

type envelopeMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// MethodPolicy fixes the tag and TTL used when sending a request or
// reply for a given method, per spec §6.
type MethodPolicy struct {
	Tag uint32
	TTL time.Duration
}

// defaultPolicies mirrors the literal table in spec §6.
var defaultPolicies = map[string]MethodPolicy{
	"wc_pairingPing":   {Tag: 1002, TTL: 30 * time.Second},
	"wc_pairingDelete": {Tag: 1001, TTL: 24 * time.Hour},
}

// RequestHandler handles an inbound JSON-RPC request for a registered
// method. Implementations reply via Handler.SendResult/SendError.
type RequestHandler func(ctx context.Context, topic string, id uint64, params json.RawMessage)

// ResponseHandler handles an inbound JSON-RPC response correlated to a
// request previously sent for the same method, in addition to the
// id-keyed WaitForResponse waiter.
type ResponseHandler func(ctx context.Context, topic string, id uint64, result json.RawMessage, rpcErr error)

// DisposeFunc removes a HandleMessageType registration.
type DisposeFunc func()

type registration struct {
	onRequest  RequestHandler
	onResponse ResponseHandler
}

type pendingRequest struct {
	method string
	waiter chan pendingResult
}

type pendingResult struct {
	result json.RawMessage
	err    error
}

// Handler decrypts inbound relay messages, discriminates JSON-RPC
// requests from responses, and dispatches to registered handlers.
type Handler struct {
	codec *cryptoenvelope.Codec
	rel   *relayer.Relayer
	log   logger.Logger

	nextID uint64

	mu       sync.Mutex
	handlers map[string]*registration
	pending  map[uint64]*pendingRequest

	policies map[string]MethodPolicy
}

// New wires a Handler on top of codec (topic-keyed envelope encode/decode)
// and rel (publish/subscribe transport). It registers itself as rel's
// OnMessage callback.
func New(codec *cryptoenvelope.Codec, rel *relayer.Relayer) *Handler {
	h := &Handler{
		codec:    codec,
		rel:      rel,
		log:      logger.GetDefaultLogger(),
		handlers: make(map[string]*registration),
		pending:  make(map[uint64]*pendingRequest),
		policies: defaultPolicies,
	}
	rel.OnMessage(h.onMessageReceived)
	return h
}

// WithPolicy overrides or adds a method's tag/TTL policy.
func (h *Handler) WithPolicy(method string, policy MethodPolicy) *Handler {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.policies == nil {
		h.policies = make(map[string]MethodPolicy)
	}
	merged := make(map[string]MethodPolicy, len(h.policies)+1)
	for k, v := range h.policies {
		merged[k] = v
	}
	merged[method] = policy
	h.policies = merged
	return h
}

func (h *Handler) policyFor(method string) MethodPolicy {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.policies[method]; ok {
		return p
	}
	return MethodPolicy{Tag: 0, TTL: relayer.DefaultPublishTTL}
}

// HandleMessageType registers onRequest and onResponse for method.
// Either may be nil. Returns a disposal token that removes both.
func (h *Handler) HandleMessageType(method string, onRequest RequestHandler, onResponse ResponseHandler) DisposeFunc {
	h.mu.Lock()
	h.handlers[method] = &registration{onRequest: onRequest, onResponse: onResponse}
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.handlers, method)
		h.mu.Unlock()
	}
}

// SendRequest encrypts params under topic's symmetric key, publishes a
// JSON-RPC request for method, and returns the allocated id.
func (h *Handler) SendRequest(ctx context.Context, topic, method string, params any) (uint64, error) {
	id := atomic.AddUint64(&h.nextID, 1)

	paramsRaw, err := json.Marshal(params)
	if err != nil {
		return 0, fmt.Errorf("marshal request params: %w", err)
	}
	msg := envelopeMessage{JSONRPC: "2.0", ID: ID(id), Method: method, Params: paramsRaw}

	h.mu.Lock()
	h.pending[id] = &pendingRequest{method: method, waiter: make(chan pendingResult, 1)}
	h.mu.Unlock()

	if err := h.publish(ctx, topic, method, msg); err != nil {
		h.mu.Lock()
		delete(h.pending, id)
		h.mu.Unlock()
		return 0, err
	}

	return id, nil
}

// WaitForResponse awaits the response correlated to id, failing with
// ErrTimeout if timeout elapses first. timeout of 0 uses
// DefaultRequestTimeout.
func (h *Handler) WaitForResponse(ctx context.Context, id uint64, timeout time.Duration) (json.RawMessage, error) {
	if timeout == 0 {
		timeout = DefaultRequestTimeout
	}

	h.mu.Lock()
	pr, ok := h.pending[id]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no pending request for id %d", rcerr.ErrNoMatchingKey, id)
	}

	defer func() {
		h.mu.Lock()
		delete(h.pending, id)
		h.mu.Unlock()
	}()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case <-waitCtx.Done():
		return nil, fmt.Errorf("%w: waiting for response to id %d", rcerr.ErrTimeout, id)
	case res := <-pr.waiter:
		return res.result, res.err
	}
}

// SendResult replies to an inbound request, echoing its id.
func (h *Handler) SendResult(ctx context.Context, topic, method string, id uint64, result any) error {
	resultRaw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	msg := envelopeMessage{JSONRPC: "2.0", ID: ID(id), Result: resultRaw}
	return h.publish(ctx, topic, method, msg)
}

// SendError replies to an inbound request with an error, echoing its id.
func (h *Handler) SendError(ctx context.Context, topic, method string, id uint64, code int, message string) error {
	msg := envelopeMessage{JSONRPC: "2.0", ID: ID(id), Error: &rpcError{Code: code, Message: message}}
	return h.publish(ctx, topic, method, msg)
}

func (h *Handler) publish(ctx context.Context, topic, method string, msg envelopeMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal envelope message: %w", err)
	}
	ciphertext, err := h.codec.Encode(ctx, topic, string(raw))
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	policy := h.policyFor(method)
	return h.rel.Publish(ctx, topic, ciphertext, relayer.PublishOptions{Tag: policy.Tag, TTL: policy.TTL})
}

// onMessageReceived is the relayer.Relayer OnMessage callback: it
// decrypts, discriminates request vs response, and dispatches.
func (h *Handler) onMessageReceived(topic, ciphertext string, tag uint32) {
	ctx := context.Background()
	plaintext, err := h.codec.Decode(ctx, topic, ciphertext)
	if err != nil {
		h.log.Warn("dropping undecryptable message", logger.Topic(topic), logger.Error(err))
		return
	}

	var msg envelopeMessage
	if err := json.Unmarshal([]byte(plaintext), &msg); err != nil {
		h.log.Warn("dropping malformed json-rpc message", logger.Topic(topic), logger.Error(err))
		return
	}

	if msg.Method != "" {
		h.dispatchRequest(ctx, topic, msg)
		return
	}
	h.dispatchResponse(ctx, topic, msg)
}

func (h *Handler) dispatchRequest(ctx context.Context, topic string, msg envelopeMessage) {
	h.mu.Lock()
	reg, ok := h.handlers[msg.Method]
	h.mu.Unlock()
	if !ok || reg.onRequest == nil {
		h.log.Debug("no request handler registered", logger.Method(msg.Method))
		return
	}
	reg.onRequest(ctx, topic, uint64(msg.ID), msg.Params)
}

func (h *Handler) dispatchResponse(ctx context.Context, topic string, msg envelopeMessage) {
	h.mu.Lock()
	pr, ok := h.pending[uint64(msg.ID)]
	h.mu.Unlock()
	if !ok {
		h.log.Debug("dropping orphan response", logger.RequestID(uint64(msg.ID)))
		return
	}

	var err error
	if msg.Error != nil {
		err = msg.Error
	}

	select {
	case pr.waiter <- pendingResult{result: msg.Result, err: err}:
	default:
	}

	h.mu.Lock()
	reg, ok := h.handlers[pr.method]
	h.mu.Unlock()
	if ok && reg.onResponse != nil {
		reg.onResponse(ctx, topic, uint64(msg.ID), msg.Result, err)
	}
}
