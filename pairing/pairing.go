package pairing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/walletconnect/relay-core/expirer"
	"github.com/walletconnect/relay-core/internal/logger"
	"github.com/walletconnect/relay-core/keychain"
	"github.com/walletconnect/relay-core/messagehandler"
	"github.com/walletconnect/relay-core/rcerr"
	"github.com/walletconnect/relay-core/relayer"
	"github.com/walletconnect/relay-core/store"
)

// Status is the Pairing state machine's state, per spec §4.8. Deleted is
// not stored on a Record: DeletePairing removes the record entirely, so
// absence from the Store is how the Deleted state is observed.
type Status string

const (
	StatusInactive Status = "inactive"
	StatusActive   Status = "active"
	StatusDeleted  Status = "deleted"
)

// Status reports the record's current lifecycle position. Deleted is
// never returned here since a deleted record no longer exists to
// inspect; absence from Pairing.List is how callers observe it.
func (r Record) Status() Status {
	if r.Active {
		return StatusActive
	}
	return StatusInactive
}

// createExpiry and activeExpiry are the TTLs applied on Create and
// Activate, respectively, per spec §4.8.
const (
	createExpiry = 5 * time.Minute
	activeExpiry = 30 * 24 * time.Hour
)

const (
	reasonUserDisconnected = "USER_DISCONNECTED"
)

// Record is a persisted pairing, keyed by topic.
type Record struct {
	Topic     string            `json:"topic"`
	SymKey    string            `json:"symKey"`
	Relay     string            `json:"relay"`
	Active    bool              `json:"active"`
	Expiry    int64             `json:"expiry"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Methods   []string          `json:"methods,omitempty"`
}

// Pairing implements spec §4.8: URI bootstrap, the Inactive/Active/Deleted
// lifecycle, and the wc_pairingPing/wc_pairingDelete inbound handlers.
//
// Grounded on session/manager.go's registry-plus-cleanup-ticker shape for
// the record store, reworked here onto the generic store.Store and
// expirer.Expirer rather than a bespoke in-memory map with its own TTL
// logic.
type Pairing struct {
	store   *store.Store[Record]
	keys    *keychain.Keychain
	exp     *expirer.Expirer
	rel     *relayer.Relayer
	mh      *messagehandler.Handler
	log     logger.Logger
	relayProtocol string

	mu sync.Mutex

	onPinged  func(topic string)
	onDeleted func(topic string)
	onExpired func(topic string)

	disposePing   messagehandler.DisposeFunc
	disposeDelete messagehandler.DisposeFunc
}

// New wires a Pairing over the given Store backend, Keychain, Expirer,
// Relayer and MessageHandler. relayProtocol is the value recorded in
// generated URIs' relay-protocol param (e.g. "iridium").
func New(backend store.Backend, contextPrefix string, keys *keychain.Keychain, exp *expirer.Expirer, rel *relayer.Relayer, mh *messagehandler.Handler, relayProtocol string) *Pairing {
	p := &Pairing{
		store:         store.New[Record](backend, contextPrefix, "pairings"),
		keys:          keys,
		exp:           exp,
		rel:           rel,
		mh:            mh,
		log:           logger.GetDefaultLogger(),
		relayProtocol: relayProtocol,
	}
	p.exp.OnExpired(p.handleExpired)
	p.disposePing = mh.HandleMessageType("wc_pairingPing", p.handlePingRequest, nil)
	p.disposeDelete = mh.HandleMessageType("wc_pairingDelete", p.handleDeleteRequest, nil)
	return p
}

// OnPinged registers the callback fired when PairingPinged occurs, per
// spec §4.8's S3 scenario.
func (p *Pairing) OnPinged(fn func(topic string)) { p.onPinged = fn }

// OnDeleted registers the callback fired when a pairing is torn down by
// either party or by expiry.
func (p *Pairing) OnDeleted(fn func(topic string)) { p.onDeleted = fn }

// OnExpired registers the callback fired specifically for expiry-driven
// teardown (PairingExpired), in addition to OnDeleted.
func (p *Pairing) OnExpired(fn func(topic string)) { p.onExpired = fn }

// Init loads persisted pairing records into the store's cache.
func (p *Pairing) Init(ctx context.Context) error {
	return p.store.Init(ctx)
}

// Dispose removes the inbound handler registrations. After Dispose, no
// further PairingPinged/PairingDeleted/PairingExpired events fire, per
// spec §5's "Dispose guarantees no further event emissions".
func (p *Pairing) Dispose() {
	if p.disposePing != nil {
		p.disposePing()
	}
	if p.disposeDelete != nil {
		p.disposeDelete()
	}
	p.exp.OnExpired(nil)
	p.mu.Lock()
	p.onPinged, p.onDeleted, p.onExpired = nil, nil, nil
	p.mu.Unlock()
}

// Create generates a random symmetric key, derives its topic, persists an
// inactive record with a 5-minute expiry, subscribes, and returns the
// resulting wc: URI, per spec §4.8 / S2.
func (p *Pairing) Create(ctx context.Context) (*Record, string, error) {
	key := make([]byte, keychain.SymKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, "", fmt.Errorf("create pairing: random key: %w", err)
	}

	topic, err := p.keys.SetSymKey(ctx, key)
	if err != nil {
		return nil, "", fmt.Errorf("create pairing: %w", err)
	}

	expiry := time.Now().Add(createExpiry)
	rec := Record{Topic: topic, SymKey: hex.EncodeToString(key), Relay: p.relayProtocol, Active: false, Expiry: expiry.Unix()}
	if err := p.store.Set(ctx, topic, rec); err != nil {
		return nil, "", fmt.Errorf("create pairing: %w", err)
	}
	if err := p.exp.Set(ctx, topic, expiry); err != nil {
		return nil, "", fmt.Errorf("create pairing: %w", err)
	}
	if err := p.rel.Subscribe(ctx, topic); err != nil {
		return nil, "", fmt.Errorf("create pairing: %w", err)
	}

	uri := &URI{Topic: topic, Version: "2", SymKey: rec.SymKey, Relay: p.relayProtocol}
	return &rec, uri.String(), nil
}

// Pair parses uri, rejects it if the topic is already known to the Store
// or Keychain, stores the symmetric key, subscribes, and optionally
// activates, per spec §4.8 / S1.
func (p *Pairing) Pair(ctx context.Context, rawURI string, activate bool) (*Record, error) {
	u, err := ParseURI(rawURI)
	if err != nil {
		return nil, err
	}

	if p.store.Has(u.Topic) || p.keys.HasKeys(u.Topic) {
		return nil, fmt.Errorf("%w: topic %s already paired", rcerr.ErrAlreadyExists, u.Topic)
	}

	key, err := hex.DecodeString(u.SymKey)
	if err != nil {
		return nil, fmt.Errorf("%w: symKey is not valid hex", rcerr.ErrInvalidURI)
	}
	if _, err := p.keys.SetSymKeyWithTopic(ctx, key, u.Topic); err != nil {
		return nil, fmt.Errorf("pair: %w", err)
	}

	expiry := time.Now().Add(createExpiry)
	rec := Record{Topic: u.Topic, SymKey: u.SymKey, Relay: u.Relay, Active: false, Expiry: expiry.Unix()}
	if err := p.store.Set(ctx, u.Topic, rec); err != nil {
		return nil, fmt.Errorf("pair: %w", err)
	}
	if err := p.exp.Set(ctx, u.Topic, expiry); err != nil {
		return nil, fmt.Errorf("pair: %w", err)
	}
	if err := p.rel.Subscribe(ctx, u.Topic); err != nil {
		return nil, fmt.Errorf("pair: %w", err)
	}

	if activate {
		return p.Activate(ctx, u.Topic)
	}
	return &rec, nil
}

// Activate sets active=true, resets the pairing's expiry to 30 days, and
// updates the Expirer accordingly.
func (p *Pairing) Activate(ctx context.Context, topic string) (*Record, error) {
	rec, err := p.requireActive(ctx, topic, false)
	if err != nil {
		return nil, err
	}

	expiry := time.Now().Add(activeExpiry)
	rec.Active = true
	rec.Expiry = expiry.Unix()
	if err := p.store.Set(ctx, topic, *rec); err != nil {
		return nil, fmt.Errorf("activate %s: %w", topic, err)
	}
	if err := p.exp.Set(ctx, topic, expiry); err != nil {
		return nil, fmt.Errorf("activate %s: %w", topic, err)
	}
	return rec, nil
}

// UpdateExpiry partially updates topic's expiry.
func (p *Pairing) UpdateExpiry(ctx context.Context, topic string, expiry time.Time) (*Record, error) {
	rec, err := p.get(ctx, topic)
	if err != nil {
		return nil, err
	}
	rec.Expiry = expiry.Unix()
	if err := p.store.Set(ctx, topic, *rec); err != nil {
		return nil, fmt.Errorf("update expiry %s: %w", topic, err)
	}
	if err := p.exp.Set(ctx, topic, expiry); err != nil {
		return nil, fmt.Errorf("update expiry %s: %w", topic, err)
	}
	return rec, nil
}

// UpdateMetadata partially updates topic's metadata map.
func (p *Pairing) UpdateMetadata(ctx context.Context, topic string, metadata map[string]string) (*Record, error) {
	rec, err := p.get(ctx, topic)
	if err != nil {
		return nil, err
	}
	if rec.Metadata == nil {
		rec.Metadata = make(map[string]string, len(metadata))
	}
	for k, v := range metadata {
		rec.Metadata[k] = v
	}
	if err := p.store.Set(ctx, topic, *rec); err != nil {
		return nil, fmt.Errorf("update metadata %s: %w", topic, err)
	}
	return rec, nil
}

// Register records the method names this client accepts on topic, per
// spec §4.8.
func (p *Pairing) Register(ctx context.Context, topic string, methods []string) (*Record, error) {
	rec, err := p.get(ctx, topic)
	if err != nil {
		return nil, err
	}
	rec.Methods = methods
	if err := p.store.Set(ctx, topic, *rec); err != nil {
		return nil, fmt.Errorf("register %s: %w", topic, err)
	}
	return rec, nil
}

// isValidRegister reports whether method is on topic's registered
// authorization list. An empty list permits everything (no Register
// call was made), mirroring the permissive default a caller gets before
// opting into a restricted allow-list.
func (rec Record) isValidRegister(method string) bool {
	if len(rec.Methods) == 0 {
		return true
	}
	for _, m := range rec.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// Ping sends wc_pairingPing and resolves once the peer responds with
// {result:true}, per spec §4.8 / S3. Only valid while topic is Active.
func (p *Pairing) Ping(ctx context.Context, topic string) error {
	if _, err := p.requireActive(ctx, topic, true); err != nil {
		return err
	}

	id, err := p.mh.SendRequest(ctx, topic, "wc_pairingPing", map[string]any{})
	if err != nil {
		return fmt.Errorf("ping %s: %w", topic, err)
	}
	result, err := p.mh.WaitForResponse(ctx, id, 30*time.Second)
	if err != nil {
		return fmt.Errorf("ping %s: %w", topic, err)
	}

	var ok bool
	if err := json.Unmarshal(result, &ok); err != nil || !ok {
		return fmt.Errorf("ping %s: unexpected response %s", topic, string(result))
	}
	return nil
}

// Disconnect sends wc_pairingDelete with USER_DISCONNECTED and tears down
// the pairing, per spec §4.8 / S4.
func (p *Pairing) Disconnect(ctx context.Context, topic string) error {
	if !p.store.Has(topic) {
		return fmt.Errorf("%w: %s", rcerr.ErrNoMatchingKey, topic)
	}

	if _, err := p.mh.SendRequest(ctx, topic, "wc_pairingDelete", map[string]any{
		"code":    6000,
		"message": reasonUserDisconnected,
	}); err != nil {
		p.log.Warn("best-effort pairing delete publish failed", logger.Topic(topic), logger.Error(err))
	}

	return p.DeletePairing(ctx, topic)
}

// DeletePairing is the idempotent internal teardown: Unsubscribe,
// Store.Delete, Keychain.DeleteSymKey, Expirer.Delete, each guarded by a
// presence check so double-delete is safe, per spec §4.8 / S5.
func (p *Pairing) DeletePairing(ctx context.Context, topic string) error {
	if !p.store.Has(topic) {
		return nil
	}

	if err := p.rel.Unsubscribe(ctx, topic); err != nil {
		p.log.Warn("unsubscribe during pairing teardown failed", logger.Topic(topic), logger.Error(err))
	}
	if err := p.store.Delete(ctx, topic, "pairing deleted"); err != nil && !errors.Is(err, rcerr.ErrNoMatchingKey) {
		return fmt.Errorf("delete pairing %s: %w", topic, err)
	}
	if p.keys.HasKeys(topic) {
		if err := p.keys.DeleteSymKey(ctx, topic); err != nil {
			p.log.Warn("keychain delete during pairing teardown failed", logger.Topic(topic), logger.Error(err))
		}
	}
	if err := p.exp.Delete(ctx, topic); err != nil {
		p.log.Warn("expirer delete during pairing teardown failed", logger.Topic(topic), logger.Error(err))
	}

	if p.onDeleted != nil {
		p.onDeleted(topic)
	}
	return nil
}

// List returns every known pairing record, sorted by topic.
func (p *Pairing) List() []Record {
	return p.sortedValues()
}

// ListActive returns only Active pairing records, sorted by topic.
func (p *Pairing) ListActive() []Record {
	all := p.sortedValues()
	active := make([]Record, 0, len(all))
	for _, r := range all {
		if r.Active {
			active = append(active, r)
		}
	}
	return active
}

func (p *Pairing) sortedValues() []Record {
	values := p.store.Values()
	out := make([]Record, len(values))
	copy(out, values)
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

// get fetches topic's live record. Deleted is not a status a live record
// can hold: DeletePairing removes the record, so a deleted topic simply
// fails here with ErrNoMatchingKey via the Store lookup.
func (p *Pairing) get(ctx context.Context, topic string) (*Record, error) {
	rec, err := p.store.Get(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("pairing %s: %w", topic, err)
	}
	return &rec, nil
}

// requireActive fetches topic's record, failing with Expired if its
// deadline has passed and, if wantActive, with NoMatchingKey if it isn't
// Active.
func (p *Pairing) requireActive(ctx context.Context, topic string, wantActive bool) (*Record, error) {
	rec, err := p.get(ctx, topic)
	if err != nil {
		return nil, err
	}
	if rec.Expiry <= time.Now().Unix() {
		_ = p.DeletePairing(ctx, topic)
		return nil, fmt.Errorf("pairing %s: %w", topic, rcerr.ErrExpired)
	}
	if wantActive && !rec.Active {
		return nil, fmt.Errorf("%w: pairing %s is not active", rcerr.ErrNoMatchingKey, topic)
	}
	return rec, nil
}

func (p *Pairing) handlePingRequest(ctx context.Context, topic string, id uint64, params json.RawMessage) {
	rec, err := p.requireActive(ctx, topic, false)
	if err != nil {
		p.log.Warn("dropping wc_pairingPing for unknown/expired topic", logger.Topic(topic))
		return
	}
	if !rec.isValidRegister("wc_pairingPing") {
		p.log.Warn("dropping wc_pairingPing not in topic's registered methods", logger.Topic(topic))
		return
	}
	if err := p.mh.SendResult(ctx, topic, "wc_pairingPing", id, true); err != nil {
		p.log.Warn("failed to reply to wc_pairingPing", logger.Topic(topic), logger.Error(err))
		return
	}
	if p.onPinged != nil {
		p.onPinged(topic)
	}
}

func (p *Pairing) handleDeleteRequest(ctx context.Context, topic string, id uint64, params json.RawMessage) {
	rec, err := p.get(ctx, topic)
	if err != nil {
		return
	}
	if !rec.isValidRegister("wc_pairingDelete") {
		p.log.Warn("dropping wc_pairingDelete not in topic's registered methods", logger.Topic(topic))
		return
	}
	if err := p.mh.SendResult(ctx, topic, "wc_pairingDelete", id, true); err != nil {
		p.log.Warn("failed to reply to wc_pairingDelete", logger.Topic(topic), logger.Error(err))
	}
	_ = p.DeletePairing(ctx, topic)
}

func (p *Pairing) handleExpired(topic string) {
	if !p.store.Has(topic) {
		return
	}
	ctx := context.Background()
	_ = p.DeletePairing(ctx, topic)
	if p.onExpired != nil {
		p.onExpired(topic)
	}
}

