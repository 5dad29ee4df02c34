// Package core wires Store, Keychain, Expirer, relay.Connection, Relayer,
// messagehandler.Handler and Pairing into a single orchestrator, and adds
// the periodic Heartbeat the original sign-client core emits (see
// SPEC_FULL.md's "Supplemented Features"). The single Open/Close
// lifecycle plus component-accessor shape is grounded on this module's
// own New/NewWithConfig/ApplyConfig pattern; the heartbeat ticker is
// grounded on session/manager.go's runCleanup goroutine.
package core

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/walletconnect/relay-core/config"
	"github.com/walletconnect/relay-core/cryptoenvelope"
	"github.com/walletconnect/relay-core/expirer"
	"github.com/walletconnect/relay-core/internal/logger"
	"github.com/walletconnect/relay-core/internal/metrics"
	"github.com/walletconnect/relay-core/keychain"
	"github.com/walletconnect/relay-core/messagehandler"
	"github.com/walletconnect/relay-core/pairing"
	"github.com/walletconnect/relay-core/relay"
	"github.com/walletconnect/relay-core/relayer"
	"github.com/walletconnect/relay-core/store"
)

// DefaultHeartbeatInterval is how often Core emits a pulse on Heartbeat,
// matching the original sign-client core's keepalive cadence.
const DefaultHeartbeatInterval = 30 * time.Second

// Core bundles every relay-core component behind a single Open/Close
// lifecycle. It is what cmd/wc-demo and embedding clients construct.
type Core struct {
	keychain *keychain.Keychain
	expirer  *expirer.Expirer
	conn     *relay.Connection
	relayer  *relayer.Relayer
	handler  *messagehandler.Handler
	pairing  *pairing.Pairing
	metrics  *metrics.Collector

	log logger.Logger

	mu       sync.Mutex
	beat     chan time.Time
	stop     chan struct{}
	stopped  bool
	wg       sync.WaitGroup
	interval time.Duration
}

// New constructs a Core over backend using default relay settings.
func New(backend store.Backend) *Core {
	return NewWithConfig(&config.Config{}, backend)
}

// NewWithConfig constructs a Core from cfg and backend. It does not dial
// the relay or start the heartbeat; call Open for that.
func NewWithConfig(cfg *config.Config, backend store.Backend) *Core {
	const contextPrefix = "wc"

	kc := keychain.New(backend, contextPrefix)
	exp := expirer.New(backend, contextPrefix)

	conn := relay.New()
	if cfg.Relay != nil && cfg.Relay.DialTimeout > 0 {
		conn = conn.WithDialTimeout(cfg.Relay.DialTimeout)
	}

	rel := relayer.New(conn)
	if cfg.Relay != nil && cfg.Relay.DedupWindow > 0 {
		rel.WithDedupWindow(cfg.Relay.DedupWindow)
	}

	codec := cryptoenvelope.NewCodec(kc)
	mh := messagehandler.New(codec, rel)

	relayProtocol := "iridium"
	if cfg.Relay != nil && cfg.Relay.Protocol != "" {
		relayProtocol = cfg.Relay.Protocol
	}
	p := pairing.New(backend, contextPrefix, kc, exp, rel, mh, relayProtocol)

	mc := metrics.New()
	wireMetrics(mc, rel, p, codec)

	return &Core{
		keychain: kc,
		expirer:  exp,
		conn:     conn,
		relayer:  rel,
		handler:  mh,
		pairing:  p,
		metrics:  mc,
		log:      logger.GetDefaultLogger(),
		stop:     make(chan struct{}),
		beat:     make(chan time.Time, 1),
		interval: DefaultHeartbeatInterval,
	}
}

// wireMetrics taps the already-exposed OnMessage/OnTransportStatus/
// OnPublished/OnDeduped/OnPinged/OnDeleted/OnExpired/OnEncoded/OnDecoded
// hooks to drive Collector counters, rather than threading a Collector
// parameter through every constructor.
func wireMetrics(mc *metrics.Collector, rel *relayer.Relayer, p *pairing.Pairing, codec *cryptoenvelope.Codec) {
	rel.OnTransportStatus(func(status relayer.TransportStatus) {
		outcome := "closed"
		if status == relayer.TransportOpen {
			outcome = "open"
		}
		mc.SubscribeTotal.WithLabelValues("transport", outcome).Inc()
	})
	rel.OnMessage(func(topic, message string, tag uint32) {
		mc.MessagesReceived.Inc()
	})
	rel.OnPublished(func(tag uint32, elapsed time.Duration, err error) {
		mc.PublishTotal.WithLabelValues(outcomeOf(err)).Inc()
		mc.PublishLatency.WithLabelValues(strconv.FormatUint(uint64(tag), 10)).Observe(elapsed.Seconds())
	})
	rel.OnDeduped(func(topic string) { mc.MessagesDeduped.Inc() })

	codec.OnEncoded(func(err error) { mc.EnvelopeEncodeTotal.WithLabelValues(outcomeOf(err)).Inc() })
	codec.OnDecoded(func(err error) { mc.EnvelopeDecodeTotal.WithLabelValues(outcomeOf(err)).Inc() })

	p.OnPinged(func(topic string) { mc.PairingTransitions.WithLabelValues("pinged").Inc() })
	p.OnDeleted(func(topic string) { mc.PairingTransitions.WithLabelValues("deleted").Inc() })
	p.OnExpired(func(topic string) {
		mc.PairingTransitions.WithLabelValues("expired").Inc()
		mc.ExpiredTargets.Inc()
	})
}

func outcomeOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Open initializes every component, dials the relay at url, resubscribes
// active pairing topics, and starts the heartbeat.
func (c *Core) Open(ctx context.Context, url string) error {
	if err := c.keychain.Init(ctx); err != nil {
		return fmt.Errorf("core: keychain init: %w", err)
	}
	if err := c.expirer.Init(ctx); err != nil {
		return fmt.Errorf("core: expirer init: %w", err)
	}
	c.expirer.Start()

	if err := c.conn.Open(ctx, url); err != nil {
		return fmt.Errorf("core: relay dial: %w", err)
	}
	if err := c.pairing.Init(ctx); err != nil {
		return fmt.Errorf("core: pairing init: %w", err)
	}
	if err := c.relayer.NoteOpen(ctx); err != nil {
		return fmt.Errorf("core: resubscribe: %w", err)
	}
	for _, rec := range c.pairing.ListActive() {
		if err := c.relayer.Subscribe(ctx, rec.Topic); err != nil {
			return fmt.Errorf("core: resubscribe %s: %w", rec.Topic, err)
		}
	}

	c.startHeartbeat()
	return nil
}

// Heartbeat returns a channel receiving a pulse every interval while Core
// is open, for callers (e.g. Sign/Auth-style upper layers) that want to
// observe liveness without polling Core's components directly.
func (c *Core) Heartbeat() <-chan time.Time {
	return c.beat
}

func (c *Core) startHeartbeat() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case t := <-ticker.C:
				select {
				case c.beat <- t:
				default:
				}
			case <-c.stop:
				return
			}
		}
	}()
}

// Close tears down the heartbeat, pairing, expirer, and relay connection.
// Close is idempotent.
func (c *Core) Close() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	close(c.stop)
	c.mu.Unlock()

	c.wg.Wait()
	c.pairing.Dispose()
	c.expirer.Close()
	c.relayer.Close()
	return c.conn.Close()
}

// Pairing returns the Core's Pairing component for lifecycle operations
// (Create, Pair, Ping, Disconnect, ...).
func (c *Core) Pairing() *pairing.Pairing { return c.pairing }

// Relayer returns the Core's Relayer for direct publish/subscribe use
// outside the pairing topic (e.g. session topics).
func (c *Core) Relayer() *relayer.Relayer { return c.relayer }

// Handler returns the Core's messagehandler.Handler for registering
// additional JSON-RPC method handlers beyond pairing's own.
func (c *Core) Handler() *messagehandler.Handler { return c.handler }

// Keychain returns the Core's Keychain for direct symmetric-key
// management outside the pairing/session lifecycle.
func (c *Core) Keychain() *keychain.Keychain { return c.keychain }

// Metrics returns the Core's Prometheus Collector.
func (c *Core) Metrics() *metrics.Collector { return c.metrics }
