// Package pairing implements spec §4.8: the wc: URI grammar, the
// Pairing lifecycle state machine, and the inbound wc_pairingPing /
// wc_pairingDelete handlers.
//
// Grounded on did/manager.go's ParseDID: a bespoke colon/query-string
// splitter rather than net/url, since the wc: scheme's query grammar
// (bare `relay-data` values, required param ordering-independence) isn't
// a natural fit for net/url's opinions about URI validity.
package pairing

import (
	"fmt"
	"strings"

	"github.com/walletconnect/relay-core/rcerr"
)

// URI is a parsed wc: pairing URI, per spec §4.8's ABNF.
type URI struct {
	Topic    string
	Version  string
	SymKey   string
	Relay    string // relay-protocol
	RelayData string // relay-data, optional
	Extra    map[string]string // unknown params, preserved
}

// ParseURI parses a wc: URI. Unknown query params are preserved in Extra.
// A missing symKey fails with ErrInvalidURI; a version other than "2" is
// accepted and recorded (upper layers may reject it).
func ParseURI(raw string) (*URI, error) {
	const scheme = "wc:"
	if !strings.HasPrefix(raw, scheme) {
		return nil, fmt.Errorf("%w: missing wc: scheme", rcerr.ErrInvalidURI)
	}
	rest := raw[len(scheme):]

	atIdx := strings.IndexByte(rest, '@')
	if atIdx < 0 {
		return nil, fmt.Errorf("%w: missing @version", rcerr.ErrInvalidURI)
	}
	topic := rest[:atIdx]
	rest = rest[atIdx+1:]

	qIdx := strings.IndexByte(rest, '?')
	if qIdx < 0 {
		return nil, fmt.Errorf("%w: missing query", rcerr.ErrInvalidURI)
	}
	version := rest[:qIdx]
	query := rest[qIdx+1:]

	if topic == "" || !isLowerHex(topic) {
		return nil, fmt.Errorf("%w: topic must be lowercase hex", rcerr.ErrInvalidURI)
	}
	if version == "" {
		return nil, fmt.Errorf("%w: missing version", rcerr.ErrInvalidURI)
	}

	u := &URI{Topic: topic, Version: version, Extra: make(map[string]string)}

	for _, param := range strings.Split(query, "&") {
		if param == "" {
			continue
		}
		k, v, ok := strings.Cut(param, "=")
		if !ok {
			return nil, fmt.Errorf("%w: malformed query param %q", rcerr.ErrInvalidURI, param)
		}
		switch k {
		case "symKey":
			u.SymKey = v
		case "relay-protocol":
			u.Relay = v
		case "relay-data":
			u.RelayData = v
		default:
			u.Extra[k] = v
		}
	}

	if u.SymKey == "" || !isLowerHex(u.SymKey) || len(u.SymKey) != 64 {
		return nil, fmt.Errorf("%w: missing or malformed symKey", rcerr.ErrInvalidURI)
	}

	return u, nil
}

// String renders u back into a wc: URI.
func (u *URI) String() string {
	var b strings.Builder
	b.WriteString("wc:")
	b.WriteString(u.Topic)
	b.WriteByte('@')
	b.WriteString(u.Version)
	b.WriteByte('?')

	params := []string{"symKey=" + u.SymKey}
	if u.Relay != "" {
		params = append(params, "relay-protocol="+u.Relay)
	}
	if u.RelayData != "" {
		params = append(params, "relay-data="+u.RelayData)
	}
	for k, v := range u.Extra {
		params = append(params, k+"="+v)
	}
	b.WriteString(strings.Join(params, "&"))
	return b.String()
}

func isLowerHex(s string) bool {
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			return false
		}
	}
	return true
}
