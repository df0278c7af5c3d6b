// Package shard selects which physical database a logical operation
// targets. The active shard travels as an explicit context value set at
// the top of each unit of work; nothing here is process-global, so
// concurrent requests and poll cycles can never observe each other's
// shard selection.
package shard

import (
	"context"
	"strconv"
	"strings"
)

// Key identifies one physical database shard.
type Key int

const (
	// Shard0 holds merchants with an even numeric suffix.
	Shard0 Key = 0
	// Shard1 holds merchants with an odd numeric suffix.
	Shard1 Key = 1

	// DefaultKey is used when no shard has been selected and when a
	// merchant identifier cannot be parsed.
	DefaultKey = Shard0

	// Count is the fixed number of shards.
	Count = 2
)

// String returns a short, stable label for logging.
func (k Key) String() string {
	return "shard-" + strconv.Itoa(int(k))
}

// Valid reports whether k names an existing shard.
func (k Key) Valid() bool {
	return k >= 0 && int(k) < Count
}

type contextKey struct{}

// WithKey returns a context carrying the given shard key. Callers set it
// once at the top of a unit of work and pass the context down; nested
// calls must not replace it.
func WithKey(ctx context.Context, k Key) context.Context {
	return context.WithValue(ctx, contextKey{}, k)
}

// FromContext returns the shard key carried by ctx, or DefaultKey when
// none was set. It never fails.
func FromContext(ctx context.Context) Key {
	if k, ok := ctx.Value(contextKey{}).(Key); ok && k.Valid() {
		return k
	}
	return DefaultKey
}

// DeriveFromMerchant maps a merchant identifier to its shard. The
// trailing digits of the identifier are taken modulo the shard count, so
// the mapping is deterministic across processes. Identifiers without a
// numeric suffix map to DefaultKey.
func DeriveFromMerchant(merchantID string) Key {
	digits := trailingDigits(merchantID)
	if digits == "" {
		return DefaultKey
	}

	n, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		// Suffix longer than uint64: the last digit alone decides parity.
		n = uint64(digits[len(digits)-1] - '0')
	}
	return Key(n % Count)
}

// trailingDigits returns the longest run of ASCII digits at the end of s.
func trailingDigits(s string) string {
	i := len(s)
	for i > 0 && s[i-1] >= '0' && s[i-1] <= '9' {
		i--
	}
	return s[i:]
}

// All returns every shard key in fixed priority order. Schedulers
// iterate this order so one shard's backlog cannot starve another
// indefinitely across cycles.
func All() []Key {
	keys := make([]Key, Count)
	for i := range keys {
		keys[i] = Key(i)
	}
	return keys
}

// ParseKeys parses a comma-separated list of shard numbers, e.g. "0,1".
// An empty input means all shards.
func ParseKeys(s string) ([]Key, error) {
	if strings.TrimSpace(s) == "" {
		return All(), nil
	}

	var keys []Key
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		k := Key(n)
		if !k.Valid() {
			return nil, strconv.ErrRange
		}
		keys = append(keys, k)
	}
	return keys, nil
}
