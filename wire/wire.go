// Package wire implements the key=value message encoding used on every
// external surface of the agent: inbound commands, HTTP callbacks, TCP push
// lines, and the horde peer protocol. Messages are newline-free sequences of
// key=value pairs joined by '&', with percent-escaped values.
package wire

import (
	"fmt"
	"net/url"
	"strings"
)

// Protocol keys recognized by the command pipeline. Any other key in a
// request passes through untouched as afterburn.
const (
	KeyGroup    = "group"
	KeyPassword = "password"
	KeyCommand  = "command"
	KeyCallback = "callback"
	KeySift     = "sift"
	KeyHorde    = "horde"
	KeyContext  = "context"
	KeyBalance  = "balance"
)

// Reserved result keys set by the pipeline when building a command result.
const (
	KeySuccess = "success"
	KeyError   = "error"
	KeyStatus  = "status"
	KeyTime    = "time"
	KeyData    = "data"
)

// Redacted replaces the password value in log output.
const Redacted = "***"

var protocolKeys = map[string]bool{
	KeyGroup:    true,
	KeyPassword: true,
	KeyCommand:  true,
	KeyCallback: true,
	KeySift:     true,
	KeyHorde:    true,
	KeyContext:  true,
	KeyBalance:  true,
}

var resultKeys = map[string]bool{
	KeySuccess: true,
	KeyError:   true,
	KeyStatus:  true,
	KeyTime:    true,
	KeyData:    true,
}

// IsProtocolKey reports whether key is consumed by the command pipeline.
func IsProtocolKey(key string) bool {
	return protocolKeys[key]
}

// IsResultKey reports whether key is reserved for pipeline result fields.
func IsResultKey(key string) bool {
	return resultKeys[key]
}

// Message is a decoded request: an unordered view of the key=value pairs.
// The first occurrence of a duplicated key wins.
type Message map[string]string

// Parse decodes a key=value message. Pairs without '=' are ignored, as are
// pairs with empty keys. Percent-escaping is reversed on both keys and
// values; an invalid escape fails the whole message.
func Parse(raw string) (Message, error) {
	msg := make(Message)
	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		eq := strings.IndexByte(pair, '=')
		if eq < 0 {
			continue
		}
		key, err := url.QueryUnescape(pair[:eq])
		if err != nil {
			return nil, fmt.Errorf("invalid key escape in %q: %w", pair, err)
		}
		value, err := url.QueryUnescape(pair[eq+1:])
		if err != nil {
			return nil, fmt.Errorf("invalid value escape for key %q: %w", key, err)
		}
		if key == "" {
			continue
		}
		if _, seen := msg[key]; seen {
			continue
		}
		msg[key] = value
	}
	return msg, nil
}

// Get returns the value for key, or "" when absent.
func (m Message) Get(key string) string {
	return m[key]
}

// Redact returns a copy of the message encoding with the password value
// replaced, suitable for logging.
func (m Message) Redact() string {
	kv := NewKeyValues()
	for key, value := range m {
		if key == KeyPassword {
			value = Redacted
		}
		kv.Set(key, value)
	}
	return kv.Encode()
}

// Pair is a single key/value entry of an ordered result.
type Pair struct {
	Key   string
	Value string
}

// KeyValues is an ordered key/value collection used for command results and
// notification payloads, where field order is preserved on the wire.
type KeyValues struct {
	pairs []Pair
	index map[string]int
}

// NewKeyValues creates an empty ordered collection.
func NewKeyValues() *KeyValues {
	return &KeyValues{index: make(map[string]int)}
}

// Set adds the key at the end of the order, or replaces the value in place
// when the key is already present.
func (kv *KeyValues) Set(key, value string) {
	if i, ok := kv.index[key]; ok {
		kv.pairs[i].Value = value
		return
	}
	kv.index[key] = len(kv.pairs)
	kv.pairs = append(kv.pairs, Pair{Key: key, Value: value})
}

// Get returns the value for key and whether it is present.
func (kv *KeyValues) Get(key string) (string, bool) {
	i, ok := kv.index[key]
	if !ok {
		return "", false
	}
	return kv.pairs[i].Value, true
}

// Has reports whether key is present.
func (kv *KeyValues) Has(key string) bool {
	_, ok := kv.index[key]
	return ok
}

// Delete removes key, preserving the order of the remaining pairs.
func (kv *KeyValues) Delete(key string) {
	i, ok := kv.index[key]
	if !ok {
		return
	}
	kv.pairs = append(kv.pairs[:i], kv.pairs[i+1:]...)
	delete(kv.index, key)
	for j := i; j < len(kv.pairs); j++ {
		kv.index[kv.pairs[j].Key] = j
	}
}

// MergeMissing adds each given pair only when its key is not already
// present. Existing values always win, so afterburn fields can never
// overwrite handler-produced ones.
func (kv *KeyValues) MergeMissing(key, value string) {
	if kv.Has(key) {
		return
	}
	kv.Set(key, value)
}

// Len returns the number of pairs.
func (kv *KeyValues) Len() int {
	return len(kv.pairs)
}

// Pairs returns the pairs in order. The slice must not be mutated.
func (kv *KeyValues) Pairs() []Pair {
	return kv.pairs
}

// Encode renders the collection as a single key=value&... line with
// percent-escaped keys and values.
func (kv *KeyValues) Encode() string {
	var sb strings.Builder
	for i, p := range kv.pairs {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(p.Key))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(p.Value))
	}
	return sb.String()
}

// Clone returns an independent copy.
func (kv *KeyValues) Clone() *KeyValues {
	out := NewKeyValues()
	for _, p := range kv.pairs {
		out.Set(p.Key, p.Value)
	}
	return out
}
