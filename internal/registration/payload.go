package registration

import (
	"sort"
	"strings"

	"github.com/rcourtman/quartermaster/internal/rhsm"
	"github.com/rs/zerolog/log"
)

// Payload keys written by the registration form and the CLI.
const (
	KeyLogin    = "login"
	KeyUser     = "user"
	KeyPassword = "password"
	KeyKeys     = "keys"
	KeyOrg      = "org"

	KeyForce         = "force"
	KeyName          = "name"
	KeyConsumerID    = "consumerid"
	KeyEnvironment   = "environment"
	KeyHost          = "host"
	KeyPort          = "port"
	KeyHandler       = "handler"
	KeyInsecure      = "insecure"
	KeyProxyHostname = "proxy_hostname"
	KeyProxyUser     = "proxy_user"
	KeyProxyPassword = "proxy_password"
)

// Payload is a snapshot of submitted field values. Values are strings except
// KeyKeys, which holds a []string.
type Payload map[string]interface{}

// Clone returns a copy that shares nothing with p.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		if keys, ok := v.([]string); ok {
			cp := make([]string, len(keys))
			copy(cp, keys)
			v = cp
		}
		out[k] = v
	}
	return out
}

// String returns the string value stored at key.
func (p Payload) String(key string) (string, bool) {
	v, ok := p[key].(string)
	return v, ok
}

// Keys returns the activation keys in the payload.
func (p Payload) Keys() []string {
	switch v := p[KeyKeys].(type) {
	case []string:
		return v
	case string:
		return SplitKeys(v)
	}
	return nil
}

// Fields returns the payload's keys in sorted order.
func (p Payload) Fields() []string {
	out := make([]string, 0, len(p))
	for k := range p {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Username returns "user", falling back to "login".
func (p Payload) Username() string {
	if v, ok := p.String(KeyUser); ok && v != "" {
		return v
	}
	v, _ := p.String(KeyLogin)
	return v
}

// SplitKeys splits a comma separated list of activation keys, dropping
// blanks.
func SplitKeys(raw string) []string {
	var keys []string
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func (p Payload) optional(key string) *string {
	if v, ok := p.String(key); ok {
		return &v
	}
	return nil
}

func (p Payload) registerOptions() rhsm.RegisterOptions {
	return rhsm.RegisterOptions{
		Force:       p.optional(KeyForce),
		Name:        p.optional(KeyName),
		ConsumerID:  p.optional(KeyConsumerID),
		Environment: p.optional(KeyEnvironment),
	}
}

func (p Payload) connectionOptions() rhsm.ConnectionOptions {
	return rhsm.ConnectionOptions{
		Host:          p.optional(KeyHost),
		Port:          p.optional(KeyPort),
		Handler:       p.optional(KeyHandler),
		Insecure:      p.optional(KeyInsecure),
		ProxyHostname: p.optional(KeyProxyHostname),
		ProxyUser:     p.optional(KeyProxyUser),
		ProxyPassword: p.optional(KeyProxyPassword),
	}
}

// UsesActivationKeys reports whether the payload asks for an activation
// key registration: keys present and no username.
func (p Payload) UsesActivationKeys() bool {
	return p.Username() == "" && len(p.Keys()) > 0
}

// RegisterRequest builds the username/password request.
func (p Payload) RegisterRequest() rhsm.RegisterRequest {
	org, _ := p.String(KeyOrg)
	password, _ := p.String(KeyPassword)
	return rhsm.RegisterRequest{
		Org:        org,
		Username:   p.Username(),
		Password:   password,
		Options:    p.registerOptions(),
		Connection: p.connectionOptions(),
	}
}

// ActivationKeyRequest builds the activation key request.
func (p Payload) ActivationKeyRequest() rhsm.ActivationKeyRequest {
	org, _ := p.String(KeyOrg)
	return rhsm.ActivationKeyRequest{
		Org:        org,
		Keys:       p.Keys(),
		Options:    p.registerOptions(),
		Connection: p.connectionOptions(),
	}
}

// UnregisterRequest builds the unregister request.
func (p Payload) UnregisterRequest() rhsm.UnregisterRequest {
	return rhsm.UnregisterRequest{Connection: p.connectionOptions()}
}

// ParseEndpoint extracts the socket address from the string returned by
// RegisterServer.Start: everything before the first comma. Without a comma
// the result is empty and the malformed value is logged.
func ParseEndpoint(raw string) string {
	idx := strings.Index(raw, ",")
	if idx < 0 {
		log.Error().Str("endpoint", raw).Msg("Register server returned an address without a separator")
		return ""
	}
	return raw[:idx]
}
