package rhsm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
	qmerrors "github.com/rcourtman/quartermaster/internal/errors"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// ClientConfig bounds the calls a Client makes.
type ClientConfig struct {
	CallTimeout     time.Duration // default bound for every call
	RegisterTimeout time.Duration // bound for the register calls
	BreakerFailures uint32        // consecutive connection failures before calls short-circuit
	BreakerCooldown time.Duration // how long the breaker stays open
	Bus             Bus           // bus the RHSM services live on
}

// DefaultClientConfig returns the timeouts used when none are configured.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		CallTimeout:     30 * time.Second,
		RegisterTimeout: 5 * time.Minute,
		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
		Bus:             BusSystem,
	}
}

// Client issues typed RHSM calls through a Gateway.
type Client struct {
	gateway Gateway
	cfg     ClientConfig
	breaker *gobreaker.CircuitBreaker
}

// NewClient creates a client over gateway.
func NewClient(gateway Gateway, cfg ClientConfig) *Client {
	defaults := DefaultClientConfig()
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaults.CallTimeout
	}
	if cfg.RegisterTimeout <= 0 {
		cfg.RegisterTimeout = defaults.RegisterTimeout
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = defaults.BreakerFailures
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = defaults.BreakerCooldown
	}
	if cfg.Bus != BusSession {
		cfg.Bus = defaults.Bus
	}

	failures := cfg.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "rhsm",
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Only an unreachable bus should open the breaker; a rejected
		// registration says nothing about the next call.
		IsSuccessful: func(err error) bool {
			return err == nil || !(errors.Is(err, qmerrors.ErrConnectionFailed) || errors.Is(err, qmerrors.ErrTimeout))
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("RHSM call breaker changed state")
		},
	})

	return &Client{gateway: gateway, cfg: cfg, breaker: breaker}
}

func (c *Client) busOptions() ConnOptions {
	opts := Superuser
	opts.Bus = c.cfg.Bus
	return opts
}

// Gateway returns the gateway the client calls through.
func (c *Client) Gateway() Gateway {
	return c.gateway
}

// AcquireStatus acquires the entitlement status interface. The caller owns
// the handle and must Close it.
func (c *Client) AcquireStatus(ctx context.Context) (Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	handle, err := c.gateway.Acquire(ctx, EntitlementStatusTarget(), c.busOptions())
	if err != nil {
		return nil, err
	}
	if err := handle.AwaitReady(ctx); err != nil {
		handle.Close()
		return nil, err
	}
	return handle, nil
}

// CheckStatus runs check_status on an acquired status handle. ok is false
// when the call returned no value.
func (c *Client) CheckStatus(ctx context.Context, handle Handle) (code int, ok bool, err error) {
	body, err := c.execute(ctx, c.cfg.CallTimeout, func(ctx context.Context) ([]interface{}, error) {
		return handle.Call(ctx, methodCheckStatus, nil, SignatureNoArgs)
	})
	if err != nil {
		return 0, false, err
	}
	if len(body) == 0 {
		return 0, false, nil
	}
	code, ok = IntValue(body[0])
	return code, ok, nil
}

// StartRegisterServer opens a private registration socket and returns the
// raw address string reported by the service.
func (c *Client) StartRegisterServer(ctx context.Context) (string, error) {
	body, err := c.callOnce(ctx, RHSMTarget(IfaceRegisterServer), c.busOptions(), methodStart, nil, SignatureNoArgs, c.cfg.CallTimeout)
	if err != nil {
		return "", err
	}
	return firstString(methodStart, body)
}

// StopRegisterServer closes the registration socket again.
func (c *Client) StopRegisterServer(ctx context.Context) error {
	_, err := c.callOnce(ctx, RHSMTarget(IfaceRegisterServer), c.busOptions(), methodStop, nil, SignatureNoArgs, c.cfg.CallTimeout)
	return err
}

// Register registers the system with a username and password over the
// private socket at address. The returned string is the service's reply.
func (c *Client) Register(ctx context.Context, address string, req RegisterRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	opts := ConnOptions{Bus: BusNone, Address: address, Superuser: true}
	body, err := c.callOnce(ctx, peerTarget(IfaceRegister), opts, methodRegister, req.Args(), SignatureRegister, c.cfg.RegisterTimeout)
	if err != nil {
		return "", err
	}
	return firstString(methodRegister, body)
}

// RegisterWithActivationKeys registers the system with activation keys
// over the private socket at address.
func (c *Client) RegisterWithActivationKeys(ctx context.Context, address string, req ActivationKeyRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	opts := ConnOptions{Bus: BusNone, Address: address, Superuser: true}
	body, err := c.callOnce(ctx, peerTarget(IfaceRegister), opts, methodRegisterWithKeys, req.Args(), SignatureRegisterWithKeys, c.cfg.RegisterTimeout)
	if err != nil {
		return "", err
	}
	return firstString(methodRegisterWithKeys, body)
}

// Unregister removes the system's registration.
func (c *Client) Unregister(ctx context.Context, req UnregisterRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	_, err := c.callOnce(ctx, RHSMTarget(IfaceUnregister), c.busOptions(), methodUnregister, req.Args(), SignatureUnregister, c.cfg.RegisterTimeout)
	return err
}

// GetConfig reads a (section.)key from rhsm.conf.
func (c *Client) GetConfig(ctx context.Context, property string) (ConfigValue, error) {
	body, err := c.callOnce(ctx, RHSMTarget(IfaceConfig), c.busOptions(), methodConfigGet, []interface{}{property}, SignatureConfigGet, c.cfg.CallTimeout)
	if err != nil {
		return ConfigValue{}, err
	}
	if len(body) == 0 {
		return ConfigValue{}, qmerrors.NewGatewayError(qmerrors.ErrorTypeNotFound, methodConfigGet, RHSMService, fmt.Errorf("no value for %s", property))
	}
	return toConfigValue(body[0]), nil
}

// SetConfig writes a value into rhsm.conf and reads it back. A read-back
// that differs from what was written is logged and the stored value is
// returned.
func (c *Client) SetConfig(ctx context.Context, property string, value ConfigValue) (ConfigValue, error) {
	if err := value.Validate(); err != nil {
		return ConfigValue{}, err
	}
	args := []interface{}{property, value.variant()}
	if _, err := c.callOnce(ctx, RHSMTarget(IfaceConfig), c.busOptions(), methodConfigSet, args, SignatureConfigSet, c.cfg.CallTimeout); err != nil {
		return ConfigValue{}, err
	}

	stored, err := c.GetConfig(ctx, property)
	if err != nil {
		return ConfigValue{}, err
	}
	if fmt.Sprint(stored.Value) != fmt.Sprint(value.Value) {
		log.Error().
			Str("property", property).
			Interface("wanted", value.Value).
			Interface("stored", stored.Value).
			Msg("Config value did not take effect")
	}
	return stored, nil
}

// callOnce acquires target, waits for it, calls method and releases it.
func (c *Client) callOnce(ctx context.Context, target Target, opts ConnOptions, method string, args []interface{}, signature string, timeout time.Duration) ([]interface{}, error) {
	return c.execute(ctx, timeout, func(ctx context.Context) ([]interface{}, error) {
		handle, err := c.gateway.Acquire(ctx, target, opts)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := handle.Close(); err != nil {
				log.Debug().Err(err).Str("target", target.String()).Msg("Failed to release handle")
			}
		}()

		if err := handle.AwaitReady(ctx); err != nil {
			return nil, err
		}
		return handle.Call(ctx, method, args, signature)
	})
}

func (c *Client) execute(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) ([]interface{}, error)) ([]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, qmerrors.WrapConnectionError("call", RHSMService, err)
	}
	if err != nil {
		return nil, err
	}
	body, _ := result.([]interface{})
	return body, nil
}

// peerTarget is an RHSM1 interface reached over a private socket, where
// there is no bus name to address.
func peerTarget(name string) Target {
	t := RHSMTarget(name)
	t.Service = ""
	return t
}

func firstString(method string, body []interface{}) (string, error) {
	if len(body) == 0 {
		return "", nil
	}
	switch v := body[0].(type) {
	case string:
		return v, nil
	case dbus.Variant:
		if s, ok := v.Value().(string); ok {
			return s, nil
		}
	}
	return "", qmerrors.NewGatewayError(qmerrors.ErrorTypeInternal, method, RHSMService, fmt.Errorf("unexpected reply type %T", body[0]))
}

// IntValue unwraps an integer reply value, including one inside a variant.
func IntValue(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint32:
		return int(n), true
	case int16:
		return int(n), true
	case uint8:
		return int(n), true
	case dbus.Variant:
		return IntValue(n.Value())
	}
	return 0, false
}

func toConfigValue(v interface{}) ConfigValue {
	if variant, ok := v.(dbus.Variant); ok {
		return ConfigValue{Type: variant.Signature().String(), Value: variant.Value()}
	}
	return ConfigValue{Type: dbus.SignatureOf(v).String(), Value: v}
}
