package rhsm

import (
	"context"
	"encoding/xml"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	qmerrors "github.com/rcourtman/quartermaster/internal/errors"
	"github.com/rcourtman/quartermaster/internal/metrics"
	"github.com/rs/zerolog/log"
)

const signalBuffer = 16

var (
	connectSystemBus  = func() (*dbus.Conn, error) { return dbus.ConnectSystemBus() }
	connectSessionBus = func() (*dbus.Conn, error) { return dbus.ConnectSessionBus() }
	dialPeer          = func(address string) (*dbus.Conn, error) {
		conn, err := dbus.Dial(address)
		if err != nil {
			return nil, err
		}
		if err := conn.Auth(nil); err != nil {
			conn.Close()
			return nil, err
		}
		return conn, nil
	}
	geteuid = os.Geteuid
)

// DBusGateway acquires handles on the system bus, the session bus, or on
// private peer sockets. Shared bus connections are opened on first use and
// live until Close.
type DBusGateway struct {
	mu         sync.Mutex
	system     *dbus.Conn
	session    *dbus.Conn
	maxRetries uint64
}

// NewDBusGateway creates a gateway. maxRetries bounds reconnect attempts
// when a bus is not reachable yet.
func NewDBusGateway(maxRetries int) *DBusGateway {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &DBusGateway{maxRetries: uint64(maxRetries)}
}

// Acquire implements Gateway.
func (g *DBusGateway) Acquire(ctx context.Context, target Target, opts ConnOptions) (Handle, error) {
	if opts.Superuser && geteuid() != 0 {
		log.Warn().Str("target", target.String()).Msg("Privileged bus call requested by unprivileged process; relying on bus policy")
	}

	var (
		conn *dbus.Conn
		peer bool
		err  error
	)
	switch opts.Bus {
	case BusNone:
		if strings.TrimSpace(opts.Address) == "" {
			return nil, qmerrors.WrapValidationError("acquire", fmt.Errorf("peer connection to %s requires an address", target))
		}
		conn, err = g.connect(ctx, "peer "+opts.Address, func() (*dbus.Conn, error) { return dialPeer(opts.Address) })
		peer = true
	case BusSession:
		conn, err = g.shared(ctx, &g.session, "session", connectSessionBus)
	default:
		conn, err = g.shared(ctx, &g.system, "system", connectSystemBus)
	}
	if err != nil {
		return nil, err
	}

	return &dbusHandle{
		conn:   conn,
		obj:    conn.Object(target.Service, dbus.ObjectPath(target.Object)),
		target: target,
		opts:   opts,
		peer:   peer,
	}, nil
}

// Close releases the shared bus connections.
func (g *DBusGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var firstErr error
	for _, conn := range []**dbus.Conn{&g.system, &g.session} {
		if *conn == nil {
			continue
		}
		if err := (*conn).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		*conn = nil
	}
	return firstErr
}

func (g *DBusGateway) shared(ctx context.Context, slot **dbus.Conn, name string, dial func() (*dbus.Conn, error)) (*dbus.Conn, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if *slot != nil && (*slot).Connected() {
		return *slot, nil
	}
	conn, err := g.connect(ctx, name, dial)
	if err != nil {
		return nil, err
	}
	*slot = conn
	return conn, nil
}

func (g *DBusGateway) connect(ctx context.Context, name string, dial func() (*dbus.Conn, error)) (*dbus.Conn, error) {
	var conn *dbus.Conn
	operation := func() error {
		c, err := dial()
		if err != nil {
			return err
		}
		conn = c
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 5 * time.Second

	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Str("bus", name).Dur("retryIn", wait).Msg("Bus connection failed, retrying")
	}

	b := backoff.WithContext(backoff.WithMaxRetries(policy, g.maxRetries), ctx)
	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		return nil, qmerrors.WrapConnectionError("connect", name, err)
	}
	log.Debug().Str("bus", name).Msg("Bus connection established")
	return conn, nil
}

type dbusHandle struct {
	conn   *dbus.Conn
	obj    dbus.BusObject
	target Target
	opts   ConnOptions
	peer   bool
}

func (h *dbusHandle) serviceName() string {
	if h.peer {
		return h.opts.Address
	}
	return h.target.Service
}

func (h *dbusHandle) Call(ctx context.Context, method string, args []interface{}, signature string) ([]interface{}, error) {
	if err := CheckSignature(method, args, signature); err != nil {
		return nil, err
	}

	started := time.Now()
	call := h.obj.CallWithContext(ctx, h.target.Interface+"."+method, 0, args...)
	metrics.RecordCall(method, started, call.Err)
	if call.Err != nil {
		return nil, qmerrors.WrapCallError(method, h.serviceName(), call.Err)
	}
	return call.Body, nil
}

func (h *dbusHandle) AwaitReady(ctx context.Context) error {
	if h.opts.Track && !h.peer {
		var owned bool
		err := h.conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.NameHasOwner", 0, h.target.Service).Store(&owned)
		if err != nil {
			return qmerrors.WrapCallError("NameHasOwner", h.serviceName(), err)
		}
		if !owned {
			return qmerrors.NewGatewayError(qmerrors.ErrorTypeNotFound, "await_ready", h.serviceName(), fmt.Errorf("service has no owner"))
		}
	}

	var data string
	call := h.obj.CallWithContext(ctx, "org.freedesktop.DBus.Introspectable.Introspect", 0)
	if err := call.Store(&data); err != nil {
		return qmerrors.WrapCallError("Introspect", h.serviceName(), err)
	}
	var node introspect.Node
	if err := xml.Unmarshal([]byte(data), &node); err != nil {
		return qmerrors.NewGatewayError(qmerrors.ErrorTypeInternal, "await_ready", h.serviceName(), err)
	}
	for _, iface := range node.Interfaces {
		if iface.Name == h.target.Interface {
			return nil
		}
	}
	return qmerrors.NewGatewayError(qmerrors.ErrorTypeNotFound, "await_ready", h.serviceName(),
		fmt.Errorf("object %s does not export %s", h.target.Object, h.target.Interface))
}

func (h *dbusHandle) OnSignal(listener SignalListener) func() {
	path := dbus.ObjectPath(h.target.Object)
	match := []dbus.MatchOption{
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(h.target.Interface),
	}
	if !h.peer {
		if err := h.conn.AddMatchSignal(match...); err != nil {
			log.Warn().Err(err).Str("target", h.target.String()).Msg("Failed to add signal match rule")
		}
	}

	ch := make(chan *dbus.Signal, signalBuffer)
	h.conn.Signal(ch)
	metrics.SignalListenersActive.Inc()

	done := make(chan struct{})
	prefix := h.target.Interface + "."
	go func() {
		for {
			select {
			case sig, ok := <-ch:
				if !ok {
					return
				}
				if sig.Path != path || !strings.HasPrefix(sig.Name, prefix) {
					continue
				}
				listener(strings.TrimPrefix(sig.Name, prefix), sig.Body)
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.conn.RemoveSignal(ch)
			if !h.peer {
				if err := h.conn.RemoveMatchSignal(match...); err != nil {
					log.Debug().Err(err).Str("target", h.target.String()).Msg("Failed to remove signal match rule")
				}
			}
			close(done)
			metrics.SignalListenersActive.Dec()
		})
	}
}

func (h *dbusHandle) Close() error {
	if h.peer {
		return h.conn.Close()
	}
	return nil
}

// CheckSignature compares the wire signature of args with the declared one.
func CheckSignature(method string, args []interface{}, signature string) error {
	if signature == "" {
		return nil
	}
	if got := dbus.SignatureOf(args...).String(); got != signature {
		return qmerrors.WrapValidationError(method, fmt.Errorf("argument signature %q does not match %q", got, signature))
	}
	return nil
}
