// Package rhsm talks to the subscription-manager services over D-Bus.
//
// The Gateway and Handle interfaces are the call/wait/signal primitives the
// rest of the module consumes. DBusGateway implements them on top of godbus;
// Client layers one typed request per known method on top of any Gateway.
package rhsm

import (
	"context"
	"fmt"
)

// Bus services and the object/interface layout they export.
const (
	SubManService = "com.redhat.SubscriptionManager"
	RHSMService   = "com.redhat.RHSM1"

	EntitlementStatusObject    = "/EntitlementStatus"
	EntitlementStatusInterface = SubManService + ".EntitlementStatus"

	// StatusChangedSignal is the member name emitted on the
	// EntitlementStatus interface whenever the status changes.
	StatusChangedSignal = "entitlement_status_changed"
)

// RHSM1 interface names.
const (
	IfaceConfig         = "Config"
	IfaceRegisterServer = "RegisterServer"
	IfaceRegister       = "Register"
	IfaceUnregister     = "Unregister"
)

// Bus selects which bus a handle connects to.
type Bus string

const (
	BusSystem  Bus = "system"
	BusSession Bus = "session"
	// BusNone means a private peer connection to Address.
	BusNone Bus = "none"
)

// ConnOptions mirror the connection options the host bridge recognizes.
type ConnOptions struct {
	Bus       Bus
	Address   string // peer address, only used with BusNone
	Superuser bool   // the call must run with elevated privileges
	Track     bool   // fail readiness when the service has no owner
}

// Superuser is the default option set for RHSM calls.
var Superuser = ConnOptions{Bus: BusSystem, Superuser: true}

// Target names one interface on one object of one service.
type Target struct {
	Service   string // empty for peer connections
	Object    string
	Interface string
}

func (t Target) String() string {
	return fmt.Sprintf("%s%s:%s", t.Service, t.Object, t.Interface)
}

// RHSMTarget returns the target for one of the com.redhat.RHSM1 interfaces.
func RHSMTarget(name string) Target {
	return Target{
		Service:   RHSMService,
		Object:    "/com/redhat/RHSM1/" + name,
		Interface: RHSMService + "." + name,
	}
}

// EntitlementStatusTarget returns the legacy entitlement status target.
func EntitlementStatusTarget() Target {
	return Target{
		Service:   SubManService,
		Object:    EntitlementStatusObject,
		Interface: EntitlementStatusInterface,
	}
}

// SignalListener receives every signal emitted on a handle's interface.
// name is the bare member name, without the interface prefix.
type SignalListener func(name string, args []interface{})

// Handle is an acquired interface on a bus object.
type Handle interface {
	// Call invokes method with positional args. A non-empty signature is
	// checked against the arguments before anything is sent.
	Call(ctx context.Context, method string, args []interface{}, signature string) ([]interface{}, error)
	// AwaitReady blocks until the remote object answers.
	AwaitReady(ctx context.Context) error
	// OnSignal registers listener for all signals on the interface. The
	// returned function removes the registration; it is safe to call twice.
	OnSignal(listener SignalListener) (cancel func())
	// Close releases the handle and any private connection it owns.
	Close() error
}

// Gateway hands out interface handles.
type Gateway interface {
	Acquire(ctx context.Context, target Target, opts ConnOptions) (Handle, error)
}
