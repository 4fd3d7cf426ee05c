package rhsm

import (
	"errors"
	"testing"

	"github.com/godbus/dbus/v5"
	qmerrors "github.com/rcourtman/quartermaster/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestRegisterRequestArgsOmitAbsentKeys(t *testing.T) {
	req := RegisterRequest{
		Org:        "123",
		Username:   "bob",
		Password:   "pw",
		Connection: ConnectionOptions{Host: strPtr("example.com")},
	}

	args := req.Args()
	require.Len(t, args, 5)
	assert.Equal(t, "123", args[0])
	assert.Equal(t, "bob", args[1])
	assert.Equal(t, "pw", args[2])
	assert.Equal(t, map[string]dbus.Variant{}, args[3])
	assert.Equal(t, map[string]dbus.Variant{"host": dbus.MakeVariant("example.com")}, args[4])
	assert.Equal(t, SignatureRegister, dbus.SignatureOf(args...).String())
}

func TestRegisterRequestBooleanOptions(t *testing.T) {
	req := RegisterRequest{
		Options:    RegisterOptions{Force: strPtr("true")},
		Connection: ConnectionOptions{Insecure: strPtr("0"), Port: strPtr("443")},
	}
	require.NoError(t, req.Validate())

	opts := req.Options.Dict()
	assert.Equal(t, dbus.MakeVariant(true), opts["force"])

	conn := req.Connection.Dict()
	assert.Equal(t, dbus.MakeVariant(false), conn["insecure"])
	assert.Equal(t, dbus.MakeVariant("443"), conn["port"])
}

func TestRegisterRequestValidation(t *testing.T) {
	tests := []struct {
		name    string
		req     RegisterRequest
		wantErr bool
	}{
		{"empty is valid", RegisterRequest{}, false},
		{"hostname", RegisterRequest{Connection: ConnectionOptions{Host: strPtr("subscription.rhsm.redhat.com")}}, false},
		{"ip host", RegisterRequest{Connection: ConnectionOptions{Host: strPtr("10.0.0.1")}}, false},
		{"bad host", RegisterRequest{Connection: ConnectionOptions{Host: strPtr("not a host")}}, true},
		{"port out of range", RegisterRequest{Connection: ConnectionOptions{Port: strPtr("70000")}}, true},
		{"port not numeric", RegisterRequest{Connection: ConnectionOptions{Port: strPtr("https")}}, true},
		{"handler without slash", RegisterRequest{Connection: ConnectionOptions{Handler: strPtr("subscription")}}, true},
		{"force not boolean", RegisterRequest{Options: RegisterOptions{Force: strPtr("maybe")}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, qmerrors.ErrInvalidInput))
		})
	}
}

func TestActivationKeyRequest(t *testing.T) {
	req := ActivationKeyRequest{Org: "acme", Keys: []string{"one", "two"}}
	require.NoError(t, req.Validate())
	assert.Equal(t, SignatureRegisterWithKeys, dbus.SignatureOf(req.Args()...).String())

	assert.Error(t, ActivationKeyRequest{Org: "acme"}.Validate())
	assert.Error(t, ActivationKeyRequest{Org: "acme", Keys: []string{""}}.Validate())
}

func TestUnregisterRequestSignature(t *testing.T) {
	req := UnregisterRequest{Connection: ConnectionOptions{Host: strPtr("example.com")}}
	assert.Equal(t, SignatureUnregister, dbus.SignatureOf(req.Args()...).String())
}

func TestConfigValueValidate(t *testing.T) {
	assert.NoError(t, ConfigValue{Type: "s", Value: "foo"}.Validate())
	assert.NoError(t, ConfigValue{Type: "b", Value: true}.Validate())
	assert.NoError(t, ConfigValue{Type: "x", Value: float64(-3)}.Validate())
	assert.NoError(t, ConfigValue{Type: "u", Value: float64(3)}.Validate())
	assert.NoError(t, ConfigValue{Value: "foo"}.Validate())
	assert.Error(t, ConfigValue{Type: "ss", Value: "foo"}.Validate())
	assert.Error(t, ConfigValue{Type: "(", Value: "foo"}.Validate())
	assert.Error(t, ConfigValue{Type: "i", Value: "foo"}.Validate())
	assert.NoError(t, ConfigValue{Type: "i", Value: float64(8443)}.Validate())
	assert.Equal(t, int32(8443), ConfigValue{Type: "i", Value: float64(8443)}.variant().Value())
}

func TestCheckSignature(t *testing.T) {
	assert.NoError(t, CheckSignature("Get", []interface{}{"server.hostname"}, "s"))
	assert.NoError(t, CheckSignature("Start", nil, ""))

	err := CheckSignature("Get", []interface{}{int32(1)}, "s")
	require.Error(t, err)
	assert.True(t, errors.Is(err, qmerrors.ErrInvalidInput))
}

func TestTargets(t *testing.T) {
	target := RHSMTarget(IfaceRegisterServer)
	assert.Equal(t, "com.redhat.RHSM1", target.Service)
	assert.Equal(t, "/com/redhat/RHSM1/RegisterServer", target.Object)
	assert.Equal(t, "com.redhat.RHSM1.RegisterServer", target.Interface)

	status := EntitlementStatusTarget()
	assert.Equal(t, "/EntitlementStatus", status.Object)
	assert.Equal(t, "com.redhat.SubscriptionManager.EntitlementStatus", status.Interface)
}
