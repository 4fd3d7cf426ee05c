package rhsm

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/godbus/dbus/v5"
	qmerrors "github.com/rcourtman/quartermaster/internal/errors"
)

// Wire signatures of the typed calls.
const (
	SignatureRegister         = "sssa{sv}a{sv}"
	SignatureRegisterWithKeys = "sasa{sv}a{sv}"
	SignatureUnregister       = "a{sv}"
	SignatureConfigGet        = "s"
	SignatureConfigSet        = "sv"
	SignatureNoArgs           = ""
)

const (
	methodCheckStatus      = "check_status"
	methodStart            = "Start"
	methodStop             = "Stop"
	methodRegister         = "Register"
	methodRegisterWithKeys = "RegisterWithActivationKeys"
	methodUnregister       = "Unregister"
	methodConfigGet        = "Get"
	methodConfigSet        = "Set"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func requestValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		_ = validate.RegisterValidation("port", func(fl validator.FieldLevel) bool {
			port, err := strconv.Atoi(fl.Field().String())
			return err == nil && port > 0 && port <= 65535
		})
	})
	return validate
}

// RegisterOptions are the keys Register accepts in its options dict.
// Nil fields are omitted from the dict.
type RegisterOptions struct {
	Force       *string `validate:"omitempty,boolean"`
	Name        *string `validate:"omitempty,max=255"`
	ConsumerID  *string `validate:"omitempty,max=255"`
	Environment *string `validate:"omitempty,max=255"`
}

// ConnectionOptions are the keys accepted in the connection options dict.
// Nil fields are omitted from the dict.
type ConnectionOptions struct {
	Host          *string `validate:"omitempty,hostname_rfc1123|ip"`
	Port          *string `validate:"omitempty,port"`
	Handler       *string `validate:"omitempty,startswith=/"`
	Insecure      *string `validate:"omitempty,boolean"`
	ProxyHostname *string `validate:"omitempty,hostname_rfc1123|ip"`
	ProxyUser     *string
	ProxyPassword *string
}

// RegisterRequest is the typed form of RegisterServer's Register call.
type RegisterRequest struct {
	Org        string
	Username   string
	Password   string
	Options    RegisterOptions
	Connection ConnectionOptions
}

// ActivationKeyRequest is the typed form of RegisterWithActivationKeys.
type ActivationKeyRequest struct {
	Org        string
	Keys       []string `validate:"min=1,dive,required"`
	Options    RegisterOptions
	Connection ConnectionOptions
}

// UnregisterRequest is the typed form of the Unregister call.
type UnregisterRequest struct {
	Connection ConnectionOptions
}

// ConfigValue is a typed rhsm.conf value: Type is a bus signature such as
// "s" or "i".
type ConfigValue struct {
	Type  string      `json:"t"`
	Value interface{} `json:"v"`
}

// Validate checks the request before anything is serialized.
func (r RegisterRequest) Validate() error {
	if err := requestValidator().Struct(r); err != nil {
		return qmerrors.WrapValidationError(methodRegister, err)
	}
	return nil
}

// Args returns the positional arguments in wire order.
func (r RegisterRequest) Args() []interface{} {
	return []interface{}{r.Org, r.Username, r.Password, r.Options.Dict(), r.Connection.Dict()}
}

// Validate checks the request before anything is serialized.
func (r ActivationKeyRequest) Validate() error {
	if err := requestValidator().Struct(r); err != nil {
		return qmerrors.WrapValidationError(methodRegisterWithKeys, err)
	}
	return nil
}

// Args returns the positional arguments in wire order.
func (r ActivationKeyRequest) Args() []interface{} {
	keys := make([]string, len(r.Keys))
	copy(keys, r.Keys)
	return []interface{}{r.Org, keys, r.Options.Dict(), r.Connection.Dict()}
}

// Validate checks the request before anything is serialized.
func (r UnregisterRequest) Validate() error {
	if err := requestValidator().Struct(r); err != nil {
		return qmerrors.WrapValidationError(methodUnregister, err)
	}
	return nil
}

// Args returns the positional arguments in wire order.
func (r UnregisterRequest) Args() []interface{} {
	return []interface{}{r.Connection.Dict()}
}

// Validate checks the value's signature parses as a single complete type.
func (v ConfigValue) Validate() error {
	if v.Type == "" {
		return nil
	}
	if _, err := dbus.ParseSignature(v.Type); err != nil {
		return qmerrors.WrapValidationError(methodConfigSet, err)
	}
	// SignatureOf always yields one complete type, so this also rejects
	// multi-type signatures such as "ss".
	if got := dbus.SignatureOf(v.coerced()).String(); got != v.Type {
		return qmerrors.WrapValidationError(methodConfigSet, fmt.Errorf("config value of type %q does not match %q", got, v.Type))
	}
	return nil
}

func (v ConfigValue) variant() dbus.Variant {
	if v.Type == "" {
		return dbus.MakeVariant(v.Value)
	}
	return dbus.MakeVariantWithSignature(v.coerced(), dbus.ParseSignatureMust(v.Type))
}

// coerced narrows JSON numbers to the integer type named by Type.
func (v ConfigValue) coerced() interface{} {
	f, ok := v.Value.(float64)
	if !ok {
		return v.Value
	}
	switch v.Type {
	case "y":
		return byte(f)
	case "n":
		return int16(f)
	case "q":
		return uint16(f)
	case "i":
		return int32(f)
	case "u":
		return uint32(f)
	case "x":
		return int64(f)
	case "t":
		return uint64(f)
	}
	return v.Value
}

// Dict builds the a{sv} options dict, omitting nil fields.
func (o RegisterOptions) Dict() map[string]dbus.Variant {
	dict := make(map[string]dbus.Variant)
	putBool(dict, "force", o.Force)
	putString(dict, "name", o.Name)
	putString(dict, "consumerid", o.ConsumerID)
	putString(dict, "environment", o.Environment)
	return dict
}

// Dict builds the a{sv} connection options dict, omitting nil fields.
func (o ConnectionOptions) Dict() map[string]dbus.Variant {
	dict := make(map[string]dbus.Variant)
	putString(dict, "host", o.Host)
	putString(dict, "port", o.Port)
	putString(dict, "handler", o.Handler)
	putBool(dict, "insecure", o.Insecure)
	putString(dict, "proxy_hostname", o.ProxyHostname)
	putString(dict, "proxy_user", o.ProxyUser)
	putString(dict, "proxy_password", o.ProxyPassword)
	return dict
}

func putString(dict map[string]dbus.Variant, key string, value *string) {
	if value != nil {
		dict[key] = dbus.MakeVariant(*value)
	}
}

// putBool stores boolean-looking strings as booleans; validation has
// already rejected anything strconv cannot parse.
func putBool(dict map[string]dbus.Variant, key string, value *string) {
	if value == nil {
		return
	}
	if b, err := strconv.ParseBool(strings.TrimSpace(*value)); err == nil {
		dict[key] = dbus.MakeVariant(b)
		return
	}
	dict[key] = dbus.MakeVariant(*value)
}
