package registration_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rcourtman/quartermaster/internal/registration"
	"github.com/rcourtman/quartermaster/internal/rhsm"
	"github.com/rcourtman/quartermaster/internal/rhsm/rhsmtest"
	"github.com/rcourtman/quartermaster/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const startReply = "unix:abstract=/tmp/dbus-x,guid=0123456789abcdef"

func newFlow(gw *rhsmtest.Gateway) *registration.Flow {
	return registration.NewFlow(rhsm.NewClient(gw, rhsm.ClientConfig{}))
}

func results(t *testing.T, ch <-chan registration.Result) []registration.Result {
	t.Helper()
	var out []registration.Result
	timeout := time.After(2 * time.Second)
	for {
		select {
		case r, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, r)
		case <-timeout:
			t.Fatal("result stream did not close")
			return nil
		}
	}
}

func TestParseEndpoint(t *testing.T) {
	assert.Equal(t, "socket1", registration.ParseEndpoint("socket1,rest"))
	assert.Equal(t, "unix:abstract=/tmp/dbus-x", registration.ParseEndpoint(startReply))
	assert.Equal(t, "", registration.ParseEndpoint("nosociety"))
	assert.Equal(t, "", registration.ParseEndpoint(",leading"))
}

func TestRoute(t *testing.T) {
	assert.Equal(t, registration.ActionUnregister, registration.Route(status.Valid))
	for _, s := range []status.EntitlementStatus{
		status.Unknown, status.Expired, status.Warning, status.RHNClassic,
		status.PartiallyValid, status.RegistrationRequired,
	} {
		assert.Equal(t, registration.ActionRegister, registration.Route(s), s.String())
	}
}

func TestStartRegistrationEmitsParsedEndpoint(t *testing.T) {
	gw := rhsmtest.New()
	gw.Reply("Start", startReply)
	flow := newFlow(gw)

	var got []string
	for e := range flow.StartRegistration(context.Background()) {
		got = append(got, e)
	}
	assert.Equal(t, []string{"unix:abstract=/tmp/dbus-x"}, got)
}

func TestStartRegistrationFailureEmitsNothing(t *testing.T) {
	gw := rhsmtest.New()
	gw.Fail("Start", errors.New("denied"))
	flow := newFlow(gw)

	var got []string
	for e := range flow.StartRegistration(context.Background()) {
		got = append(got, e)
	}
	assert.Empty(t, got)
}

func TestRegisterSendsPayloadToEndpoint(t *testing.T) {
	gw := rhsmtest.New()
	gw.Reply("Register", "registered")
	flow := newFlow(gw)

	endpoints := make(chan string, 1)
	endpoints <- "unix:abstract=/tmp/dbus-x"
	close(endpoints)
	payloads := make(chan registration.Payload, 1)
	payloads <- registration.Payload{"org": "123", "login": "bob", "password": "pw", "host": "example.com"}
	close(payloads)

	got := results(t, flow.Register(context.Background(), endpoints, payloads))
	require.Len(t, got, 1)
	assert.Equal(t, registration.Success, got[0].Kind)
	assert.Equal(t, "registered", got[0].Message)

	calls := gw.CallsTo("Register")
	require.Len(t, calls, 1)
	assert.Equal(t, "unix:abstract=/tmp/dbus-x", calls[0].Opts.Address)
	assert.Equal(t, []interface{}{
		"123", "bob", "pw",
		map[string]dbus.Variant{},
		map[string]dbus.Variant{"host": dbus.MakeVariant("example.com")},
	}, calls[0].Args)
}

func TestRegisterWaitsForEndpoint(t *testing.T) {
	gw := rhsmtest.New()
	gw.Reply("Register", "ok")
	flow := newFlow(gw)

	endpoints := make(chan string)
	payloads := make(chan registration.Payload, 1)
	payloads <- registration.Payload{"login": "bob", "password": "pw"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := flow.Register(ctx, endpoints, payloads)

	select {
	case r := <-out:
		t.Fatalf("result before endpoint: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Empty(t, gw.CallsTo("Register"))

	endpoints <- "unix:path=/run/reg"
	close(payloads)
	got := results(t, out)
	require.Len(t, got, 1)
	assert.Equal(t, registration.Success, got[0].Kind)
}

func TestRegisterUsesLatestEndpoint(t *testing.T) {
	gw := rhsmtest.New()
	gw.Reply("Register", "ok")
	flow := newFlow(gw)

	endpoints := make(chan string)
	payloads := make(chan registration.Payload)
	out := flow.Register(context.Background(), endpoints, payloads)

	endpoints <- "unix:path=/run/first"
	endpoints <- "unix:path=/run/second"
	go func() {
		payloads <- registration.Payload{"login": "bob", "password": "pw"}
		close(payloads)
	}()

	got := results(t, out)
	require.Len(t, got, 1)
	calls := gw.CallsTo("Register")
	require.Len(t, calls, 1)
	assert.Equal(t, "unix:path=/run/second", calls[0].Opts.Address)
}

func TestRegisterFailureMessage(t *testing.T) {
	gw := rhsmtest.New()
	gw.Fail("Register", errors.New("Invalid credentials"))
	flow := newFlow(gw)

	endpoints := make(chan string, 1)
	endpoints <- "unix:path=/run/reg"
	payloads := make(chan registration.Payload, 1)
	payloads <- registration.Payload{"login": "bob", "password": "wrong"}
	close(payloads)

	got := results(t, flow.Register(context.Background(), endpoints, payloads))
	require.Len(t, got, 1)
	assert.Equal(t, registration.Result{
		Action:  registration.ActionRegister,
		Kind:    registration.Failure,
		Message: registration.MessageRegisterFailed,
	}, got[0])
}

func TestRegisterWithActivationKeys(t *testing.T) {
	gw := rhsmtest.New()
	gw.Reply("RegisterWithActivationKeys", "ok")
	flow := newFlow(gw)

	endpoints := make(chan string, 1)
	endpoints <- "unix:path=/run/reg"
	payloads := make(chan registration.Payload, 1)
	payloads <- registration.Payload{"org": "acme", "keys": []string{"k1", "k2"}}
	close(payloads)

	got := results(t, flow.Register(context.Background(), endpoints, payloads))
	require.Len(t, got, 1)
	assert.Equal(t, registration.Success, got[0].Kind)

	calls := gw.CallsTo("RegisterWithActivationKeys")
	require.Len(t, calls, 1)
	assert.Equal(t, rhsm.SignatureRegisterWithKeys, calls[0].Signature)
	assert.Equal(t, []string{"k1", "k2"}, calls[0].Args[1])
	assert.Empty(t, gw.CallsTo("Register"))
}

func TestUnregisterResults(t *testing.T) {
	gw := rhsmtest.New()
	gw.Reply("Unregister")
	flow := newFlow(gw)

	payloads := make(chan registration.Payload, 1)
	payloads <- registration.Payload{}
	close(payloads)

	got := results(t, flow.Unregister(context.Background(), payloads))
	require.Len(t, got, 1)
	assert.Equal(t, registration.Result{
		Action:  registration.ActionUnregister,
		Kind:    registration.Success,
		Message: registration.MessageUnregisterSucceeded,
	}, got[0])

	calls := gw.CallsTo("Unregister")
	require.Len(t, calls, 1)
	assert.Equal(t, []interface{}{map[string]dbus.Variant{}}, calls[0].Args)
}

func TestUnregisterFailureMessage(t *testing.T) {
	gw := rhsmtest.New()
	gw.Fail("Unregister", errors.New("boom"))
	flow := newFlow(gw)

	got := results(t, flow.Submit(context.Background(), status.Valid, registration.Payload{}))
	require.Len(t, got, 1)
	assert.Equal(t, registration.Failure, got[0].Kind)
	assert.Equal(t, registration.MessageUnregisterFailed, got[0].Message)
}

func TestSubmitRegistersWhenNotValid(t *testing.T) {
	gw := rhsmtest.New()
	gw.Reply("Start", startReply)
	gw.Reply("Stop")
	gw.Reply("Register", "welcome")
	flow := newFlow(gw)

	payload := registration.Payload{"login": "bob", "password": "pw"}
	got := results(t, flow.Submit(context.Background(), status.RegistrationRequired, payload))
	require.Len(t, got, 1)
	assert.Equal(t, registration.Result{Action: registration.ActionRegister, Kind: registration.Success, Message: "welcome"}, got[0])

	var order []string
	for _, c := range gw.Calls() {
		order = append(order, c.Method)
	}
	assert.Equal(t, []string{"Start", "Register", "Stop"}, order)
	assert.Empty(t, gw.CallsTo("Unregister"))
	assert.Equal(t, 0, gw.OpenHandles())
}

func TestSubmitSucceedsWhenStopFails(t *testing.T) {
	gw := rhsmtest.New()
	gw.Reply("Start", startReply)
	gw.Fail("Stop", errors.New("org.freedesktop.DBus.Error.Failed"))
	gw.Reply("Register", "welcome")
	flow := newFlow(gw)

	got := results(t, flow.Submit(context.Background(), status.RegistrationRequired, registration.Payload{"login": "bob", "password": "pw"}))
	require.Len(t, got, 1)
	assert.Equal(t, registration.Success, got[0].Kind)
	assert.Len(t, gw.CallsTo("Stop"), 1)
}

func TestSubmitUnregistersWhenValid(t *testing.T) {
	gw := rhsmtest.New()
	gw.Reply("Unregister")
	flow := newFlow(gw)

	got := results(t, flow.Submit(context.Background(), status.Valid, registration.Payload{"login": "bob"}))
	require.Len(t, got, 1)
	assert.Equal(t, registration.ActionUnregister, got[0].Action)
	assert.Empty(t, gw.CallsTo("Start"))
	assert.Empty(t, gw.CallsTo("Register"))
}

func TestSubmitFailsWhenRegisterServerDoesNotStart(t *testing.T) {
	gw := rhsmtest.New()
	gw.Fail("Start", errors.New("denied"))
	flow := newFlow(gw)

	got := results(t, flow.Submit(context.Background(), status.Expired, registration.Payload{"login": "bob"}))
	require.Len(t, got, 1)
	assert.Equal(t, registration.Failure, got[0].Kind)
	assert.Equal(t, registration.MessageRegisterFailed, got[0].Message)
	assert.Empty(t, gw.CallsTo("Register"))
}

func TestSubmitWithMalformedEndpointFails(t *testing.T) {
	gw := rhsmtest.New()
	gw.Reply("Start", "nosociety")
	gw.Reply("Stop")
	flow := newFlow(gw)

	got := results(t, flow.Submit(context.Background(), status.Unknown, registration.Payload{"login": "bob"}))
	require.Len(t, got, 1)
	assert.Equal(t, registration.MessageRegisterFailed, got[0].Message)
}

func TestSubmitCancelledStopsServer(t *testing.T) {
	gw := rhsmtest.New()
	gw.Reply("Start", startReply)
	var openAtStop []int
	gw.On("Stop", func(context.Context, []interface{}) ([]interface{}, error) {
		openAtStop = append(openAtStop, gw.OpenHandles())
		return nil, nil
	})
	gw.Block("Register")
	flow := newFlow(gw)

	ctx, cancel := context.WithCancel(context.Background())
	out := flow.Submit(ctx, status.Unknown, registration.Payload{"login": "bob", "password": "pw"})

	require.Eventually(t, func() bool { return len(gw.CallsTo("Register")) == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	assert.Empty(t, results(t, out))
	assert.Len(t, gw.CallsTo("Stop"), 1)
	// Only Stop's own handle is open: the peer connection was already gone.
	assert.Equal(t, []int{1}, openAtStop)
	assert.Equal(t, 0, gw.OpenHandles())
}

func TestPayloadHelpers(t *testing.T) {
	p := registration.Payload{"login": "bob", "keys": []string{"a"}}
	clone := p.Clone()
	clone["login"] = "alice"
	clone.Keys()[0] = "z"

	assert.Equal(t, "bob", p.Username())
	assert.Equal(t, []string{"a"}, p.Keys())
	assert.Equal(t, []string{"keys", "login"}, p.Fields())

	assert.Equal(t, "carol", registration.Payload{"user": "carol", "login": "bob"}.Username())
	assert.Equal(t, []string{"k1", "k2"}, registration.SplitKeys(" k1, ,k2 "))
	assert.True(t, registration.Payload{"keys": "k1"}.UsesActivationKeys())
	assert.False(t, registration.Payload{"keys": "k1", "login": "bob"}.UsesActivationKeys())
}
