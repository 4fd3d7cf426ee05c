package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/rcourtman/quartermaster/internal/config"
	"github.com/rcourtman/quartermaster/internal/rhsm"
	"github.com/rcourtman/quartermaster/internal/rhsm/rhsmtest"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const startReply = "unix:abstract=/tmp/dbus-x,guid=0123456789abcdef"

// useGateway points the commands at gw for the duration of the test.
func useGateway(t *testing.T, gw *rhsmtest.Gateway) {
	t.Helper()
	t.Setenv("QM_DATA_DIR", t.TempDir())
	old := newGateway
	newGateway = func(*config.Config) (rhsm.Gateway, func() error) {
		return gw, func() error { return nil }
	}
	t.Cleanup(func() {
		newGateway = old
		resetFlags()
	})
	resetFlags()
}

func resetFlags() {
	regOrg, regUsername, regPassword = "", "", ""
	regKeys = nil
	regName, regConsumerID, regEnvironment = "", "", ""
	regForce = false
	connHost, connPort, connHandler = "", "", ""
	connInsecure = false
	connProxyHostname, connProxyUser, connProxyPassword = "", "", ""
	configValueType = "s"
	for _, cmd := range []*cobra.Command{registerCmd, unregisterCmd, configSetCmd} {
		cmd.Flags().VisitAll(func(f *pflag.Flag) { f.Changed = false })
	}
}

func execute(args ...string) (string, error) {
	var err error
	output := captureOutput(func() {
		rootCmd.SetArgs(args)
		err = rootCmd.Execute()
	})
	return output, err
}

func TestVersionCmd(t *testing.T) {
	oldVersion := Version
	oldBuildTime := BuildTime
	oldGitCommit := GitCommit
	defer func() {
		Version = oldVersion
		BuildTime = oldBuildTime
		GitCommit = oldGitCommit
	}()

	Version = "1.2.3"
	BuildTime = "2026-01-01"
	GitCommit = "abcdef"

	output, err := execute("version")
	require.NoError(t, err)
	assert.Contains(t, output, "Quartermaster 1.2.3")
	assert.Contains(t, output, "Built: 2026-01-01")
	assert.Contains(t, output, "Commit: abcdef")

	BuildTime = "unknown"
	GitCommit = "unknown"
	output, err = execute("version")
	require.NoError(t, err)
	assert.Contains(t, output, "Quartermaster 1.2.3")
	assert.NotContains(t, output, "Built:")
	assert.NotContains(t, output, "Commit:")
}

func TestStatusCmd(t *testing.T) {
	gw := rhsmtest.New()
	gw.Reply("check_status", int32(0))
	useGateway(t, gw)

	output, err := execute("status")
	require.NoError(t, err)
	assert.Contains(t, output, "Status: the system is RHSM_VALID")
	assert.Contains(t, output, "Registered: yes")
	assert.Equal(t, 0, gw.OpenHandles())
}

func TestStatusCmdReportsBusFailure(t *testing.T) {
	gw := rhsmtest.New()
	gw.FailAcquire(errors.New("no bus"))
	useGateway(t, gw)

	_, err := execute("status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read entitlement status")
}

func TestRegisterCmdWithActivationKeys(t *testing.T) {
	gw := rhsmtest.New()
	gw.Reply("check_status", int32(5))
	gw.Reply("Start", startReply)
	gw.Reply("RegisterWithActivationKeys", `{"uuid":"abc"}`)
	gw.Reply("Stop")
	useGateway(t, gw)

	output, err := execute("register", "--org", "acme", "--activation-key", "web, db", "--activation-key", "cache", "--server-hostname", "subscription.example.com")
	require.NoError(t, err)
	assert.Contains(t, output, "System registered")
	assert.Contains(t, output, `{"uuid":"abc"}`)

	calls := gw.CallsTo("RegisterWithActivationKeys")
	require.Len(t, calls, 1)
	assert.Equal(t, "acme", calls[0].Args[0])
	assert.Equal(t, []string{"web", "db", "cache"}, calls[0].Args[1])
	assert.Equal(t, map[string]dbus.Variant{"host": dbus.MakeVariant("subscription.example.com")}, calls[0].Args[3])
	assert.Equal(t, "unix:abstract=/tmp/dbus-x", calls[0].Opts.Address)
	assert.Len(t, gw.CallsTo("Stop"), 1)
}

func TestRegisterCmdPromptsForPassword(t *testing.T) {
	gw := rhsmtest.New()
	gw.Reply("check_status", int32(5))
	gw.Reply("Start", startReply)
	gw.Reply("Register", `{"uuid":"abc"}`)
	gw.Reply("Stop")
	useGateway(t, gw)

	oldRead := readPassword
	defer func() { readPassword = oldRead }()
	readPassword = func(fd int) ([]byte, error) { return []byte("secret"), nil }

	_, err := execute("register", "--org", "acme", "-u", "admin")
	require.NoError(t, err)

	calls := gw.CallsTo("Register")
	require.Len(t, calls, 1)
	assert.Equal(t, []interface{}{"acme", "admin", "secret"}, calls[0].Args[:3])
}

func TestRegisterCmdReportsFailure(t *testing.T) {
	gw := rhsmtest.New()
	gw.Reply("check_status", int32(5))
	gw.Reply("Start", startReply)
	gw.Fail("Register", errors.New("invalid credentials"))
	gw.Reply("Stop")
	useGateway(t, gw)

	_, err := execute("register", "--org", "acme", "-u", "admin", "-p", "wrong")
	require.Error(t, err)
	assert.Equal(t, "Failed to register", err.Error())
	assert.Len(t, gw.CallsTo("Stop"), 1)
}

func TestRegisterCmdRefusesWhenRegistered(t *testing.T) {
	gw := rhsmtest.New()
	gw.Reply("check_status", int32(0))
	useGateway(t, gw)

	_, err := execute("register", "--org", "acme", "-u", "admin", "-p", "pw")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
	assert.Empty(t, gw.CallsTo("Start"))
}

func TestRegisterCmdForceReRegisters(t *testing.T) {
	gw := rhsmtest.New()
	gw.Reply("check_status", int32(0))
	gw.Reply("Start", startReply)
	gw.Reply("Register", "")
	gw.Reply("Stop")
	useGateway(t, gw)

	_, err := execute("register", "--org", "acme", "-u", "admin", "-p", "pw", "--force")
	require.NoError(t, err)

	calls := gw.CallsTo("Register")
	require.Len(t, calls, 1)
	assert.Equal(t, map[string]dbus.Variant{"force": dbus.MakeVariant(true)}, calls[0].Args[3])
	assert.Empty(t, gw.CallsTo("Unregister"))
}

func TestRegisterCmdValidatesFlags(t *testing.T) {
	gw := rhsmtest.New()
	useGateway(t, gw)

	_, err := execute("register", "--org", "acme")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--username or --activation-key")

	resetFlags()
	_, err = execute("register", "--activation-key", "web")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--org is required")

	assert.Empty(t, gw.Calls())
}

func TestUnregisterCmd(t *testing.T) {
	gw := rhsmtest.New()
	gw.Reply("Unregister")
	useGateway(t, gw)

	output, err := execute("unregister", "--server-port", "8443")
	require.NoError(t, err)
	assert.Contains(t, output, "Successful unregistration")

	calls := gw.CallsTo("Unregister")
	require.Len(t, calls, 1)
	assert.Equal(t, []interface{}{map[string]dbus.Variant{"port": dbus.MakeVariant("8443")}}, calls[0].Args)
}

func TestConfigGetAndSetCmds(t *testing.T) {
	gw := rhsmtest.New()
	stored := map[string]interface{}{"server.hostname": "subscription.rhsm.redhat.com"}
	gw.On("Get", func(_ context.Context, args []interface{}) ([]interface{}, error) {
		return []interface{}{stored[args[0].(string)]}, nil
	})
	gw.On("Set", func(_ context.Context, args []interface{}) ([]interface{}, error) {
		stored[args[0].(string)] = args[1].(dbus.Variant).Value()
		return nil, nil
	})
	useGateway(t, gw)

	output, err := execute("config", "get", "server.hostname")
	require.NoError(t, err)
	assert.Contains(t, output, "server.hostname = subscription.rhsm.redhat.com (s)")

	output, err = execute("config", "set", "server.port", "8443", "--type", "i")
	require.NoError(t, err)
	assert.Contains(t, output, "server.port = 8443 (i)")
	assert.Equal(t, int32(8443), stored["server.port"])
}

func TestParseConfigValue(t *testing.T) {
	v, err := parseConfigValue("s", "on")
	require.NoError(t, err)
	assert.Equal(t, rhsm.ConfigValue{Type: "s", Value: "on"}, v)

	v, err = parseConfigValue("b", "true")
	require.NoError(t, err)
	assert.Equal(t, true, v.Value)

	v, err = parseConfigValue("i", "3128")
	require.NoError(t, err)
	assert.Equal(t, float64(3128), v.Value)

	_, err = parseConfigValue("i", "many")
	assert.Error(t, err)
	_, err = parseConfigValue("as", "a,b")
	assert.Error(t, err)
}

func TestConfigShowCmd(t *testing.T) {
	useGateway(t, rhsmtest.New())
	t.Setenv("QM_BUS", "session")

	output, err := execute("config", "show")
	require.NoError(t, err)
	assert.Contains(t, output, "bus:              session")
	assert.Contains(t, output, "from environment: bus")
}

func captureOutput(f func()) string {
	oldStdout := os.Stdout
	oldStderr := os.Stderr
	r, w, _ := os.Pipe()
	os.Stdout = w
	os.Stderr = w

	f()

	w.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String()
}
