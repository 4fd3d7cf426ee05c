package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rcourtman/quartermaster/internal/config"
	"github.com/rcourtman/quartermaster/internal/logging"
	"github.com/rcourtman/quartermaster/internal/registration"
	"github.com/rcourtman/quartermaster/internal/rhsm"
	"github.com/rcourtman/quartermaster/internal/status"
	"github.com/rcourtman/quartermaster/internal/stream"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"
)

var readPassword = term.ReadPassword

var (
	regOrg         string
	regUsername    string
	regPassword    string
	regKeys        []string
	regName        string
	regConsumerID  string
	regEnvironment string
	regForce       bool

	connHost          string
	connPort          string
	connHandler       string
	connInsecure      bool
	connProxyHostname string
	connProxyUser     string
	connProxyPassword string

	configValueType string
)

// connectionFlags maps flag names onto payload keys.
var connectionFlags = map[string]string{
	"server-hostname": registration.KeyHost,
	"server-port":     registration.KeyPort,
	"server-prefix":   registration.KeyHandler,
	"insecure":        registration.KeyInsecure,
	"proxy-hostname":  registration.KeyProxyHostname,
	"proxy-user":      registration.KeyProxyUser,
	"proxy-password":  registration.KeyProxyPassword,
}

var registerFlags = map[string]string{
	"org":            registration.KeyOrg,
	"username":       registration.KeyLogin,
	"password":       registration.KeyPassword,
	"name":           registration.KeyName,
	"consumerid":     registration.KeyConsumerID,
	"environment":    registration.KeyEnvironment,
	"force":          registration.KeyForce,
	"activation-key": registration.KeyKeys,
}

func init() {
	registerCmd.Flags().StringVar(&regOrg, "org", "", "Organization to register with")
	registerCmd.Flags().StringVarP(&regUsername, "username", "u", "", "Account user name")
	registerCmd.Flags().StringVarP(&regPassword, "password", "p", "", "Account password (prompted when omitted)")
	registerCmd.Flags().StringSliceVar(&regKeys, "activation-key", nil, "Activation key to register with (repeatable or comma separated)")
	registerCmd.Flags().StringVar(&regName, "name", "", "Name of the system to register")
	registerCmd.Flags().StringVar(&regConsumerID, "consumerid", "", "Existing consumer to register as")
	registerCmd.Flags().StringVar(&regEnvironment, "environment", "", "Environment to register into")
	registerCmd.Flags().BoolVar(&regForce, "force", false, "Register even if the system is already registered")
	addConnectionFlags(registerCmd)
	addConnectionFlags(unregisterCmd)

	configSetCmd.Flags().StringVarP(&configValueType, "type", "t", "s", "Bus signature of the value (s, b, i, u, x, t, ...)")
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configShowCmd)
}

func addConnectionFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&connHost, "server-hostname", "", "Subscription server host name")
	cmd.Flags().StringVar(&connPort, "server-port", "", "Subscription server port")
	cmd.Flags().StringVar(&connHandler, "server-prefix", "", "Subscription server path prefix")
	cmd.Flags().BoolVar(&connInsecure, "insecure", false, "Skip server certificate verification")
	cmd.Flags().StringVar(&connProxyHostname, "proxy-hostname", "", "Proxy host name")
	cmd.Flags().StringVar(&connProxyUser, "proxy-user", "", "Proxy user name")
	cmd.Flags().StringVar(&connProxyPassword, "proxy-password", "", "Proxy password")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the entitlement status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, client, closeFn, err := openClient()
		if err != nil {
			return err
		}
		defer closeFn()

		ctx, cancel := commandContext(cfg.CallTimeout)
		defer cancel()

		current, err := status.NewFeed(client).Check(ctx)
		if err != nil {
			return fmt.Errorf("read entitlement status: %w", err)
		}
		fmt.Printf("Status: the system is %s\n", current)
		fmt.Printf("Registered: %s\n", yesNo(current.Registered()))
		return nil
	},
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register this system",
	Example: `  # Register with an account
  quartermaster register --org 123456 --username admin

  # Register with activation keys
  quartermaster register --org 123456 --activation-key web,db`,
	RunE: func(cmd *cobra.Command, args []string) error {
		payload := payloadFromFlags(cmd.Flags(), registerFlags)
		if payload.Username() == "" && len(payload.Keys()) == 0 {
			return errors.New("either --username or --activation-key is required")
		}
		if payload.UsesActivationKeys() && regOrg == "" {
			return errors.New("--org is required with --activation-key")
		}
		if payload.Username() != "" && regPassword == "" {
			pass, err := promptPassword("Password: ")
			if err != nil {
				return err
			}
			payload[registration.KeyPassword] = pass
		}

		cfg, client, closeFn, err := openClient()
		if err != nil {
			return err
		}
		defer closeFn()

		ctx, cancel := commandContext(cfg.RegisterTimeout)
		defer cancel()

		current, err := status.NewFeed(client).Check(ctx)
		if err != nil {
			return fmt.Errorf("read entitlement status: %w", err)
		}
		if current.Registered() {
			if !regForce {
				return errors.New("this system is already registered; use --force to register again")
			}
			// Route the submission to a registration instead of an unregister.
			current = status.Unknown
		}

		res, ok := stream.Last(ctx, registration.NewFlow(client).Submit(ctx, current, payload))
		return report(res, ok)
	},
}

var unregisterCmd = &cobra.Command{
	Use:   "unregister",
	Short: "Unregister this system",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, client, closeFn, err := openClient()
		if err != nil {
			return err
		}
		defer closeFn()

		ctx, cancel := commandContext(cfg.RegisterTimeout)
		defer cancel()

		payload := payloadFromFlags(cmd.Flags(), nil)
		flow := registration.NewFlow(client)
		res, ok := stream.Last(ctx, flow.Unregister(ctx, stream.Of(ctx, payload)))
		return report(res, ok)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Read and write rhsm.conf values",
}

var configGetCmd = &cobra.Command{
	Use:   "get <section.key>",
	Short: "Print an rhsm.conf value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, client, closeFn, err := openClient()
		if err != nil {
			return err
		}
		defer closeFn()

		ctx, cancel := commandContext(cfg.CallTimeout)
		defer cancel()

		value, err := client.GetConfig(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s = %v (%s)\n", args[0], value.Value, value.Type)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <section.key> <value>",
	Short: "Write an rhsm.conf value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := parseConfigValue(configValueType, args[1])
		if err != nil {
			return err
		}

		cfg, client, closeFn, err := openClient()
		if err != nil {
			return err
		}
		defer closeFn()

		ctx, cancel := commandContext(cfg.CallTimeout)
		defer cancel()

		stored, err := client.SetConfig(ctx, args[0], value)
		if err != nil {
			return err
		}
		fmt.Printf("%s = %v (%s)\n", args[0], stored.Value, stored.Type)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the service configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		rows := [][2]string{
			{"data dir", cfg.DataPath},
			{"listen", fmt.Sprintf("%s:%d", cfg.FrontendHost, cfg.FrontendPort)},
			{"metrics port", strconv.Itoa(cfg.MetricsPort)},
			{"bus", cfg.Bus},
			{"call timeout", cfg.CallTimeout.String()},
			{"register timeout", cfg.RegisterTimeout.String()},
			{"log level", cfg.LogLevel},
			{"allowed origins", cfg.AllowedOrigins},
		}
		for _, row := range rows {
			fmt.Printf("%-17s %s\n", row[0]+":", row[1])
		}
		if len(cfg.EnvOverrides) > 0 {
			keys := make([]string, 0, len(cfg.EnvOverrides))
			for k := range cfg.EnvOverrides {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			fmt.Printf("%-17s %s\n", "from environment:", strings.Join(keys, ", "))
		}
		return nil
	},
}

// openClient loads the configuration and opens a client on the bus.
func openClient() (*config.Config, *rhsm.Client, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	level := "warn"
	if cfg.EnvOverrides["logLevel"] {
		level = cfg.LogLevel
	}
	logging.Init(logging.Config{Format: "console", Level: level, Component: "quartermaster"})

	gateway, closeGateway := newGateway(cfg)
	closeFn := func() {
		closeGateway()
		logging.Shutdown()
	}
	return cfg, rhsm.NewClient(gateway, clientConfig(cfg)), closeFn, nil
}

// commandContext bounds a command and cancels it on interrupt, so an
// abandoned registration still stops the register server.
func commandContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

// payloadFromFlags copies the flags the user actually set into a payload.
// Connection flags are always included.
func payloadFromFlags(flags *pflag.FlagSet, extra map[string]string) registration.Payload {
	payload := registration.Payload{}
	collect := func(names map[string]string) {
		for name, key := range names {
			f := flags.Lookup(name)
			if f == nil || !f.Changed {
				continue
			}
			if key == registration.KeyKeys {
				var keys []string
				for _, k := range regKeys {
					keys = append(keys, registration.SplitKeys(k)...)
				}
				payload[key] = keys
				continue
			}
			payload[key] = f.Value.String()
		}
	}
	collect(connectionFlags)
	collect(extra)
	return payload
}

func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	raw, err := readPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	if len(raw) == 0 {
		return "", errors.New("password is required")
	}
	return string(raw), nil
}

func parseConfigValue(sig, raw string) (rhsm.ConfigValue, error) {
	switch sig {
	case "s", "":
		return rhsm.ConfigValue{Type: "s", Value: raw}, nil
	case "b":
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return rhsm.ConfigValue{}, fmt.Errorf("value %q is not a boolean", raw)
		}
		return rhsm.ConfigValue{Type: sig, Value: b}, nil
	case "y", "n", "q", "i", "u", "x", "t":
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return rhsm.ConfigValue{}, fmt.Errorf("value %q is not a number", raw)
		}
		return rhsm.ConfigValue{Type: sig, Value: n}, nil
	}
	return rhsm.ConfigValue{}, fmt.Errorf("unsupported value type %q", sig)
}

func report(res registration.Result, ok bool) error {
	if !ok {
		return errors.New("the request was interrupted before it completed")
	}
	if res.Kind == registration.Failure {
		return errors.New(res.Message)
	}
	switch res.Action {
	case registration.ActionRegister:
		fmt.Println("System registered")
		if res.Message != "" {
			fmt.Println(res.Message)
		}
	default:
		fmt.Println(res.Message)
	}
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
