// Command ssgo is the Shadowsocks relay CLI: it loads a Profile (from a
// JSON config file, a ss:// URI, or flags), then runs either the client
// (SOCKS5/HTTP-CONNECT front end) or the server (transparent relay)
// side of internal/relay and internal/udp.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/shadowsocks/go-shadowsocks-relay/internal/config"
	"github.com/shadowsocks/go-shadowsocks-relay/internal/logging"
	"github.com/shadowsocks/go-shadowsocks-relay/internal/metrics"
	"github.com/shadowsocks/go-shadowsocks-relay/internal/profile"
)

// Exit codes: 0 normal, 1 config error, 2 startup error.
const (
	exitOK           = 0
	exitConfigError  = 1
	exitStartupError = 2
)

var (
	flagConfig     string
	flagServer     string
	flagServerPort uint16
	flagLocal      string
	flagLocalPort  uint16
	flagPassword   string
	flagMethod     string
	flagTimeout    int
	flagHTTPProxy  bool
	flagServerMode bool
	flagAutoban    bool
	flagLogLevel   string
	flagLogFormat  string
	flagProfile    string
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitStartupError)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ssgo",
		Short:         "Shadowsocks encrypted TCP/UDP relay",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringVarP(&flagLogLevel, "log-level", "L", "info", "log level: debug|info|warn|error|fatal")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "log format: text|json")

	root.AddGroup(&cobra.Group{ID: "relay", Title: "Relay commands:"})
	root.AddGroup(&cobra.Group{ID: "profile", Title: "Profile commands:"})

	runCmd := newRunCmd()
	runCmd.GroupID = "relay"
	testCmd := newTestCmd()
	testCmd.GroupID = "relay"
	genconfigCmd := newGenconfigCmd()
	genconfigCmd.GroupID = "profile"
	uriCmd := newURICmd()
	uriCmd.GroupID = "profile"

	root.AddCommand(runCmd, testCmd, genconfigCmd, uriCmd)
	return root
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the relay in client or server mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(cmd.Context())
		},
	}
	f := cmd.Flags()
	f.StringVarP(&flagConfig, "config", "c", "", "path to JSON config file")
	f.StringVarP(&flagServer, "server", "s", "", "Shadowsocks server address")
	f.Uint16VarP(&flagServerPort, "server-port", "p", 0, "Shadowsocks server port")
	f.StringVarP(&flagLocal, "local-address", "b", "127.0.0.1", "local bind address (client mode)")
	f.Uint16VarP(&flagLocalPort, "local-port", "l", 1080, "local bind port (client mode)")
	f.StringVarP(&flagPassword, "password", "k", "", "Shadowsocks password")
	f.StringVarP(&flagMethod, "method", "m", "aes-256-gcm", "cipher method")
	f.IntVarP(&flagTimeout, "timeout", "t", 0, "idle timeout in seconds (default 600)")
	f.BoolVarP(&flagHTTPProxy, "http-proxy", "H", false, "accept HTTP-CONNECT as well as SOCKS5 (client mode)")
	f.BoolVarP(&flagServerMode, "server-mode", "S", false, "run as server instead of client")
	f.BoolVar(&flagAutoban, "autoban", true, "ban peers that send malformed headers (server mode)")
	f.StringVar(&flagProfile, "profile", "", "profile name to select from a YAML profile-list config")
	return cmd
}

func newTestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test",
		Short: "One-shot TCP connectivity probe against the configured server",
	}
	f := cmd.Flags()
	f.StringVarP(&flagConfig, "config", "c", "", "path to JSON config file")
	f.StringVarP(&flagServer, "server", "s", "", "Shadowsocks server address")
	f.Uint16VarP(&flagServerPort, "server-port", "p", 0, "Shadowsocks server port")
	f.StringVarP(&flagPassword, "password", "k", "", "Shadowsocks password")
	f.StringVarP(&flagMethod, "method", "m", "aes-256-gcm", "cipher method")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runTest(cmd.Context())
	}
	return cmd
}

func newGenconfigCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "genconfig",
		Short: "Write a JSON config file from the given flags",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenconfig(out)
		},
	}
	f := cmd.Flags()
	f.StringVar(&out, "out", "config.json", "output path")
	f.StringVarP(&flagServer, "server", "s", "", "Shadowsocks server address")
	f.Uint16VarP(&flagServerPort, "server-port", "p", 0, "Shadowsocks server port")
	f.Uint16VarP(&flagLocalPort, "local-port", "l", 1080, "local bind port")
	f.StringVarP(&flagPassword, "password", "k", "", "Shadowsocks password")
	f.StringVarP(&flagMethod, "method", "m", "aes-256-gcm", "cipher method")
	return cmd
}

func newURICmd() *cobra.Command {
	var export bool
	cmd := &cobra.Command{
		Use:   "uri [ss://...]",
		Short: "Import a ss:// profile URI, or export the flag-configured profile as one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if export {
				p := profileFromFlags()
				fmt.Println(p.ToURI())
				return nil
			}
			if len(args) != 1 {
				return fmt.Errorf("uri: provide a ss:// URI to import, or pass --export")
			}
			p, err := profile.ParseURI(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("server=%s server_port=%d method=%s name=%q\n", p.Server, p.ServerPort, p.Method, p.Name)
			return nil
		},
	}
	cmd.Flags().BoolVar(&export, "export", false, "print the flag-configured profile as a ss:// URI instead of importing")
	cmd.Flags().StringVarP(&flagServer, "server", "s", "", "Shadowsocks server address")
	cmd.Flags().Uint16VarP(&flagServerPort, "server-port", "p", 0, "Shadowsocks server port")
	cmd.Flags().StringVarP(&flagPassword, "password", "k", "", "Shadowsocks password")
	cmd.Flags().StringVarP(&flagMethod, "method", "m", "aes-256-gcm", "cipher method")
	return cmd
}

func profileFromFlags() profile.Profile {
	p := profile.Profile{
		Server:         flagServer,
		ServerPort:     flagServerPort,
		LocalAddress:   flagLocal,
		LocalPort:      flagLocalPort,
		Method:         flagMethod,
		Password:       flagPassword,
		TimeoutSeconds: flagTimeout,
		HTTPProxy:      flagHTTPProxy,
	}
	return p.WithDefaults()
}

func loadProfile() (profile.Profile, error) {
	if flagConfig == "" {
		return profileFromFlags(), nil
	}
	if strings.HasSuffix(flagConfig, ".yaml") || strings.HasSuffix(flagConfig, ".yml") {
		profiles, err := config.LoadYAMLProfiles(flagConfig)
		if err != nil {
			return profile.Profile{}, err
		}
		if flagProfile == "" {
			if len(profiles) == 1 {
				return profiles[0], nil
			}
			return profile.Profile{}, fmt.Errorf("config: %s holds %d profiles, pick one with --profile", flagConfig, len(profiles))
		}
		for _, p := range profiles {
			if p.Name == flagProfile {
				return p, nil
			}
		}
		return profile.Profile{}, fmt.Errorf("config: no profile named %q in %s", flagProfile, flagConfig)
	}
	return config.LoadJSON(flagConfig)
}

func runGenconfig(out string) error {
	p := profileFromFlags()
	if err := p.Validate(); err != nil {
		return err
	}
	return config.WriteJSON(out, config.FromProfile(p))
}

func runTest(ctx context.Context) error {
	p, err := loadProfile()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigError)
	}
	res := probeServer(ctx, p)
	if res.Err != nil {
		fmt.Fprintln(os.Stderr, res.Err)
		os.Exit(exitStartupError)
	}
	fmt.Printf("connected to %s (%s) in %s\n", res.ServerAddr, res.Method, res.RTT)
	return nil
}

func runRelay(ctx context.Context) error {
	p, err := loadProfile()
	if err != nil {
		logging.NewLogger(flagLogLevel, flagLogFormat).Error("config error", logging.KeyError, err.Error())
		os.Exit(exitConfigError)
	}
	if err := p.Validate(); err != nil {
		logging.NewLogger(flagLogLevel, flagLogFormat).Error("config error", logging.KeyError, err.Error())
		os.Exit(exitConfigError)
	}

	logger := logging.NewLogger(flagLogLevel, flagLogFormat)
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go logTrafficStats(ctx, logger)

	if flagServerMode {
		return runServerMode(ctx, p, logger)
	}
	return runClientMode(ctx, p, logger)
}

// logTrafficStats periodically logs cumulative relayed bytes in
// human-readable form.
func logTrafficStats(ctx context.Context, logger *slog.Logger) {
	m := metrics.Default()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			up := m.BytesRelayedTotal("up")
			down := m.BytesRelayedTotal("down")
			logger.Info("traffic stats",
				"up", humanize.Bytes(uint64(up)),
				"down", humanize.Bytes(uint64(down)),
			)
		}
	}
}

func timeoutDuration(p profile.Profile) time.Duration {
	seconds := p.TimeoutSeconds
	if seconds == 0 {
		seconds = profile.DefaultTimeoutSeconds
	}
	return time.Duration(seconds) * time.Second
}
