package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jmerrifield20/consulkit/pkg/consul"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// cli carries the global flags and the lazily built client.
type cli struct {
	v      *viper.Viper
	out    io.Writer
	logger *zap.Logger
	client *consul.Client

	cfgFile    string
	address    string
	token      string
	datacenter string
	format     string
	timeout    time.Duration
	verbose    bool
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{v: viper.New(), out: out, logger: zap.NewNop()}

	root := &cobra.Command{
		Use:   "consulctl",
		Short: "Operate a Consul agent",
		Long: `consulctl drives a local Consul agent over its HTTP API: cluster
membership, checks, services, maintenance mode, watches and KV.

Connection settings come from flags, ~/.consulctl/config.yaml, CONSULCTL_*
variables and finally CONSUL_HTTP_ADDR / CONSUL_HTTP_TOKEN / CONSUL_HTTP_SSL.`,
		SilenceUsage:      true,
		PersistentPreRunE: c.setup,
		PersistentPostRun: func(*cobra.Command, []string) {
			_ = c.logger.Sync()
		},
	}
	root.SetOut(out)
	root.SetErr(out)

	pf := root.PersistentFlags()
	pf.StringVar(&c.cfgFile, "config", "", "config file (default ~/.consulctl/config.yaml)")
	pf.StringVar(&c.address, "address", "", "agent address (default from CONSUL_HTTP_ADDR or http://127.0.0.1:8500)")
	pf.StringVar(&c.token, "token", "", "ACL token")
	pf.StringVar(&c.datacenter, "datacenter", "", "datacenter")
	pf.StringVarP(&c.format, "format", "o", "text", "output format: text, json or yaml")
	pf.DurationVar(&c.timeout, "timeout", consul.DefaultTimeout, "per-request timeout")
	pf.BoolVarP(&c.verbose, "verbose", "v", false, "log every request")

	for _, name := range []string{"address", "token", "datacenter", "format", "timeout"} {
		_ = c.v.BindPFlag(name, pf.Lookup(name))
	}

	root.AddCommand(
		c.membersCmd(),
		c.reloadCmd(),
		c.joinCmd(),
		c.leaveCmd(),
		c.forceLeaveCmd(),
		c.maintCmd(),
		c.checksCmd(),
		c.checkCmd(),
		c.servicesCmd(),
		c.serviceCmd(),
		c.watchCmd(),
		c.kvCmd(),
		versionCmd(),
	)
	return root
}

func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	if c.cfgFile != "" {
		c.v.SetConfigFile(c.cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		c.v.AddConfigPath(filepath.Join(home, ".consulctl"))
		c.v.SetConfigName("config")
		c.v.SetConfigType("yaml")
	}
	c.v.SetEnvPrefix("CONSULCTL")
	c.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	c.v.AutomaticEnv()
	if err := c.v.ReadInConfig(); err != nil && c.cfgFile != "" {
		return fmt.Errorf("read config: %w", err)
	}

	if c.verbose {
		logger, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		c.logger = logger
	}

	switch f := c.v.GetString("format"); f {
	case "text", "json", "yaml":
		c.format = f
	default:
		return fmt.Errorf("unknown output format %q", f)
	}

	cfg := consul.NewConfigFromEnv()
	if addr := c.v.GetString("address"); addr != "" {
		cfg = consul.NewConfigFromAddr(addr, cfg.Token)
	}
	if token := c.v.GetString("token"); token != "" {
		cfg.Token = token
	}
	cfg.Datacenter = c.v.GetString("datacenter")

	client, err := consul.New(cfg,
		consul.WithTimeout(c.v.GetDuration("timeout")),
		consul.WithLogger(c.logger),
	)
	if err != nil {
		return err
	}
	c.client = client
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "consulctl %s\n", version)
		},
	}
}
