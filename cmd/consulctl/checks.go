package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmerrifield20/consulkit/pkg/consul"
)

func (c *cli) checksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checks",
		Short: "List the checks registered with the agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			checks, err := c.client.Checks(cmd.Context())
			if err != nil {
				return err
			}
			ids := make([]string, 0, len(checks))
			for id := range checks {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			return c.render(checks, func(w io.Writer) {
				fmt.Fprintln(w, "CHECK\tNAME\tSTATUS\tSERVICE\tOUTPUT")
				for _, id := range ids {
					ch := checks[id]
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", id, ch.Name, ch.Status, ch.ServiceID, firstLine(ch.Output))
				}
			})
		},
	}
}

func (c *cli) checkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Register, update and deregister checks",
	}
	cmd.AddCommand(
		c.checkRegisterCmd(),
		c.checkTTLCmd(consul.StatusPassing, "pass"),
		c.checkTTLCmd(consul.StatusWarning, "warn"),
		c.checkTTLCmd(consul.StatusCritical, "fail"),
		c.checkDeregisterCmd(),
	)
	return cmd
}

// checkFlags backs "check register".
type checkFlags struct {
	id         string
	name       string
	notes      string
	serviceID  string
	status     string
	interval   time.Duration
	timeout    time.Duration
	ttl        time.Duration
	http       string
	method     string
	tcp        string
	grpc       string
	args       []string
	deregAfter time.Duration
}

func (f *checkFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.id, "id", "", "check id (defaults to the name)")
	fs.StringVar(&f.name, "name", "", "check name")
	fs.StringVar(&f.notes, "notes", "", "human readable notes")
	fs.StringVar(&f.serviceID, "service-id", "", "associate the check with a service")
	fs.StringVar(&f.status, "status", "", "initial status: passing, warning or critical")
	fs.DurationVar(&f.interval, "interval", 10*time.Second, "probe interval")
	fs.DurationVar(&f.timeout, "probe-timeout", 0, "probe timeout")
	fs.DurationVar(&f.ttl, "ttl", 0, "register a TTL check with this TTL")
	fs.StringVar(&f.http, "http", "", "register an HTTP check against this URL")
	fs.StringVar(&f.method, "method", "", "HTTP method for --http")
	fs.StringVar(&f.tcp, "tcp", "", "register a TCP check against host:port")
	fs.StringVar(&f.grpc, "grpc", "", "register a gRPC health check against host:port[/service]")
	fs.StringSliceVar(&f.args, "args", nil, "register a script check running these arguments")
	fs.DurationVar(&f.deregAfter, "deregister-critical-after", 0, "deregister the service after being critical this long")
	cmd.MarkFlagsMutuallyExclusive("ttl", "http", "tcp", "grpc", "args")
}

func (f *checkFlags) kind() (consul.CheckKind, error) {
	switch {
	case f.ttl > 0:
		return consul.TTLCheck{TTL: f.ttl}, nil
	case f.http != "":
		return consul.HTTPCheck{URL: f.http, Method: f.method}, nil
	case f.tcp != "":
		return consul.TCPCheck{Address: f.tcp}, nil
	case f.grpc != "":
		return consul.GRPCCheck{Target: f.grpc}, nil
	case len(f.args) > 0:
		return consul.ScriptCheck{Args: f.args}, nil
	default:
		return nil, errors.New("one of --ttl, --http, --tcp, --grpc or --args is required")
	}
}

func (f *checkFlags) definition() (*consul.CheckDefinition, error) {
	kind, err := f.kind()
	if err != nil {
		return nil, err
	}
	def := &consul.CheckDefinition{
		ID:                             f.id,
		Name:                           f.name,
		Notes:                          f.notes,
		ServiceID:                      f.serviceID,
		Timeout:                        f.timeout,
		DeregisterCriticalServiceAfter: f.deregAfter,
		Kind:                           kind,
	}
	if kind.Type() != consul.CheckTypeTTL {
		def.Interval = f.interval
	}
	if f.status != "" {
		st, err := consul.ParseCheckStatus(f.status)
		if err != nil {
			return nil, err
		}
		def.Status = st
	}
	return def, nil
}

func (c *cli) checkRegisterCmd() *cobra.Command {
	var f checkFlags
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a check",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := f.definition()
			if err != nil {
				return err
			}
			if err := c.client.RegisterCheck(cmd.Context(), def); err != nil {
				return err
			}
			id := def.ID
			if id == "" {
				id = def.Name
			}
			return c.done("registered %s check %s", def.Type(), id)
		},
	}
	f.register(cmd)
	return cmd
}

func (c *cli) checkTTLCmd(status consul.CheckStatus, verb string) *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   verb + " <check-id>",
		Short: fmt.Sprintf("Set a TTL check to %s", status),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.client.UpdateTTL(cmd.Context(), args[0], status, note); err != nil {
				return err
			}
			return c.done("%s is %s", args[0], status)
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "output attached to the check")
	return cmd
}

func (c *cli) checkDeregisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deregister <check-id>",
		Short: "Deregister a check",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.client.DeregisterCheck(cmd.Context(), args[0]); err != nil {
				return err
			}
			return c.done("deregistered %s", args[0])
		},
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
