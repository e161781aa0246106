package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmerrifield20/consulkit/pkg/consul"
)

func (c *cli) servicesCmd() *cobra.Command {
	var filter string
	cmd := &cobra.Command{
		Use:   "services",
		Short: "List the services registered with the agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			services, err := c.client.Services(cmd.Context(), filter)
			if err != nil {
				return err
			}
			ids := make([]string, 0, len(services))
			for id := range services {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			return c.render(services, func(w io.Writer) {
				fmt.Fprintln(w, "ID\tSERVICE\tADDRESS\tPORT\tTAGS")
				for _, id := range ids {
					s := services[id]
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", id, s.Service, s.Address, s.Port, strings.Join(s.Tags, ","))
				}
			})
		},
	}
	cmd.Flags().StringVar(&filter, "filter", "", `filter expression, e.g. 'Service == "web"'`)
	return cmd
}

func (c *cli) serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Register and deregister services",
	}
	cmd.AddCommand(c.serviceRegisterCmd(), c.serviceDeregisterCmd())
	return cmd
}

func (c *cli) serviceRegisterCmd() *cobra.Command {
	var (
		reg           consul.AgentServiceRegistration
		meta          map[string]string
		checkTTL      time.Duration
		checkHTTP     string
		checkInterval time.Duration
		replace       bool
	)
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a service, optionally with one check",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg.Meta = meta
			switch {
			case checkTTL > 0:
				reg.Check = &consul.CheckDefinition{Kind: consul.TTLCheck{TTL: checkTTL}}
			case checkHTTP != "":
				reg.Check = &consul.CheckDefinition{
					Interval: checkInterval,
					Kind:     consul.HTTPCheck{URL: checkHTTP},
				}
			}
			if err := c.client.RegisterService(cmd.Context(), &reg, replace); err != nil {
				return err
			}
			id := reg.ID
			if id == "" {
				id = reg.Name
			}
			return c.done("registered service %s", id)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&reg.Name, "name", "", "service name")
	fs.StringVar(&reg.ID, "id", "", "service id (defaults to the name)")
	fs.StringVar(&reg.Address, "address", "", "service address")
	fs.IntVar(&reg.Port, "port", 0, "service port")
	fs.StringSliceVar(&reg.Tags, "tag", nil, "service tag, repeatable")
	fs.StringToStringVar(&meta, "meta", nil, "service metadata key=value")
	fs.DurationVar(&checkTTL, "check-ttl", 0, "attach a TTL check")
	fs.StringVar(&checkHTTP, "check-http", "", "attach an HTTP check against this URL")
	fs.DurationVar(&checkInterval, "check-interval", 10*time.Second, "interval of --check-http")
	fs.BoolVar(&replace, "replace-existing-checks", false, "drop checks not present in this registration")
	cmd.MarkFlagsMutuallyExclusive("check-ttl", "check-http")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func (c *cli) serviceDeregisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deregister <service-id>",
		Short: "Deregister a service and its checks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.client.DeregisterService(cmd.Context(), args[0]); err != nil {
				return err
			}
			return c.done("deregistered service %s", args[0])
		},
	}
}
