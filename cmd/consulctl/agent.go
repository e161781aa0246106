package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"
)

// memberStatus names the serf member states.
var memberStatus = map[int]string{
	0: "none",
	1: "alive",
	2: "leaving",
	3: "left",
	4: "failed",
}

func (c *cli) membersCmd() *cobra.Command {
	var wan bool
	cmd := &cobra.Command{
		Use:   "members",
		Short: "List the agent's gossip pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			members, err := c.client.Members(cmd.Context(), wan)
			if err != nil {
				return err
			}
			sort.Slice(members, func(i, j int) bool { return members[i].Name < members[j].Name })
			return c.render(members, func(w io.Writer) {
				fmt.Fprintln(w, "NODE\tADDRESS\tSTATUS\tROLE\tDC")
				for _, m := range members {
					status, ok := memberStatus[m.Status]
					if !ok {
						status = fmt.Sprintf("unknown(%d)", m.Status)
					}
					fmt.Fprintf(w, "%s\t%s:%d\t%s\t%s\t%s\n", m.Name, m.Addr, m.Port, status, m.Tags["role"], m.Tags["dc"])
				}
			})
		},
	}
	cmd.Flags().BoolVar(&wan, "wan", false, "list the WAN pool")
	return cmd
}

func (c *cli) reloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Reload the agent's configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.client.Reload(cmd.Context()); err != nil {
				return err
			}
			return c.done("configuration reload triggered")
		},
	}
}

func (c *cli) joinCmd() *cobra.Command {
	var wan bool
	cmd := &cobra.Command{
		Use:   "join <address>",
		Short: "Join the agent to another node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.client.Join(cmd.Context(), args[0], wan); err != nil {
				return err
			}
			return c.done("joined %s", args[0])
		},
	}
	cmd.Flags().BoolVar(&wan, "wan", false, "join over the WAN pool")
	return cmd
}

func (c *cli) leaveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "leave",
		Short: "Gracefully leave the cluster and shut the agent down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.client.Leave(cmd.Context()); err != nil {
				return err
			}
			return c.done("graceful leave complete")
		},
	}
}

func (c *cli) forceLeaveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "force-leave [node]",
		Short: "Force a failed node into the left state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var node string
			if len(args) == 1 {
				node = args[0]
			}
			if err := c.client.ForceLeave(cmd.Context(), node); err != nil {
				return err
			}
			if node == "" {
				return c.done("force-leave sent")
			}
			return c.done("force-leave sent for %s", node)
		},
	}
}

func (c *cli) maintCmd() *cobra.Command {
	var (
		serviceID string
		reason    string
	)
	cmd := &cobra.Command{
		Use:       "maint enable|disable",
		Short:     "Toggle node or service maintenance mode",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"enable", "disable"},
		RunE: func(cmd *cobra.Command, args []string) error {
			enable := args[0] == "enable"
			var err error
			target := "node"
			if serviceID != "" {
				target = "service " + serviceID
				err = c.client.ServiceMaintenanceMode(cmd.Context(), serviceID, enable, reason)
			} else {
				err = c.client.MaintenanceMode(cmd.Context(), enable, reason)
			}
			if err != nil {
				return err
			}
			if enable {
				return c.done("maintenance enabled on %s", target)
			}
			return c.done("maintenance disabled on %s", target)
		},
	}
	cmd.Flags().StringVar(&serviceID, "service", "", "service id; the node when empty")
	cmd.Flags().StringVar(&reason, "reason", "", "reason shown in the maintenance check")
	return cmd
}
