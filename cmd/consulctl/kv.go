package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jmerrifield20/consulkit/pkg/consul"
)

// kvEntry is the rendered form of a pair; values print as text.
type kvEntry struct {
	Key         string `json:"key" yaml:"key"`
	Value       string `json:"value" yaml:"value"`
	Flags       uint64 `json:"flags,omitempty" yaml:"flags,omitempty"`
	ModifyIndex uint64 `json:"modify_index" yaml:"modify_index"`
	Session     string `json:"session,omitempty" yaml:"session,omitempty"`
}

func toEntry(p *consul.KVPair) kvEntry {
	return kvEntry{
		Key:         p.Key,
		Value:       string(p.Value),
		Flags:       p.Flags,
		ModifyIndex: p.ModifyIndex,
		Session:     p.Session,
	}
}

func (c *cli) kvCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kv",
		Short: "Read and write the key/value store",
	}
	cmd.AddCommand(c.kvGetCmd(), c.kvPutCmd(), c.kvDelCmd())
	return cmd
}

func (c *cli) kvGetCmd() *cobra.Command {
	var recurse bool
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Read a key, or every key under a prefix with --recurse",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if recurse {
				pairs, _, err := c.client.KV().List(cmd.Context(), args[0], nil)
				if err != nil {
					return err
				}
				entries := make([]kvEntry, len(pairs))
				for i := range pairs {
					entries[i] = toEntry(&pairs[i])
				}
				return c.render(entries, func(w io.Writer) {
					for _, e := range entries {
						fmt.Fprintf(w, "%s\t%s\n", e.Key, e.Value)
					}
				})
			}

			pair, _, err := c.client.KV().Get(cmd.Context(), args[0], nil)
			if err != nil {
				return err
			}
			if pair == nil {
				return fmt.Errorf("key %q not found", args[0])
			}
			e := toEntry(pair)
			return c.render(e, func(w io.Writer) {
				fmt.Fprintln(w, e.Value)
			})
		},
	}
	cmd.Flags().BoolVar(&recurse, "recurse", false, "list every key under the prefix")
	return cmd
}

func (c *cli) kvPutCmd() *cobra.Command {
	var (
		flags uint64
		cas   int64
	)
	cmd := &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Write a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pair := &consul.KVPair{Key: args[0], Value: []byte(args[1]), Flags: flags}
			if cas >= 0 {
				pair.ModifyIndex = uint64(cas)
				ok, _, err := c.client.KV().CAS(cmd.Context(), pair, nil)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("check-and-set on %q failed: index %d is stale", args[0], cas)
				}
				return c.done("wrote %s", args[0])
			}
			if _, err := c.client.KV().Put(cmd.Context(), pair, nil); err != nil {
				return err
			}
			return c.done("wrote %s", args[0])
		},
	}
	cmd.Flags().Uint64Var(&flags, "flags", 0, "opaque flags stored with the key")
	cmd.Flags().Int64Var(&cas, "cas", -1, "only write if the key's modify index matches; 0 creates")
	return cmd
}

func (c *cli) kvDelCmd() *cobra.Command {
	var recurse bool
	cmd := &cobra.Command{
		Use:   "del <key>",
		Short: "Delete a key, or a whole prefix with --recurse",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if recurse {
				_, err = c.client.KV().DeleteTree(cmd.Context(), args[0], nil)
			} else {
				_, err = c.client.KV().Delete(cmd.Context(), args[0], nil)
			}
			if err != nil {
				return err
			}
			return c.done("deleted %s", args[0])
		},
	}
	cmd.Flags().BoolVar(&recurse, "recurse", false, "delete every key under the prefix")
	return cmd
}
