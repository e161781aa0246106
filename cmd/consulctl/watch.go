package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmerrifield20/consulkit/pkg/consul"
)

// instanceEvent is one line of "watch service" output.
type instanceEvent struct {
	Index   uint64 `json:"index" yaml:"index"`
	Change  string `json:"change" yaml:"change"`
	ID      string `json:"id" yaml:"id"`
	Address string `json:"address,omitempty" yaml:"address,omitempty"`
	Status  string `json:"status,omitempty" yaml:"status,omitempty"`
}

func (c *cli) watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow changes with blocking queries",
	}
	cmd.AddCommand(c.watchServiceCmd())
	return cmd
}

func (c *cli) watchServiceCmd() *cobra.Command {
	var (
		tag         string
		passingOnly bool
		wait        time.Duration
		maxUpdates  int
	)
	cmd := &cobra.Command{
		Use:   "service <name>",
		Short: "Print instances of a service as they come and go",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			known := map[string]consul.ServiceEntry{}
			updates := 0

			err := consul.Watch(cmd.Context(),
				func(ctx context.Context, q *consul.QueryOptions) ([]consul.ServiceEntry, *consul.QueryMeta, error) {
					return c.client.Health().Service(ctx, name, tag, passingOnly, q)
				},
				func(index uint64, entries []consul.ServiceEntry) error {
					events := diffInstances(index, known, entries)
					for _, ev := range events {
						if err := c.emit(ev); err != nil {
							return err
						}
					}
					updates++
					if maxUpdates > 0 && updates >= maxUpdates {
						return consul.ErrStopWatch
					}
					return nil
				},
				consul.WithWaitTime(wait),
				consul.WithDatacenter(c.v.GetString("datacenter")),
				consul.WithErrorHandler(func(err error) bool {
					// Keep following through agent restarts.
					c.logger.Warn("watch: query failed", zap.String("service", name), zap.Error(err))
					var te *consul.TransportError
					return errors.As(err, &te) && cmd.Context().Err() == nil
				}),
			)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "only instances carrying this tag")
	cmd.Flags().BoolVar(&passingOnly, "passing", false, "only instances whose checks pass")
	cmd.Flags().DurationVar(&wait, "wait", consul.DefaultWatchWait, "blocking query wait time")
	cmd.Flags().IntVar(&maxUpdates, "max-updates", 0, "stop after this many updates; 0 follows forever")
	return cmd
}

// diffInstances compares entries against known, updates known in place and
// returns the added, removed and changed instances in id order.
func diffInstances(index uint64, known map[string]consul.ServiceEntry, entries []consul.ServiceEntry) []instanceEvent {
	before := mapset.NewThreadUnsafeSet[string]()
	for id := range known {
		before.Add(id)
	}
	current := make(map[string]consul.ServiceEntry, len(entries))
	after := mapset.NewThreadUnsafeSet[string]()
	for _, e := range entries {
		if e.Service == nil {
			continue
		}
		current[e.Service.ID] = e
		after.Add(e.Service.ID)
	}

	var events []instanceEvent
	for _, id := range sorted(after.Difference(before)) {
		events = append(events, entryEvent(index, "added", current[id]))
	}
	for _, id := range sorted(before.Difference(after)) {
		events = append(events, instanceEvent{Index: index, Change: "removed", ID: id})
	}
	for _, id := range sorted(after.Intersect(before)) {
		if known[id].AggregatedStatus() != current[id].AggregatedStatus() {
			events = append(events, entryEvent(index, "status", current[id]))
		}
	}

	clear(known)
	for id, e := range current {
		known[id] = e
	}
	return events
}

func entryEvent(index uint64, change string, e consul.ServiceEntry) instanceEvent {
	addr := e.Service.Address
	if addr == "" && e.Node != nil {
		addr = e.Node.Address
	}
	return instanceEvent{
		Index:   index,
		Change:  change,
		ID:      e.Service.ID,
		Address: fmt.Sprintf("%s:%d", addr, e.Service.Port),
		Status:  string(e.AggregatedStatus()),
	}
}

func sorted(s mapset.Set[string]) []string {
	out := s.ToSlice()
	sort.Strings(out)
	return out
}

func (c *cli) emit(ev instanceEvent) error {
	return c.render(ev, func(w io.Writer) {
		sign := map[string]string{"added": "+", "removed": "-", "status": "~"}[ev.Change]
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t(index %d)\n", sign, ev.ID, ev.Address, ev.Status, ev.Index)
	})
}
