package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/ryandielhenn/zephyrring/pkg/gossip"
	"github.com/ryandielhenn/zephyrring/pkg/hashring"
	"github.com/ryandielhenn/zephyrring/pkg/ring"
)

type ringOptions struct {
	peers  int
	points int
	keys   int
	hash   string
}

type ringReport struct {
	Shares  map[string]float64 // fraction of sampled keys per peer
	Stddev  float64
	Moved   uint64 // key space moved to a joining peer, summed over peers
	Stolen  uint64 // key space taken back when it left
	Elapsed time.Duration
}

func newRingCmd() *cobra.Command {
	opts := ringOptions{}
	cmd := &cobra.Command{
		Use:   "ring",
		Short: "Simulate an in-process ring and report balance and churn",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rep, err := runRing(cmd.Context(), opts)
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), opts, rep)
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.peers, "peers", 8, "peers on the ring")
	cmd.Flags().IntVar(&opts.points, "points", hashring.DefaultReplicaPoints, "virtual points per peer")
	cmd.Flags().IntVar(&opts.keys, "keys", 100000, "keys sampled for the balance report")
	cmd.Flags().StringVar(&opts.hash, "hash", "farm", "hash function: farm, xxh3 or fnv")
	return cmd
}

type member struct {
	ring   *hashring.Hashring
	events <-chan hashring.Event
}

func runRing(ctx context.Context, opts ringOptions) (*ringReport, error) {
	if opts.peers < 1 {
		return nil, errors.New("need at least one peer")
	}
	hash, err := ring.HasherByName(opts.hash)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	cluster := gossip.NewLocalCluster()
	cfg := hashring.Config{ReplicaPoints: opts.points, Hash: hash}

	join := func(id string) (member, error) {
		h, err := hashring.New(cluster.Member(id), cfg)
		if err != nil {
			return member{}, err
		}
		events, _ := h.Subscribe()
		if err := h.Start(ctx); err != nil {
			return member{}, err
		}
		return member{ring: h, events: events}, nil
	}

	members := make([]member, 0, opts.peers)
	defer func() {
		for _, m := range members {
			_ = m.ring.Close(context.Background())
		}
	}()
	for i := range opts.peers {
		m, err := join(fmt.Sprintf("10.0.0.%d:7946", i+1))
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	for _, m := range members {
		if _, err := drain(ctx, m, hashring.EventPeerUp, opts.peers-1); err != nil {
			return nil, err
		}
	}

	rep := &ringReport{Shares: make(map[string]float64, opts.peers)}
	for i := range opts.keys {
		p, err := members[0].ring.Lookup(fmt.Sprintf("key-%d", i))
		if err != nil {
			return nil, err
		}
		rep.Shares[p.ID]++
	}
	ideal := 1 / float64(opts.peers)
	for id := range rep.Shares {
		rep.Shares[id] /= float64(opts.keys)
		rep.Stddev += (rep.Shares[id] - ideal) * (rep.Shares[id] - ideal)
	}
	rep.Stddev = math.Sqrt(rep.Stddev / float64(opts.peers))

	joiner, err := join("10.0.1.1:7946")
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		got, err := drain(ctx, m, hashring.EventPeerUp, 1)
		if err != nil {
			return nil, err
		}
		rep.Moved += width(got, hashring.EventMove)
	}
	if err := joiner.ring.Close(ctx); err != nil {
		return nil, err
	}
	for _, m := range members {
		got, err := drain(ctx, m, hashring.EventPeerDown, 1)
		if err != nil {
			return nil, err
		}
		rep.Stolen += width(got, hashring.EventSteal)
	}
	rep.Elapsed = time.Since(start)
	return rep, nil
}

// drain reads events until count events of type typ have arrived.
func drain(ctx context.Context, m member, typ hashring.EventType, count int) ([]hashring.Event, error) {
	var out []hashring.Event
	timeout := time.After(30 * time.Second)
	for seen := 0; seen < count; {
		select {
		case ev, ok := <-m.events:
			if !ok {
				return out, errors.Errorf("%s: event stream closed", m.ring.Whoami())
			}
			out = append(out, ev)
			if ev.Type == typ {
				seen++
			}
		case <-timeout:
			return out, errors.Errorf("%s: timed out waiting for %s", m.ring.Whoami(), typ)
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
	return out, nil
}

func width(events []hashring.Event, typ hashring.EventType) uint64 {
	var w uint64
	for _, ev := range events {
		if ev.Type == typ {
			w += ev.Range.Width()
		}
	}
	return w
}

func printReport(out io.Writer, opts ringOptions, rep *ringReport) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "peers\t%d\n", opts.peers)
	fmt.Fprintf(tw, "points/peer\t%d\n", opts.points)
	fmt.Fprintf(tw, "keys sampled\t%s\n", humanize.Comma(int64(opts.keys)))
	fmt.Fprintf(tw, "hash\t%s\n", opts.hash)
	fmt.Fprintf(tw, "share stddev\t%.4f (ideal share %.4f)\n", rep.Stddev, 1/float64(opts.peers))
	lo, hi := math.Inf(1), 0.0
	for _, s := range rep.Shares {
		lo, hi = math.Min(lo, s), math.Max(hi, s)
	}
	fmt.Fprintf(tw, "share min/max\t%.4f / %.4f\n", lo, hi)
	const space = float64(uint64(1) << 32)
	fmt.Fprintf(tw, "moved on join\t%.4f of key space (ideal %.4f)\n", float64(rep.Moved)/space, 1/float64(opts.peers+1))
	fmt.Fprintf(tw, "stolen on leave\t%.4f of key space\n", float64(rep.Stolen)/space)
	fmt.Fprintf(tw, "elapsed\t%s\n", rep.Elapsed.Round(time.Millisecond))
	tw.Flush()
}
