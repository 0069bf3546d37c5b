package main

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/luciancaetano/netslime"
	"github.com/luciancaetano/netslime/slime"
)

// Demo objects carry a health bar and a position on a circle.
var demoSchema = netslime.Schema{
	{ID: 0, Name: "health", Kind: netslime.FieldUint, Bits: 8},
	{ID: 1, Name: "alive", Kind: netslime.FieldBool},
	{ID: 2, Name: "x", Kind: netslime.FieldQuantized, Min: -512, Max: 512, Precision: 0.05},
	{ID: 3, Name: "y", Kind: netslime.FieldQuantized, Min: -512, Max: 512, Precision: 0.05},
}

type hostFlags struct {
	transport string
	tickRate  time.Duration
	protocol  uint8
	heartbeat time.Duration
	objects   int
}

func (f *hostFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.transport, "transport", "t", "udp", "Transport: udp or ws")
	cmd.Flags().DurationVar(&f.tickRate, "tick-rate", 50*time.Millisecond, "Interval between ticks")
	cmd.Flags().Uint8Var(&f.protocol, "protocol", netslime.ProtocolVersion, "Protocol version to speak")
	cmd.Flags().DurationVar(&f.heartbeat, "heartbeat", netslime.DefaultHeartbeatInterval, "Heartbeat interval")
	cmd.Flags().IntVarP(&f.objects, "objects", "n", 4, "Number of demo objects")
}

func (f *hostFlags) config(role netslime.Role, addr string) *slime.Config {
	cfg := slime.NewConfig(role, addr)
	cfg.Host.Connection.Version = f.protocol
	cfg.Host.Connection.HeartbeatInterval = f.heartbeat
	cfg.CheckOrigin = slime.AllOrigins()
	return cfg
}

func registerDemo(h *slime.Host, n int) error {
	for i := 0; i < n; i++ {
		if err := h.RegisterReplicatedObject(netslime.ObjectID(i+1), demoSchema); err != nil {
			return errors.Wrapf(err, "register demo object %d", i+1)
		}
	}
	return nil
}

// animateDemo moves every demo object along its circle at time t.
func animateDemo(h *slime.Host, n int, t time.Duration) error {
	for i := 0; i < n; i++ {
		id := netslime.ObjectID(i + 1)
		phase := t.Seconds() + float64(i)
		health := uint8(50 + 50*math.Sin(phase/4))
		for field, v := range map[netslime.FieldID]any{
			0: health,
			1: health > 10,
			2: 100 * math.Cos(phase),
			3: 100 * math.Sin(phase),
		} {
			if err := h.SetField(id, field, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// tickLoop ticks h every interval until ctx is done or the host fails.
func tickLoop(ctx context.Context, h *slime.Host, interval time.Duration, each func(elapsed time.Duration) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var elapsed time.Duration
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		elapsed += interval
		if each != nil {
			if err := each(elapsed); err != nil {
				return err
			}
		}
		if err := h.Tick(interval); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}
