package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/luciancaetano/netslime"
	"github.com/luciancaetano/netslime/slime"
)

func connectCmd() *cobra.Command {
	var (
		flags   hostFlags
		local   string
		session string
	)

	cmd := &cobra.Command{
		Use:   "connect <address>",
		Short: "Run a client host and log replicated fields",
		Long: `Connect to a serving host and log every field update and
connection state change until the connection ends.

Examples:
  netslime connect 127.0.0.1:7777
  netslime connect --transport=ws 127.0.0.1:7777
  netslime connect --session=lobby lobby=127.0.0.1:7777`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runConnect(ctx, &flags, local, session, args[0])
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&local, "local", ":0", "Local UDP address")
	cmd.Flags().StringVar(&session, "session", "", "Resolve the address as session=address through a static table")

	return cmd
}

func runConnect(ctx context.Context, flags *hostFlags, local, session, target string) error {
	cfg := flags.config(netslime.RoleClient, local)

	resolver := netslime.StaticResolver{}
	addr := target
	if session != "" {
		name, a, ok := strings.Cut(target, "=")
		if !ok || name != session {
			return errors.Errorf("--session %q needs an argument of the form %s=address", session, session)
		}
		resolver[name] = a
		addr = a
	}

	var (
		h   *slime.Host
		err error
	)
	switch flags.transport {
	case "udp":
		h, err = slime.ListenUDP(ctx, cfg)
	case "ws":
		h, err = slime.DialWebSocket(ctx, addr, cfg)
	default:
		return errors.Errorf("unknown transport %q", flags.transport)
	}
	if err != nil {
		return err
	}
	defer h.Close()

	if err := registerDemo(h, flags.objects); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var reason error
	h.OnConnectionStateChanged(func(c netslime.StateChange) {
		glog.Infof("%s: %s -> %s %s", c.Address, c.From, c.To, c.Reason)
		if c.To.Terminal() {
			if c.To != netslime.StateClosed {
				reason = errors.Errorf("connection %s: %s", c.To, c.Reason)
			}
			cancel()
		}
	})
	h.OnFieldUpdate(func(u netslime.FieldUpdate) {
		if u.Removed {
			glog.Infof("object %d removed", u.Object)
			return
		}
		glog.Infof("object %d %s = %v (rev %d)", u.Object, u.Name, u.Value, u.Revision)
	})

	if session != "" {
		_, err = h.ConnectSession(ctx, resolver, session)
	} else {
		_, err = h.Connect(addr)
	}
	if err != nil {
		return err
	}

	if err := tickLoop(ctx, h, flags.tickRate, nil); err != nil {
		return err
	}
	return reason
}
