package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/luciancaetano/netslime"
	"github.com/luciancaetano/netslime/slime"
)

func serveCmd() *cobra.Command {
	var (
		flags     hostFlags
		addr      string
		debugAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an authoritative host",
		Long: `Run an authoritative host that replicates animated demo objects
to every connected client.

Examples:
  netslime serve
  netslime serve --addr=:7777 --transport=ws --debug-addr=:9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, &flags, addr, debugAddr)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVarP(&addr, "addr", "a", ":7777", "Listen address")
	cmd.Flags().StringVar(&debugAddr, "debug-addr", ":9090", "Metrics and debug address (empty disables)")

	return cmd
}

func runServe(ctx context.Context, flags *hostFlags, addr, debugAddr string) error {
	cfg := flags.config(netslime.RoleServer, addr)

	var (
		h   *slime.Host
		err error
	)
	switch flags.transport {
	case "udp":
		h, err = slime.ListenUDP(ctx, cfg)
	case "ws":
		h, err = slime.ListenWebSocket(ctx, cfg)
	default:
		return errors.Errorf("unknown transport %q", flags.transport)
	}
	if err != nil {
		return err
	}
	defer h.Close()

	h.OnConnectionStateChanged(func(c netslime.StateChange) {
		glog.Infof("%s (%s): %s -> %s %s", c.Handle, c.Address, c.From, c.To, c.Reason)
	})
	h.OnMessage(func(m netslime.Message) {
		glog.V(1).Infof("%s: %d bytes on %s", m.Handle, len(m.Payload), m.Channel)
	})
	if err := registerDemo(h, flags.objects); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return tickLoop(gctx, h, flags.tickRate, func(elapsed time.Duration) error {
			return animateDemo(h, flags.objects, elapsed)
		})
	})

	if debugAddr != "" {
		srv := &http.Server{Addr: debugAddr, Handler: debugRouter(h)}
		g.Go(func() error {
			glog.Infof("debug server listening on %s", debugAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return errors.Wrap(err, "debug server")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}
