package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "netslime",
		Short: "Realtime game transport and replication",
		Long: `netslime runs replication hosts over UDP or WebSocket.

  serve    run an authoritative host with demo objects
  connect  run a client host that logs replicated fields`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// glog refuses to log before its flags are parsed.
			flag.CommandLine.Parse(nil)
		},
	}
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	rootCmd.AddCommand(
		serveCmd(),
		connectCmd(),
		versionCmd(),
	)

	err := rootCmd.Execute()
	glog.Flush()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
