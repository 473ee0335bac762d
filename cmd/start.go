package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"firestige.xyz/tunsidecar/internal/daemon"
)

var (
	startFlags configFlags
	pidFile    string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Attach the classifier and wait for a termination signal",
	Long: `Load the egress classifier, fill its tables and attach it to every
interface. tun-sidecar then waits for SIGINT or SIGTERM and exits without
detaching anything.

Examples:
  tun-sidecar start -i eth0 -t tun0 -m 0xff
  tun-sidecar start -c /etc/tun-sidecar/config.yml
  tun-sidecar start -i eth0 -i eth1 -t tun0 -p 1234 --sentinel 198.51.100.7`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := startFlags.load(cmd)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return daemon.New(cfg, pidFile).Run(ctx)
	},
}

func init() {
	startFlags.register(startCmd.Flags())
	startCmd.Flags().StringVar(&pidFile, "pid-file", "", "write the process id to this file")
}
