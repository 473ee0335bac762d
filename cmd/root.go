// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"firestige.xyz/tunsidecar/internal/config"
)

var (
	// Global flags
	configFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tun-sidecar",
	Short: "tun-sidecar - redirect selected egress traffic into a tunnel",
	Long: `tun-sidecar attaches a traffic control classifier to the egress path of
network interfaces. IPv4 TCP and UDP packets sent to the sentinel address are
redirected to the tunnel interface; packets carrying a bypass mark are left
alone.

The classifier stays attached after tun-sidecar exits. Remove it with
  tc qdisc del dev <iface> clsact`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (optional, flags and TUN_SIDECAR_* env vars also apply)")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(replayCmd)
}

// configFlags are the startup parameters that can be given on the command
// line. They override the config file.
type configFlags struct {
	ifaces   []string
	tunName  string
	marks    []string
	pids     []string
	sentinel string
}

func (f *configFlags) register(fs *pflag.FlagSet) {
	fs.StringSliceVarP(&f.ifaces, "iface", "i", nil, "interface to classify egress traffic on (repeatable)")
	fs.StringVarP(&f.tunName, "tun-name", "t", "", "tunnel interface to redirect to")
	fs.StringSliceVarP(&f.marks, "bypass-mark", "m", nil, "packet mark exempt from redirection, decimal or 0x hex (repeatable)")
	fs.StringSliceVarP(&f.pids, "bypass-pid", "p", nil, "process id exempt from redirection (repeatable)")
	fs.StringVar(&f.sentinel, "sentinel", "", "destination address selecting traffic for redirection (default 1.1.1.1)")
}

// options turns the flags that were set into config options.
func (f *configFlags) options(fs *pflag.FlagSet) ([]config.Option, error) {
	var opts []config.Option
	if fs.Changed("iface") {
		opts = append(opts, config.WithInterfaces(f.ifaces))
	}
	if fs.Changed("tun-name") {
		opts = append(opts, config.WithTunnel(f.tunName))
	}
	if fs.Changed("bypass-mark") {
		marks, err := config.ParseUint32List(f.marks)
		if err != nil {
			return nil, fmt.Errorf("--bypass-mark: %w", err)
		}
		opts = append(opts, config.WithBypassMarks(marks))
	}
	if fs.Changed("bypass-pid") {
		pids, err := config.ParseUint32List(f.pids)
		if err != nil {
			return nil, fmt.Errorf("--bypass-pid: %w", err)
		}
		opts = append(opts, config.WithBypassPids(pids))
	}
	if fs.Changed("sentinel") {
		addr, err := netip.ParseAddr(f.sentinel)
		if err != nil {
			return nil, fmt.Errorf("--sentinel: %w", err)
		}
		opts = append(opts, config.WithSentinel(addr))
	}
	return opts, nil
}

// load reads the configuration file, if any, and applies the flags.
func (f *configFlags) load(cmd *cobra.Command) (*config.Config, error) {
	opts, err := f.options(cmd.Flags())
	if err != nil {
		return nil, err
	}
	return config.Load(configFile, opts...)
}
