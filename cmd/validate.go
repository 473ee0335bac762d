package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/tunsidecar/internal/config"
)

var validateFlags configFlags

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration and print the effective settings",
	Long: `Load the configuration file, environment and flags the same way start
does and print the result as YAML. Nothing is loaded into the kernel.

Examples:
  tun-sidecar validate -c config.yml
  tun-sidecar validate -i eth0 -t tun0`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := validateFlags.load(cmd)
		if err != nil {
			return fmt.Errorf("INVALID: %w", err)
		}
		return runValidate(cfg, cmd.OutOrStdout())
	},
}

func init() {
	validateFlags.register(validateCmd.Flags())
}

func runValidate(cfg *config.Config, w io.Writer) error {
	out, err := config.Dump(cfg)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "# VALID")
	_, err = w.Write(out)
	return err
}
