package main

import (
	"github.com/spf13/cobra"

	"github.com/blocklayer/xfscore/pkg/logx"
	"github.com/blocklayer/xfscore/pkg/xfscfg"
)

var (
	flagVerbose bool
	flagDebug   bool
	flagConfig  string

	log logx.Logger = logx.Discard
)

var rootCmd = &cobra.Command{
	Use:   "xfscorectl",
	Short: "Format, check, and poke at an xfscore filesystem image",
	Long: `xfscorectl drives the xfscore allocation engine directly
against a filesystem image: mkfs formats one, check verifies its
free-space and inode-allocator invariants, and alloc/free exercise the
extent allocator for debugging.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log = newCLILogger(flagDebug, flagVerbose)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "enable debug output")
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "geometry config file (default: ./xfscorectl.yaml)")

	xfscfg.RegisterFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(mkfsCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(allocCmd)
	rootCmd.AddCommand(freeCmd)
}

func loadConfig(cmd *cobra.Command) (*xfscfg.Config, error) {
	cfg, err := xfscfg.Load(flagConfig, cmd.Flags())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
