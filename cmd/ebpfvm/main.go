// ebpfvm runs, disassembles, inspects and benchmarks sandboxed eBPF programs.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/colorfulnotion/ebpfvm/log"
	"github.com/colorfulnotion/ebpfvm/vm/program"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

type globalFlags struct {
	logLevel   string
	logModules string
	configPath string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var g globalFlags
	rootCmd := &cobra.Command{
		Use:           "ebpfvm",
		Short:         "Sandboxed eBPF virtual machine",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if _, err := log.ParseLevel(g.logLevel); err != nil {
				return err
			}
			log.InitLogger(g.logLevel)
			for _, m := range strings.Split(g.logModules, ",") {
				if m = strings.TrimSpace(m); m != "" {
					log.EnableModule(m)
				}
			}
			return nil
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "warn", "log level: trace, debug, info, warn, error, crit")
	rootCmd.PersistentFlags().StringVar(&g.logModules, "log-modules", "",
		"comma separated modules to enable for debug/trace output: "+strings.Join(log.KnownModules(), ", "))
	rootCmd.PersistentFlags().StringVar(&g.configPath, "config", "", "JSON file overriding the default VM configuration")

	rootCmd.AddCommand(
		newRunCmd(&g),
		newDisasmCmd(&g),
		newInspectCmd(&g),
		newBenchCmd(&g),
	)
	return rootCmd
}

// loadConfig returns the default configuration overlaid with --config.
func (g *globalFlags) loadConfig() (program.Config, error) {
	if g.configPath == "" {
		return program.DefaultConfig(), nil
	}
	data, err := os.ReadFile(g.configPath)
	if err != nil {
		return program.Config{}, fmt.Errorf("read config: %w", err)
	}
	return program.ParseConfig(data)
}
