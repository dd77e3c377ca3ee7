// Package main implements mdtxctl, the control client of the mdtx daemon.
//
// Commands:
//
//	mdtxctl sync [sync|save|scan]           - synchronous register call
//	mdtxctl query <hash> <size> [--email]   - where is an archive
//	mdtxctl upload <file>                   - push a file into a cache
//	mdtxctl status                          - cache accounting and peers
//	mdtxctl dumpconfig                      - effective configuration
//
// mdtxctl reads the same configuration file as the daemon to find its pid
// file, register segment and listen address.
package main

import (
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dreamware/mdtx/internal/config"
	"github.com/dreamware/mdtx/internal/wire"
)

var (
	configPath string
	timeout    time.Duration
)

var rootCmd = &cobra.Command{
	Use:          "mdtxctl",
	Short:        "Control the mdtx daemon",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "configuration file (default $MDTX_CONFIG or "+config.DefaultPath+")")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", time.Minute, "how long to wait for the daemon")
}

func loadConfig() (*config.Config, error) {
	return config.Load(config.ResolvePath(configPath))
}

func newDialer(cfg *config.Config) (*wire.Dialer, error) {
	return wire.NewDialer(cfg.SocksProxy, cfg.DialTimeout)
}

func main() {
	log.SetFlags(0)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
