// Package main implements mdtxd, the cache daemon of one mdtx server.
//
// The daemon keeps a bounded local cache per collection, tells its peers what
// it holds and what it wants, and fetches demanded archives from the supports
// it knows about.
//
// Architecture:
//
//	┌──────────────────────────────────────────────┐
//	│                   mdtxd                      │
//	├──────────────────────────────────────────────┤
//	│  TCP listener (server.Runtime):              │
//	│    NOTIFY  - peer record snapshot            │
//	│    HAVE    - peer supplies one archive       │
//	│    UPLOAD  - archive bytes to cache          │
//	│    QUERY   - where is an archive             │
//	│    STATUS  - accounting and peer health      │
//	├──────────────────────────────────────────────┤
//	│  Control plane (signals + notify ticker):    │
//	│    HUP     - reload configuration            │
//	│    USR1    - service register calls          │
//	│    TERM    - graceful shutdown               │
//	│    INT/SEGV- cleanup and re-raise            │
//	└──────────────────────────────────────────────┘
//
// Configuration is read from --config, $MDTX_CONFIG or /etc/mdtx/mdtx.toml.
//
// Exit status:
//   - 0: clean shutdown
//   - 1: startup failure
//   - 2: the shutdown hook failed
//
// Example usage:
//
//	mdtxd --config /etc/mdtx/mdtx.toml
//	mdtxctl sync        # notify peers now
package main

import (
	"errors"
	"log"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dreamware/mdtx/internal/config"
	"github.com/dreamware/mdtx/internal/server"
)

// osExit is a variable so tests can observe the exit status.
var osExit = os.Exit

var configPath string

var rootCmd = &cobra.Command{
	Use:           "mdtxd",
	Short:         "mdtx cache daemon",
	Long:          `mdtxd caches archives of the configured collections and exchanges demands and supplies with its peers.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Args:          cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(config.ResolvePath(configPath))
		if err != nil {
			return err
		}
		setupLogging(cfg.LogFile)
		return run(cfg)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "configuration file (default $MDTX_CONFIG or "+config.DefaultPath+")")
}

func main() {
	err := rootCmd.Execute()
	if err != nil {
		log.Printf("mdtxd: %v", err)
	}
	osExit(exitCode(err))
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, server.ErrShutdownHook):
		return 2
	default:
		return 1
	}
}

// setupLogging sends log output to a rotated file when path is set.
func setupLogging(path string) {
	if path == "" {
		return
	}
	log.SetOutput(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    100, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	})
}
