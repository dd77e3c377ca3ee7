package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/exp/slices"
	"golang.org/x/sys/unix"

	"github.com/dreamware/mdtx/internal/config"
	"github.com/dreamware/mdtx/internal/register"
	"github.com/dreamware/mdtx/internal/server"
)

var syncCmd = &cobra.Command{
	Use:   "sync [register]",
	Short: "Ask the daemon to run a register action and wait for it",
	Long: `Marks a register pending in the shared segment, signals the daemon with
SIGUSR1 and waits until the daemon reports the result.
Registers: sync (notify peers now), save (persist records), scan (rescan cache directories).`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := "sync"
		if len(args) == 1 {
			name = args[0]
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		if err := callRegister(ctx, cfg, name, signalDaemon(cfg.PIDFile)); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: done\n", name)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func registerID(name string) (int, error) {
	id, ok := register.Names[name]
	if !ok {
		names := make([]string, 0, len(register.Names))
		for n := range register.Names {
			names = append(names, n)
		}
		slices.Sort(names)
		return 0, fmt.Errorf("unknown register %q, want one of %v", name, names)
	}
	return id, nil
}

// callRegister runs one register call against the daemon configured by cfg.
func callRegister(ctx context.Context, cfg *config.Config, name string, wake func() error) error {
	id, err := registerID(name)
	if err != nil {
		return err
	}
	path, err := register.SegmentPath(cfg.Path)
	if err != nil {
		return err
	}
	seg, err := register.Open(path)
	if err != nil {
		return err
	}
	defer seg.Close()
	return register.Call(ctx, seg, id, wake, register.PollInterval)
}

// signalDaemon wakes the daemon whose pid is stored in pidFile.
func signalDaemon(pidFile string) func() error {
	return func() error {
		pid, err := server.ReadPID(pidFile)
		if err != nil {
			return err
		}
		return unix.Kill(pid, unix.SIGUSR1)
	}
}
