package main

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dreamware/mdtx/internal/archive"
	"github.com/dreamware/mdtx/internal/wire"
)

var (
	collection string
	email      string
)

var queryCmd = &cobra.Command{
	Use:   "query <hash> <size>",
	Short: "Ask the daemon where an archive can be found",
	Long: `Prints the daemon reply: 220 <url> when the archive is cached, 221 when a
demand was registered on your behalf, 100 when nobody supplies it and 120
for unknown archives.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseArchive(args[0], args[1])
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dialer, err := newDialer(cfg)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		reply, err := dialer.Query(ctx, cfg.Addr(), &wire.Envelope{
			Kind:       wire.KindQuery,
			From:       "mdtxctl",
			Collection: collection,
			Archive:    &id,
			Email:      email,
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), reply)
		return nil
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Copy a file into a collection cache",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := identify(args[0])
		if err != nil {
			return err
		}
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dialer, err := newDialer(cfg)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		err = dialer.Upload(ctx, cfg.Addr(), &wire.Envelope{
			Kind:       wire.KindUpload,
			From:       cfg.Fingerprint,
			Collection: collection,
			Archive:    &id,
		}, f)
		if err != nil {
			return fmt.Errorf("upload %s: %w", id, err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print cache accounting and peer health as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dialer, err := newDialer(cfg)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		var report wire.StatusReport
		if err := dialer.Status(ctx, cfg.Addr(), &wire.Envelope{Kind: wire.KindStatus, From: "mdtxctl"}, &report); err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

var dumpConfigCmd = &cobra.Command{
	Use:   "dumpconfig",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return cfg.Dump(cmd.OutOrStdout())
	},
}

func init() {
	for _, c := range []*cobra.Command{queryCmd, uploadCmd} {
		c.Flags().StringVar(&collection, "collection", "", "collection name (required)")
		c.MarkFlagRequired("collection")
	}
	queryCmd.Flags().StringVar(&email, "email", os.Getenv("USER"), "who to tell once the archive is cached")
	rootCmd.AddCommand(queryCmd, uploadCmd, statusCmd, dumpConfigCmd)
}

func parseArchive(hash, size string) (archive.Identity, error) {
	n, err := strconv.ParseInt(size, 10, 64)
	if err != nil {
		return archive.Identity{}, fmt.Errorf("bad size %q: %w", size, err)
	}
	return archive.NewIdentity(hash, n)
}

// identify computes the identity of the file at path.
func identify(path string) (archive.Identity, error) {
	f, err := os.Open(path)
	if err != nil {
		return archive.Identity{}, err
	}
	defer f.Close()
	h := md5.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return archive.Identity{}, err
	}
	return archive.NewIdentity(hex.EncodeToString(h.Sum(nil)), n)
}
