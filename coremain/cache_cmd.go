package coremain

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/pmkol/tiercache/mlog"
	"github.com/pmkol/tiercache/pkg/cache"
	"github.com/pmkol/tiercache/pkg/manager"
)

const oneShotTimeout = 30 * time.Second

// withManager opens the configured hierarchy, runs f and closes it.
// L1 starts empty, so reads are answered by L2 or L3.
func withManager(configFile string, f func(ctx context.Context, m *manager.Manager) error) error {
	cfg, _, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), oneShotTimeout)
	defer cancel()
	m, err := openManager(ctx, cfg, lg)
	if err != nil {
		return err
	}

	err = f(ctx, m)
	// Close delivers queued write-back tasks.
	if cerr := m.Close(); err == nil {
		err = cerr
	}
	return err
}

func newGetCmd() *cobra.Command {
	var c string
	cmd := &cobra.Command{
		Use:   "get [-c config_file] key",
		Short: "Print the value of a key.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(c, func(ctx context.Context, m *manager.Manager) error {
				v, tier := m.Get(ctx, args[0])
				if tier == cache.TierNone {
					return fmt.Errorf("key %q not found", args[0])
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "hit %s\n", tier)
				_, err := cmd.OutOrStdout().Write(v)
				return err
			})
		},
		SilenceUsage: true,
	}
	cmd.Flags().StringVarP(&c, "config", "c", "", "config file")
	return cmd
}

func newPutCmd() *cobra.Command {
	var c string
	cmd := &cobra.Command{
		Use:   "put [-c config_file] key [value]",
		Short: "Write a key. The value is read from stdin if omitted.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var v []byte
			if len(args) == 2 {
				v = []byte(args[1])
			} else {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read value, %w", err)
				}
				v = b
			}
			return withManager(c, func(ctx context.Context, m *manager.Manager) error {
				return m.Put(ctx, args[0], v)
			})
		},
		SilenceUsage: true,
	}
	cmd.Flags().StringVarP(&c, "config", "c", "", "config file")
	return cmd
}

func newDelCmd() *cobra.Command {
	var c string
	cmd := &cobra.Command{
		Use:     "del [-c config_file] key",
		Aliases: []string{"rm"},
		Short:   "Remove a key from every tier.",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(c, func(ctx context.Context, m *manager.Manager) error {
				err := m.Remove(ctx, args[0])
				if failed := cache.FailedTiers(err); len(failed) > 0 {
					fmt.Fprintf(cmd.ErrOrStderr(), "not removed from %v\n", failed)
				}
				return err
			})
		},
		SilenceUsage: true,
	}
	cmd.Flags().StringVarP(&c, "config", "c", "", "config file")
	return cmd
}
