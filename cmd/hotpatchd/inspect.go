package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/obsrvr-hotpatch/internal/journal"
	"github.com/withObsrvr/obsrvr-hotpatch/internal/storage"
	"github.com/withObsrvr/obsrvr-hotpatch/internal/target"
)

func newJournalCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the build journal",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "verify <target>",
		Short: "Check that a target's journal is an unbroken hash chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := target.Parse(args[0])
			if err != nil {
				return err
			}
			cfg, err := loadConfig(false)
			if err != nil {
				return err
			}
			path := filepath.Join(cfg.Journal.Dir, "journal_"+t.String()+".jsonl")
			events, err := journal.Read(path)
			if err != nil {
				return err
			}
			if err := journal.Verify(events); err != nil {
				return err
			}
			if n := len(events); n > 0 {
				last := events[n-1]
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d events, last build %d, head %s\n", t, n, last.BuildID, last.Chain.EventHash)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: empty journal\n", t)
			}
			return nil
		},
	})
	return cmd
}

func newMirrorCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mirror",
		Short: "Inspect the artifact mirror",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "ls <target>",
		Short: "List the artifacts mirrored for a target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := target.Parse(args[0])
			if err != nil {
				return err
			}
			cfg, err := loadConfig(false)
			if err != nil {
				return err
			}
			if cfg.Storage.MirrorURL == "" {
				return fmt.Errorf("HOTPATCH_MIRROR_URL is not set")
			}
			m, err := storage.Open(cmd.Context(), cfg.Storage.MirrorURL, "")
			if err != nil {
				return err
			}
			defer m.Close()

			keys, err := m.List(cmd.Context(), t)
			if err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", k.Name, m.URI(k))
			}
			return nil
		},
	})
	return cmd
}
