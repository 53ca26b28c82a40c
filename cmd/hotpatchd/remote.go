package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/obsrvr-hotpatch/internal/distribution"
	"github.com/withObsrvr/obsrvr-hotpatch/internal/target"
)

const defaultServer = "http://localhost:7878"

func newTargetsCommand() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "targets",
		Short: "List targets, from a running server or the local config",
		RunE: func(cmd *cobra.Command, args []string) error {
			var ts []target.Target
			if server != "" {
				var err error
				ts, err = distribution.NewClient(server, nil).Targets(cmd.Context())
				if err != nil {
					return err
				}
			} else {
				cfg, err := loadConfig(false)
				if err != nil {
					return err
				}
				for _, tc := range cfg.Targets {
					ts = append(ts, tc.Target)
				}
			}
			for _, t := range ts {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", t, t.Triple())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "query a running server instead of the config")
	return cmd
}

func newSubscribeCommand() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "subscribe <target>",
		Short: "Start a target on a server and print its update stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := target.Parse(args[0])
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			stream, err := distribution.NewClient(server, nil).Subscribe(ctx, t)
			if err != nil {
				return err
			}
			defer stream.Close()

			out := cmd.OutOrStdout()
			for {
				f, err := stream.Next()
				if err != nil {
					if errors.Is(err, io.EOF) || ctx.Err() != nil {
						return nil
					}
					return err
				}
				printFrame(out, f)
			}
		},
	}
	cmd.Flags().StringVar(&server, "server", defaultServer, "server base URL")
	return cmd
}

func printFrame(w io.Writer, f distribution.Frame) {
	switch f.Kind {
	case distribution.KindInitialState:
		fmt.Fprintf(w, "%s build=%d started=%d root=%s libraries=%d assets=%d\n",
			f.Kind, f.BuildID, f.MostRecentStarted, f.RootLibrary, len(f.Libraries), len(f.Assets))
	case distribution.KindBuildCompleted:
		fmt.Fprintf(w, "%s build=%d root=%s libraries=%d\n", f.Kind, f.BuildID, f.RootLibrary, len(f.Libraries))
	case distribution.KindRootLibPath:
		fmt.Fprintf(w, "%s build=%d root=%s\n", f.Kind, f.BuildID, f.RootLibrary)
	case distribution.KindUpdatedLibs:
		for _, a := range f.Libraries {
			fmt.Fprintf(w, "%s build=%d %s %s\n", f.Kind, f.BuildID, a.RelativePath, a.Hash)
		}
	case distribution.KindUpdatedAssets:
		for _, a := range f.Assets {
			fmt.Fprintf(w, "%s %s %s\n", f.Kind, a.RelativePath, a.Hash)
		}
	case distribution.KindBuildFailed:
		fmt.Fprintf(w, "%s build=%d reason=%q\n", f.Kind, f.BuildID, f.Reason)
	case distribution.KindKeepAlive:
		if f.Dropped > 0 {
			fmt.Fprintf(w, "%s dropped=%d\n", f.Kind, f.Dropped)
		}
	default:
		fmt.Fprintf(w, "%s build=%d\n", f.Kind, f.BuildID)
	}
}

func newFetchCommand() *cobra.Command {
	var server, output string
	cmd := &cobra.Command{
		Use:   "fetch <target> <relative-path>",
		Short: "Download a published artifact and verify its hash",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := target.Parse(args[0])
			if err != nil {
				return err
			}
			if output == "" {
				output = filepath.Base(args[1])
			}
			return fetchTo(cmd.Context(), distribution.NewClient(server, nil), t, args[1], output, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&server, "server", defaultServer, "server base URL")
	cmd.Flags().StringVarP(&output, "output", "o", "", "destination file (default: base name of the path)")
	return cmd
}

// fetchTo downloads into a temp file and renames it into place once the
// hash checks out.
func fetchTo(ctx context.Context, c *distribution.Client, t target.Target, rel, output string, out io.Writer) error {
	tmp := output + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	h, err := c.Fetch(ctx, t, rel, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, output); err != nil {
		os.Remove(tmp)
		return err
	}
	fmt.Fprintf(out, "%s %s\n", output, h)
	return nil
}
