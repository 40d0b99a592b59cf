package cli

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/iudanet/librarysync/internal/models"
)

func newWatermarksCommand(c *Cli) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "watermarks",
		Short: "List the newest HLC received from each peer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			syncLog, err := c.openLibrary(cmd.Context())
			if err != nil {
				return err
			}

			marks, err := c.watermarks(syncLog).List(cmd.Context())
			if err != nil {
				return err
			}

			if asJSON {
				if marks == nil {
					marks = []models.PeerWatermark{}
				}
				return writeJSON(cmd.OutOrStdout(), marks)
			}
			if len(marks) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No peers")
				return nil
			}

			cutoff := time.Now().Add(-c.cfg.StalenessThreshold)
			return writeWatermarks(cmd.OutOrStdout(), marks, func(m models.PeerWatermark) bool {
				return m.UpdatedAt.Before(cutoff)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print watermarks as JSON")

	reset := &cobra.Command{
		Use:   "reset [PEER]",
		Short: "Forget the watermark of one peer, or of all peers with --all",
		Long: `Forget stored watermarks. The next catch-up from an affected peer
starts from the beginning.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")
			if all == (len(args) == 1) {
				return fmt.Errorf("pass either a peer id or --all")
			}

			syncLog, err := c.openLibrary(cmd.Context())
			if err != nil {
				return err
			}
			store := c.watermarks(syncLog)
			out := cmd.OutOrStdout()

			if all {
				n, err := store.Clear(cmd.Context())
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(out, "Removed %d watermarks\n", n)
				return nil
			}

			peer, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid peer id %q: %w", args[0], err)
			}
			removed, err := store.Delete(cmd.Context(), peer)
			if err != nil {
				return err
			}
			if !removed {
				_, _ = fmt.Fprintf(out, "No watermark for %s\n", peer)
				return nil
			}
			_, _ = fmt.Fprintf(out, "Removed watermark for %s\n", peer)
			return nil
		},
	}
	reset.Flags().Bool("all", false, "remove every peer's watermark")

	cmd.AddCommand(reset)
	return cmd
}
