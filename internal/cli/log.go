package cli

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/iudanet/librarysync/internal/models"
	"github.com/iudanet/librarysync/internal/storage"
	"github.com/iudanet/librarysync/internal/storage/sqlite"
)

// ErrUnacknowledgedPeers is returned by log vacuum when a known peer may not
// have received the entries it would delete
var ErrUnacknowledgedPeers = errors.New("peers may not have received the entries")

type logOptions struct {
	since   uint64
	limit   int
	asJSON  bool
	force   bool
	olderBy time.Duration
}

func newLogCommand(c *Cli) *cobra.Command {
	opts := &logOptions{}

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Read and maintain the replication log",
	}
	cmd.PersistentFlags().BoolVar(&opts.asJSON, "json", false, "print entries as JSON")

	tail := &cobra.Command{
		Use:   "tail",
		Short: "Print the newest log entries",
		Long: `Print the newest entries of the replication log.

With --since only entries after that sequence are printed, which is what a
peer catching up would receive.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			syncLog, err := c.openLibrary(cmd.Context())
			if err != nil {
				return err
			}

			limit := opts.limit
			if !cmd.Flags().Changed("limit") {
				limit = c.cfg.FetchLimit
			}
			limit = storage.ClampFetchLimit(limit)
			since := opts.since
			if !cmd.Flags().Changed("since") {
				latest, err := syncLog.LatestSequence(cmd.Context())
				if err != nil {
					return err
				}
				if latest > uint64(limit) {
					since = latest - uint64(limit)
				}
			}

			entries, err := syncLog.FetchSince(cmd.Context(), since, limit)
			if err != nil {
				return err
			}
			return printEntries(cmd, opts, entries)
		},
	}
	tail.Flags().Uint64Var(&opts.since, "since", 0, "print entries after this sequence")
	tail.Flags().IntVarP(&opts.limit, "limit", "n", storage.DefaultFetchLimit, "maximum number of entries (default from fetch_limit)")

	rangeCmd := &cobra.Command{
		Use:   "range FROM TO",
		Short: "Print entries with sequences in [FROM, TO]",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid FROM %q: %w", args[0], err)
			}
			to, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid TO %q: %w", args[1], err)
			}

			syncLog, err := c.openLibrary(cmd.Context())
			if err != nil {
				return err
			}
			entries, err := syncLog.FetchRange(cmd.Context(), from, to)
			if err != nil {
				return err
			}
			return printEntries(cmd, opts, entries)
		},
	}

	history := &cobra.Command{
		Use:   "history MODEL RECORD",
		Short: "Print every logged change of one record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			recordID, err := uuid.Parse(args[1])
			if err != nil {
				return fmt.Errorf("invalid record id %q: %w", args[1], err)
			}

			syncLog, err := c.openLibrary(cmd.Context())
			if err != nil {
				return err
			}
			entries, err := syncLog.GetRecordHistory(cmd.Context(), args[0], recordID)
			if err != nil {
				return err
			}
			return printEntries(cmd, opts, entries)
		},
	}

	vacuum := &cobra.Command{
		Use:   "vacuum",
		Short: "Delete log entries older than a cutoff",
		Long: `Delete log entries older than --older-than.

Vacuum refuses to run while a known peer was last heard from before the
cutoff, since that peer may not have received the entries yet. --force
deletes anyway; such peers will need a full resync.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.olderBy <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}

			syncLog, err := c.openLibrary(cmd.Context())
			if err != nil {
				return err
			}
			cutoff := time.Now().Add(-opts.olderBy)
			if !opts.force {
				behind, err := peersBehind(cmd, c, syncLog, cutoff)
				if err != nil {
					return err
				}
				if len(behind) > 0 {
					return fmt.Errorf("%w: %d peer(s) last seen before %s, use --force to delete anyway",
						ErrUnacknowledgedPeers, len(behind), cutoff.UTC().Format(time.RFC3339))
				}
			}

			deleted, err := syncLog.VacuumOldEntries(cmd.Context(), cutoff)
			if err != nil {
				return err
			}

			if opts.asJSON {
				return writeJSON(cmd.OutOrStdout(), map[string]int64{"deleted": deleted})
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d entries\n", deleted)
			return nil
		},
	}
	vacuum.Flags().DurationVar(&opts.olderBy, "older-than", 0, "delete entries older than this (required)")
	vacuum.Flags().BoolVar(&opts.force, "force", false, "delete even if peers may not have received the entries")
	_ = vacuum.MarkFlagRequired("older-than")

	cmd.AddCommand(tail, rangeCmd, history, vacuum)
	return cmd
}

// peersBehind возвращает пиров, от которых ничего не приходило после cutoff
func peersBehind(cmd *cobra.Command, c *Cli, syncLog *sqlite.SyncLogDB, cutoff time.Time) ([]uuid.UUID, error) {
	list, err := c.watermarks(syncLog).List(cmd.Context())
	if err != nil {
		return nil, err
	}

	var behind []uuid.UUID
	for _, w := range list {
		if int64(w.MaxReceivedHLC.Timestamp) < cutoff.UnixMilli() {
			behind = append(behind, w.PeerDeviceUUID)
		}
	}
	return behind, nil
}

func printEntries(cmd *cobra.Command, opts *logOptions, entries []*models.SyncLogEntry) error {
	if opts.asJSON {
		if entries == nil {
			entries = []*models.SyncLogEntry{}
		}
		return writeJSON(cmd.OutOrStdout(), entries)
	}
	if len(entries) == 0 {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No entries")
		return nil
	}
	return writeEntries(cmd.OutOrStdout(), entries)
}
