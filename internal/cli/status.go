package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/iudanet/librarysync/internal/hlc"
	"github.com/iudanet/librarysync/internal/models"
	"github.com/iudanet/librarysync/internal/storage"
	"github.com/iudanet/librarysync/internal/storage/boltdb"
)

// Status summarizes one library's sync database.
type Status struct {
	LeaseExpires   *time.Time `json:"lease_expires,omitempty"`
	LibraryID      string     `json:"library_id"`
	Path           string     `json:"path"`
	MaxWatermark   string     `json:"max_watermark,omitempty"`
	Leader         string     `json:"leader,omitempty"`
	Entries        int64      `json:"entries"`
	LatestSequence uint64     `json:"latest_sequence"`
	Peers          int        `json:"peers"`
}

func newStatusCommand(c *Cli) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Summarize the library's log, peers and leadership",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			status, err := c.status(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), status)
			}
			return statusTmpl.Execute(cmd.OutOrStdout(), status)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print status as JSON")
	return cmd
}

func (c *Cli) status(ctx context.Context) (*Status, error) {
	syncLog, err := c.openLibrary(ctx)
	if err != nil {
		return nil, err
	}
	marks := c.watermarks(syncLog)

	status := &Status{
		LibraryID: syncLog.LibraryID().String(),
		Path:      syncLog.Path(),
	}

	var (
		maxHLC hlc.HLC
		hasMax bool
		lease  *models.LeadershipLease
	)

	// Запросы независимы, выполняем параллельно
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := syncLog.Count(gctx)
		status.Entries = n
		return err
	})
	g.Go(func() error {
		seq, err := syncLog.LatestSequence(gctx)
		status.LatestSequence = seq
		return err
	})
	g.Go(func() error {
		all, err := marks.GetAll(gctx)
		status.Peers = len(all)
		return err
	})
	g.Go(func() error {
		var err error
		maxHLC, hasMax, err = marks.GetMaxAcrossAllPeers(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		lease, err = c.readLease(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to collect status: %w", err)
	}

	if hasMax {
		status.MaxWatermark = maxHLC.String()
	}
	if lease != nil {
		status.Leader = lease.LeaderDeviceID.String()
		expires := lease.LeaseExpiresAt
		status.LeaseExpires = &expires
	}
	return status, nil
}

// readLease returns the stored lease of the library, or nil when the device
// has no lease file or no lease for it.
func (c *Cli) readLease(ctx context.Context) (*models.LeadershipLease, error) {
	path := c.cfg.LeasePath()
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to stat lease file: %w", err)
	}

	store, err := boltdb.OpenReadOnly(ctx, path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := store.Close(); err != nil {
			c.logger.Error("failed to close lease file", "error", err)
		}
	}()

	lease, err := store.GetLease(ctx, c.cfg.LibraryID)
	if err != nil {
		if errors.Is(err, storage.ErrLeaseNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &lease, nil
}
