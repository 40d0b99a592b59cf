package replication

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/iudanet/librarysync/internal/models"
	"github.com/iudanet/librarysync/internal/storage"
	"github.com/iudanet/librarysync/internal/syncable"
)

// BackfillBatch holds the records one model returned for a backfill request.
type BackfillBatch struct {
	ModelType string
	Records   []syncable.BackfillRecord
}

// Backfill queries every device-owned model in dependency order so parents
// are sent before the records referencing them.
func Backfill(ctx context.Context, registry *syncable.Registry, db syncable.DB, q syncable.BackfillQuery) ([]BackfillBatch, error) {
	return IncrementalBackfill(ctx, registry, db, q, nil)
}

// IncrementalBackfill is Backfill with a per-model lower bound: since holds
// the requester's resource watermarks and overrides q.Since for the models
// it names.
func IncrementalBackfill(ctx context.Context, registry *syncable.Registry, db syncable.DB,
	q syncable.BackfillQuery, since map[string]time.Time) ([]BackfillBatch, error) {
	owned, err := deviceOwnedInOrder(registry)
	if err != nil {
		return nil, err
	}

	batches := make([]BackfillBatch, 0, len(owned))
	for _, m := range owned {
		mq := q
		if ts, ok := since[m.ModelType()]; ok {
			mq.Since = &ts
		}

		records, err := m.QueryForSync(ctx, mq, db)
		if err != nil {
			return nil, fmt.Errorf("backfill query for %s failed: %w", m.ModelType(), err)
		}
		batches = append(batches, BackfillBatch{ModelType: m.ModelType(), Records: records})
	}

	return batches, nil
}

// ResumableBackfill returns the next part of a backfill sent to peer and
// saves the progress in checkpoints. Models are walked in dependency order;
// a model that fills a whole batch stops the walk so the next call resumes
// it after the last record handed out. done is true once every model was
// sent completely, at which point the checkpoints of peer are removed and
// the next call starts a new backfill.
func ResumableBackfill(ctx context.Context, registry *syncable.Registry, db syncable.DB,
	checkpoints storage.BackfillCheckpoints, peer uuid.UUID, q syncable.BackfillQuery) ([]BackfillBatch, bool, error) {
	owned, err := deviceOwnedInOrder(registry)
	if err != nil {
		return nil, false, err
	}

	batches := make([]BackfillBatch, 0, len(owned))
	for _, m := range owned {
		modelType := m.ModelType()

		cp, ok, err := checkpoints.Load(ctx, peer, modelType)
		if err != nil {
			return nil, false, err
		}
		if ok && cp.Completed {
			continue
		}
		if !ok {
			cp = models.BackfillCheckpoint{PeerDeviceUUID: peer, ResourceType: modelType}
		}

		mq := q
		if cp.LastWatermark != nil {
			mq.Since = cp.LastWatermark
		}

		records, err := m.QueryForSync(ctx, mq, db)
		if err != nil {
			return nil, false, fmt.Errorf("backfill query for %s failed: %w", modelType, err)
		}

		if len(records) > 0 {
			last := records[len(records)-1]
			ts := last.UpdatedAt
			cp.LastWatermark = &ts
			cp.ResumeToken = last.UUID.String()
			cp.RecordsSynced += int64(len(records))
			batches = append(batches, BackfillBatch{ModelType: modelType, Records: records})
		}

		full := q.BatchSize > 0 && len(records) >= q.BatchSize
		cp.Completed = !full
		if err := checkpoints.Save(ctx, cp); err != nil {
			return nil, false, err
		}

		if full {
			return batches, false, nil
		}
	}

	if _, err := checkpoints.DeletePeer(ctx, peer); err != nil {
		return nil, false, err
	}
	return batches, true, nil
}

func deviceOwnedInOrder(registry *syncable.Registry) ([]syncable.DeviceOwned, error) {
	order, err := registry.SyncOrder()
	if err != nil {
		return nil, err
	}

	owned := make([]syncable.DeviceOwned, 0, len(order))
	for _, modelType := range order {
		m, err := registry.Lookup(modelType)
		if err != nil {
			return nil, err
		}
		if d, ok := m.(syncable.DeviceOwned); ok {
			owned = append(owned, d)
		}
	}
	return owned, nil
}
