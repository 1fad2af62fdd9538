package worker

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"taskmill/model"
)

// Processor executes one task. Implementations must tolerate being handed
// the same task more than once.
type Processor interface {
	Process(ctx context.Context, task *model.Task) error
}

type ProcessorFunc func(ctx context.Context, task *model.Task) error

func (f ProcessorFunc) Process(ctx context.Context, task *model.Task) error {
	return f(ctx, task)
}

// NoopProcessor logs the task's properties and succeeds.
type NoopProcessor struct {
	Log *slog.Logger
}

func (n NoopProcessor) Process(_ context.Context, task *model.Task) error {
	log := n.Log
	if log == nil {
		log = slog.Default()
	}
	var b strings.Builder
	for _, k := range slices.Sorted(maps.Keys(task.Properties)) {
		fmt.Fprintf(&b, "%s: %s\n", k, task.Properties[k])
	}
	log.Info("executing noop task processor", "properties", b.String())
	return nil
}

// Audit task property keys.
const (
	PropAction          = "action"
	PropAccount         = "account"
	PropStoreID         = "storeId"
	PropSpaceID         = "spaceId"
	PropContentID       = "contentId"
	PropContentChecksum = "contentChecksum"
	PropContentMimetype = "contentMimetype"
	PropContentSize     = "contentSize"
	PropDateTime        = "dateTime"
)

// ManifestWriter is the part of *manifest.Store the audit processor uses.
type ManifestWriter interface {
	AddUpdate(ctx context.Context, item model.ManifestItem) error
	FlagAsDeleted(ctx context.Context, key model.ManifestKey, ts time.Time) error
}

// AuditProcessor applies content events to the manifest. Writes are
// timestamp ordered so redelivered events are harmless.
type AuditProcessor struct {
	Manifest ManifestWriter
}

func (a AuditProcessor) Process(ctx context.Context, task *model.Task) error {
	key := model.ManifestKey{
		Account:   task.Property(PropAccount),
		StoreID:   task.Property(PropStoreID),
		SpaceID:   task.Property(PropSpaceID),
		ContentID: task.Property(PropContentID),
	}
	if key.Account == "" || key.StoreID == "" || key.SpaceID == "" || key.ContentID == "" {
		return fmt.Errorf("audit task missing content key: %s", key)
	}

	ts, err := time.Parse(time.RFC3339Nano, task.Property(PropDateTime))
	if err != nil {
		return fmt.Errorf("audit task %s: bad %s: %w", key, PropDateTime, err)
	}

	switch strings.ToLower(task.Property(PropAction)) {
	case "add", "update", "copy":
		return a.Manifest.AddUpdate(ctx, model.ManifestItem{
			Account:         key.Account,
			StoreID:         key.StoreID,
			SpaceID:         key.SpaceID,
			ContentID:       key.ContentID,
			ContentChecksum: task.Property(PropContentChecksum),
			ContentMimetype: task.Property(PropContentMimetype),
			ContentSize:     task.Property(PropContentSize),
			Modified:        ts,
		})
	case "delete":
		return a.Manifest.FlagAsDeleted(ctx, key, ts)
	default:
		return fmt.Errorf("audit task %s: unknown action %q", key, task.Property(PropAction))
	}
}
