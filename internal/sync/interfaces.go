// Package sync keeps the local cache of an Unforgotten account in step with
// the backend. It pulls changed records per kind, merges them into the
// local store, pushes queued local mutations from the outbox, and generates
// the day's medication logs.
//
// The package contains two main components:
//
//   - [Engine] runs full syncs, the outbox worker and the merge path shared
//     with the realtime listener.
//   - [Bootstrap] caches the user's accounts and memberships on first run.
package sync

import (
	"context"

	"github.com/njoerd114/unforgotten/internal/model"
	"github.com/njoerd114/unforgotten/internal/store"
)

// Planner is told when rows of a notifiable kind changed so it can bring
// scheduled notifications in line. Implemented by [notify.Planner].
type Planner interface {
	Reconcile(ctx context.Context, accountID string, kind model.Kind) error
}

// Writer is the local write path: store mutation and outbox enqueue in one
// transaction. Implemented by [Engine] and used by repositories.
type Writer interface {
	Save(ctx context.Context, e model.Entity, op store.Op) error
	CanWrite(ctx context.Context, accountID string) error
	RefreshKind(ctx context.Context, kind model.Kind, accountID string) (Stats, error)
}
