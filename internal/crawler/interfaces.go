package crawler

import (
	"context"
	"time"
)

// Fetcher issues one API call for a family and its params.
type Fetcher interface {
	Fetch(ctx context.Context, family Family, params Params) (Response, error)
}

// DocumentStore persists documents keyed by their unique provider id.
type DocumentStore interface {
	// InsertMany inserts docs, skipping ids already present; duplicates yield an ErrDuplicate-wrapped error
	// after the remaining documents are written.
	InsertMany(ctx context.Context, collection string, docs []Document) error
	FindOne(ctx context.Context, collection string, filter Filter) (Document, error)
	Find(ctx context.Context, collection string, filter Filter) ([]Document, error)
	UpdateSet(ctx context.Context, collection string, id string, fields map[string]any) error
	// PushUnique appends value to the array field with set semantics.
	PushUnique(ctx context.Context, collection string, id string, field string, value string) error
}

// Notifier delivers operator notifications. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifyGuard decides whether a notification keyed by key may be sent.
type NotifyGuard interface {
	Acquire(ctx context.Context, key string) (bool, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Hasher produces stable digests for content-addressed archive keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Queue provides enqueue/dequeue semantics for pool jobs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Limiter throttles calls shared by all loops of one family.
type Limiter interface {
	Wait(ctx context.Context, family Family) error
}

// Clock returns the current time and sleeps (useful for testing).
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx ends, returning ctx.Err() in the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}
