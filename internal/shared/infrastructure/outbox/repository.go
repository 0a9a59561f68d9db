package outbox

import (
	"context"
	"time"
)

// Repository persists outbox messages. SaveBatch joins the transaction in
// ctx so events commit together with the aggregate that raised them.
type Repository interface {
	SaveBatch(ctx context.Context, msgs []*Message) error
	GetUnpublished(ctx context.Context, limit int) ([]*Message, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, err string, nextRetryAt time.Time) error
	MarkDead(ctx context.Context, id int64, reason string) error
	DeleteOld(ctx context.Context, olderThan time.Duration) (int64, error)
}
