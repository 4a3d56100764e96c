package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const fetchPendingOutbox = `-- name: FetchPendingOutbox :many
SELECT id, event_id, topic, key, payload, created_at, sent_at
FROM outbox
WHERE sent_at IS NULL
ORDER BY id
LIMIT $1
FOR UPDATE SKIP LOCKED
`

func (q *Queries) FetchPendingOutbox(ctx context.Context, limit int32) ([]Outbox, error) {
	rows, err := q.db.Query(ctx, fetchPendingOutbox, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Outbox
	for rows.Next() {
		var i Outbox
		if err := rows.Scan(
			&i.ID,
			&i.EventID,
			&i.Topic,
			&i.Key,
			&i.Payload,
			&i.CreatedAt,
			&i.SentAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const insertOutboxEvent = `-- name: InsertOutboxEvent :exec
INSERT INTO outbox (event_id, topic, key, payload)
VALUES ($1, $2, $3, $4)
`

type InsertOutboxEventParams struct {
	EventID pgtype.UUID `json:"event_id"`
	Topic   string      `json:"topic"`
	Key     string      `json:"key"`
	Payload []byte      `json:"payload"`
}

func (q *Queries) InsertOutboxEvent(ctx context.Context, arg InsertOutboxEventParams) error {
	_, err := q.db.Exec(ctx, insertOutboxEvent,
		arg.EventID,
		arg.Topic,
		arg.Key,
		arg.Payload,
	)
	return err
}

const markOutboxSent = `-- name: MarkOutboxSent :exec
UPDATE outbox SET sent_at = now() WHERE id = ANY($1::bigint[])
`

func (q *Queries) MarkOutboxSent(ctx context.Context, ids []int64) error {
	_, err := q.db.Exec(ctx, markOutboxSent, ids)
	return err
}
