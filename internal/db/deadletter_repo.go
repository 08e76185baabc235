package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/klauspost/compress/zstd"

	"courier/internal/types"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

const deadLetterColumns = `id, notification_id, correlation_id, notification_type,
	retry_count, reason, error, payload_zstd, failed_at, archived_at`

// DeadLetterRepository stores dead letters in the dead_letters table. Message
// payloads are zstd-compressed at rest.
type DeadLetterRepository struct {
	db DBTX

	encoder     *zstd.Encoder
	decoderPool sync.Pool
}

// NewDeadLetterRepository creates a repository backed by db.
func NewDeadLetterRepository(db DBTX) *DeadLetterRepository {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		// Only fails on invalid options.
		panic(fmt.Sprintf("failed to create zstd encoder: %v", err))
	}
	return &DeadLetterRepository{
		db:      db,
		encoder: enc,
		decoderPool: sync.Pool{
			New: func() any {
				d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
				if err != nil {
					panic(fmt.Sprintf("failed to create zstd decoder: %v", err))
				}
				return d
			},
		},
	}
}

// Insert archives rec. Re-archiving an existing id is a no-op so redelivered
// failed.queue messages do not duplicate rows.
func (r *DeadLetterRepository) Insert(ctx context.Context, rec types.ArchivedDeadLetter) error {
	payload := r.encoder.EncodeAll(rec.Message, nil)

	_, err := r.db.Exec(ctx,
		`INSERT INTO dead_letters
		 (id, notification_id, correlation_id, notification_type, retry_count,
		  reason, error, payload_zstd, failed_at, archived_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO NOTHING`,
		rec.ID,
		nilIfEmpty(rec.NotificationID),
		nilIfEmpty(rec.CorrelationID),
		nilIfEmpty(string(rec.Type)),
		rec.RetryCount,
		nilIfEmpty(rec.Reason),
		rec.Error,
		payload,
		rec.FailedAt,
		rec.ArchivedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to archive dead letter", err)
	}
	return nil
}

// Get returns the archived record with id.
func (r *DeadLetterRepository) Get(ctx context.Context, id string) (*types.ArchivedDeadLetter, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = $1`, id)

	rec, err := r.scan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundDeadLetter, "dead letter not found", err)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns archived records newest first. The returned cursor is empty on
// the last page.
func (r *DeadLetterRepository) List(ctx context.Context, filter types.DeadLetterFilter) ([]*types.ArchivedDeadLetter, string, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	var conditions []string
	var args []any
	argIdx := 1

	if filter.Type != "" {
		conditions = append(conditions, fmt.Sprintf("notification_type = $%d", argIdx))
		args = append(args, string(filter.Type))
		argIdx++
	}
	if filter.Reason != "" {
		conditions = append(conditions, fmt.Sprintf("reason = $%d", argIdx))
		args = append(args, filter.Reason)
		argIdx++
	}
	if filter.Cursor != "" {
		cursorTime, err := time.Parse(time.RFC3339Nano, filter.Cursor)
		if err != nil {
			return nil, "", types.NewAppError(
				types.ErrCodeValidationInvalidField,
				"invalid cursor format; expected RFC3339 timestamp",
				err,
			)
		}
		conditions = append(conditions, fmt.Sprintf("archived_at < $%d", argIdx))
		args = append(args, cursorTime)
		argIdx++
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	query := fmt.Sprintf(
		`SELECT %s FROM dead_letters %s ORDER BY archived_at DESC, id DESC LIMIT $%d`,
		deadLetterColumns, whereClause, argIdx,
	)
	args = append(args, limit+1)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, "", types.NewAppError(types.ErrCodeInternalDB, "failed to list dead letters", err)
	}
	defer rows.Close()

	results := make([]*types.ArchivedDeadLetter, 0, limit)
	for rows.Next() {
		rec, err := r.scan(rows)
		if err != nil {
			return nil, "", err
		}
		results = append(results, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, "", types.NewAppError(types.ErrCodeInternalDB, "error iterating dead letter rows", err)
	}

	var next string
	if len(results) > limit {
		results = results[:limit]
		next = results[limit-1].ArchivedAt.UTC().Format(time.RFC3339Nano)
	}
	return results, next, nil
}

func (r *DeadLetterRepository) scan(row pgx.Row) (*types.ArchivedDeadLetter, error) {
	var (
		rec            types.ArchivedDeadLetter
		notificationID *string
		correlationID  *string
		notifType      *string
		reason         *string
		payload        []byte
	)
	err := row.Scan(&rec.ID, &notificationID, &correlationID, &notifType,
		&rec.RetryCount, &reason, &rec.Error, &payload, &rec.FailedAt, &rec.ArchivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan dead letter row", err)
	}

	rec.NotificationID = deref(notificationID)
	rec.CorrelationID = deref(correlationID)
	rec.Type = types.NotificationType(deref(notifType))
	rec.Reason = deref(reason)

	msg, err := r.decompress(payload)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to decompress dead letter payload", err)
	}
	rec.Message = msg
	return &rec, nil
}

func (r *DeadLetterRepository) decompress(data []byte) ([]byte, error) {
	decoder := r.decoderPool.Get().(*zstd.Decoder)
	defer r.decoderPool.Put(decoder)

	out, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompression failed: %w", err)
	}
	return out, nil
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
