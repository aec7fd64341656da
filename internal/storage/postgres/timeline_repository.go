package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

type timelineRepository struct {
	db *sql.DB
}

// NewTimelineRepository создаёт PostgreSQL-реализацию TimelineRepository.
func NewTimelineRepository(store *Store) domain.TimelineRepository {
	return &timelineRepository{db: store.DB()}
}

func (r *timelineRepository) Append(event domain.TimelineEvent) error {
	ctx, cancel := withOpTimeout(context.Background())
	defer cancel()

	if event.Occurred.IsZero() {
		event.Occurred = time.Now()
	}

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO payment_timeline (payment_id, type, from_status, to_status, reason, occurred)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, event.PaymentID, event.Type, string(event.FromStatus), string(event.ToStatus), event.Reason, event.Occurred.UTC()); err != nil {
		return domain.StorageFailure("timeline.append", err)
	}
	return nil
}

func (r *timelineRepository) List(paymentID string) ([]domain.TimelineEvent, error) {
	ctx, cancel := withOpTimeout(context.Background())
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT payment_id, type, from_status, to_status, reason, occurred
		FROM payment_timeline
		WHERE payment_id = $1
		ORDER BY occurred ASC, id ASC
	`, paymentID)
	if err != nil {
		return nil, domain.StorageFailure("timeline.list", err)
	}
	defer rows.Close()

	events := make([]domain.TimelineEvent, 0)
	for rows.Next() {
		var (
			event    domain.TimelineEvent
			from, to string
		)
		if err := rows.Scan(&event.PaymentID, &event.Type, &from, &to, &event.Reason, &event.Occurred); err != nil {
			return nil, domain.StorageFailure("timeline.list", err)
		}
		event.FromStatus = domain.PaymentStatus(from)
		event.ToStatus = domain.PaymentStatus(to)
		event.Occurred = event.Occurred.UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.StorageFailure("timeline.list", err)
	}
	return events, nil
}

var _ domain.TimelineRepository = (*timelineRepository)(nil)
