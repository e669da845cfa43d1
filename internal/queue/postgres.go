package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/maltedev/allegro-price-monitor/internal/database"
	"github.com/maltedev/allegro-price-monitor/internal/models"
)

// TxPublisher records an event inside the transaction that finishes a task.
type TxPublisher interface {
	PublishWithTx(ctx context.Context, tx pgx.Tx, result *models.PriceCheckResult) error
}

// PostgresStore keeps the queue in Postgres. Claims rely on row locks, so any
// number of queue server replicas can share one database.
type PostgresStore struct {
	db        *database.DB
	publisher TxPublisher
}

func NewPostgresStore(db *database.DB, publisher TxPublisher) *PostgresStore {
	return &PostgresStore{db: db, publisher: publisher}
}

const taskColumns = `id, offer_id, title, my_price, status, created_at,
	claimed_at, claimed_by, completed_at, attempts, last_error`

func scanTask(row pgx.Row) (*models.PriceCheckTask, error) {
	var t models.PriceCheckTask
	err := row.Scan(
		&t.ID, &t.OfferID, &t.Title, &t.MyPrice, &t.Status, &t.CreatedAt,
		&t.ClaimedAt, &t.ClaimedBy, &t.CompletedAt, &t.Attempts, &t.LastError,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) Enqueue(ctx context.Context, task models.PriceCheckTask) (string, error) {
	var id string

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var status models.TaskStatus
		err := tx.QueryRow(ctx, `
			SELECT id, status FROM price_check_tasks
			WHERE offer_id = $1 AND status IN ('pending', 'processing')
			FOR UPDATE`, task.OfferID).Scan(&id, &status)

		switch {
		case err == nil:
			if status != models.TaskPending {
				return nil
			}
			_, err := tx.Exec(ctx,
				"UPDATE price_check_tasks SET title = $1, my_price = $2 WHERE id = $3",
				task.Title, task.MyPrice, id)
			return err
		case !errors.Is(err, pgx.ErrNoRows):
			return err
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO price_check_tasks (id, offer_id, title, my_price, status, created_at)
			VALUES ($1, $2, $3, $4, 'pending', $5)
			ON CONFLICT (offer_id) WHERE status IN ('pending', 'processing') DO NOTHING
			RETURNING id`,
			task.ID, task.OfferID, task.Title, task.MyPrice, task.CreatedAt,
		).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			// Another server inserted the same offer between our select and insert.
			return tx.QueryRow(ctx, `
				SELECT id FROM price_check_tasks
				WHERE offer_id = $1 AND status IN ('pending', 'processing')`,
				task.OfferID).Scan(&id)
		}
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}

	return id, nil
}

func (s *PostgresStore) Claim(ctx context.Context, workerID string, limit int, now time.Time) ([]models.PriceCheckTask, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE price_check_tasks
		SET status = 'processing', claimed_at = $1, claimed_by = $2, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM price_check_tasks
			WHERE status = 'pending'
			ORDER BY created_at, id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+taskColumns, now, workerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim tasks: %w", err)
	}
	defer rows.Close()

	claimed := []models.PriceCheckTask{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		claimed = append(claimed, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	// RETURNING does not keep the subquery order.
	sort.Slice(claimed, func(i, j int) bool {
		if !claimed[i].CreatedAt.Equal(claimed[j].CreatedAt) {
			return claimed[i].CreatedAt.Before(claimed[j].CreatedAt)
		}
		return claimed[i].ID < claimed[j].ID
	})
	return claimed, nil
}

func (s *PostgresStore) Submit(ctx context.Context, result *models.PriceCheckResult, maxAttempts int, now time.Time) (SubmitOutcome, error) {
	var outcome SubmitOutcome

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		task, err := scanTask(tx.QueryRow(ctx,
			"SELECT "+taskColumns+" FROM price_check_tasks WHERE id = $1 FOR UPDATE",
			result.TaskID))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrTaskNotFound
		}
		if err != nil {
			return err
		}

		outcome = resolve(task, result, maxAttempts, now)
		if outcome == OutcomeDuplicate {
			return nil
		}

		_, err = tx.Exec(ctx, `
			UPDATE price_check_tasks
			SET status = $1, claimed_at = $2, claimed_by = $3, completed_at = $4, last_error = $5
			WHERE id = $6`,
			task.Status, task.ClaimedAt, task.ClaimedBy, task.CompletedAt, task.LastError, task.ID)
		if err != nil {
			return fmt.Errorf("failed to update task: %w", err)
		}

		if outcome == OutcomeRequeued {
			return nil
		}

		if err := insertResult(ctx, tx, result); err != nil {
			return err
		}

		if s.publisher != nil {
			return s.publisher.PublishWithTx(ctx, tx, result)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return "", err
		}
		return "", fmt.Errorf("failed to submit result: %w", err)
	}

	return outcome, nil
}

func insertResult(ctx context.Context, tx pgx.Tx, result *models.PriceCheckResult) error {
	competitors, err := json.Marshal(result.Competitors)
	if err != nil {
		return fmt.Errorf("failed to marshal competitors: %w", err)
	}

	var cheapest []byte
	if result.Cheapest != nil {
		if cheapest, err = json.Marshal(result.Cheapest); err != nil {
			return fmt.Errorf("failed to marshal cheapest offer: %w", err)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO price_check_results (
			task_id, offer_id, my_price, cheapest, price_diff,
			competitor_count, total_offers_considered, competitors,
			checked_at, error, error_kind, engine, worker_id, strategy
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		result.TaskID, result.OfferID, result.MyPrice, cheapest, result.PriceDiff,
		result.CompetitorCount, result.TotalOffersConsidered, competitors,
		result.CheckedAt, result.Error, result.ErrorKind, result.Engine, result.WorkerID, result.Strategy,
	)
	if err != nil {
		return fmt.Errorf("failed to insert result: %w", err)
	}
	return nil
}

func (s *PostgresStore) RequeueExpired(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE price_check_tasks
		SET status = 'pending', claimed_at = NULL, claimed_by = '', last_error = 'claim expired'
		WHERE status = 'processing' AND claimed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue expired tasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Counts(ctx context.Context) (models.StatusCounts, error) {
	var counts models.StatusCounts

	rows, err := s.db.Query(ctx, "SELECT status, COUNT(*) FROM price_check_tasks GROUP BY status")
	if err != nil {
		return counts, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status models.TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return counts, fmt.Errorf("failed to scan count: %w", err)
		}
		switch status {
		case models.TaskPending:
			counts.Pending = n
		case models.TaskProcessing:
			counts.Processing = n
		case models.TaskDone:
			counts.Done = n
		case models.TaskError:
			counts.Errors = n
		}
	}
	return counts, rows.Err()
}

func (s *PostgresStore) Recent(ctx context.Context, since *time.Time, limit int) ([]models.PriceCheckResult, error) {
	rows, err := s.db.Query(ctx, `
		SELECT task_id, offer_id, my_price, cheapest, price_diff,
			competitor_count, total_offers_considered, competitors,
			checked_at, error, error_kind, engine, worker_id, strategy
		FROM price_check_results
		WHERE $1::timestamptz IS NULL OR checked_at >= $1
		ORDER BY checked_at DESC, id DESC
		LIMIT $2`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	results := []models.PriceCheckResult{}
	for rows.Next() {
		var r models.PriceCheckResult
		var cheapest, competitors []byte
		err := rows.Scan(
			&r.TaskID, &r.OfferID, &r.MyPrice, &cheapest, &r.PriceDiff,
			&r.CompetitorCount, &r.TotalOffersConsidered, &competitors,
			&r.CheckedAt, &r.Error, &r.ErrorKind, &r.Engine, &r.WorkerID, &r.Strategy,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		if len(cheapest) > 0 {
			r.Cheapest = &models.CompetitorOffer{}
			if err := json.Unmarshal(cheapest, r.Cheapest); err != nil {
				return nil, fmt.Errorf("failed to decode cheapest offer: %w", err)
			}
		}
		if err := json.Unmarshal(competitors, &r.Competitors); err != nil {
			return nil, fmt.Errorf("failed to decode competitors: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *PostgresStore) ExcludedSellers(ctx context.Context) ([]models.ExcludedSeller, error) {
	rows, err := s.db.Query(ctx,
		"SELECT name, reason, excluded_at FROM excluded_sellers ORDER BY lower(name)")
	if err != nil {
		return nil, fmt.Errorf("failed to query excluded sellers: %w", err)
	}
	defer rows.Close()

	sellers := []models.ExcludedSeller{}
	for rows.Next() {
		var seller models.ExcludedSeller
		if err := rows.Scan(&seller.Name, &seller.Reason, &seller.ExcludedAt); err != nil {
			return nil, fmt.Errorf("failed to scan seller: %w", err)
		}
		sellers = append(sellers, seller)
	}
	return sellers, rows.Err()
}

func (s *PostgresStore) ExcludeSeller(ctx context.Context, seller models.ExcludedSeller) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO excluded_sellers (name, reason, excluded_at) VALUES ($1, $2, $3)
		ON CONFLICT (lower(name)) DO UPDATE SET reason = EXCLUDED.reason`,
		seller.Name, seller.Reason, seller.ExcludedAt)
	if err != nil {
		return fmt.Errorf("failed to exclude seller: %w", err)
	}
	return nil
}

func (s *PostgresStore) IncludeSeller(ctx context.Context, name string) error {
	tag, err := s.db.Exec(ctx, "DELETE FROM excluded_sellers WHERE lower(name) = lower($1)", name)
	if err != nil {
		return fmt.Errorf("failed to include seller: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSellerNotFound
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}
