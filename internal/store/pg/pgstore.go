// Package pg is the durable Store over Postgres. Conditional updates use
// the version column, so the exactly-one-winner guarantee survives any
// number of engine instances sharing one database.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"quotana.org/internal/race"
)

type Store struct {
	db *sql.DB
}

var _ race.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle; used by tests with sqlmock.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

const rfqColumns = `id, buyer_id, org_id, rfq_type, title, spec, budget, deadline,
	status, urgency, holder_id, hold_expires_at, awarded_to, race_opens_at, created_at, version`

func (s *Store) CreateRFQ(ctx context.Context, rfq race.RFQ) error {
	spec, budget, err := encodeSpecs(rfq)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		insert into rfqs(`+rfqColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,nullif($11,''),$12,nullif($13,''),$14,$15,$16)
		on conflict (id) do nothing
	`, rfq.ID, rfq.BuyerID, rfq.OrgID, rfq.Type, rfq.Title, spec, budget, rfq.Deadline,
		rfq.Status, rfq.Urgency, rfq.HolderID, rfq.HoldExpires, rfq.AwardedTo,
		rfq.RaceOpensAt, rfq.CreatedAt, rfq.Version)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return race.ErrAlreadyExists
	}
	return nil
}

func (s *Store) GetRFQ(ctx context.Context, id string) (race.RFQ, error) {
	row := s.db.QueryRowContext(ctx, `select `+rfqColumns+` from rfqs where id=$1`, id)
	return scanRFQ(row)
}

// UpdateRFQ is the conditional write: the update lands only when the
// stored version still matches the snapshot's. A concurrent writer makes
// the row count zero, which surfaces as ErrVersionConflict.
func (s *Store) UpdateRFQ(ctx context.Context, rfq race.RFQ) (race.RFQ, error) {
	spec, budget, err := encodeSpecs(rfq)
	if err != nil {
		return race.RFQ{}, err
	}
	res, err := s.db.ExecContext(ctx, `
		update rfqs set
			spec=$3, budget=$4, deadline=$5, status=$6, urgency=$7,
			holder_id=nullif($8,''), hold_expires_at=$9, awarded_to=nullif($10,''),
			race_opens_at=$11, version=version+1
		where id=$1 and version=$2
	`, rfq.ID, rfq.Version, spec, budget, rfq.Deadline, rfq.Status, rfq.Urgency,
		rfq.HolderID, rfq.HoldExpires, rfq.AwardedTo, rfq.RaceOpensAt)
	if err != nil {
		return race.RFQ{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return race.RFQ{}, err
	}
	if n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `select exists(select 1 from rfqs where id=$1)`, rfq.ID).Scan(&exists); err != nil {
			return race.RFQ{}, err
		}
		if !exists {
			return race.RFQ{}, race.ErrNotFound
		}
		return race.RFQ{}, race.ErrVersionConflict
	}
	rfq.Version++
	return rfq, nil
}

func (s *Store) ReplaceBroadcasts(ctx context.Context, rfqID string, rows []race.Broadcast) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var delivered int
	if err := tx.QueryRowContext(ctx, `
		select count(*) from rfq_broadcasts where rfq_id=$1 and delivered_at is not null
	`, rfqID).Scan(&delivered); err != nil {
		return err
	}
	if delivered > 0 {
		// The schedule is frozen once any supplier has seen the RFQ.
		return nil
	}

	if _, err := tx.ExecContext(ctx, `delete from rfq_broadcasts where rfq_id=$1`, rfqID); err != nil {
		return err
	}
	for _, b := range rows {
		if _, err := tx.ExecContext(ctx, `
			insert into rfq_broadcasts(rfq_id, supplier_id, scheduled_at)
			values ($1,$2,$3)
		`, rfqID, b.SupplierID, b.ScheduledAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) ListBroadcasts(ctx context.Context, rfqID string) ([]race.Broadcast, error) {
	rows, err := s.db.QueryContext(ctx, `
		select rfq_id, supplier_id, scheduled_at, delivered_at, viewed_at
		from rfq_broadcasts where rfq_id=$1 order by scheduled_at, supplier_id
	`, rfqID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []race.Broadcast
	for rows.Next() {
		var b race.Broadcast
		var delivered, viewed sql.NullTime
		if err := rows.Scan(&b.RFQID, &b.SupplierID, &b.ScheduledAt, &delivered, &viewed); err != nil {
			return nil, err
		}
		if delivered.Valid {
			t := delivered.Time
			b.DeliveredAt = &t
		}
		if viewed.Valid {
			t := viewed.Time
			b.ViewedAt = &t
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) GetBroadcast(ctx context.Context, rfqID, supplierID string) (race.Broadcast, error) {
	var b race.Broadcast
	var delivered, viewed sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		select rfq_id, supplier_id, scheduled_at, delivered_at, viewed_at
		from rfq_broadcasts where rfq_id=$1 and supplier_id=$2
	`, rfqID, supplierID).Scan(&b.RFQID, &b.SupplierID, &b.ScheduledAt, &delivered, &viewed)
	if errors.Is(err, sql.ErrNoRows) {
		return race.Broadcast{}, race.ErrNotFound
	}
	if err != nil {
		return race.Broadcast{}, err
	}
	if delivered.Valid {
		t := delivered.Time
		b.DeliveredAt = &t
	}
	if viewed.Valid {
		t := viewed.Time
		b.ViewedAt = &t
	}
	return b, nil
}

func (s *Store) MarkDelivered(ctx context.Context, rfqID, supplierID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update rfq_broadcasts set delivered_at = coalesce(delivered_at, $3)
		where rfq_id=$1 and supplier_id=$2
	`, rfqID, supplierID, at)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return race.ErrNotFound
	}
	return nil
}

func (s *Store) AppendResponse(ctx context.Context, resp race.Response) error {
	var price any
	if resp.QuotedPrice != nil {
		b, err := json.Marshal(resp.QuotedPrice)
		if err != nil {
			return err
		}
		price = b
	}
	_, err := s.db.ExecContext(ctx, `
		insert into rfq_responses(id, rfq_id, supplier_id, response_type, quoted_price, message, created_at)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, resp.ID, resp.RFQID, resp.SupplierID, resp.Type, price, resp.Message, resp.CreatedAt)
	return err
}

func (s *Store) ListResponses(ctx context.Context, rfqID string) ([]race.Response, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, rfq_id, supplier_id, response_type, quoted_price, message, created_at
		from rfq_responses where rfq_id=$1 order by created_at, id
	`, rfqID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []race.Response
	for rows.Next() {
		var r race.Response
		var price []byte
		if err := rows.Scan(&r.ID, &r.RFQID, &r.SupplierID, &r.Type, &price, &r.Message, &r.CreatedAt); err != nil {
			return nil, err
		}
		if len(price) > 0 {
			var m race.Money
			if err := json.Unmarshal(price, &m); err != nil {
				return nil, fmt.Errorf("response %s: decode quoted_price: %w", r.ID, err)
			}
			r.QuotedPrice = &m
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) ExpiredHolds(ctx context.Context, now time.Time, limit int) ([]race.RFQ, error) {
	return s.listExpired(ctx, `
		select `+rfqColumns+` from rfqs
		where status=$1 and hold_expires_at is not null and hold_expires_at <= $2
		order by id limit $3
	`, race.StatusPriorityHold, now, limit)
}

// ExpiredDeadlines also matches races still stored open whose window has
// been reached: a race with zero responses is never promoted lazily, and
// it must not outlive its deadline just because nobody touched it.
func (s *Store) ExpiredDeadlines(ctx context.Context, now time.Time, limit int) ([]race.RFQ, error) {
	return s.listExpired(ctx, `
		select `+rfqColumns+` from rfqs
		where deadline is not null and deadline <= $3
		  and (status=$1 or (status=$2 and race_opens_at is not null and race_opens_at <= $3))
		order by id limit $4
	`, race.StatusBidding, race.StatusOpen, now, limit)
}

func (s *Store) listExpired(ctx context.Context, query string, args ...any) ([]race.RFQ, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []race.RFQ
	for rows.Next() {
		rfq, err := scanRFQ(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rfq)
	}
	return out, rows.Err()
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRFQ(row rowScanner) (race.RFQ, error) {
	var (
		rfq                    race.RFQ
		spec, budget           []byte
		orgID, holder, awarded sql.NullString
		deadline, holdExpires  sql.NullTime
		opensAt                sql.NullTime
	)
	err := row.Scan(&rfq.ID, &rfq.BuyerID, &orgID, &rfq.Type, &rfq.Title, &spec, &budget,
		&deadline, &rfq.Status, &rfq.Urgency, &holder, &holdExpires, &awarded,
		&opensAt, &rfq.CreatedAt, &rfq.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return race.RFQ{}, race.ErrNotFound
	}
	if err != nil {
		return race.RFQ{}, err
	}
	rfq.OrgID = orgID.String
	rfq.HolderID = holder.String
	rfq.AwardedTo = awarded.String
	if deadline.Valid {
		t := deadline.Time
		rfq.Deadline = &t
	}
	if holdExpires.Valid {
		t := holdExpires.Time
		rfq.HoldExpires = &t
	}
	if opensAt.Valid {
		t := opensAt.Time
		rfq.RaceOpensAt = &t
	}
	if len(spec) > 0 {
		if err := json.Unmarshal(spec, &rfq.Spec); err != nil {
			return race.RFQ{}, fmt.Errorf("rfq %s: decode spec: %w", rfq.ID, err)
		}
	}
	if len(budget) > 0 {
		var b race.BudgetRange
		if err := json.Unmarshal(budget, &b); err != nil {
			return race.RFQ{}, fmt.Errorf("rfq %s: decode budget: %w", rfq.ID, err)
		}
		rfq.Budget = &b
	}
	return rfq, nil
}

func encodeSpecs(rfq race.RFQ) ([]byte, any, error) {
	spec, err := json.Marshal(rfq.Spec)
	if err != nil {
		return nil, nil, err
	}
	var budget any
	if rfq.Budget != nil {
		b, err := json.Marshal(rfq.Budget)
		if err != nil {
			return nil, nil, err
		}
		budget = b
	}
	return spec, budget, nil
}
