// Package sqlstore is the durable board.Store backed by a SQL database,
// grounded on the teacher's storage/mysql_import.go (database/sql +
// go-sql-driver/mysql blank import, context-scoped queries). It adds
// lib/pq as an alternative driver selected by config.StoreDriver, since
// the engine has no reason to hard-depend on one vendor's wire protocol
// the way the teacher's importer does.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"

	"github.com/tilecanvas/engine/board"
)

// Store is a board.Store scoped to one board id, backed by shared
// `sectors` and `placements` tables keyed by board id the way the
// teacher's schema keys everything by (database, table) pairs.
type Store struct {
	db      *sql.DB
	boardID int64
}

// Open connects using driver ("mysql" or "postgres") and dsn, and returns
// a Store scoped to boardID. Each call opens its own *sql.DB connection
// pool; WithDB builds a Store on an existing *sql.DB, so several boards
// can share one pool.
func Open(driver, dsn string, boardID int64) (*Store, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	return &Store{db: db, boardID: boardID}, nil
}

// WithDB wraps an already-open *sql.DB, for callers sharing one pool
// across many boards.
func WithDB(db *sql.DB, boardID int64) *Store {
	return &Store{db: db, boardID: boardID}
}

func (s *Store) GetSector(ctx context.Context, boardID int64, index uint64) (initial, mask []byte, ok bool, err error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT initial_bytes, mask_bytes FROM sectors WHERE board = ? AND idx = ?`,
		boardID, index)
	if err := row.Scan(&initial, &mask); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, false, nil
		}
		return nil, nil, false, fmt.Errorf("sqlstore: GetSector: %w", err)
	}
	return initial, mask, true, nil
}

func (s *Store) CreateSector(ctx context.Context, boardID int64, index uint64, mask, initial []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sectors (board, idx, mask_bytes, initial_bytes) VALUES (?, ?, ?, ?)`,
		boardID, index, mask, initial)
	if err != nil {
		return fmt.Errorf("sqlstore: CreateSector: %w", err)
	}
	return nil
}

func (s *Store) WriteSectorInitial(ctx context.Context, boardID int64, index uint64, bytes []byte) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sectors SET initial_bytes = ? WHERE board = ? AND idx = ?`, bytes, boardID, index)
	if err != nil {
		return fmt.Errorf("sqlstore: WriteSectorInitial: %w", err)
	}
	return nil
}

func (s *Store) WriteSectorMask(ctx context.Context, boardID int64, index uint64, bytes []byte) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sectors SET mask_bytes = ? WHERE board = ? AND idx = ?`, bytes, boardID, index)
	if err != nil {
		return fmt.Errorf("sqlstore: WriteSectorMask: %w", err)
	}
	return nil
}

type rowsIterator struct {
	rows *sql.Rows
}

func (it *rowsIterator) Next(ctx context.Context) (board.PlacementRecord, bool, error) {
	if !it.rows.Next() {
		return board.PlacementRecord{}, false, it.rows.Err()
	}
	var rec board.PlacementRecord
	if err := it.rows.Scan(&rec.ID, &rec.Position, &rec.Color, &rec.Timestamp, &rec.UserID); err != nil {
		return board.PlacementRecord{}, false, fmt.Errorf("sqlstore: scan placement: %w", err)
	}
	return rec, true, nil
}

func (it *rowsIterator) Close() error { return it.rows.Close() }

func (s *Store) StreamPlacements(ctx context.Context, boardID int64, posStart, posEnd uint64) (board.PlacementIterator, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, position, color, timestamp, user_id FROM placements
		 WHERE board = ? AND position >= ? AND position < ? AND deleted = 0
		 ORDER BY timestamp ASC, id ASC`,
		boardID, posStart, posEnd)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: StreamPlacements: %w", err)
	}
	return &rowsIterator{rows: rows}, nil
}

func (s *Store) CreatePlacements(ctx context.Context, batch []board.PendingPlacement) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: CreatePlacements begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO placements (board, position, color, timestamp, user_id, deleted) VALUES (?, ?, ?, ?, ?, 0)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("sqlstore: CreatePlacements prepare: %w", err)
	}
	defer stmt.Close()
	for _, p := range batch {
		if _, err := stmt.ExecContext(ctx, s.boardID, p.Position, p.Color, p.Timestamp, p.UserID); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sqlstore: CreatePlacements insert: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlstore: CreatePlacements commit: %w", err)
	}
	return nil
}

func (s *Store) IsUserBanned(ctx context.Context, userID int64) (bool, error) {
	var banned bool
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM bans WHERE user_id = ?`, userID).Scan(&banned)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlstore: IsUserBanned: %w", err)
	}
	return true, nil
}

func (s *Store) BeginTx(ctx context.Context) (board.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: BeginTx: %w", err)
	}
	return &sqlTx{tx: tx, boardID: s.boardID}, nil
}

type sqlTx struct {
	tx      *sql.Tx
	boardID int64
}

func (t *sqlTx) GetTwoPlacements(ctx context.Context, boardID int64, position uint64) ([]board.PlacementRecord, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id, position, color, timestamp, user_id FROM placements
		 WHERE board = ? AND position = ? AND deleted = 0
		 ORDER BY timestamp DESC, id DESC LIMIT 2`,
		boardID, position)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: GetTwoPlacements: %w", err)
	}
	defer rows.Close()
	var out []board.PlacementRecord
	for rows.Next() {
		var rec board.PlacementRecord
		if err := rows.Scan(&rec.ID, &rec.Position, &rec.Color, &rec.Timestamp, &rec.UserID); err != nil {
			return nil, fmt.Errorf("sqlstore: GetTwoPlacements scan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (t *sqlTx) DeletePlacement(ctx context.Context, id int64) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE placements SET deleted = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlstore: DeletePlacement: %w", err)
	}
	return nil
}

func (t *sqlTx) Commit(ctx context.Context) error   { return t.tx.Commit() }
func (t *sqlTx) Rollback(ctx context.Context) error { return t.tx.Rollback() }

// DeleteBoard purges every row belonging to boardID from both tables.
// Filters on the `board` column (the foreign key to the board's own
// primary key) in both statements — not on `color`, which is a per-cell
// value with no relation to board identity and must never be confused
// for the board-scoping column here.
func (s *Store) DeleteBoard(ctx context.Context, boardID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: DeleteBoard begin: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM placements WHERE board = ?`, boardID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("sqlstore: DeleteBoard placements: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sectors WHERE board = ?`, boardID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("sqlstore: DeleteBoard sectors: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlstore: DeleteBoard commit: %w", err)
	}
	return nil
}
