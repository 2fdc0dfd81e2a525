package board

import "context"

// PlacementRecord is one durable placement as read back from the Store.
type PlacementRecord struct {
	ID        int64
	Position  uint64
	Color     byte
	Timestamp uint32
	UserID    int64
}

// PendingPlacement is queued on the batched-persistence channel (§4.3
// Data Model, §4.7.4) for a bulk insert.
type PendingPlacement struct {
	Position  uint64
	Color     byte
	Timestamp uint32
	UserID    int64
}

// Store is the durable-persistence contract the engine requires (§6). HTTP
// routing, auth, schema migrations and the raw DB driver live behind this
// interface and outside the engine's concern.
type Store interface {
	// GetSector returns the persisted initial/mask bytes for a sector, or
	// ok=false if the sector has never been created.
	GetSector(ctx context.Context, boardID int64, index uint64) (initial, mask []byte, ok bool, err error)
	// CreateSector persists a brand-new sector's initial/mask bytes.
	CreateSector(ctx context.Context, boardID int64, index uint64, mask, initial []byte) error
	WriteSectorInitial(ctx context.Context, boardID int64, index uint64, bytes []byte) error
	WriteSectorMask(ctx context.Context, boardID int64, index uint64, bytes []byte) error

	// StreamPlacements yields every non-undone placement within
	// [posStart, posEnd) in ascending (timestamp, id) order, per §4.3's
	// load contract.
	StreamPlacements(ctx context.Context, boardID int64, posStart, posEnd uint64) (PlacementIterator, error)

	// CreatePlacements performs one atomic bulk insert (§4.7.4).
	CreatePlacements(ctx context.Context, batch []PendingPlacement) error

	IsUserBanned(ctx context.Context, userID int64) (bool, error)

	// BeginTx opens a transaction scoped to the undo path (§4.7.3): it
	// must see a consistent two-placement view for GetTwoPlacements.
	BeginTx(ctx context.Context) (Tx, error)

	// DeleteBoard purges every sector and placement persisted for
	// boardID. Implementations must filter on the board's own primary
	// key column, not on any column that merely happens to be named
	// similarly (a board's color/palette columns are a different thing
	// entirely) — a past implementation of this exact operation filtered
	// on the wrong column and silently deleted the wrong rows.
	DeleteBoard(ctx context.Context, boardID int64) error
}

// PlacementIterator streams placements without forcing the whole range
// into memory; Next returns ok=false once exhausted.
type PlacementIterator interface {
	Next(ctx context.Context) (rec PlacementRecord, ok bool, err error)
	Close() error
}

// Tx scopes the undo path's read-two/delete-one sequence (§4.7.3 steps
// 4-8) to a single store transaction.
type Tx interface {
	// GetTwoPlacements returns the two most recent (by descending
	// (timestamp,id)) placements at position, newest first.
	GetTwoPlacements(ctx context.Context, boardID int64, position uint64) ([]PlacementRecord, error)
	DeletePlacement(ctx context.Context, id int64) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
