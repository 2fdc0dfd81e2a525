// Package memstore is an in-memory board.Store, grounded on the teacher's
// storage/database.go map-of-shards pattern but replacing its shard/column
// machinery with a single ordered index per board: a google/btree BTreeG
// keyed by (position, timestamp, id) lets StreamPlacements collect a
// position range without a full table scan (the collected rows are then
// sorted by (timestamp, id)), the same complexity tradeoff the teacher's shard index
// makes for its own range scans (storage/index.go).
//
// It is meant for development, tests, and small boards; store/sqlstore is
// the durable counterpart for production deployments.
package memstore

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/tilecanvas/engine/board"
)

type placementKey struct {
	position  uint64
	timestamp uint32
	id        int64
}

func lessKey(a, b placementKey) bool {
	if a.position != b.position {
		return a.position < b.position
	}
	if a.timestamp != b.timestamp {
		return a.timestamp < b.timestamp
	}
	return a.id < b.id
}

type placementRow struct {
	key    placementKey
	color  byte
	userID int64
}

type sectorRow struct {
	initial []byte
	mask    []byte
}

// Store is an in-memory board.Store implementation scoped to one board:
// registry.Create is expected to build one Store per Board, the same way a
// sqlstore instance would be handed one board's table namespace.
// GetSector/WriteSector*/StreamPlacements still take an explicit boardID
// (matching the board.Store interface, designed for backends that
// multiplex many boards in one table) but CreatePlacements/DeletePlacement
// don't carry one, so a single Store value resolves them against its own
// boardID.
type Store struct {
	mu sync.RWMutex

	boardID int64
	nextID  atomic.Int64

	sectors    map[boardSector]sectorRow
	placements map[int64]*btree.BTreeG[placementRow] // board -> ordered placements
	banned     map[int64]bool
}

type boardSector struct {
	board int64
	index uint64
}

// New builds an empty Store scoped to boardID.
func New(boardID int64) *Store {
	return &Store{
		boardID:    boardID,
		sectors:    make(map[boardSector]sectorRow),
		placements: make(map[int64]*btree.BTreeG[placementRow]),
		banned:     make(map[int64]bool),
	}
}

// Ban marks a user as banned, a test/admin convenience the HTTP layer
// would otherwise expose through a moderation endpoint.
func (s *Store) Ban(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.banned[userID] = true
}

func (s *Store) treeFor(boardID int64) *btree.BTreeG[placementRow] {
	t, ok := s.placements[boardID]
	if !ok {
		t = btree.NewG(32, func(a, b placementRow) bool { return lessKey(a.key, b.key) })
		s.placements[boardID] = t
	}
	return t
}

func (s *Store) GetSector(ctx context.Context, boardID int64, index uint64) (initial, mask []byte, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.sectors[boardSector{boardID, index}]
	if !ok {
		return nil, nil, false, nil
	}
	return append([]byte(nil), row.initial...), append([]byte(nil), row.mask...), true, nil
}

func (s *Store) CreateSector(ctx context.Context, boardID int64, index uint64, mask, initial []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sectors[boardSector{boardID, index}] = sectorRow{
		initial: append([]byte(nil), initial...),
		mask:    append([]byte(nil), mask...),
	}
	return nil
}

func (s *Store) WriteSectorInitial(ctx context.Context, boardID int64, index uint64, bytes []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.sectors[boardSector{boardID, index}]
	row.initial = append([]byte(nil), bytes...)
	s.sectors[boardSector{boardID, index}] = row
	return nil
}

func (s *Store) WriteSectorMask(ctx context.Context, boardID int64, index uint64, bytes []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.sectors[boardSector{boardID, index}]
	row.mask = append([]byte(nil), bytes...)
	s.sectors[boardSector{boardID, index}] = row
	return nil
}

// iterator walks a pre-collected, already-sorted slice; StreamPlacements
// doesn't hold the store lock across Next calls, matching the Store
// interface's streaming contract without a goroutine-per-call.
type iterator struct {
	rows []placementRow
	pos  int
}

func (it *iterator) Next(ctx context.Context) (board.PlacementRecord, bool, error) {
	if it.pos >= len(it.rows) {
		return board.PlacementRecord{}, false, nil
	}
	r := it.rows[it.pos]
	it.pos++
	return board.PlacementRecord{
		ID:        r.key.id,
		Position:  r.key.position,
		Color:     r.color,
		Timestamp: r.key.timestamp,
		UserID:    r.userID,
	}, true, nil
}

func (it *iterator) Close() error { return nil }

func (s *Store) StreamPlacements(ctx context.Context, boardID int64, posStart, posEnd uint64) (board.PlacementIterator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.placements[boardID]
	if !ok {
		return &iterator{}, nil
	}
	var rows []placementRow
	t.AscendRange(
		placementRow{key: placementKey{position: posStart}},
		placementRow{key: placementKey{position: posEnd}},
		func(r placementRow) bool {
			rows = append(rows, r)
			return true
		},
	)
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].key.timestamp != rows[j].key.timestamp {
			return rows[i].key.timestamp < rows[j].key.timestamp
		}
		return rows[i].key.id < rows[j].key.id
	})
	return &iterator{rows: rows}, nil
}

func (s *Store) CreatePlacements(ctx context.Context, batch []board.PendingPlacement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.treeFor(s.boardID)
	for _, p := range batch {
		id := s.nextID.Add(1)
		t.ReplaceOrInsert(placementRow{
			key:    placementKey{position: p.Position, timestamp: p.Timestamp, id: id},
			color:  p.Color,
			userID: p.UserID,
		})
	}
	return nil
}

func (s *Store) IsUserBanned(ctx context.Context, userID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.banned[userID], nil
}

func (s *Store) BeginTx(ctx context.Context) (board.Tx, error) {
	return &tx{store: s, boardID: s.boardID}, nil
}

// DeleteBoard purges every sector and placement stored for boardID.
// Filters on the boardSector/placements map keys, which are this board's
// own id, not anything column-shaped that could be mistaken for one.
func (s *Store) DeleteBoard(ctx context.Context, boardID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.sectors {
		if key.board == boardID {
			delete(s.sectors, key)
		}
	}
	delete(s.placements, boardID)
	return nil
}

type tx struct {
	store   *Store
	boardID int64
}

func (t *tx) GetTwoPlacements(ctx context.Context, boardID int64, position uint64) ([]board.PlacementRecord, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	tr, ok := t.store.placements[boardID]
	if !ok {
		return nil, nil
	}
	var rows []placementRow
	tr.AscendRange(
		placementRow{key: placementKey{position: position}},
		placementRow{key: placementKey{position: position + 1}},
		func(r placementRow) bool {
			rows = append(rows, r)
			return true
		},
	)
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].key.timestamp != rows[j].key.timestamp {
			return rows[i].key.timestamp > rows[j].key.timestamp
		}
		return rows[i].key.id > rows[j].key.id
	})
	if len(rows) > 2 {
		rows = rows[:2]
	}
	out := make([]board.PlacementRecord, len(rows))
	for i, r := range rows {
		out[i] = board.PlacementRecord{ID: r.key.id, Position: r.key.position, Color: r.color, Timestamp: r.key.timestamp, UserID: r.userID}
	}
	return out, nil
}

func (t *tx) DeletePlacement(ctx context.Context, id int64) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	tr, ok := t.store.placements[t.boardID]
	if !ok {
		return nil
	}
	var found *placementRow
	tr.Ascend(func(r placementRow) bool {
		if r.key.id == id {
			cp := r
			found = &cp
			return false
		}
		return true
	})
	if found != nil {
		tr.Delete(*found)
	}
	return nil
}

func (t *tx) Commit(ctx context.Context) error   { return nil }
func (t *tx) Rollback(ctx context.Context) error { return nil }
