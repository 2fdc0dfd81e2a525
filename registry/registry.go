// Package registry implements the process-wide board map (C11), grounded
// on the teacher's storage/database.go: a map protected by a single
// readers-writers lock, with the same publish-after-build discipline
// (build the object, then take the lock only to insert/remove it).
package registry

import (
	"context"
	"sync"

	"github.com/dc0d/onexit"

	"github.com/tilecanvas/engine/board"
	"github.com/tilecanvas/engine/clock"
)

// StoreFactory builds the board.Store a single board should use. Both
// store/memstore and store/sqlstore scope a Store instance to one board id
// (CreatePlacements/DeletePlacement carry no board id of their own), so the
// registry can't hand every board the same shared Store value the way a
// single shared *sql.DB can be reused underneath several scoped Stores —
// it asks the factory for a fresh, board-scoped Store each time it creates
// a board instead.
type StoreFactory func(boardID int64) (board.Store, error)

// Registry is a process-wide map of board id -> *board.Board (C11, §4.11).
type Registry struct {
	newStore StoreFactory
	clk      clock.Clock

	mu     sync.RWMutex
	boards map[int64]*board.Board
}

// New builds an empty Registry and installs an onexit hook (the same
// dc0d/onexit shutdown-registration pattern the teacher uses in
// storage/settings.go's InitSettings) that closes every board on process
// exit so pending placements flush and sockets close gracefully.
func New(newStore StoreFactory, clk clock.Clock) *Registry {
	r := &Registry{newStore: newStore, clk: clk, boards: make(map[int64]*board.Board)}
	onexit.Register(func() { r.CloseAll() })
	return r
}

// List returns a snapshot of registered board ids (§4.11's `list`).
func (r *Registry) List() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int64, 0, len(r.boards))
	for id := range r.boards {
		ids = append(ids, id)
	}
	return ids
}

// Get resolves a board id.
func (r *Registry) Get(id int64) (*board.Board, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.boards[id]
	return b, ok
}

// Create instantiates and publishes a new board (§4.11's `create`): the
// Board is built (which spawns its batched-persistence and hub tasks)
// before the registry lock is ever taken, matching the teacher's
// build-then-publish pattern in CreateDatabase.
func (r *Registry) Create(info board.Info, cfg board.Config) (*board.Board, error) {
	store, err := r.newStore(info.ID)
	if err != nil {
		return nil, err
	}
	b, err := board.New(info, cfg, store, r.clk)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	if _, exists := r.boards[info.ID]; exists {
		r.mu.Unlock()
		b.Close()
		return nil, errBoardExists
	}
	r.boards[info.ID] = b
	r.mu.Unlock()
	return b, nil
}

// Patch resolves id and applies delta via Board.UpdateInfo (§4.11's
// `patch`). If the shape changed, Board.UpdateInfo itself rebuilds the
// SectorCache; old sectors become unreachable and the evict-and-fill
// discipline (§4.4) handles correctness on next access.
func (r *Registry) Patch(ctx context.Context, id int64, delta board.UpdateInfoRequest) (board.Info, bool, error) {
	r.mu.RLock()
	b, ok := r.boards[id]
	r.mu.RUnlock()
	if !ok {
		return board.Info{}, false, nil
	}
	info, err := b.UpdateInfo(ctx, delta)
	return info, true, err
}

// Delete removes a board from the map then deletes it outside the map
// lock (§4.11's `delete`), so a slow Board.Delete (draining the
// persistence channel, closing every socket, purging persisted state)
// never blocks other registry lookups. Returns whatever error
// Board.Delete's store purge returned, if any; the board is removed from
// the registry either way.
func (r *Registry) Delete(ctx context.Context, id int64) (bool, error) {
	r.mu.Lock()
	b, ok := r.boards[id]
	if ok {
		delete(r.boards, id)
	}
	r.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, b.Delete(ctx)
}

// CloseAll closes every registered board, used by the onexit hook and by
// tests tearing down a Registry.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	boards := make([]*board.Board, 0, len(r.boards))
	for id, b := range r.boards {
		boards = append(boards, b)
		delete(r.boards, id)
	}
	r.mu.Unlock()
	for _, b := range boards {
		b.Close()
	}
}

var errBoardExists = &registryError{"board already exists"}

type registryError struct{ msg string }

func (e *registryError) Error() string { return "registry: " + e.msg }
