package board

import (
	"strconv"
	"sync"
	"time"
	"weak"

	"github.com/tilecanvas/engine/clock"
)

// DefaultHubTickrateHz is the coalescing interval when Config.DatabaseTickrateHz
// is unset (§4.9 ties the fan-out cadence to the same tickrate that governs
// batched persistence).
const DefaultHubTickrateHz = 10.0

// userConnections is the set of sockets currently attributed to one user
// id. The cooldown-timer task holds only a weak.Pointer to this struct
// (§9's design note: long-lived per-user timer tasks must not pin memory
// for users who have long since disconnected), so once RemoveSocket drops
// the last strong reference (hub.byUser's map entry) and the runtime
// reclaims it, the timer notices on its next fire and stops rescheduling
// itself instead of leaking forever.
type userConnections struct {
	mu      sync.Mutex
	sockets map[string]Subscriber
}

// SubscriptionHub fans board changes, notices, and per-user cooldown pings
// out to every connected Subscriber (C9, §4.9).
type SubscriptionHub struct {
	board *Board
	clk   clock.Clock

	mu                     sync.Mutex
	sockets                map[string]Subscriber
	byUser                 map[int64]*userConnections
	byBoardSubscriptionSet map[Subscription]map[string]Subscriber // registered full subset -> sockets

	pendingMu    sync.Mutex
	pendingKinds Subscription

	cooldownMu     sync.Mutex
	cooldownCancel map[int64]chan struct{} // user -> cancel token for its pending timer goroutine

	closeCh chan struct{}
	closed  bool
	wg      sync.WaitGroup
}

// NewSubscriptionHub builds a hub for board and starts its coalescing task.
func NewSubscriptionHub(b *Board, clk clock.Clock) *SubscriptionHub {
	h := &SubscriptionHub{
		board:                  b,
		clk:                    clk,
		sockets:                make(map[string]Subscriber),
		byUser:                 make(map[int64]*userConnections),
		byBoardSubscriptionSet: make(map[Subscription]map[string]Subscriber),
		cooldownCancel:         make(map[int64]chan struct{}),
		closeCh:                make(chan struct{}),
	}
	h.wg.Add(1)
	go h.runCoalesce()
	return h
}

// Insert registers a newly-handshaken socket, adding it to every index the
// fan-out path needs (§4.9's "a socket is indexed by its full subscription
// set, not bit by bit"). If initial is non-nil and the socket subscribes to
// Cooldown, initial is sent to it immediately and SetUserCooldown is armed
// for that user.
func (h *SubscriptionHub) Insert(s Subscriber, initial *CooldownInfo) {
	set := s.Subscriptions()

	h.mu.Lock()
	h.sockets[s.ID()] = s
	bucket := h.byBoardSubscriptionSet[set]
	if bucket == nil {
		bucket = make(map[string]Subscriber)
		h.byBoardSubscriptionSet[set] = bucket
	}
	bucket[s.ID()] = s

	var uc *userConnections
	if uid, ok := s.UserID(); ok {
		uc = h.byUser[uid]
		if uc == nil {
			uc = &userConnections{sockets: make(map[string]Subscriber)}
			h.byUser[uid] = uc
		}
	}
	h.mu.Unlock()

	if uc != nil {
		uc.mu.Lock()
		uc.sockets[s.ID()] = s
		uc.mu.Unlock()
	}

	if initial != nil && set.Has(SubCooldown) {
		s.Send(&PixelsAvailablePacket{Type: "pixels-available", Count: initial.PixelsAvailable})
		if uid, ok := s.UserID(); ok {
			h.SetUserCooldown(uid, *initial)
		}
	}
}

// Remove unregisters a socket from every index. It does not close the
// socket; callers close it themselves first (or it disconnected on its
// own), this only stops the hub from sending to it.
func (h *SubscriptionHub) Remove(s Subscriber) {
	id := s.ID()
	set := s.Subscriptions()

	h.mu.Lock()
	delete(h.sockets, id)
	if bucket := h.byBoardSubscriptionSet[set]; bucket != nil {
		delete(bucket, id)
		if len(bucket) == 0 {
			delete(h.byBoardSubscriptionSet, set)
		}
	}
	var uc *userConnections
	if uid, ok := s.UserID(); ok {
		uc = h.byUser[uid]
	}
	h.mu.Unlock()

	if uc == nil {
		return
	}
	uc.mu.Lock()
	delete(uc.sockets, id)
	empty := len(uc.sockets) == 0
	uc.mu.Unlock()

	if empty {
		if uid, ok := s.UserID(); ok {
			h.mu.Lock()
			if h.byUser[uid] == uc {
				delete(h.byUser, uid)
			}
			h.mu.Unlock()
			h.cancelCooldownTimer(uid)
		}
	}
}

// QueueBoardChange marks kind as dirty since the last flush; the
// coalescing task drains the actual byte-level deltas from the
// SectorCache itself, so this only needs to track which kinds changed.
func (h *SubscriptionHub) QueueBoardChange(kind BufferKind) {
	bit := kindToSubscription(kind)
	h.pendingMu.Lock()
	h.pendingKinds |= bit
	h.pendingMu.Unlock()
}

// QueueInfoChange marks the board's Info as dirty since the last flush,
// used by UpdateInfo (§4.8) so subscribers see a board-update packet
// carrying the new name/maxPixelsAvailable alongside whatever data kinds
// also changed that tick.
func (h *SubscriptionHub) QueueInfoChange() {
	h.pendingMu.Lock()
	h.pendingKinds |= SubInfo
	h.pendingMu.Unlock()
}

// ConnectedUsers returns a snapshot of every user id the hub currently has
// at least one socket for, used by UpdateInfo to re-arm cooldowns after
// MaxPixelsAvailable changes (§4.8).
func (h *SubscriptionHub) ConnectedUsers() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	users := make([]int64, 0, len(h.byUser))
	for uid := range h.byUser {
		users = append(users, uid)
	}
	return users
}

func kindToSubscription(kind BufferKind) Subscription {
	switch kind {
	case Colors:
		return SubDataColors
	case Timestamps:
		return SubDataTimestamps
	case Initial:
		return SubDataInitial
	case Mask:
		return SubDataMask
	default:
		return 0
	}
}

func subscriptionToKind(bit Subscription) (BufferKind, bool) {
	switch bit {
	case SubDataColors:
		return Colors, true
	case SubDataTimestamps:
		return Timestamps, true
	case SubDataInitial:
		return Initial, true
	case SubDataMask:
		return Mask, true
	default:
		return 0, false
	}
}

// runCoalesce periodically drains queued kind changes, pulls the actual
// byte deltas out of the SectorCache, and fans one packet per distinct
// subscribed subset out to every registered socket (§4.9, testable
// property 10: packet-build work is bounded by the number of distinct
// registered subscription subsets, not the number of sockets).
func (h *SubscriptionHub) runCoalesce() {
	defer h.wg.Done()
	hz := h.board.cfg.DatabaseTickrateHz
	if hz <= 0 {
		hz = DefaultHubTickrateHz
	}
	interval := time.Duration(float64(time.Second) / hz)
	for {
		select {
		case <-h.closeCh:
			return
		case <-h.clk.After(interval):
			h.flush()
		}
	}
}

func (h *SubscriptionHub) flush() {
	h.pendingMu.Lock()
	kinds := h.pendingKinds
	h.pendingKinds = 0
	h.pendingMu.Unlock()

	if kinds == 0 {
		return
	}

	payload := &DataPayload{}
	any := false
	for _, bit := range []Subscription{SubDataColors, SubDataTimestamps, SubDataInitial, SubDataMask} {
		if kinds&bit == 0 {
			continue
		}
		kind, _ := subscriptionToKind(bit)
		runs := h.board.sectorCache().DrainDeltas(kind)
		if len(runs) == 0 {
			continue
		}
		any = true
		switch kind {
		case Colors:
			payload.Colors = runs
		case Timestamps:
			payload.Timestamps = runs
		case Initial:
			payload.Initial = runs
		case Mask:
			payload.Mask = runs
		}
	}

	var info *InfoPayload
	if kinds.Has(SubInfo) {
		current := h.board.Info()
		info = &InfoPayload{Name: current.Name, MaxPixelsAvailable: current.MaxPixelsAvailable}
		any = true
	}

	if !any {
		return
	}

	h.buildAndSend(kinds, payload, info)
}

// buildAndSend implements build_combinations: for every distinct
// registered full subscription subset, it computes that subset's
// intersection with the dirty kinds, builds (and memoizes) one packet per
// distinct intersection value, then sends it to every socket sharing that
// subset.
func (h *SubscriptionHub) buildAndSend(kinds Subscription, full *DataPayload, info *InfoPayload) {
	h.mu.Lock()
	subsets := make([]Subscription, 0, len(h.byBoardSubscriptionSet))
	buckets := make(map[Subscription][]Subscriber, len(h.byBoardSubscriptionSet))
	for set, bucket := range h.byBoardSubscriptionSet {
		subsets = append(subsets, set)
		list := make([]Subscriber, 0, len(bucket))
		for _, s := range bucket {
			list = append(list, s)
		}
		buckets[set] = list
	}
	h.mu.Unlock()

	packetCache := make(map[Subscription]*BoardUpdatePacket)
	for _, set := range subsets {
		intersect := set.DataKinds() & kinds
		if intersect == 0 {
			continue
		}
		pkt, ok := packetCache[intersect]
		if !ok {
			pkt = buildPacketFor(intersect, full, info)
			packetCache[intersect] = pkt
		}
		for _, s := range buckets[set] {
			s.Send(pkt)
		}
	}
}

func buildPacketFor(intersect Subscription, full *DataPayload, info *InfoPayload) *BoardUpdatePacket {
	data := &DataPayload{}
	if intersect.Has(SubDataColors) {
		data.Colors = full.Colors
	}
	if intersect.Has(SubDataTimestamps) {
		data.Timestamps = full.Timestamps
	}
	if intersect.Has(SubDataInitial) {
		data.Initial = full.Initial
	}
	if intersect.Has(SubDataMask) {
		data.Mask = full.Mask
	}
	pkt := &BoardUpdatePacket{Type: "board-update"}
	if intersect&dataKindMask&^SubInfo != 0 {
		pkt.Data = data
	}
	if intersect.Has(SubInfo) && info != nil {
		pkt.Info = info
	}
	return pkt
}

// armCooldownTimer cancels whatever cooldown timer goroutine is currently
// scheduled for user, if any, and returns the token the newly-scheduled one
// should watch. This is what makes SetUserCooldown idempotent under rapid
// repeated calls (§5: "any set_user_cooldown cancels and replaces the
// previous timer", testable property 11) — without it, two placements
// landing back-to-back each arm their own timer and the earlier one still
// fires and pushes a stale packet.
func (h *SubscriptionHub) armCooldownTimer(user int64) chan struct{} {
	h.cooldownMu.Lock()
	defer h.cooldownMu.Unlock()
	if old, ok := h.cooldownCancel[user]; ok {
		close(old)
	}
	cancel := make(chan struct{})
	h.cooldownCancel[user] = cancel
	return cancel
}

// cancelCooldownTimer cancels user's pending timer goroutine, if any,
// without arming a replacement. Called once a user's last socket
// disconnects so the goroutine doesn't linger until its wait elapses.
func (h *SubscriptionHub) cancelCooldownTimer(user int64) {
	h.cooldownMu.Lock()
	if old, ok := h.cooldownCancel[user]; ok {
		close(old)
		delete(h.cooldownCancel, user)
	}
	h.cooldownMu.Unlock()
}

// SetUserCooldown pushes a pixels-available packet to every socket for
// user and, if pixels remain pending, arms a cancellable timer to push the
// next update when the nearest stack slot refills (§4.6's "push on
// change", §9's weak-reference design note). Every call first cancels
// whatever timer a previous call armed for this user, so only the latest
// one can ever fire.
func (h *SubscriptionHub) SetUserCooldown(user int64, info CooldownInfo) {
	h.mu.Lock()
	uc := h.byUser[user]
	h.mu.Unlock()
	if uc == nil {
		return
	}

	h.pushCooldown(uc, info)

	cancel := h.armCooldownTimer(user)

	wait, ok := info.NextIn(h.clk.Now())
	if !ok {
		return
	}
	weakUC := weak.Make(uc)
	timer := h.clk.After(wait)
	go func() {
		select {
		case <-h.closeCh:
			return
		case <-cancel:
			return
		case <-timer:
		}
		live := weakUC.Value()
		if live == nil {
			return
		}
		h.mu.Lock()
		stillRegistered := h.byUser[user] == live
		h.mu.Unlock()
		if !stillRegistered {
			return
		}
		boardNow := h.board.CurrentBoardTimestamp(h.clk.Now())
		next := h.board.cooldown.Get(user, boardNow)
		h.SetUserCooldown(user, next)
	}()
}

func (h *SubscriptionHub) pushCooldown(uc *userConnections, info CooldownInfo) {
	uc.mu.Lock()
	list := make([]Subscriber, 0, len(uc.sockets))
	for _, s := range uc.sockets {
		list = append(list, s)
	}
	uc.mu.Unlock()

	pkt := &PixelsAvailablePacket{Type: "pixels-available", Count: info.PixelsAvailable}
	if wait, ok := info.NextIn(h.clk.Now()); ok {
		t := h.clk.Now().Add(wait).Unix()
		pkt.Next = &t
	}
	for _, s := range list {
		if s.Subscriptions().Has(SubCooldown) {
			s.Send(pkt)
		}
	}
}

// QueueStatisticsUpdate pushes an immediate per-color stat update to every
// socket belonging to user that subscribed to Statistics. Unlike board
// data this is not coalesced: statistics updates are comparatively rare
// (one per placement, per user) so batching them buys nothing (§4.9).
func (h *SubscriptionHub) QueueStatisticsUpdate(user int64, count uint32, color byte) {
	h.mu.Lock()
	uc := h.byUser[user]
	h.mu.Unlock()
	if uc == nil {
		return
	}
	uc.mu.Lock()
	list := make([]Subscriber, 0, len(uc.sockets))
	for _, s := range uc.sockets {
		list = append(list, s)
	}
	uc.mu.Unlock()

	pkt := &StatsUpdatedPacket{Type: "board-stats-updated", Stats: map[byte]uint32{color: count}}
	for _, s := range list {
		if s.Subscriptions().Has(SubStatistics) {
			s.Send(pkt)
		}
	}
}

func (h *SubscriptionHub) broadcast(bit Subscription, build func() Packet) {
	h.mu.Lock()
	list := make([]Subscriber, 0, len(h.sockets))
	for _, s := range h.sockets {
		if s.Subscriptions().Has(bit) {
			list = append(list, s)
		}
	}
	h.mu.Unlock()
	if len(list) == 0 {
		return
	}
	pkt := build()
	for _, s := range list {
		s.Send(pkt)
	}
}

// SendNoticeCreated/Updated/Deleted broadcast to every SubNotices socket.
func (h *SubscriptionHub) SendNoticeCreated(n Notice) {
	h.broadcast(SubNotices, func() Packet { return &NoticeCreatedPacket{Type: "board-notice-created", Notice: n} })
}

func (h *SubscriptionHub) SendNoticeUpdated(n Notice) {
	h.broadcast(SubNotices, func() Packet { return &NoticeUpdatedPacket{Type: "board-notice-updated", Notice: n} })
}

func (h *SubscriptionHub) SendNoticeDeleted(id int64) {
	h.broadcast(SubNotices, func() Packet {
		return &NoticeDeletedPacket{Type: "board-notice-deleted", Notice: noticeURI(id)}
	})
}

func noticeURI(id int64) string {
	return "notice:" + strconv.FormatInt(id, 10)
}

// Close closes every registered socket with ServerClosing and stops the
// coalescing task (§4.8's delete contract).
func (h *SubscriptionHub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	list := make([]Subscriber, 0, len(h.sockets))
	for _, s := range h.sockets {
		list = append(list, s)
	}
	h.mu.Unlock()

	close(h.closeCh)
	h.wg.Wait()

	for _, s := range list {
		s.Close(CloseServerClosing)
	}
}
