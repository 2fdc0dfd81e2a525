package board

import (
	"sync"
	"testing"
	"time"
)

// fakeSubscriber is a minimal board.Subscriber test double: it records
// every packet sent to it instead of writing to a real connection.
type fakeSubscriber struct {
	id   string
	uid  int64
	hasU bool
	sub  Subscription

	mu      sync.Mutex
	packets []Packet
	closed  bool
}

func newFakeSubscriber(id string, sub Subscription) *fakeSubscriber {
	return &fakeSubscriber{id: id, sub: sub}
}

func (f *fakeSubscriber) withUser(uid int64) *fakeSubscriber {
	f.uid, f.hasU = uid, true
	return f
}

func (f *fakeSubscriber) ID() string                    { return f.id }
func (f *fakeSubscriber) UserID() (int64, bool)         { return f.uid, f.hasU }
func (f *fakeSubscriber) Subscriptions() Subscription   { return f.sub }
func (f *fakeSubscriber) Close(reason CloseReason)      { f.mu.Lock(); f.closed = true; f.mu.Unlock() }

func (f *fakeSubscriber) Send(p Packet) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.packets = append(f.packets, p)
}

func (f *fakeSubscriber) sent() []Packet {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Packet, len(f.packets))
	copy(out, f.packets)
	return out
}

func (f *fakeSubscriber) pixelsAvailableCount() int {
	n := 0
	for _, p := range f.sent() {
		if _, ok := p.(*PixelsAvailablePacket); ok {
			n++
		}
	}
	return n
}

// TestSetUserCooldownCancelsPreviousTimer verifies testable property 11:
// calling SetUserCooldown twice in rapid succession for the same user
// never lets the earlier call's timer fire once the later call has armed
// its own. Without cancellation the first timer would still expire and
// push a second, stale pixels-available packet.
func TestSetUserCooldownCancelsPreviousTimer(t *testing.T) {
	b, _, clk := newTestBoard(t, 6)
	sub := newFakeSubscriber("sock-1", SubCooldown).withUser(testUser)
	b.hub.Insert(sub, nil)

	first := CooldownInfo{PixelsAvailable: 5, Cooldowns: []time.Time{clk.Now().Add(10 * time.Second)}}
	b.hub.SetUserCooldown(testUser, first)

	// A second call lands before the first timer would have fired; it must
	// cancel the first goroutine's timer outright.
	clk.Advance(2 * time.Second)
	second := CooldownInfo{PixelsAvailable: 5, Cooldowns: []time.Time{clk.Now().Add(10 * time.Second)}}
	b.hub.SetUserCooldown(testUser, second)

	// Advance past where the FIRST timer would have expired (10s from its
	// own arm time, i.e. 8s from here) but short of the second timer's
	// actual expiry (10s from here).
	clk.Advance(8 * time.Second)
	time.Sleep(20 * time.Millisecond) // let any fired goroutine run

	countAtCancelledExpiry := sub.pixelsAvailableCount()

	// Now cross the second timer's real expiry.
	clk.Advance(5 * time.Second)
	time.Sleep(20 * time.Millisecond)

	countAfterRealExpiry := sub.pixelsAvailableCount()

	if countAfterRealExpiry <= countAtCancelledExpiry {
		t.Fatalf("expected the live timer to push an additional packet: before=%d after=%d",
			countAtCancelledExpiry, countAfterRealExpiry)
	}
	// Each SetUserCooldown call above pushes one packet itself (first,
	// second), plus exactly one more from the surviving timer's fire -
	// never two, which would mean the cancelled timer also fired.
	if countAfterRealExpiry != 3 {
		t.Fatalf("pixels-available count = %d, want 3 (two explicit calls + one surviving timer fire)",
			countAfterRealExpiry)
	}
}

// TestSetUserCooldownCancelOnDisconnect verifies Remove cancels a user's
// pending timer once their last socket disconnects, so the goroutine
// doesn't linger and fire against an empty userConnections.
func TestSetUserCooldownCancelOnDisconnect(t *testing.T) {
	b, _, clk := newTestBoard(t, 6)
	sub := newFakeSubscriber("sock-1", SubCooldown).withUser(testUser)
	b.hub.Insert(sub, nil)

	info := CooldownInfo{PixelsAvailable: 5, Cooldowns: []time.Time{clk.Now().Add(10 * time.Second)}}
	b.hub.SetUserCooldown(testUser, info)
	before := sub.pixelsAvailableCount()

	b.hub.Remove(sub)
	clk.Advance(20 * time.Second)
	time.Sleep(20 * time.Millisecond)

	if got := sub.pixelsAvailableCount(); got != before {
		t.Fatalf("pixels-available count after disconnect = %d, want unchanged %d", got, before)
	}
}

// TestBuildAndSendOnePacketPerSubscriptionSubset verifies testable
// property 10: buildAndSend builds at most one BoardUpdatePacket per
// distinct intersection of a registered subscription subset with the dirty
// kinds, not one per socket - sockets whose subsets intersect the dirty
// kinds identically must receive pointer-identical packets built once.
func TestBuildAndSendOnePacketPerSubscriptionSubset(t *testing.T) {
	b, _, _ := newTestBoard(t, 6)

	colorsOnly := SubDataColors
	sameA := newFakeSubscriber("a", colorsOnly)
	sameB := newFakeSubscriber("b", colorsOnly)
	different := newFakeSubscriber("c", SubDataColors|SubDataMask)

	b.hub.Insert(sameA, nil)
	b.hub.Insert(sameB, nil)
	b.hub.Insert(different, nil)

	payload := &DataPayload{Colors: []Run{{Position: 0, Values: []byte{1, 2, 3}}}}
	b.hub.buildAndSend(SubDataColors, payload, nil)

	aPkts := sameA.sent()
	bPkts := sameB.sent()
	if len(aPkts) != 1 || len(bPkts) != 1 {
		t.Fatalf("expected exactly one packet each, got a=%d b=%d", len(aPkts), len(bPkts))
	}
	if aPkts[0] != bPkts[0] {
		t.Fatalf("sockets sharing a subscription subset must share one built packet, got distinct packets")
	}

	cPkts := different.sent()
	if len(cPkts) != 1 {
		t.Fatalf("expected exactly one packet for the differently-subscribed socket, got %d", len(cPkts))
	}
	if cPkts[0] != aPkts[0] {
		t.Fatalf("a socket whose subset has the same intersection with the dirty kinds must reuse that intersection's packet")
	}
}

// TestBuildAndSendSkipsSubsetsWithNoIntersection verifies a socket whose
// subscription subset shares none of the dirty kinds gets nothing sent.
func TestBuildAndSendSkipsSubsetsWithNoIntersection(t *testing.T) {
	b, _, _ := newTestBoard(t, 6)
	maskOnly := newFakeSubscriber("mask-only", SubDataMask)
	b.hub.Insert(maskOnly, nil)

	payload := &DataPayload{Colors: []Run{{Position: 0, Values: []byte{1}}}}
	b.hub.buildAndSend(SubDataColors, payload, nil)

	if len(maskOnly.sent()) != 0 {
		t.Fatalf("expected no packet for a subscriber with no intersecting dirty kind")
	}
}
