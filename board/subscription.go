package board

import "strings"

// Subscription is a bit-set representation of the subscription enum
// described in §3/§9 ("Permissions and subscriptions are compile-time
// enum sets... use a bit-set representation backed by a single integer").
type Subscription uint16

const (
	SubDataColors Subscription = 1 << iota
	SubDataTimestamps
	SubDataInitial
	SubDataMask
	SubInfo
	SubCooldown
	SubNotices
	SubStatistics
)

// dataKindMask is the subset of Subscription bits that participate in a
// board-update packet's data-kind subset (§4.9's DataKind ⊂ {Colors,
// Timestamps, Initial, Mask, Info}).
const dataKindMask = SubDataColors | SubDataTimestamps | SubDataInitial | SubDataMask | SubInfo

// Has reports whether s contains bit.
func (s Subscription) Has(bit Subscription) bool { return s&bit != 0 }

// DataKinds returns the subset of s relevant to board-update packets.
func (s Subscription) DataKinds() Subscription { return s & dataKindMask }

// names in kebab-case, codegenned by hand here the way §9 suggests
// ("codegen the kebab-case mapping from the enum name").
var subscriptionNames = map[string]Subscription{
	"data.colors":     SubDataColors,
	"data.timestamps": SubDataTimestamps,
	"data.initial":    SubDataInitial,
	"data.mask":       SubDataMask,
	"info":            SubInfo,
	"cooldown":        SubCooldown,
	"notices":         SubNotices,
	"statistics":      SubStatistics,
}

// ParseSubscriptions decodes the comma-or-list-encoded `extensions` query
// parameter from §6's websocket handshake.
func ParseSubscriptions(names []string) (Subscription, bool) {
	var s Subscription
	for _, entry := range names {
		for _, n := range strings.Split(entry, ",") {
			bit, ok := subscriptionNames[n]
			if !ok {
				return 0, false
			}
			s |= bit
		}
	}
	return s, true
}

// RequiresAuth reports whether any bit in s requires Phase B
// authentication (§4.10): Cooldown and Statistics are inherently
// per-user, so they always require auth; Notices/data/info can be
// anonymous.
func (s Subscription) RequiresAuth() bool {
	return s.Has(SubCooldown) || s.Has(SubStatistics)
}

// CloseReason is the numeric close-code taxonomy from §4.10.
type CloseReason int

const (
	CloseServerClosing    CloseReason = 1001
	CloseInvalidPacket    CloseReason = 1008
	CloseAuthTimeout      CloseReason = 4000
	CloseMissingPermission CloseReason = 4001
	CloseInvalidToken     CloseReason = 4002
)

// Subscriber is the board package's view of a connected socket (C10):
// enough surface for the SubscriptionHub to index it, push packets to it,
// and close it. socket.Socket implements this.
type Subscriber interface {
	ID() string
	UserID() (int64, bool)
	Subscriptions() Subscription
	Send(p Packet)
	Close(reason CloseReason)
}
