package board

// Packet is any outbound server packet (§6).
type Packet interface {
	PacketType() string
}

// Run is one contiguous-looking change list entry: a position and the
// byte values starting there (§6: "each data buffer is a list of
// {position, values: [bytes]} runs").
type Run struct {
	Position uint64 `json:"position"`
	Values   []byte `json:"values"`
}

// InfoPayload mirrors the subset of Info a board-update packet may carry.
type InfoPayload struct {
	Name               string `json:"name,omitempty"`
	MaxPixelsAvailable uint32 `json:"maxPixelsAvailable,omitempty"`
}

// DataPayload carries whichever buffer kinds a BoardUpdatePacket touches.
type DataPayload struct {
	Colors     []Run `json:"colors,omitempty"`
	Timestamps []Run `json:"timestamps,omitempty"`
	Initial    []Run `json:"initial,omitempty"`
	Mask       []Run `json:"mask,omitempty"`
}

// BoardUpdatePacket is the `board-update` outbound packet (§6).
type BoardUpdatePacket struct {
	Type string       `json:"type"`
	Info *InfoPayload `json:"info,omitempty"`
	Data *DataPayload `json:"data,omitempty"`
}

func (p *BoardUpdatePacket) PacketType() string { return "board-update" }

// PixelsAvailablePacket is the `pixels-available` outbound packet (§6).
type PixelsAvailablePacket struct {
	Type  string `json:"type"`
	Count uint32 `json:"count"`
	Next  *int64 `json:"next,omitempty"` // wall-clock unix seconds
}

func (p *PixelsAvailablePacket) PacketType() string { return "pixels-available" }

// NoticeCreatedPacket is `board-notice-created` (§6).
type NoticeCreatedPacket struct {
	Type   string `json:"type"`
	Notice Notice `json:"notice"`
}

func (p *NoticeCreatedPacket) PacketType() string { return "board-notice-created" }

// NoticeUpdatedPacket is `board-notice-updated` (§6).
type NoticeUpdatedPacket struct {
	Type   string `json:"type"`
	Notice Notice `json:"notice"`
}

func (p *NoticeUpdatedPacket) PacketType() string { return "board-notice-updated" }

// NoticeDeletedPacket is `board-notice-deleted` (§6): the notice field is
// a URI for the deleted resource, not the full object.
type NoticeDeletedPacket struct {
	Type   string `json:"type"`
	Notice string `json:"notice"`
}

func (p *NoticeDeletedPacket) PacketType() string { return "board-notice-deleted" }

// StatsUpdatedPacket is `board-stats-updated` (§6).
type StatsUpdatedPacket struct {
	Type  string         `json:"type"`
	Stats map[byte]uint32 `json:"stats"`
}

func (p *StatsUpdatedPacket) PacketType() string { return "board-stats-updated" }
