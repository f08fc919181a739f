package relay

// Stage is the coarse protocol phase of a single connection (spec.md §3).
// Values intentionally skip 3: the original preserves a gap between
// UDPAssoc(2) and Reply(4) rather than renumbering densely (spec.md §9
// Open Question, resolved in DESIGN.md — nothing in this repo depends on
// the gap, but preserving it keeps this table diffable against spec.md).
type Stage int

const (
	StageInit      Stage = 0
	StageHello     Stage = 1
	StageUDPAssoc  Stage = 2
	_reservedStage Stage = 3 // unused, kept to preserve the numeric gap
	StageReply     Stage = 4
	StageStream    Stage = 5
)

func (s Stage) String() string {
	switch s {
	case StageInit:
		return "init"
	case StageHello:
		return "hello"
	case StageUDPAssoc:
		return "udp_assoc"
	case StageReply:
		return "reply"
	case StageStream:
		return "stream"
	default:
		return "unknown"
	}
}

// dirStatus is a bitmask, not an enum: READING and WRITING are
// independent interests a direction can hold at once (spec.md §3:
// READWRITING == READING | WRITING).
type dirStatus int

const (
	statusInit        dirStatus = 0
	statusReading     dirStatus = 1 << 0
	statusWriting     dirStatus = 1 << 1
	statusReadWriting           = statusReading | statusWriting
)
