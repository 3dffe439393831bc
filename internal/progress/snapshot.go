package progress

import (
	"bytes"
	"encoding/json"
	"math"
)

// Snapshot is the complete synchronizable learning state for one user.
type Snapshot struct {
	Decks          map[string]DeckState
	Global         *GlobalState
	PreferredDeck  string
	ReadingHistory []HistoryItem
}

// DeckState captures per-deck learning progress.
type DeckState struct {
	State    map[string]WordRecord
	Points   int64
	Streak   int64
	AutoPlay *bool
}

// GlobalState captures cross-deck streak and achievement counters.
type GlobalState struct {
	DailyStreak   int64
	LastStudyDate string
	TotalReviewed int64
	Achievements  []string
}

// WordRecord wraps a per-word scheduling record. Only the next review instant is
// interpreted; the payload is carried through untouched.
type WordRecord struct {
	next    int64
	payload json.RawMessage
}

// HistoryItem is an opaque reading-history entry.
type HistoryItem struct {
	raw json.RawMessage
}

type snapshotWire struct {
	Decks          map[string]DeckState `json:"decks"`
	Global         *GlobalState         `json:"global,omitempty"`
	PreferredDeck  string               `json:"preferredDeck"`
	ReadingHistory []HistoryItem        `json:"readingHistory"`
}

type deckStateWire struct {
	State    map[string]WordRecord `json:"state"`
	Points   int64                 `json:"points"`
	Streak   int64                 `json:"streak"`
	AutoPlay *bool                 `json:"autoPlay,omitempty"`
}

type globalStateWire struct {
	DailyStreak   int64    `json:"dailyStreak"`
	LastStudyDate string   `json:"lastStudyDate"`
	TotalReviewed int64    `json:"totalReviewed"`
	Achievements  []string `json:"achievements"`
}

// DecodeSnapshot decodes a snapshot leniently. Input that is not a JSON object yields an
// empty snapshot, and wrong-typed fields fall back to their empty defaults.
func DecodeSnapshot(raw []byte) Snapshot {
	snapshot := Snapshot{
		Decks:          map[string]DeckState{},
		ReadingHistory: []HistoryItem{},
	}
	fields, ok := decodeObject(raw)
	if !ok {
		return snapshot
	}
	if decks, ok := decodeObject(fields["decks"]); ok {
		for deckID, deckRaw := range decks {
			snapshot.Decks[deckID] = DecodeDeckState(deckRaw)
		}
	}
	if globalRaw, present := fields["global"]; present && !isNull(globalRaw) {
		global := DecodeGlobalState(globalRaw)
		snapshot.Global = &global
	}
	snapshot.PreferredDeck = decodeString(fields["preferredDeck"])
	var history []json.RawMessage
	if err := json.Unmarshal(fields["readingHistory"], &history); err == nil {
		for _, itemRaw := range history {
			snapshot.ReadingHistory = append(snapshot.ReadingHistory, NewHistoryItem(itemRaw))
		}
	}
	return snapshot
}

// DecodeDeckState decodes a deck leniently.
func DecodeDeckState(raw []byte) DeckState {
	deck := DeckState{State: map[string]WordRecord{}}
	fields, ok := decodeObject(raw)
	if !ok {
		return deck
	}
	if words, ok := decodeObject(fields["state"]); ok {
		for word, recordRaw := range words {
			deck.State[word] = NewWordRecord(recordRaw)
		}
	}
	deck.Points = decodeCount(fields["points"])
	deck.Streak = decodeCount(fields["streak"])
	deck.AutoPlay = decodeBool(fields["autoPlay"])
	return deck
}

// DecodeGlobalState decodes global counters leniently. Achievements are treated as a set.
func DecodeGlobalState(raw []byte) GlobalState {
	global := GlobalState{Achievements: []string{}}
	fields, ok := decodeObject(raw)
	if !ok {
		return global
	}
	global.DailyStreak = decodeCount(fields["dailyStreak"])
	global.LastStudyDate = decodeString(fields["lastStudyDate"])
	global.TotalReviewed = decodeCount(fields["totalReviewed"])
	var achievements []json.RawMessage
	if err := json.Unmarshal(fields["achievements"], &achievements); err == nil {
		identifiers := make([]string, 0, len(achievements))
		for _, achievementRaw := range achievements {
			var identifier string
			if err := json.Unmarshal(achievementRaw, &identifier); err == nil {
				identifiers = append(identifiers, identifier)
			}
		}
		global.Achievements = unionAchievements(identifiers, nil)
	}
	return global
}

// MarshalJSON encodes the snapshot with empty collections instead of nulls.
func (snapshot Snapshot) MarshalJSON() ([]byte, error) {
	wire := snapshotWire{
		Decks:          snapshot.Decks,
		Global:         snapshot.Global,
		PreferredDeck:  snapshot.PreferredDeck,
		ReadingHistory: snapshot.ReadingHistory,
	}
	if wire.Decks == nil {
		wire.Decks = map[string]DeckState{}
	}
	if wire.ReadingHistory == nil {
		wire.ReadingHistory = []HistoryItem{}
	}
	return json.Marshal(wire)
}

// UnmarshalJSON decodes the snapshot leniently.
func (snapshot *Snapshot) UnmarshalJSON(data []byte) error {
	*snapshot = DecodeSnapshot(data)
	return nil
}

// MarshalJSON encodes the deck.
func (deck DeckState) MarshalJSON() ([]byte, error) {
	wire := deckStateWire{
		State:    deck.State,
		Points:   deck.Points,
		Streak:   deck.Streak,
		AutoPlay: deck.AutoPlay,
	}
	if wire.State == nil {
		wire.State = map[string]WordRecord{}
	}
	return json.Marshal(wire)
}

// UnmarshalJSON decodes the deck leniently.
func (deck *DeckState) UnmarshalJSON(data []byte) error {
	*deck = DecodeDeckState(data)
	return nil
}

// MarshalJSON encodes the global counters.
func (global GlobalState) MarshalJSON() ([]byte, error) {
	wire := globalStateWire{
		DailyStreak:   global.DailyStreak,
		LastStudyDate: global.LastStudyDate,
		TotalReviewed: global.TotalReviewed,
		Achievements:  global.Achievements,
	}
	if wire.Achievements == nil {
		wire.Achievements = []string{}
	}
	return json.Marshal(wire)
}

// UnmarshalJSON decodes the global counters leniently.
func (global *GlobalState) UnmarshalJSON(data []byte) error {
	*global = DecodeGlobalState(data)
	return nil
}

// NewWordRecord wraps a raw record payload and extracts its next review instant.
// A missing or non-numeric next is treated as zero.
func NewWordRecord(payload json.RawMessage) WordRecord {
	record := WordRecord{payload: append(json.RawMessage(nil), bytes.TrimSpace(payload)...)}
	if fields, ok := decodeObject(payload); ok {
		if next, ok := decodeInteger(fields["next"]); ok {
			record.next = next
		}
	}
	return record
}

// Next returns the next scheduled review instant in epoch milliseconds.
func (record WordRecord) Next() int64 {
	return record.next
}

// Payload returns the record exactly as it was received.
func (record WordRecord) Payload() json.RawMessage {
	return record.payload
}

// MarshalJSON re-emits the original payload.
func (record WordRecord) MarshalJSON() ([]byte, error) {
	if len(record.payload) == 0 {
		return []byte("{}"), nil
	}
	return record.payload, nil
}

// UnmarshalJSON keeps the payload verbatim.
func (record *WordRecord) UnmarshalJSON(data []byte) error {
	*record = NewWordRecord(data)
	return nil
}

// NewHistoryItem wraps a raw history entry.
func NewHistoryItem(raw json.RawMessage) HistoryItem {
	return HistoryItem{raw: append(json.RawMessage(nil), bytes.TrimSpace(raw)...)}
}

// Raw returns the entry exactly as it was received.
func (item HistoryItem) Raw() json.RawMessage {
	return item.raw
}

// CanonicalKey returns the structural identity used for deduplication.
func (item HistoryItem) CanonicalKey() string {
	return canonicalKey(item.raw)
}

// MarshalJSON re-emits the original entry.
func (item HistoryItem) MarshalJSON() ([]byte, error) {
	if len(item.raw) == 0 {
		return []byte("null"), nil
	}
	return item.raw, nil
}

// UnmarshalJSON keeps the entry verbatim.
func (item *HistoryItem) UnmarshalJSON(data []byte) error {
	*item = NewHistoryItem(data)
	return nil
}

func decodeObject(raw []byte) (map[string]json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, false
	}
	return fields, true
}

// decodeInteger reads a JSON number as int64. Integer literals are taken exactly;
// fractional or exponent forms are truncated and out-of-range values clamp.
func decodeInteger(raw []byte) (int64, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return 0, false
	}
	if first := trimmed[0]; first != '-' && (first < '0' || first > '9') {
		return 0, false
	}
	var number json.Number
	if err := json.Unmarshal(trimmed, &number); err != nil {
		return 0, false
	}
	if integer, err := number.Int64(); err == nil {
		return integer, true
	}
	floating, err := number.Float64()
	if err != nil && !math.IsInf(floating, 0) {
		return 0, false
	}
	return clampInt64(floating), true
}

func decodeCount(raw []byte) int64 {
	value, ok := decodeInteger(raw)
	if !ok || value < 0 {
		return 0
	}
	return value
}

func decodeString(raw []byte) string {
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return ""
	}
	return value
}

func decodeBool(raw []byte) *bool {
	if len(raw) == 0 || isNull(raw) {
		return nil
	}
	var value bool
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil
	}
	return &value
}

func isNull(raw []byte) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func clampInt64(value float64) int64 {
	if value >= math.MaxInt64 {
		return math.MaxInt64
	}
	if value <= math.MinInt64 {
		return math.MinInt64
	}
	return int64(value)
}
