package progress

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// MaxHistoryEntries bounds the merged reading history.
const MaxHistoryEntries = 50

// DefaultHistoryTimestampField names the entry field read by timestamp truncation.
const DefaultHistoryTimestampField = "timestamp"

// HistoryTruncation selects which entries survive when the merged history exceeds its bound.
type HistoryTruncation string

const (
	// HistoryTruncationPosition keeps the trailing entries of the deduplicated local+cloud list.
	HistoryTruncationPosition HistoryTruncation = "position"
	// HistoryTruncationTimestamp orders entries by their recorded timestamp before truncating.
	HistoryTruncationTimestamp HistoryTruncation = "timestamp"
)

// ErrInvalidHistoryTruncation indicates an unsupported truncation mode.
var ErrInvalidHistoryTruncation = errors.New("progress: invalid history truncation")

// NewHistoryTruncation validates raw input and returns a HistoryTruncation.
// An empty value selects position truncation.
func NewHistoryTruncation(rawInput string) (HistoryTruncation, error) {
	switch HistoryTruncation(strings.ToLower(strings.TrimSpace(rawInput))) {
	case "", HistoryTruncationPosition:
		return HistoryTruncationPosition, nil
	case HistoryTruncationTimestamp:
		return HistoryTruncationTimestamp, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidHistoryTruncation, rawInput)
	}
}

// HistoryPolicy configures MergeHistory.
type HistoryPolicy struct {
	Truncation     HistoryTruncation
	TimestampField string
}

// MergeHistory concatenates local then cloud entries, keeps the first occurrence of each
// structurally distinct entry, and returns at most MaxHistoryEntries of them.
func MergeHistory(local, cloud []HistoryItem, policy HistoryPolicy) []HistoryItem {
	merged := make([]HistoryItem, 0, len(local)+len(cloud))
	seen := make(map[string]struct{}, len(local)+len(cloud))
	for _, group := range [][]HistoryItem{local, cloud} {
		for _, item := range group {
			key := item.CanonicalKey()
			if _, duplicate := seen[key]; duplicate {
				continue
			}
			seen[key] = struct{}{}
			merged = append(merged, item)
		}
	}

	if policy.Truncation == HistoryTruncationTimestamp {
		merged = sortHistoryByTimestamp(merged, policy.TimestampField)
	}

	if len(merged) > MaxHistoryEntries {
		merged = append([]HistoryItem(nil), merged[len(merged)-MaxHistoryEntries:]...)
	}
	return merged
}

// sortHistoryByTimestamp orders entries oldest first. Entries without a readable
// timestamp sort as oldest and otherwise keep their relative order.
func sortHistoryByTimestamp(items []HistoryItem, field string) []HistoryItem {
	if field == "" {
		field = DefaultHistoryTimestampField
	}
	type stampedItem struct {
		item  HistoryItem
		stamp int64
	}
	stamped := make([]stampedItem, len(items))
	for index, item := range items {
		stamped[index] = stampedItem{item: item, stamp: historyTimestamp(item, field)}
	}
	sort.SliceStable(stamped, func(left, right int) bool {
		return stamped[left].stamp < stamped[right].stamp
	})
	sorted := make([]HistoryItem, len(stamped))
	for index, entry := range stamped {
		sorted[index] = entry.item
	}
	return sorted
}

func historyTimestamp(item HistoryItem, field string) int64 {
	fields, ok := decodeObject(item.raw)
	if !ok {
		return 0
	}
	raw := fields[field]
	if number, ok := decodeInteger(raw); ok {
		return number
	}
	text := strings.TrimSpace(decodeString(raw))
	if text == "" {
		return 0
	}
	for _, layout := range []string{time.RFC3339Nano, time.DateOnly} {
		if parsed, err := time.Parse(layout, text); err == nil {
			return parsed.UnixMilli()
		}
	}
	return 0
}
