package progress

// MergeOptions configures MergeSnapshots.
type MergeOptions struct {
	History HistoryPolicy
}

// MergeSnapshots combines a submitted local snapshot with the stored cloud snapshot field by
// field. The preferred deck follows the local side unless it is empty.
func MergeSnapshots(local, cloud Snapshot, options MergeOptions) Snapshot {
	global := MergeGlobalStates(local.Global, cloud.Global)
	preferredDeck := local.PreferredDeck
	if preferredDeck == "" {
		preferredDeck = cloud.PreferredDeck
	}
	return Snapshot{
		Decks:          MergeDecks(local.Decks, cloud.Decks),
		Global:         &global,
		PreferredDeck:  preferredDeck,
		ReadingHistory: MergeHistory(local.ReadingHistory, cloud.ReadingHistory, options.History),
	}
}
