package progress

// MergeDeckStates reconciles one deck's per-word records. When only one side is present it
// is returned unchanged. Otherwise every word from either side is kept exactly once: a word
// known to both sides keeps the whole record with the later next review instant, and equal
// instants keep the local record.
func MergeDeckStates(local, cloud *DeckState) DeckState {
	switch {
	case local == nil && cloud == nil:
		return DeckState{State: map[string]WordRecord{}}
	case cloud == nil:
		return local.clone()
	case local == nil:
		return cloud.clone()
	}

	merged := DeckState{
		State:    make(map[string]WordRecord, len(local.State)+len(cloud.State)),
		Points:   maxInt64(local.Points, cloud.Points),
		Streak:   maxInt64(local.Streak, cloud.Streak),
		AutoPlay: copyBool(local.AutoPlay),
	}
	if merged.AutoPlay == nil {
		merged.AutoPlay = copyBool(cloud.AutoPlay)
	}

	for word, cloudRecord := range cloud.State {
		merged.State[word] = cloudRecord
	}
	for word, localRecord := range local.State {
		cloudRecord, known := cloud.State[word]
		if !known || localRecord.Next() >= cloudRecord.Next() {
			merged.State[word] = localRecord
		}
	}
	return merged
}

// MergeDecks applies MergeDeckStates across the union of deck identifiers.
func MergeDecks(local, cloud map[string]DeckState) map[string]DeckState {
	merged := make(map[string]DeckState, len(local)+len(cloud))
	for deckID := range local {
		merged[deckID] = mergeDeckEntry(local, cloud, deckID)
	}
	for deckID := range cloud {
		if _, done := merged[deckID]; done {
			continue
		}
		merged[deckID] = mergeDeckEntry(local, cloud, deckID)
	}
	return merged
}

func mergeDeckEntry(local, cloud map[string]DeckState, deckID string) DeckState {
	var localDeck, cloudDeck *DeckState
	if deck, ok := local[deckID]; ok {
		localDeck = &deck
	}
	if deck, ok := cloud[deckID]; ok {
		cloudDeck = &deck
	}
	return MergeDeckStates(localDeck, cloudDeck)
}

func (deck DeckState) clone() DeckState {
	cloned := DeckState{
		State:    make(map[string]WordRecord, len(deck.State)),
		Points:   deck.Points,
		Streak:   deck.Streak,
		AutoPlay: copyBool(deck.AutoPlay),
	}
	for word, record := range deck.State {
		cloned.State[word] = record
	}
	return cloned
}

func copyBool(value *bool) *bool {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}

func maxInt64(left, right int64) int64 {
	if left >= right {
		return left
	}
	return right
}
