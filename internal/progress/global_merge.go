package progress

// MergeGlobalStates reconciles streak and achievement counters. Counters take the larger
// value, the study date takes the later day, and achievements are unioned.
func MergeGlobalStates(local, cloud *GlobalState) GlobalState {
	switch {
	case local == nil && cloud == nil:
		return GlobalState{Achievements: []string{}}
	case cloud == nil:
		return local.clone()
	case local == nil:
		return cloud.clone()
	}

	return GlobalState{
		DailyStreak:   maxInt64(local.DailyStreak, cloud.DailyStreak),
		LastStudyDate: laterStudyDate(local.LastStudyDate, cloud.LastStudyDate),
		TotalReviewed: maxInt64(local.TotalReviewed, cloud.TotalReviewed),
		Achievements:  unionAchievements(local.Achievements, cloud.Achievements),
	}
}

// laterStudyDate relies on YYYY-MM-DD sorting chronologically; empty sorts first.
func laterStudyDate(local, cloud string) string {
	if local >= cloud {
		return local
	}
	return cloud
}

// unionAchievements keeps local order, then appends identifiers only the cloud has.
func unionAchievements(local, cloud []string) []string {
	union := make([]string, 0, len(local)+len(cloud))
	seen := make(map[string]struct{}, len(local)+len(cloud))
	for _, group := range [][]string{local, cloud} {
		for _, identifier := range group {
			if _, duplicate := seen[identifier]; duplicate {
				continue
			}
			seen[identifier] = struct{}{}
			union = append(union, identifier)
		}
	}
	return union
}

func (global GlobalState) clone() GlobalState {
	return GlobalState{
		DailyStreak:   global.DailyStreak,
		LastStudyDate: global.LastStudyDate,
		TotalReviewed: global.TotalReviewed,
		Achievements:  unionAchievements(global.Achievements, nil),
	}
}
