package ledger

import (
	"iter"
	"slices"
	"strings"

	"golang.org/x/text/cases"
)

// =============================================================================
// SEARCH
// =============================================================================

// matcher does case-insensitive substring search using Unicode case folding.
type matcher struct {
	term string
}

func newMatcher(term string) matcher {
	return matcher{term: fold(strings.TrimSpace(term))}
}

func fold(s string) string {
	// cases.Caser is stateful, so each call gets its own.
	return cases.Fold().String(s)
}

func (m matcher) match(fields ...string) bool {
	if m.term == "" {
		return true
	}
	for _, f := range fields {
		if strings.Contains(fold(f), m.term) {
			return true
		}
	}
	return false
}

// =============================================================================
// ACTIVITY FEED
// =============================================================================

// FilteredFeed yields activities accepted by predicate whose title or
// description contains searchTerm. A nil predicate accepts everything.
// The sequence is lazy and can be ranged over any number of times.
func FilteredFeed(activities []Activity, predicate func(Activity) bool, searchTerm string) iter.Seq[Activity] {
	m := newMatcher(searchTerm)
	return func(yield func(Activity) bool) {
		for _, a := range activities {
			if predicate != nil && !predicate(a) {
				continue
			}
			if !m.match(a.Title, a.Description) {
				continue
			}
			if !yield(a) {
				return
			}
		}
	}
}

// ByUser is a FilteredFeed predicate selecting one user's activities.
func ByUser(id UserID) func(Activity) bool {
	return func(a Activity) bool { return a.UserID == id }
}

type FeedFilter struct {
	// UserID restricts the feed to one user; empty means everyone.
	UserID UserID
	Search string
	Limit  int
}

// ActivityFeed returns matching activities newest first.
func ActivityFeed(activities []Activity, f FeedFilter) []Activity {
	var pred func(Activity) bool
	if f.UserID != "" {
		pred = ByUser(f.UserID)
	}
	out := slices.Collect(FilteredFeed(activities, pred, f.Search))
	slices.SortStableFunc(out, func(a, b Activity) int { return b.Timestamp.Compare(a.Timestamp) })
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out
}

// =============================================================================
// REWARD CATALOG
// =============================================================================

type RewardSort string

const (
	SortPointsAsc  RewardSort = "points_asc"
	SortPointsDesc RewardSort = "points_desc"
	SortTitleAsc   RewardSort = "title_asc"
	SortTitleDesc  RewardSort = "title_desc"
)

func (s RewardSort) Valid() bool {
	switch s {
	case SortPointsAsc, SortPointsDesc, SortTitleAsc, SortTitleDesc:
		return true
	}
	return false
}

// RewardCatalog returns available rewards matching search, sorted. An empty
// or unknown sort defaults to points ascending.
func RewardCatalog(rewards []Reward, search string, sortBy RewardSort) []Reward {
	m := newMatcher(search)
	var out []Reward
	for _, r := range rewards {
		if r.Available && m.match(r.Title, r.Description) {
			out = append(out, r)
		}
	}

	var cmp func(a, b Reward) int
	switch sortBy {
	case SortPointsDesc:
		cmp = func(a, b Reward) int { return comparePoints(b.PointCost, a.PointCost) }
	case SortTitleAsc:
		cmp = func(a, b Reward) int { return strings.Compare(fold(a.Title), fold(b.Title)) }
	case SortTitleDesc:
		cmp = func(a, b Reward) int { return strings.Compare(fold(b.Title), fold(a.Title)) }
	default:
		cmp = func(a, b Reward) int { return comparePoints(a.PointCost, b.PointCost) }
	}
	slices.SortStableFunc(out, cmp)
	return out
}

func comparePoints(a, b Points) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
