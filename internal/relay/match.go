package relay

import (
	"strings"
)

const (
	matchNone = iota
	matchSubstring
	matchPrefix
	matchExact
)

// MatchCustomer resolves a possibly partial customer reference against the
// given connections. An exact id beats an id prefix, which beats a display
// name substring; all comparisons ignore case. Among equal ranks the
// earliest connection wins.
func MatchCustomer(query string, candidates []ConnectionInfo) (ConnectionInfo, bool) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return ConnectionInfo{}, false
	}

	var (
		best     ConnectionInfo
		bestRank = matchNone
	)
	for _, c := range candidates {
		rank := matchRank(q, c)
		if rank == matchNone {
			continue
		}
		if rank > bestRank || (rank == bestRank && connectedBefore(c, best)) {
			best, bestRank = c, rank
		}
	}
	return best, bestRank != matchNone
}

func matchRank(q string, c ConnectionInfo) int {
	id := strings.ToLower(c.UserID)
	switch {
	case id == q:
		return matchExact
	case strings.HasPrefix(id, q):
		return matchPrefix
	case c.DisplayName != "" && strings.Contains(strings.ToLower(c.DisplayName), q):
		return matchSubstring
	default:
		return matchNone
	}
}

func connectedBefore(a, b ConnectionInfo) bool {
	if !a.ConnectedAt.Equal(b.ConnectedAt) {
		return a.ConnectedAt.Before(b.ConnectedAt)
	}
	return a.UserID < b.UserID
}
