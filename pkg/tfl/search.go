package tfl

import (
	"context"
	"net/url"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/illmade-knight/go-liveboard/pkg/cache"
)

const minSearchResults = 12

var stationSuffixes = []string{
	" underground station",
	" overground station",
	" dlr station",
	" station",
}

type searchPayload struct {
	Matches []searchMatch `json:"matches"`
}

type searchMatch struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	Modes []string `json:"modes"`
}

// SearchStopPoints finds stop points served by the configured modes whose
// names match query. Results are ranked, labelled and capped at maxResults.
func (c *Client) SearchStopPoints(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []SearchResult{}, nil
	}
	key := searchKey(query)
	if cached, ok := cache.GetJSON[[]SearchResult](ctx, c.store, key); ok {
		return cached, nil
	}

	variants := []string{query}
	core := NormalizeSearchText(query)
	if core != "" && core != strings.ToLower(query) {
		variants = append(variants, core)
	}

	var merged []searchMatch
	index := make(map[string]int)
	for _, variant := range variants {
		params := url.Values{}
		params.Set("query", variant)
		params.Set("modes", strings.Join(c.cfg.Modes, ","))
		params.Set("maxResults", strconv.Itoa(max(maxResults, minSearchResults)))
		params.Set("includeHubs", "false")

		var payload searchPayload
		if err := c.getJSON(ctx, "/StopPoint/Search", params, &payload); err != nil {
			return nil, err
		}
		for _, m := range payload.Matches {
			m.ID = strings.TrimSpace(m.ID)
			if m.ID == "" {
				continue
			}
			if i, seen := index[m.ID]; seen {
				merged[i] = m
				continue
			}
			index[m.ID] = len(merged)
			merged = append(merged, m)
		}
	}

	rankQuery := core
	if rankQuery == "" {
		rankQuery = query
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return searchRank(merged[i], rankQuery).less(searchRank(merged[j], rankQuery))
	})

	results := make([]SearchResult, 0, maxResults)
	for _, m := range merged {
		if len(results) >= maxResults {
			break
		}
		modes := c.configuredModes(m.Modes)
		if len(modes) == 0 {
			continue
		}
		name := m.Name
		if name == "" {
			name = m.ID
		}
		results = append(results, SearchResult{
			Provider: "tfl",
			Name:     FormatSearchStopName(name, modes),
			Code:     m.ID,
			Badge:    "TfL " + modeLabel(modes),
			URL:      "/board/tfl/" + m.ID + "/departures",
		})
	}

	cache.SetJSON(ctx, c.store, key, results, c.cfg.BoardTTL)
	return results, nil
}

func (c *Client) configuredModes(modes []string) []string {
	var out []string
	for _, m := range modes {
		if slices.Contains(c.cfg.Modes, m) {
			out = append(out, m)
		}
	}
	return out
}

func modeLabel(modes []string) string {
	switch {
	case slices.Contains(modes, "tube"):
		return "Tube"
	case slices.Contains(modes, "overground"):
		return "Overground"
	case slices.Contains(modes, "dlr"):
		return "DLR"
	default:
		return "TfL"
	}
}

// NormalizeSearchText lower-cases and trims a station name and drops one
// trailing station suffix.
func NormalizeSearchText(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	for _, suffix := range stationSuffixes {
		if strings.HasSuffix(normalized, suffix) {
			return strings.TrimSpace(strings.TrimSuffix(normalized, suffix))
		}
	}
	return normalized
}

type rank struct {
	score   int
	nameLen int
	name    string
}

// less orders higher scores first, then shorter names, then alphabetically.
func (r rank) less(o rank) bool {
	if r.score != o.score {
		return r.score > o.score
	}
	if r.nameLen != o.nameLen {
		return r.nameLen < o.nameLen
	}
	return r.name < o.name
}

func searchRank(m searchMatch, query string) rank {
	rawName := strings.TrimSpace(m.Name)
	name := NormalizeSearchText(rawName)
	q := NormalizeSearchText(query)
	if q == "" {
		q = strings.ToLower(strings.TrimSpace(query))
	}

	score := 0
	if name == q {
		score += 100
	}
	if strings.ToLower(rawName) == strings.ToLower(strings.TrimSpace(query)) {
		score += 80
	}
	switch {
	case strings.HasPrefix(name, q):
		score += 60
	case hasWordPrefix(name, q):
		score += 30
	case strings.Contains(name, q):
		score += 15
	}
	if slices.Contains(m.Modes, "tube") {
		score += 5
	}
	return rank{score: score, nameLen: len(name), name: strings.ToLower(rawName)}
}

func hasWordPrefix(name, prefix string) bool {
	for _, word := range strings.Fields(name) {
		if strings.HasPrefix(word, prefix) {
			return true
		}
	}
	return false
}

// FormatSearchStopName labels a stop for search results. Single-mode stops
// get an "Underground", "Overground" or "DLR" station suffix; names that
// already carry one are kept.
func FormatSearchStopName(rawName string, modes []string) string {
	cleaned := strings.TrimSpace(rawName)
	if cleaned == "" {
		return cleaned
	}
	lower := strings.ToLower(cleaned)
	for _, suffix := range []string{"underground station", "overground station", "dlr station"} {
		if strings.HasSuffix(lower, suffix) {
			return cleaned
		}
	}

	base := cleaned
	if strings.HasSuffix(lower, " station") {
		base = strings.TrimSpace(cleaned[:len(cleaned)-len(" station")])
	}
	tube, overground, dlr := slices.Contains(modes, "tube"), slices.Contains(modes, "overground"), slices.Contains(modes, "dlr")
	switch {
	case tube && !overground:
		return base + " Underground Station"
	case overground && !tube:
		return base + " Overground Station"
	case dlr && !tube && !overground:
		return base + " DLR Station"
	default:
		return cleaned
	}
}
