package stats

import (
	"sort"
	"strings"
	"time"

	"github.com/lenshq/backend/internal/database"
)

// ProjectStats is the composite dashboard payload. It is cached as marshaled
// JSON, so field tags are the wire contract.
type ProjectStats struct {
	ProjectID         string                 `json:"project_id"`
	WindowDays        int                    `json:"window_days"`
	GeneratedAt       time.Time              `json:"generated_at"`
	TotalErrors       int64                  `json:"total_errors"`
	TotalSessions     int64                  `json:"total_sessions"`
	ActiveSessions    int64                  `json:"active_sessions"`
	UniqueUsers       int64                  `json:"unique_users"`
	ErrorRatePerDay   float64                `json:"error_rate_per_day"`
	AvgSessionSeconds float64                `json:"avg_session_seconds"`
	TopGroups         []database.TopGroupRow `json:"top_errors"`
	TopURLs           []Distribution         `json:"top_urls"`
	Trend             []TrendPoint           `json:"error_trend"`
	Browsers          []Distribution         `json:"browsers"`
	OperatingSystems  []Distribution         `json:"operating_systems"`
	DeviceTypes       []Distribution         `json:"device_types"`
	Resolutions       []Distribution         `json:"screen_resolutions"`
	StatusBreakdown   []Distribution         `json:"errors_by_status"`
}

// Distribution is one named bucket of a breakdown section.
type Distribution struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

// TrendPoint is one calendar day of the error trend. Date is YYYY-MM-DD UTC.
type TrendPoint struct {
	Date  string `json:"date"`
	Count int64  `json:"count"`
}

const trendDate = "2006-01-02"

// majorVersion keeps everything before the first dot, so "120.0.6099" and
// "120.1" land in the same bucket.
func majorVersion(v string) string {
	if i := strings.IndexByte(v, '.'); i >= 0 {
		return v[:i]
	}
	return v
}

// rollupVersions collapses per-version rows into per-major buckets named
// "Chrome 120". Rows without a version keep the bare name.
func rollupVersions(rows []database.DeviceRow) []Distribution {
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		name := r.Key
		if major := majorVersion(strings.TrimSpace(r.Version)); major != "" {
			name = r.Key + " " + major
		}
		counts[name] += r.Count
	}
	return sortedDistribution(counts)
}

// deviceClasses buckets raw device types into the two classes the dashboard
// shows. Phones and tablets count as mobile, everything else as desktop.
func deviceClasses(rows []database.CountRow) []Distribution {
	counts := map[string]int64{}
	for _, r := range rows {
		switch strings.ToLower(strings.TrimSpace(r.Key)) {
		case "mobile", "tablet":
			counts["mobile"] += r.Count
		default:
			counts["desktop"] += r.Count
		}
	}
	return sortedDistribution(counts)
}

func toDistribution(rows []database.CountRow) []Distribution {
	out := make([]Distribution, 0, len(rows))
	for _, r := range rows {
		out = append(out, Distribution{Name: r.Key, Count: r.Count})
	}
	return out
}

// sortedDistribution orders by count descending, name ascending on ties, so
// the payload is stable across recomputes.
func sortedDistribution(counts map[string]int64) []Distribution {
	out := make([]Distribution, 0, len(counts))
	for name, n := range counts {
		out = append(out, Distribution{Name: name, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// fillTrend produces one point per calendar day of the window, oldest first,
// with zeroes for days the query returned no row.
func fillTrend(rows []database.DayCountRow, start time.Time, days int) []TrendPoint {
	byDay := make(map[string]int64, len(rows))
	for _, r := range rows {
		byDay[r.Day.UTC().Format(trendDate)] += r.Count
	}
	out := make([]TrendPoint, 0, days)
	for i := 0; i < days; i++ {
		d := start.AddDate(0, 0, i).Format(trendDate)
		out = append(out, TrendPoint{Date: d, Count: byDay[d]})
	}
	return out
}
