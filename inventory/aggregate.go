package inventory

import "sort"

// Summary is a pure roll-up of one or more department results: totals by
// status, department, and account, with any degradation warnings carried
// alongside so the caller can tell a true zero from a failed read.
type Summary struct {
	TotalItems   int            `json:"total_items"`
	ByStatus     map[string]int `json:"by_status"`
	ByDepartment map[string]int `json:"by_department"`
	ByAccount    map[string]int `json:"by_account"`
	Warnings     []string       `json:"warnings,omitempty"`
}

// Aggregate computes a Summary from department results. It never touches
// the cache or the sources; callers aggregate whatever snapshot they hold.
func Aggregate(results map[string]Result) Summary {
	summary := Summary{
		ByStatus:     make(map[string]int),
		ByDepartment: make(map[string]int),
		ByAccount:    make(map[string]int),
	}
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		res := results[name]
		summary.ByDepartment[res.Department] += res.Total()
		for status, items := range res.Items {
			summary.ByStatus[status] += len(items)
			summary.TotalItems += len(items)
			for _, item := range items {
				if item.Account != "" {
					summary.ByAccount[item.Account]++
				}
			}
		}
		if res.Warning != "" {
			summary.Warnings = append(summary.Warnings, res.Department+": "+res.Warning)
		}
	}
	return summary
}
