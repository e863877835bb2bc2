// Package healing classifies worker failures and derives pool adjustments
// when a run keeps failing.
package healing

import "strings"

// Category is the coarse cause assigned to a failed task execution.
type Category string

const (
	CategoryRateLimit Category = "rate_limit"
	CategoryTimeout   Category = "timeout"
	CategoryMemory    Category = "memory"
	CategoryUnknown   Category = "unknown"
)

// Categories lists every category in classification priority order.
var Categories = []Category{CategoryRateLimit, CategoryTimeout, CategoryMemory, CategoryUnknown}

var categoryKeywords = []struct {
	category Category
	keywords []string
}{
	{CategoryRateLimit, []string{"rate limit", "429", "too many requests", "overloaded"}},
	{CategoryTimeout, []string{"timeout", "etimedout", "timed out"}},
	{CategoryMemory, []string{"memory", "oom", "out of memory"}},
}

// Classify maps error text onto a category. Matching is case-insensitive
// substring search; the first category in priority order wins.
func Classify(text string) Category {
	lower := strings.ToLower(text)
	for _, entry := range categoryKeywords {
		for _, keyword := range entry.keywords {
			if strings.Contains(lower, keyword) {
				return entry.category
			}
		}
	}
	return CategoryUnknown
}
