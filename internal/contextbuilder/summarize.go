package contextbuilder

import (
	"errors"
	"sort"
	"strings"

	"github.com/hession/memcore/internal/memory"
)

// SummarizeFunc shortens content to at most maxTokens estimated tokens
type SummarizeFunc func(content string, maxTokens int) (string, error)

const ellipsis = "..."

// ErrNoRoom the remaining budget cannot hold any summary
var ErrNoRoom = errors.New("no room for summary")

// Truncate keeps the head of content, cut on a rune boundary, and marks
// the cut with an ellipsis. A limit too small for the ellipsis keeps a
// bare head instead.
func Truncate(content string, maxTokens int) (string, error) {
	if memory.EstimateTokens(content) <= maxTokens {
		return content, nil
	}
	if cut := fittingPrefix(content, ellipsis, maxTokens); cut > 0 {
		return strings.TrimRight(content[:cut], " \t\n") + ellipsis, nil
	}
	if cut := fittingPrefix(content, "", maxTokens); cut > 0 {
		return content[:cut], nil
	}
	return "", ErrNoRoom
}

// fittingPrefix returns the byte length of the longest rune-aligned prefix
// of content that, followed by suffix, fits maxTokens. Zero when none does.
func fittingPrefix(content, suffix string, maxTokens int) int {
	ends := make([]int, 0, len(content))
	for i := range content {
		if i > 0 {
			ends = append(ends, i)
		}
	}
	ends = append(ends, len(content))

	n := sort.Search(len(ends), func(i int) bool {
		return memory.EstimateTokens(content[:ends[i]]+suffix) > maxTokens
	})
	if n == 0 {
		return 0
	}
	return ends[n-1]
}
