package memory

import (
	"math"
	"regexp"
	"strings"
)

// Heuristic importance levels
const (
	importanceRule       = 0.8
	importancePreference = 0.7
	importanceProject    = 0.6
	importanceDefault    = 0.5
	importanceTemporary  = 0.3
)

var (
	rulePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(don't|do not|never|always|must|required?)\b`),
		regexp.MustCompile(`(?i)\b(rule|convention|policy) (is|are)\b`),
		regexp.MustCompile(`(必须|一定要|务必|禁止|不要|不允许)`),
	}
	preferencePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bI (prefer|like|want|usually)\b`),
		regexp.MustCompile(`(?i)\bplease (remember|note|keep in mind)\b`),
		regexp.MustCompile(`我(习惯|喜欢|偏好)`),
	}
	projectPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bthis (project|codebase|repository|repo)\b`),
		regexp.MustCompile(`(?i)\b(architecture|tech stack|module layout)\b`),
		regexp.MustCompile(`(这个|当前|本)(项目|工程|代码库|仓库)`),
	}
	temporaryPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(today|tomorrow|tonight|this week|next week|right now)\b`),
		regexp.MustCompile(`(今天|明天|今晚|这周|下周|临时|暂时)`),
	}
)

// AssignImportance scores content in [0,1] from keyword patterns:
// rules and preferences rank high, dated or transient text ranks low
func AssignImportance(content string) float64 {
	text := strings.TrimSpace(content)
	switch {
	case matchAny(rulePatterns, text):
		return importanceRule
	case matchAny(preferencePatterns, text):
		return importancePreference
	case matchAny(projectPatterns, text):
		return importanceProject
	case matchAny(temporaryPatterns, text):
		return importanceTemporary
	}
	return importanceDefault
}

// ClampImportance bounds an importance weight to [0,1]
func ClampImportance(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

// resolveImportance applies the heuristic to unset (zero) weights
func resolveImportance(op string, v float64, content string) (float64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, validationError(op, "importance must be a finite number")
	}
	if v == 0 {
		return AssignImportance(content), nil
	}
	return ClampImportance(v), nil
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// normalizeTags trims, drops empties and dedupes while keeping order
func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		key := strings.ToLower(tag)
		if tag == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, tag)
	}
	return out
}
