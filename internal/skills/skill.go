// Package skills loads reusable instruction fragments that the context
// assembler injects whole, at system priority.
package skills

import (
	"context"
	"sort"
	"strings"

	"github.com/gosimple/slug"
)

// Skill a named, versioned instruction fragment
type Skill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description,omitempty"`
	AppliesTo   []string `json:"applies_to,omitempty"`
	Content     string   `json:"content"`
}

// Registry supplies skill definitions. Fetch returns skills in request
// order and fails with memory.ErrNotFound for unknown IDs.
type Registry interface {
	Fetch(ctx context.Context, ids []string) ([]Skill, error)
	List(ctx context.Context) ([]Skill, error)
}

// NormalizeID turns a skill name or ID into its canonical slug
func NormalizeID(id string) string {
	return slug.Make(strings.TrimSpace(id))
}

// Match returns the IDs of skills whose applies_to phrases occur in task,
// sorted for stable output
func Match(skills []Skill, task string) []string {
	text := strings.ToLower(task)
	var ids []string
	for _, s := range skills {
		for _, phrase := range s.AppliesTo {
			phrase = strings.ToLower(strings.TrimSpace(phrase))
			if phrase != "" && strings.Contains(text, phrase) {
				ids = append(ids, s.ID)
				break
			}
		}
	}
	sort.Strings(ids)
	return ids
}

// dedupeIDs normalizes IDs and drops repeats, keeping first-seen order
func dedupeIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = NormalizeID(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
