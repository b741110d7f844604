package skills

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hession/memcore/internal/memory"
)

// FileRegistry reads one markdown file per skill from a directory.
// The file name (without .md) is the skill ID.
type FileRegistry struct {
	dir string
}

// NewFileRegistry creates a registry over dir
func NewFileRegistry(dir string) *FileRegistry {
	return &FileRegistry{dir: dir}
}

// Dir returns the skill directory
func (r *FileRegistry) Dir() string {
	return r.dir
}

// Fetch loads the given skills in request order
func (r *FileRegistry) Fetch(ctx context.Context, ids []string) ([]Skill, error) {
	ids = dedupeIDs(ids)
	out := make([]Skill, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s, err := r.load(id)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, nil
}

// List loads every skill in the directory, sorted by ID
func (r *FileRegistry) List(ctx context.Context) ([]Skill, error) {
	entries, err := os.ReadDir(r.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, memory.NewMemoryErrorWithPath("list_skills", r.dir, err)
	}

	var out []Skill
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s, err := r.load(strings.TrimSuffix(entry.Name(), ".md"))
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Save writes a skill file, normalizing its ID
func (r *FileRegistry) Save(s *Skill) error {
	s.ID = NormalizeID(s.ID)
	if s.ID == "" {
		return memory.NewMemoryErrorWithDetails("save_skill", memory.ErrValidation, "skill id is required")
	}
	if s.Version == "" {
		s.Version = "1"
	}
	data, err := SerializeSkill(s)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("failed to create skills directory: %w", err)
	}
	path := r.path(s.ID)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return memory.NewMemoryErrorWithPath("save_skill", path, err)
	}
	return nil
}

func (r *FileRegistry) load(id string) (*Skill, error) {
	path := r.path(id)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, memory.NewMemoryErrorWithPath("load_skill", path, fmt.Errorf("%w: skill %s", memory.ErrNotFound, id))
	}
	if err != nil {
		return nil, memory.NewMemoryErrorWithPath("load_skill", path, err)
	}

	s, err := ParseSkill(data, id)
	if err != nil {
		return nil, memory.NewMemoryErrorWithPath("load_skill", path, err)
	}
	// The file name is authoritative so Fetch(id) always returns id
	s.ID = id
	return s, nil
}

func (r *FileRegistry) path(id string) string {
	return filepath.Join(r.dir, id+".md")
}
