package skills

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// FrontmatterDelimiter YAML frontmatter delimiter
const FrontmatterDelimiter = "---"

// skillFrontmatter YAML header of a skill file
type skillFrontmatter struct {
	ID          string   `yaml:"id,omitempty"`
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version,omitempty"`
	Description string   `yaml:"description,omitempty"`
	AppliesTo   []string `yaml:"applies_to,omitempty"`
}

// ParseSkill parses a markdown skill file. fallbackID is used when the
// frontmatter has neither id nor name.
func ParseSkill(content []byte, fallbackID string) (*Skill, error) {
	fm, body, err := splitFrontmatter(content)
	if err != nil {
		return nil, err
	}

	var meta skillFrontmatter
	if len(fm) > 0 {
		if err := yaml.Unmarshal(fm, &meta); err != nil {
			return nil, fmt.Errorf("failed to parse skill frontmatter: %w", err)
		}
	}

	id := meta.ID
	if id == "" {
		id = meta.Name
	}
	if id == "" {
		id = fallbackID
	}

	s := &Skill{
		ID:          NormalizeID(id),
		Name:        meta.Name,
		Version:     meta.Version,
		Description: meta.Description,
		AppliesTo:   meta.AppliesTo,
		Content:     strings.TrimSpace(string(body)),
	}
	if s.ID == "" {
		return nil, fmt.Errorf("skill has no id")
	}
	if s.Name == "" {
		s.Name = s.ID
	}
	if s.Version == "" {
		s.Version = "1"
	}
	return s, nil
}

// SerializeSkill renders a skill as markdown with a YAML frontmatter header
func SerializeSkill(s *Skill) ([]byte, error) {
	fm, err := yaml.Marshal(skillFrontmatter{
		ID:          s.ID,
		Name:        s.Name,
		Version:     s.Version,
		Description: s.Description,
		AppliesTo:   s.AppliesTo,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize skill frontmatter: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(FrontmatterDelimiter)
	buf.WriteString("\n")
	buf.Write(fm)
	buf.WriteString(FrontmatterDelimiter)
	buf.WriteString("\n\n")
	buf.WriteString(s.Content)
	buf.WriteString("\n")
	return buf.Bytes(), nil
}

// splitFrontmatter separates the YAML header from the body.
// Content without a leading delimiter is all body.
func splitFrontmatter(content []byte) ([]byte, []byte, error) {
	reader := bufio.NewReader(bytes.NewReader(content))

	firstLine, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return nil, nil, fmt.Errorf("failed to read skill: %w", err)
	}
	if strings.TrimSpace(firstLine) != FrontmatterDelimiter {
		return nil, content, nil
	}

	var fm bytes.Buffer
	foundEnd := false
	for {
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, nil, fmt.Errorf("failed to read frontmatter: %w", err)
		}
		if strings.TrimSpace(line) == FrontmatterDelimiter {
			foundEnd = true
			break
		}
		fm.WriteString(line)
		if err == io.EOF {
			break
		}
	}
	if !foundEnd {
		return nil, nil, fmt.Errorf("frontmatter is not terminated")
	}

	var body bytes.Buffer
	if _, err := io.Copy(&body, reader); err != nil {
		return nil, nil, fmt.Errorf("failed to read body: %w", err)
	}
	return fm.Bytes(), bytes.TrimLeft(body.Bytes(), "\n\r"), nil
}
