package parser

import (
	"bytes"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/starford/waymark/internal/models"
)

// Render serializes e as a new entity file.
func Render(e *models.Entity) ([]byte, error) {
	fm, err := yaml.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("parser: render %s: %w", e.ID, err)
	}
	var buf bytes.Buffer
	buf.WriteString(delim + "\n")
	buf.Write(fm)
	buf.WriteString(delim + "\n")
	if e.Content != "" {
		buf.WriteString(e.Content)
	}
	return buf.Bytes(), nil
}

// Patch rewrites the entity-managed keys of an existing file's frontmatter
// from e, keeping unknown keys, key order and the body untouched. Files
// without frontmatter are rendered from scratch.
func Patch(data []byte, e *models.Entity) ([]byte, error) {
	block, body, ok := cutFrontmatter(data)
	if !ok {
		return Render(e)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(block, &doc); err != nil || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return Render(e)
	}
	m := doc.Content[0]

	parentKey := "parent"
	if lookup(m, "parent") == nil && lookup(m, "milestone") != nil {
		parentKey = "milestone"
	}

	fields := []struct {
		key   string
		value any
	}{
		{"id", string(e.ID)},
		{"type", string(e.Type)},
		{"title", e.Title},
		{"status", string(e.Status)},
		{"workstream", e.Workstream},
		{"priority", e.Priority},
		{"effort", e.Effort},
		{parentKey, string(e.Parent)},
		{"depends_on", e.DependsOn},
		{"blocked_by", e.BlockedBy},
		{"blocks", e.Blocks},
		{"enables", e.Enables},
		{"implements", e.Implements},
		{"implemented_by", e.ImplementedBy},
		{"supersedes", string(e.Supersedes)},
		{"previous_version", string(e.PreviousVersion)},
		{"canvas_source", e.CanvasSource},
		{"archived", e.Archived},
		{"created", e.CreatedAt},
		{"updated", e.UpdatedAt},
	}
	for _, f := range fields {
		if err := setKey(m, f.key, f.value); err != nil {
			return nil, fmt.Errorf("parser: patch %s: %s: %w", e.ID, f.key, err)
		}
	}

	fm, err := yaml.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("parser: patch %s: %w", e.ID, err)
	}
	var buf bytes.Buffer
	buf.WriteString(delim + "\n")
	buf.Write(fm)
	buf.WriteString(delim + "\n")
	buf.WriteString(body)
	return buf.Bytes(), nil
}

func lookup(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

// setKey replaces the value of key in mapping m. Empty values never add
// new keys; an existing id list is kept as [] and other existing keys are
// removed.
func setKey(m *yaml.Node, key string, value any) error {
	empty := isEmpty(value)
	if ids, ok := value.([]models.EntityID); ok && ids == nil {
		value = []models.EntityID{}
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value != key {
			continue
		}
		if _, list := value.([]models.EntityID); empty && !list {
			m.Content = append(m.Content[:i], m.Content[i+2:]...)
			return nil
		}
		var n yaml.Node
		if err := n.Encode(value); err != nil {
			return err
		}
		if n.Kind == yaml.SequenceNode {
			n.Style = yaml.FlowStyle
		}
		n.HeadComment = m.Content[i+1].HeadComment
		n.LineComment = m.Content[i+1].LineComment
		m.Content[i+1] = &n
		return nil
	}
	if empty {
		return nil
	}
	var n yaml.Node
	if err := n.Encode(value); err != nil {
		return err
	}
	if n.Kind == yaml.SequenceNode {
		n.Style = yaml.FlowStyle
	}
	m.Content = append(m.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}, &n)
	return nil
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case string:
		return t == ""
	case []models.EntityID:
		return len(t) == 0
	case bool:
		return !t
	case time.Time:
		return t.IsZero()
	}
	return v == nil
}
