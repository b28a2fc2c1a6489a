// Package parser reads and writes entity Markdown files: YAML frontmatter
// followed by a Markdown body.
package parser

import (
	"bytes"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/starford/waymark/internal/apperr"
	"github.com/starford/waymark/internal/models"
)

var wikilinkRe = regexp.MustCompile(`\[\[(.*?)\]\]`)

const delim = "---"

// Result holds the output of parsing a Markdown file.
type Result struct {
	Frontmatter map[string]any
	Body        string
	Links       []string
	Title       string
}

// Parse extracts frontmatter, body, wikilinks and title from raw Markdown.
func Parse(data []byte) (*Result, error) {
	fm, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, err
	}
	return &Result{
		Frontmatter: fm,
		Body:        body,
		Links:       extractLinks(body),
		Title:       deriveTitle(fm, body),
	}, nil
}

// splitFrontmatter separates YAML frontmatter (between leading --- lines)
// from the body. Without frontmatter the entire content is body.
func splitFrontmatter(data []byte) (map[string]any, string, error) {
	yamlBlock, body, ok := cutFrontmatter(data)
	if !ok {
		return nil, string(data), nil
	}
	var fm map[string]any
	if err := yaml.Unmarshal(yamlBlock, &fm); err != nil {
		// Broken YAML is treated as a file without frontmatter.
		return nil, string(data), nil
	}
	return fm, body, nil
}

func cutFrontmatter(data []byte) ([]byte, string, bool) {
	trimmed := bytes.TrimLeft(data, "\n\r")
	if !bytes.HasPrefix(trimmed, []byte(delim)) {
		return nil, "", false
	}
	rest := trimmed[len(delim):]
	idx := bytes.Index(rest, []byte("\n"+delim))
	if idx < 0 {
		return nil, "", false
	}
	after := rest[idx+1+len(delim):]
	return rest[:idx], strings.TrimLeft(string(after), "\n\r"), true
}

// extractLinks returns deduplicated wikilink targets with aliases removed.
func extractLinks(body string) []string {
	matches := wikilinkRe.FindAllStringSubmatch(body, -1)
	seen := make(map[string]struct{}, len(matches))
	var out []string
	for _, m := range matches {
		target, _, _ := strings.Cut(m[1], "|")
		target = strings.TrimSpace(target)
		if target == "" {
			continue
		}
		if _, ok := seen[target]; ok {
			continue
		}
		seen[target] = struct{}{}
		out = append(out, target)
	}
	return out
}

// deriveTitle returns the frontmatter title, else the first H1, else "".
func deriveTitle(fm map[string]any, body string) string {
	if s, ok := fm["title"].(string); ok && s != "" {
		return s
	}
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(trimmed[2:])
		}
	}
	return ""
}

// LinkedIDs returns the wikilink targets that name an entity, e.g.
// [[S-001]] or [[stories/S-001|Login]].
func (r *Result) LinkedIDs() []models.EntityID {
	var out []models.EntityID
	for _, l := range r.Links {
		if id := models.IDPattern.FindString(path.Base(l)); id != "" {
			out = append(out, models.EntityID(id))
		}
	}
	return out
}

// ParseEntity parses an entity file stored at vaultPath. Id list fields
// accept YAML lists, comma separated strings and damaged values such as
// "[S-003]" or double-encoded arrays; any well-formed id inside is kept.
// A file without an id in its frontmatter falls back to its file name.
func ParseEntity(vaultPath string, data []byte) (*models.Entity, error) {
	res, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if res.Frontmatter == nil {
		return nil, fmt.Errorf("parser: %s: %w: no frontmatter", vaultPath, apperr.ErrInvalidEntity)
	}
	fm := res.Frontmatter

	id := models.EntityID(scalar(fm["id"]))
	if id == "" {
		stem := strings.TrimSuffix(path.Base(vaultPath), ".md")
		if m := models.IDPattern.FindString(stem); m != "" && strings.HasPrefix(stem, m) {
			id = models.EntityID(m)
		}
	}
	if id == "" {
		return nil, fmt.Errorf("parser: %s: %w: missing id", vaultPath, apperr.ErrInvalidEntity)
	}

	e := &models.Entity{
		ID:              id,
		Type:            models.EntityType(strings.ToLower(scalar(fm["type"]))),
		Title:           res.Title,
		Status:          models.Status(scalar(fm["status"])),
		Workstream:      scalar(fm["workstream"]),
		Priority:        scalar(fm["priority"]),
		Effort:          scalar(fm["effort"]),
		Parent:          singleID(firstNonNil(fm["parent"], fm["milestone"])),
		DependsOn:       idList(fm["depends_on"]),
		BlockedBy:       idList(fm["blocked_by"]),
		Blocks:          idList(fm["blocks"]),
		Enables:         idList(fm["enables"]),
		Implements:      idList(fm["implements"]),
		ImplementedBy:   idList(fm["implemented_by"]),
		Supersedes:      singleID(fm["supersedes"]),
		PreviousVersion: singleID(fm["previous_version"]),
		CanvasSource:    scalar(fm["canvas_source"]),
		Archived:        truthy(fm["archived"]),
		VaultPath:       vaultPath,
		Content:         res.Body,
		CreatedAt:       timestamp(fm["created"]),
		UpdatedAt:       timestamp(fm["updated"]),
	}
	if e.Type == "" {
		e.Type, _ = id.Type()
	}
	return e, nil
}

func firstNonNil(values ...any) any {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case time.Time:
		return t.Format(time.DateOnly)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(t, "true") || strings.EqualFold(t, "yes")
	}
	return false
}

func timestamp(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.DateTime, time.DateOnly} {
			if ts, err := time.Parse(layout, strings.TrimSpace(t)); err == nil {
				return ts
			}
		}
	}
	return time.Time{}
}

// idList recovers every entity id from a list field, in order, without
// duplicates.
func idList(v any) []models.EntityID {
	var raw []string
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		for _, item := range t {
			raw = append(raw, scalar(item))
		}
	default:
		raw = []string{scalar(t)}
	}

	seen := make(map[string]struct{})
	var out []models.EntityID
	for _, s := range raw {
		for _, id := range models.IDPattern.FindAllString(s, -1) {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, models.EntityID(id))
		}
	}
	return out
}

func singleID(v any) models.EntityID {
	if ids := idList(v); len(ids) > 0 {
		return ids[0]
	}
	return ""
}
