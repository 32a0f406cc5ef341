// Package catalog loads the question catalog the tracker studies
// against. The catalog is read-only input: the core only consumes the
// identifying fields and the category grouping.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/go-playground/validator/v10"

	"github.com/mfujita/repcheck/internal/domain"
)

// Entry is one exam question in the catalog.
type Entry struct {
	Source string `json:"source" validate:"required"`
	Number string `json:"number" validate:"required"`
	Title  string `json:"title"`
	Year   int    `json:"year"`
}

// ID returns the question's composite identity, stable across
// sessions and catalog reloads.
func (e Entry) ID() domain.QuestionID {
	return domain.MakeQuestionID(e.Source, e.Number)
}

// Catalog is the full question set grouped by category.
type Catalog struct {
	Model      string             `json:"model"`
	Categories map[string][]Entry `json:"categories"`
}

var validate = validator.New()

// Load reads and validates a catalog JSON file. Entries missing their
// identifying fields fail the load; a half-usable catalog would
// produce unstable question ids.
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}

	var c Catalog
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", path, err)
	}

	for category, entries := range c.Categories {
		for i, entry := range entries {
			if err := validate.Struct(entry); err != nil {
				return nil, fmt.Errorf("invalid entry %d in category %q: %w", i, category, err)
			}
		}
	}
	return &c, nil
}

// CategoryNames returns the category names in stable sorted order.
func (c *Catalog) CategoryNames() []string {
	names := make([]string, 0, len(c.Categories))
	for name := range c.Categories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IDs returns every question id in the catalog, category by category
// in sorted order.
func (c *Catalog) IDs() []domain.QuestionID {
	var ids []domain.QuestionID
	for _, name := range c.CategoryNames() {
		for _, entry := range c.Categories[name] {
			ids = append(ids, entry.ID())
		}
	}
	return ids
}

// CategoryIDs returns the question ids of one category.
func (c *Catalog) CategoryIDs(category string) []domain.QuestionID {
	entries := c.Categories[category]
	ids := make([]domain.QuestionID, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.ID())
	}
	return ids
}

// Len returns the total number of questions.
func (c *Catalog) Len() int {
	n := 0
	for _, entries := range c.Categories {
		n += len(entries)
	}
	return n
}
