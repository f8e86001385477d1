// Package pii validates candidate secret values against configured
// category patterns before they enter the store. Compiled patterns are
// never exposed outside this package; callers only ever see the
// human-readable description and the masked-display format.
package pii

import (
	"regexp"
	"sort"
	"strings"

	"github.com/covault/covault/pkg/schema"
)

// Result is the outcome of validating one value against one category.
type Result struct {
	Valid         bool                   `json:"valid"`
	Tier          schema.SensitivityTier `json:"tier"`
	ExportAllowed bool                   `json:"export_allowed"`
	Description   string                 `json:"description"`
}

// Description is the caller-safe view of a category: everything except
// the compiled pattern.
type Description struct {
	ID            string                 `json:"id"`
	Tier          schema.SensitivityTier `json:"tier"`
	Description   string                 `json:"description"`
	MaskExample   string                 `json:"mask_example,omitempty"`
	ExportAllowed bool                   `json:"export_allowed"`
}

type category struct {
	id            string
	tier          schema.SensitivityTier
	pattern       *regexp.Regexp
	description   string
	mask          string
	exportAllowed bool
}

// Validator holds the compiled category set. Patterns are loaded once at
// startup and the Validator is read-only afterwards, so it is safe for
// concurrent use.
type Validator struct {
	categories map[string]*category
}

func newValidator(configs []categoryConfig) (*Validator, error) {
	cats := make(map[string]*category, len(configs))
	for _, c := range configs {
		if _, exists := cats[c.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate PII category %q", c.ID)
		}
		re, err := regexp.Compile(c.Pattern)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"category %q has an invalid pattern", c.ID).WithCause(err)
		}
		cats[c.ID] = &category{
			id:            c.ID,
			tier:          schema.SensitivityTier(c.Tier),
			pattern:       re,
			description:   c.Description,
			mask:          c.Mask,
			exportAllowed: c.exportAllowed(),
		}
	}
	return &Validator{categories: cats}, nil
}

// Validate checks value against the category's pattern. An invalid value
// yields a FORMAT_VALIDATION_FAILED error carrying the pattern
// description, never the pattern itself. An unknown category is a
// VALIDATION_ERROR.
func (v *Validator) Validate(value, categoryID string) (Result, error) {
	cat, ok := v.categories[categoryID]
	if !ok {
		return Result{}, schema.NewErrorf(schema.ErrCodeValidation, "unknown PII category %q", categoryID)
	}
	res := Result{
		Valid:         cat.pattern.MatchString(value),
		Tier:          cat.tier,
		ExportAllowed: cat.exportAllowed,
		Description:   cat.description,
	}
	if !res.Valid {
		return res, schema.NewErrorf(schema.ErrCodeFormatValidation,
			"value does not match category %q: expected %s", categoryID, cat.description).
			WithDetails(map[string]any{"category": categoryID, "expected": cat.description})
	}
	return res, nil
}

// Describe returns the caller-safe description of one category.
func (v *Validator) Describe(categoryID string) (Description, error) {
	cat, ok := v.categories[categoryID]
	if !ok {
		return Description{}, schema.NewErrorf(schema.ErrCodeValidation, "unknown PII category %q", categoryID)
	}
	return Description{
		ID:            cat.id,
		Tier:          cat.tier,
		Description:   cat.description,
		MaskExample:   cat.mask,
		ExportAllowed: cat.exportAllowed,
	}, nil
}

// Categories returns the caller-safe descriptions of every category,
// sorted by ID.
func (v *Validator) Categories() []Description {
	out := make([]Description, 0, len(v.categories))
	for _, cat := range v.categories {
		out = append(out, Description{
			ID:            cat.id,
			Tier:          cat.tier,
			Description:   cat.description,
			MaskExample:   cat.mask,
			ExportAllowed: cat.exportAllowed,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CheckExport refuses the whole set when any category blocks export,
// returning EXPORT_BLOCKED with the complete list of blocking categories.
// Partial exports are not permitted.
func (v *Validator) CheckExport(categoryIDs []string) error {
	blocked := make(map[string]struct{})
	for _, id := range categoryIDs {
		if id == "" {
			continue
		}
		cat, ok := v.categories[id]
		if !ok {
			// Unknown categories block export too: we cannot prove they
			// are exportable.
			blocked[id] = struct{}{}
			continue
		}
		if !cat.exportAllowed {
			blocked[id] = struct{}{}
		}
	}
	if len(blocked) == 0 {
		return nil
	}
	ids := make([]string, 0, len(blocked))
	for id := range blocked {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return schema.NewErrorf(schema.ErrCodeExportBlocked,
		"export blocked by categories: %s", strings.Join(ids, ", ")).
		WithDetails(map[string]any{"blocking_categories": ids})
}

// Mask renders value through the category's masked-display format. The
// format is literal text where each '#' reveals one trailing character of
// the value; everything else hides it. Unknown categories or categories
// without a mask collapse to a fixed-width redaction.
func (v *Validator) Mask(value, categoryID string) string {
	cat, ok := v.categories[categoryID]
	if !ok || cat.mask == "" {
		return "********"
	}

	reveal := strings.Count(cat.mask, "#")
	// Strip separators so "123-45-6789" reveals digits, not dashes.
	cleaned := strings.Map(func(r rune) rune {
		if r == '-' || r == ' ' || r == '(' || r == ')' || r == '.' {
			return -1
		}
		return r
	}, value)
	tail := cleaned
	if len(tail) > reveal {
		tail = tail[len(tail)-reveal:]
	}

	var b strings.Builder
	ti := 0
	for _, r := range cat.mask {
		if r == '#' {
			if ti < len(tail) {
				b.WriteByte(tail[ti])
				ti++
			} else {
				b.WriteByte('*')
			}
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
