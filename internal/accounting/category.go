package accounting

import (
	"strings"

	"example.com/workoutsync/internal/domain"
)

// Resolution is the outcome of classifying an activity.
// Category drives accounting; Display is what the user sees and may differ for hybrid activities.
type Resolution struct {
	Category  domain.Category
	Display   domain.Category
	Ambiguous bool
}

// ResolveFunc returns a category and true when it has an opinion about the activity.
type ResolveFunc func(domain.Activity) (domain.Category, bool)

// Resolver applies resolve functions in order; the first non-empty answer wins.
type Resolver struct {
	steps []ResolveFunc
}

// DefaultTypeTable maps lower-cased activity types (or "type/subtype") to categories.
var DefaultTypeTable = map[string]domain.Category{
	"strength":            domain.CategoryLifts,
	"functional_strength": domain.CategoryLifts,
	"weightlifting":       domain.CategoryLifts,
	"lifting":             domain.CategoryLifts,
	"crossfit":            domain.CategoryLifts,
	"core":                domain.CategoryLifts,
	"running":             domain.CategoryCardio,
	"walking":             domain.CategoryCardio,
	"cycling":             domain.CategoryCardio,
	"swimming":            domain.CategoryCardio,
	"rowing":              domain.CategoryCardio,
	"hiking":              domain.CategoryCardio,
	"elliptical":          domain.CategoryCardio,
	"hiit":                domain.CategoryCardio,
	"stair_climbing":      domain.CategoryCardio,
	"yoga":                domain.CategoryRecovery,
	"pilates":             domain.CategoryRecovery,
	"stretching":          domain.CategoryRecovery,
	"flexibility":         domain.CategoryRecovery,
	"mobility":            domain.CategoryRecovery,
	"cooldown":            domain.CategoryRecovery,
	"mind_and_body":       domain.CategoryRecovery,
	"recovery":            domain.CategoryRecovery,
	"yoga/power":          domain.CategoryLifts,
}

// NewResolver builds the standard chain: explicit override, custom category, type table, then cardio.
func NewResolver(table map[string]domain.Category) *Resolver {
	if table == nil {
		table = DefaultTypeTable
	}
	return &Resolver{steps: []ResolveFunc{
		overrideStep,
		customStep,
		typeStep(table),
		func(domain.Activity) (domain.Category, bool) { return domain.CategoryCardio, true },
	}}
}

// Resolve classifies the activity.
func (r *Resolver) Resolve(activity domain.Activity) Resolution {
	var category domain.Category
	for _, step := range r.steps {
		if c, ok := step(activity); ok && c != "" {
			category = c
			break
		}
	}
	res := Resolution{Category: category, Display: category}
	override, hasOverride := overrideStep(activity)
	custom, hasCustom := customStep(activity)
	if hasCustom {
		res.Display = custom
	}
	res.Ambiguous = hasOverride && hasCustom && override != custom
	return res
}

func overrideStep(a domain.Activity) (domain.Category, bool) {
	return domain.ParseCategory(string(a.Hints.CategoryOverride))
}

func customStep(a domain.Activity) (domain.Category, bool) {
	return domain.ParseCategory(string(a.Hints.CustomCategory))
}

func typeStep(table map[string]domain.Category) ResolveFunc {
	return func(a domain.Activity) (domain.Category, bool) {
		kind := strings.ToLower(strings.TrimSpace(a.Type))
		if a.Subtype != "" {
			if c, ok := table[kind+"/"+strings.ToLower(strings.TrimSpace(a.Subtype))]; ok {
				return c, true
			}
		}
		c, ok := table[kind]
		return c, ok
	}
}
