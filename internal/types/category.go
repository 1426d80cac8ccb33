// Package types holds the domain model shared by the agent and the collector server:
// metric categories and their payloads, snapshots, nodes, samples and events.
package types

import (
	"fmt"
	"strings"
)

// Category is one of the nine metric families a node can report.
type Category string

const (
	CategoryCPU       Category = "cpu"
	CategoryMemory    Category = "memory"
	CategoryDisk      Category = "disk"
	CategoryNetwork   Category = "network"
	CategoryProcess   Category = "process"
	CategorySecurity  Category = "security"
	CategoryKernel    Category = "kernel"
	CategoryContainer Category = "container"
	CategoryService   Category = "service"
)

var allCategories = []Category{
	CategoryCPU,
	CategoryMemory,
	CategoryDisk,
	CategoryNetwork,
	CategoryProcess,
	CategorySecurity,
	CategoryKernel,
	CategoryContainer,
	CategoryService,
}

// AllCategories returns every category in canonical order.
func AllCategories() []Category {
	out := make([]Category, len(allCategories))
	copy(out, allCategories)
	return out
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, known := range allCategories {
		if c == known {
			return true
		}
	}
	return false
}

// ParseCategory accepts the canonical name plus the plural snapshot keys
// ("processes", "containers", "services").
func ParseCategory(s string) (Category, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "processes":
		return CategoryProcess, nil
	case "containers":
		return CategoryContainer, nil
	case "services":
		return CategoryService, nil
	}
	c := Category(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown metric category %q", s)
	}
	return c, nil
}

// CategorySet is the set of categories enabled for collection.
type CategorySet map[Category]bool

// NewCategorySet builds a set from the given categories.
func NewCategorySet(cats ...Category) CategorySet {
	set := make(CategorySet, len(cats))
	for _, c := range cats {
		set[c] = true
	}
	return set
}

// Has reports whether c is enabled.
func (s CategorySet) Has(c Category) bool {
	return s[c]
}

// List returns the enabled categories in canonical order.
func (s CategorySet) List() []Category {
	out := make([]Category, 0, len(s))
	for _, c := range allCategories {
		if s[c] {
			out = append(out, c)
		}
	}
	return out
}
