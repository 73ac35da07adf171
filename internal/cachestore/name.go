package cachestore

import "strings"

// Cache categories used in store names.
const (
	CategoryStatic  = "static"
	CategoryDynamic = "dynamic"
	CategoryImages  = "images"
)

// Name is the structured form of "{prefix}-{category}-{generation}".
type Name struct {
	Prefix     string
	Category   string
	Generation string
}

func (n Name) String() string {
	return n.Prefix + "-" + n.Category + "-" + n.Generation
}

// ParseName splits a store name on its two right-most dashes, so the prefix
// may itself contain dashes. The category must be a known one.
func ParseName(s string) (Name, bool) {
	i := strings.LastIndexByte(s, '-')
	if i <= 0 || i == len(s)-1 {
		return Name{}, false
	}
	gen := s[i+1:]
	rest := s[:i]
	j := strings.LastIndexByte(rest, '-')
	if j <= 0 {
		return Name{}, false
	}
	cat := rest[j+1:]
	switch cat {
	case CategoryStatic, CategoryDynamic, CategoryImages:
	default:
		return Name{}, false
	}
	return Name{Prefix: rest[:j], Category: cat, Generation: gen}, true
}

// Namer builds the store names of one deployed generation.
type Namer struct {
	Prefix     string
	Generation string
}

func (n Namer) Name(category string) Name {
	return Name{Prefix: n.Prefix, Category: category, Generation: n.Generation}
}

func (n Namer) Static() string  { return n.Name(CategoryStatic).String() }
func (n Namer) Dynamic() string { return n.Name(CategoryDynamic).String() }
func (n Namer) Images() string  { return n.Name(CategoryImages).String() }

// Stale reports whether a store belongs to this namespace but to another
// generation.
func (n Namer) Stale(name Name) bool {
	return name.Prefix == n.Prefix && name.Generation != n.Generation
}
