package purchases

import (
	"sort"
	"strings"
)

// Package is a purchasable bundle of credits.
type Package struct {
	Code          string `json:"code"`
	Name          string `json:"name"`
	PriceUSDCents int64  `json:"priceUsdCents"`
	BaseCredits   int64  `json:"baseCredits"`
	BonusCredits  int64  `json:"bonusCredits"`
}

// TotalCredits is the amount granted on fulfilment.
func (p Package) TotalCredits() int64 {
	return p.BaseCredits + p.BonusCredits
}

// Catalog is the fixed set of packages offered at checkout.
type Catalog struct {
	packages map[string]Package
}

// DefaultPackages mirrors the reference price list: 1000 credits per dollar
// with volume bonuses.
var DefaultPackages = []Package{
	{Code: "starter", Name: "Starter", PriceUSDCents: 500, BaseCredits: 5000},
	{Code: "builder", Name: "Builder", PriceUSDCents: 2000, BaseCredits: 20000, BonusCredits: 2000},
	{Code: "scale", Name: "Scale", PriceUSDCents: 5000, BaseCredits: 50000, BonusCredits: 7500},
}

// NewCatalog indexes packages by normalised code.
func NewCatalog(packages ...Package) *Catalog {
	if len(packages) == 0 {
		packages = DefaultPackages
	}
	c := &Catalog{packages: make(map[string]Package, len(packages))}
	for _, pkg := range packages {
		c.packages[normaliseCode(pkg.Code)] = pkg
	}
	return c
}

// Lookup resolves a package code.
func (c *Catalog) Lookup(code string) (Package, bool) {
	pkg, ok := c.packages[normaliseCode(code)]
	return pkg, ok
}

// MatchPrice finds the package sold at exactly the given price, for
// sessions created without package metadata.
func (c *Catalog) MatchPrice(cents int64) (Package, bool) {
	var found Package
	matches := 0
	for _, pkg := range c.packages {
		if pkg.PriceUSDCents == cents {
			found = pkg
			matches++
		}
	}
	return found, matches == 1
}

// List returns the packages ordered by price.
func (c *Catalog) List() []Package {
	out := make([]Package, 0, len(c.packages))
	for _, pkg := range c.packages {
		out = append(out, pkg)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PriceUSDCents < out[j].PriceUSDCents
	})
	return out
}

func normaliseCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}
