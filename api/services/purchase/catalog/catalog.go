package catalog

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/tbeaudouin05/entitlement-sync/api/services/purchase/domain"
)

// Catalog is the static feature catalog. It is built once and never
// mutated; accessors return copies.
type Catalog struct {
	features  []domain.FeatureDefinition
	byProduct map[string][]string
}

type file struct {
	Features []domain.FeatureDefinition `yaml:"features"`
}

// LoadFile reads a YAML catalog:
//
//	features:
//	  - id: premium_themes
//	    level: premium
//	    requiredProductId: premium_unlock
func LoadFile(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML catalog bytes.
func Parse(data []byte) (Catalog, error) {
	var f file
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return Catalog{}, fmt.Errorf("decode catalog: %w", err)
	}
	return New(f.Features...)
}

// New validates definitions and builds a catalog.
func New(defs ...domain.FeatureDefinition) (Catalog, error) {
	c := Catalog{byProduct: make(map[string][]string)}
	seen := make(map[string]struct{}, len(defs))
	for _, d := range defs {
		d.ID = strings.TrimSpace(d.ID)
		d.RequiredProductID = strings.TrimSpace(d.RequiredProductID)
		if d.ID == "" {
			return Catalog{}, fmt.Errorf("feature id is required")
		}
		if _, dup := seen[d.ID]; dup {
			return Catalog{}, fmt.Errorf("duplicate feature %q", d.ID)
		}
		seen[d.ID] = struct{}{}
		if !d.Level.Valid() {
			return Catalog{}, fmt.Errorf("feature %q: unknown level %q", d.ID, d.Level)
		}
		if d.Level == domain.FeatureLevelPremium {
			if d.RequiredProductID == "" {
				return Catalog{}, fmt.Errorf("premium feature %q has no required product", d.ID)
			}
			c.byProduct[d.RequiredProductID] = append(c.byProduct[d.RequiredProductID], d.ID)
		}
		c.features = append(c.features, d)
	}
	return c, nil
}

// Features returns every definition in catalog order.
func (c Catalog) Features() []domain.FeatureDefinition {
	out := make([]domain.FeatureDefinition, len(c.features))
	copy(out, c.features)
	return out
}

// FreeFeatures lists the ids that are always unlocked.
func (c Catalog) FreeFeatures() []string {
	var ids []string
	for _, d := range c.features {
		if d.Level == domain.FeatureLevelFree {
			ids = append(ids, d.ID)
		}
	}
	return ids
}

// FeaturesForProduct lists the premium features a product unlocks, in
// catalog order. Empty means the product is unknown.
func (c Catalog) FeaturesForProduct(productID string) []string {
	ids := c.byProduct[productID]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// Lookup finds a feature by id.
func (c Catalog) Lookup(id string) (domain.FeatureDefinition, bool) {
	for _, d := range c.features {
		if d.ID == id {
			return d, true
		}
	}
	return domain.FeatureDefinition{}, false
}
