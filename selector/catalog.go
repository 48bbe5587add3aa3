// CLAUDE:SUMMARY YAML catalog files — seed selector definitions into the registry at startup.
package selector

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Catalog is the YAML seed file format:
//
//	selectors:
//	  - name: home_team_name
//	    scope: match_centre
//	    threshold: 0.8
//	    strategies:
//	      - kind: attribute_match
//	        priority: 1
//	        attribute_match:
//	          attribute: data-team
//	          value_pattern: home
//	    validation:
//	      - kind: non_empty
//	        required: true
type Catalog struct {
	Selectors []SemanticSelector `yaml:"selectors"`
}

// LoadCatalog parses a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("selector: read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses catalog YAML.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("selector: parse catalog: %w", err)
	}
	return &c, nil
}

// Seed upserts every catalog definition that differs from the stored one.
// Unchanged definitions are skipped, so re-seeding at every boot does not
// churn versions or history. Returns the number of selectors written.
func (r *Registry) Seed(ctx context.Context, c *Catalog) (int, error) {
	written := 0
	for i := range c.Selectors {
		incoming := c.Selectors[i].Clone()
		Normalize(incoming)
		if err := Validate(incoming); err != nil {
			return written, err
		}
		if current, err := r.Get(incoming.Name); err == nil && Equal(current, incoming) {
			continue
		}
		if err := r.Upsert(ctx, incoming); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

// SeedFile loads a catalog file and seeds it.
func (r *Registry) SeedFile(ctx context.Context, path string) (int, error) {
	c, err := LoadCatalog(path)
	if err != nil {
		return 0, err
	}
	return r.Seed(ctx, c)
}
