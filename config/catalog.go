package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"pricewatch/models"
)

// Catalog lists the product groups to track. Each group is persisted to its
// own history file named after the group ID.
type Catalog struct {
	Groups []Group `yaml:"groups"`
}

// Group is a set of product pages whose observations share one store.
type Group struct {
	ID       string            `yaml:"id"`
	Name     string            `yaml:"name"`
	Products map[string]string `yaml:"products"`
}

var storeIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// LoadCatalog reads and validates a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog file: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("catalog validation failed: %w", err)
	}
	return &c, nil
}

func (c *Catalog) validate() error {
	seen := make(map[string]bool, len(c.Groups))
	for i, g := range c.Groups {
		if !storeIDPattern.MatchString(g.ID) {
			return fmt.Errorf("groups[%d].id %q must be alphanumeric with - or _", i, g.ID)
		}
		if seen[g.ID] {
			return fmt.Errorf("duplicate group id %q", g.ID)
		}
		seen[g.ID] = true
		for name, raw := range g.Products {
			if strings.TrimSpace(name) == "" {
				return fmt.Errorf("group %q has a product without a name", g.ID)
			}
			u, err := url.Parse(raw)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return fmt.Errorf("group %q product %q: invalid url %q", g.ID, name, raw)
			}
		}
	}
	return nil
}

// Entries returns the group's products ordered by name.
func (g Group) Entries() []models.ProductEntry {
	names := make([]string, 0, len(g.Products))
	for name := range g.Products {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]models.ProductEntry, 0, len(names))
	for _, name := range names {
		out = append(out, models.ProductEntry{Name: name, URL: g.Products[name], Group: g.ID})
	}
	return out
}

// Group returns the group with the given ID.
func (c *Catalog) Group(id string) (Group, bool) {
	for _, g := range c.Groups {
		if g.ID == id {
			return g, true
		}
	}
	return Group{}, false
}

// Size is the number of products across all groups.
func (c *Catalog) Size() int {
	n := 0
	for _, g := range c.Groups {
		n += len(g.Products)
	}
	return n
}
