package worker

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Service describes one streaming service the worker knows how to drive,
// grounded on original_source/agent/config.py's SERVICE_URLS/ACCOUNT_URLS
// maps, generalized into a loadable catalog (supplementing the distilled
// spec, which names service ids but not this lookup) and extended with plan
// tiers so a resume job can tell the vision model which plan to pick.
type Service struct {
	ID         string   `yaml:"id"`
	Name       string   `yaml:"name"`
	SignInURL  string   `yaml:"sign_in_url"`
	AccountURL string   `yaml:"account_url"`
	PlanTiers  []string `yaml:"plan_tiers,omitempty"`
}

// Catalog is the loaded set of services keyed by id.
type Catalog struct {
	services map[string]Service
}

type catalogFile struct {
	Services []Service `yaml:"services"`
}

// LoadCatalog reads a YAML catalog file (internal/config.Config.ServiceCatalogPath).
func LoadCatalog(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("catalog: parse %s: %w", path, err)
	}
	c := &Catalog{services: make(map[string]Service, len(f.Services))}
	for _, s := range f.Services {
		c.services[s.ID] = s
	}
	return c, nil
}

// DefaultCatalog returns the built-in catalog, used when no catalog file is
// configured; mirrors config.py's SERVICE_URLS/ACCOUNT_URLS exactly.
func DefaultCatalog() *Catalog {
	defaults := []Service{
		{ID: "netflix", Name: "Netflix", SignInURL: "https://www.netflix.com/", AccountURL: "https://www.netflix.com/account", PlanTiers: []string{"standard", "premium"}},
		{ID: "hulu", Name: "Hulu", SignInURL: "https://secure.hulu.com/account/login", AccountURL: "https://secure.hulu.com/account", PlanTiers: []string{"ad_supported", "no_ads"}},
		{ID: "disney_plus", Name: "Disney+", SignInURL: "https://www.disneyplus.com/login", AccountURL: "https://www.disneyplus.com/account"},
		{ID: "paramount", Name: "Paramount+", SignInURL: "https://www.paramountplus.com/account/signin/", AccountURL: "https://www.paramountplus.com/account/"},
		{ID: "peacock", Name: "Peacock", SignInURL: "https://www.peacocktv.com/signin", AccountURL: "https://www.peacocktv.com/account"},
		{ID: "max", Name: "Max", SignInURL: "https://play.max.com/login", AccountURL: "https://play.max.com/account"},
	}
	c := &Catalog{services: make(map[string]Service, len(defaults))}
	for _, s := range defaults {
		c.services[s.ID] = s
	}
	return c
}

func (c *Catalog) Get(serviceID string) (Service, bool) {
	s, ok := c.services[serviceID]
	return s, ok
}

// PlanTierFor returns the plan tier label for a resume job, falling back to
// the catalog's first known tier; requested is returned unchanged if the
// service is unknown or has no tiers.
func (c *Catalog) PlanTierFor(serviceID, requested string) string {
	svc, ok := c.services[serviceID]
	if !ok {
		return requested
	}
	if requested != "" {
		for _, t := range svc.PlanTiers {
			if t == requested {
				return requested
			}
		}
	}
	if len(svc.PlanTiers) > 0 {
		return svc.PlanTiers[0]
	}
	return requested
}
