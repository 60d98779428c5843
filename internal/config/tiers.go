// tiers.go loads the rate-limit tier table from a YAML file.
//
// The table maps tier names to token-bucket parameters and identities to
// tiers. Identities without an explicit assignment use the default tier
// (100 requests/minute). A missing file is not an error: the built-in
// defaults apply.

package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/gluk-w/tunnelcore/internal/terrors"
)

// Tier describes one rate-limit tier.
type Tier struct {
	Name          string  `yaml:"name"`
	Capacity      float64 `yaml:"capacity"`
	RefillPerMin  float64 `yaml:"refill_per_min"`
}

// TierTable maps tiers and identity assignments.
type TierTable struct {
	Default    Tier              `yaml:"default"`
	Tiers      []Tier            `yaml:"tiers"`
	Identities map[string]string `yaml:"identities"` // identity -> tier name
}

// DefaultTierTable returns the built-in table: a single 100/min default tier.
func DefaultTierTable() *TierTable {
	return &TierTable{
		Default: Tier{Name: "default", Capacity: 100, RefillPerMin: 100},
	}
}

// LoadTierTable reads a tier table from path. An empty path or missing file
// yields the built-in defaults; a malformed file is a configuration error.
func LoadTierTable(path string) (*TierTable, error) {
	if path == "" {
		return DefaultTierTable(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultTierTable(), nil
		}
		return nil, terrors.Wrap(terrors.CategoryConfiguration, "tier_file_read", "cannot read rate tier file", false, err)
	}

	table := DefaultTierTable()
	if err := yaml.Unmarshal(data, table); err != nil {
		return nil, terrors.Wrap(terrors.CategoryConfiguration, "tier_file_parse", "cannot parse rate tier file", false, err)
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}

// Validate checks the tier table for consistency.
func (t *TierTable) Validate() error {
	if t.Default.Capacity <= 0 || t.Default.RefillPerMin <= 0 {
		return terrors.Configf("tier_invalid", "default tier must have positive capacity and refill rate")
	}
	names := map[string]bool{t.Default.Name: true}
	for _, tier := range t.Tiers {
		if tier.Capacity <= 0 || tier.RefillPerMin <= 0 {
			return terrors.Configf("tier_invalid", "tier %q must have positive capacity and refill rate", tier.Name)
		}
		names[tier.Name] = true
	}
	for identity, tierName := range t.Identities {
		if !names[tierName] {
			return terrors.Configf("tier_unknown", "identity %q assigned to unknown tier %q", identity, tierName)
		}
	}
	return nil
}

// TierFor returns the tier assigned to an identity, falling back to default.
func (t *TierTable) TierFor(identity string) Tier {
	name, ok := t.Identities[identity]
	if !ok {
		return t.Default
	}
	for _, tier := range t.Tiers {
		if tier.Name == name {
			return tier
		}
	}
	return t.Default
}
