package policy

import (
	"bytes"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/paygate/internal/model"
)

// rawPolicy is the loosely-typed boundary shape. Pointers distinguish absent
// fields so defaults are applied exactly once, here.
type rawPolicy struct {
	ID              string             `yaml:"id"`
	Name            string             `yaml:"name"`
	DailyCapUSD     *float64           `yaml:"daily_cap_usd"`
	WeeklyCapUSD    *float64           `yaml:"weekly_cap_usd"`
	PerCallCapUSD   *float64           `yaml:"per_call_cap_usd"`
	AllowTools      []string           `yaml:"allow_tools"`
	DenyTools       []string           `yaml:"deny_tools"`
	AllowDomains    []string           `yaml:"allow_domains"`
	DenyDomains     []string           `yaml:"deny_domains"`
	PerEndpointCaps map[string]float64 `yaml:"per_endpoint_caps"`
	Enabled         *bool              `yaml:"enabled"`
}

// Parse decodes a policy document (YAML or JSON, since YAML is a superset)
// into the strict internal form. Unknown fields are rejected, required caps
// checked, and defaults applied; downstream code never re-validates.
func Parse(r io.Reader) (*model.Policy, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var raw rawPolicy
	if err := dec.Decode(&raw); err != nil {
		return nil, eris.Wrap(err, "policy: decode document")
	}

	if raw.ID == "" {
		return nil, eris.New("policy: id is required")
	}
	if raw.DailyCapUSD == nil {
		return nil, eris.Errorf("policy %s: daily_cap_usd is required", raw.ID)
	}
	if raw.PerCallCapUSD == nil {
		return nil, eris.Errorf("policy %s: per_call_cap_usd is required", raw.ID)
	}
	if *raw.DailyCapUSD < 0 || *raw.PerCallCapUSD < 0 {
		return nil, eris.Errorf("policy %s: caps must be non-negative", raw.ID)
	}
	weekly := 0.0
	if raw.WeeklyCapUSD != nil {
		if *raw.WeeklyCapUSD < 0 {
			return nil, eris.Errorf("policy %s: weekly_cap_usd must be non-negative", raw.ID)
		}
		weekly = *raw.WeeklyCapUSD
	}
	for ep, cap := range raw.PerEndpointCaps {
		if cap < 0 {
			return nil, eris.Errorf("policy %s: per_endpoint_caps[%s] must be non-negative", raw.ID, ep)
		}
	}

	enabled := true
	if raw.Enabled != nil {
		enabled = *raw.Enabled
	}
	name := raw.Name
	if name == "" {
		name = raw.ID
	}

	return &model.Policy{
		ID:              raw.ID,
		Name:            name,
		DailyCapUSD:     *raw.DailyCapUSD,
		WeeklyCapUSD:    weekly,
		PerCallCapUSD:   *raw.PerCallCapUSD,
		AllowTools:      raw.AllowTools,
		DenyTools:       raw.DenyTools,
		AllowDomains:    raw.AllowDomains,
		DenyDomains:     raw.DenyDomains,
		PerEndpointCaps: raw.PerEndpointCaps,
		Enabled:         enabled,
	}, nil
}

// ParseBytes is Parse over an in-memory document.
func ParseBytes(b []byte) (*model.Policy, error) {
	return Parse(bytes.NewReader(b))
}

// LoadFile reads and parses a policy document from disk.
func LoadFile(path string) (*model.Policy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "policy: open %s", path)
	}
	defer f.Close()
	return Parse(f)
}
