package glosa

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/clinica/tiss/internal/tiss/encoding"
)

//go:embed policy.yaml
var defaultPolicyYAML []byte

// Thresholds are the lower probability bounds of each risk level above low.
type Thresholds struct {
	Medium   float64 `yaml:"medium" json:"medium"`
	High     float64 `yaml:"high" json:"high"`
	Critical float64 `yaml:"critical" json:"critical"`
}

// Level maps a probability to its risk level.
func (t Thresholds) Level(p float64) RiskLevel {
	switch {
	case p >= t.Critical:
		return RiskCritical
	case p >= t.High:
		return RiskHigh
	case p >= t.Medium:
		return RiskMedium
	default:
		return RiskLow
	}
}

// OperatorProfile holds what is known about one operator's rejection
// patterns.
type OperatorProfile struct {
	Name                  string             `yaml:"name" json:"name"`
	Aliases               []string           `yaml:"aliases" json:"aliases,omitempty"`
	CardLength            int                `yaml:"card_length" json:"card_length,omitempty"`
	RequireCID            bool               `yaml:"require_cid" json:"require_cid"`
	DeadlineDays          int                `yaml:"deadline_days" json:"deadline_days,omitempty"`
	AuthorizationPrefixes []string           `yaml:"authorization_prefixes" json:"authorization_prefixes,omitempty"`
	ContractedProcedures  []string           `yaml:"contracted_procedures" json:"contracted_procedures,omitempty"`
	FeeTable              map[string]float64 `yaml:"fee_table" json:"fee_table,omitempty"`
	FeeTolerance          float64            `yaml:"fee_tolerance" json:"fee_tolerance,omitempty"`
}

func (p OperatorProfile) contracts(code string) bool {
	if len(p.ContractedProcedures) == 0 {
		return true
	}
	for _, c := range p.ContractedProcedures {
		if c == code {
			return true
		}
	}
	return false
}

func (p OperatorProfile) needsAuthorization(code string) bool {
	for _, prefix := range p.AuthorizationPrefixes {
		if strings.HasPrefix(code, prefix) {
			return true
		}
	}
	return false
}

// Policy is the complete, inspectable configuration of the predictor.
type Policy struct {
	Thresholds     Thresholds         `yaml:"thresholds" json:"thresholds"`
	Weights        map[string]float64 `yaml:"weights" json:"weights"`
	Disabled       []string           `yaml:"disabled" json:"disabled,omitempty"`
	DefaultProfile OperatorProfile    `yaml:"default_profile" json:"default_profile"`
	Operators      []OperatorProfile  `yaml:"operators" json:"operators"`
}

// DefaultPolicy returns the embedded policy.
func DefaultPolicy() Policy {
	p, err := ParsePolicy(defaultPolicyYAML)
	if err != nil {
		panic(fmt.Sprintf("glosa: embedded policy.yaml is invalid: %v", err))
	}
	return p
}

// LoadPolicy reads a policy file. An empty path returns the embedded policy.
func LoadPolicy(path string) (Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read glosa policy: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes and validates a YAML policy.
func ParsePolicy(data []byte) (Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("decode glosa policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Validate checks thresholds are ordered and weights refer to known rules.
func (p Policy) Validate() error {
	t := p.Thresholds
	if !(0 < t.Medium && t.Medium < t.High && t.High < t.Critical && t.Critical <= 1) {
		return fmt.Errorf("glosa policy: thresholds must satisfy 0 < medium < high < critical <= 1, got %.2f/%.2f/%.2f",
			t.Medium, t.High, t.Critical)
	}
	known := map[string]bool{}
	for _, r := range ruleTable {
		known[r.ID] = true
	}
	for id, w := range p.Weights {
		if !known[id] {
			return fmt.Errorf("glosa policy: unknown rule %q", id)
		}
		if w < 0 || w > 1 {
			return fmt.Errorf("glosa policy: weight of %s must be within [0,1], got %.2f", id, w)
		}
	}
	for _, id := range p.Disabled {
		if !known[id] {
			return fmt.Errorf("glosa policy: unknown disabled rule %q", id)
		}
	}
	for _, op := range p.Operators {
		if op.Name == "" {
			return fmt.Errorf("glosa policy: operator profile without name")
		}
	}
	return nil
}

// Profile returns the operator profile whose alias best matches
// operatorName, or the default profile.
func (p Policy) Profile(operatorName string) OperatorProfile {
	name := encoding.Fold(operatorName)
	if name == "" {
		return p.DefaultProfile
	}

	best := -1
	bestLen := 0
	for i, op := range p.Operators {
		for _, alias := range append([]string{op.Name}, op.Aliases...) {
			a := encoding.Fold(alias)
			if a == "" || len(a) <= bestLen {
				continue
			}
			if strings.Contains(" "+name+" ", " "+a+" ") || encoding.FoldKey(operatorName) == encoding.FoldKey(alias) {
				best, bestLen = i, len(a)
			}
		}
	}
	if best < 0 {
		return p.DefaultProfile
	}
	prof := p.Operators[best]
	if prof.DeadlineDays == 0 {
		prof.DeadlineDays = p.DefaultProfile.DeadlineDays
	}
	return prof
}

func (p Policy) weight(r rule) float64 {
	if w, ok := p.Weights[r.ID]; ok {
		return w
	}
	return r.Weight
}

func (p Policy) enabled(id string) bool {
	for _, d := range p.Disabled {
		if d == id {
			return false
		}
	}
	return true
}
