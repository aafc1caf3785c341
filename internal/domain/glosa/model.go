package glosa

import "math"

// RiskLevel buckets a glosa probability.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Procedure is one billed item of a guide.
type Procedure struct {
	Code        string  `json:"code"`
	Description string  `json:"description,omitempty"`
	Quantity    int     `json:"quantity"`
	Value       float64 `json:"value"`
}

// UnitValue is the billed value per unit.
func (p Procedure) UnitValue() float64 {
	if p.Quantity <= 1 {
		return p.Value
	}
	return p.Value / float64(p.Quantity)
}

// GuideData is a guide about to be submitted to an operator.
type GuideData struct {
	ProviderGuideNumber   string      `json:"provider_guide_number,omitempty"`
	GuideType             string      `json:"guide_type,omitempty"`
	AuthorizationPassword string      `json:"authorization_password,omitempty"`
	BeneficiaryName       string      `json:"beneficiary_name,omitempty"`
	BeneficiaryCard       string      `json:"beneficiary_card,omitempty"`
	BeneficiaryCPF        string      `json:"beneficiary_cpf,omitempty"`
	CID                   string      `json:"cid,omitempty"`
	ServiceDate           string      `json:"service_date,omitempty"`
	Procedures            []Procedure `json:"procedures"`
	TotalValue            float64     `json:"total_value,omitempty"`
}

// Value is TotalValue when set, otherwise the sum of procedure values.
func (g GuideData) Value() float64 {
	if g.TotalValue > 0 {
		return g.TotalValue
	}
	var sum float64
	for _, p := range g.Procedures {
		sum += p.Value
	}
	return sum
}

func (g GuideData) clone() GuideData {
	c := g
	c.Procedures = append([]Procedure(nil), g.Procedures...)
	return c
}

// Issue is one predicted rejection reason.
type Issue struct {
	Code        string  `json:"code"`
	Description string  `json:"description"`
	Weight      float64 `json:"weight"`
	AutoFixable bool    `json:"auto_fixable"`
}

// GlosaRisk is the prediction for one guide. It is recomputed on demand and
// never stored.
type GlosaRisk struct {
	RiskLevel       RiskLevel `json:"risk_level"`
	Probability     float64   `json:"probability"`
	PredictedIssues []Issue   `json:"predicted_issues"`
	EstimatedLoss   float64   `json:"estimated_loss"`
	CanAutoFix      bool      `json:"can_auto_fix"`
	Operator        string    `json:"operator"`
}

// Change is one field rewritten by an auto-fix.
type Change struct {
	Field string `json:"field"`
	From  string `json:"from"`
	To    string `json:"to"`
	Rule  string `json:"rule"`
}

// FixResult is the outcome of AutoFixGuide.
type FixResult struct {
	Fixed   GuideData `json:"fixed"`
	Changes []Change  `json:"changes"`
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
