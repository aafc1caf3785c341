// Package glosa predicts operator rejections (glosas) for guides that have
// not been submitted yet. Prediction is a deterministic walk over an ordered
// rule table; weights, risk thresholds and operator profiles come from a YAML
// policy so they can be reviewed and tuned without code changes.
package glosa

import (
	"math"
	"time"
)

// Predictor scores guides against a Policy. It holds no mutable state and is
// safe for concurrent use.
type Predictor struct {
	policy Policy
	now    func() time.Time
}

// NewPredictor creates a Predictor. A nil clock uses time.Now.
func NewPredictor(policy Policy, now func() time.Time) *Predictor {
	if now == nil {
		now = time.Now
	}
	return &Predictor{policy: policy, now: now}
}

// Policy returns the policy the predictor evaluates.
func (p *Predictor) Policy() Policy {
	return p.policy
}

var defaultPredictor = NewPredictor(DefaultPolicy(), nil)

// AnalyzeGlosaRisk scores guide with the embedded policy.
func AnalyzeGlosaRisk(guide GuideData, operatorName string) GlosaRisk {
	return defaultPredictor.AnalyzeGlosaRisk(guide, operatorName)
}

// AutoFixGuide applies every deterministic correction to guide.
func AutoFixGuide(guide GuideData) FixResult {
	return defaultPredictor.AutoFixGuide(guide)
}

// AnalyzeGlosaRisk evaluates every enabled rule against guide for the named
// operator. Triggered weights combine as independent causes:
// probability = 1 - Π(1 - weight).
func (p *Predictor) AnalyzeGlosaRisk(guide GuideData, operatorName string) GlosaRisk {
	profile := p.policy.Profile(operatorName)
	e := evaluation{guide: guide, profile: profile, now: p.now()}

	risk := GlosaRisk{
		PredictedIssues: []Issue{},
		Operator:        profile.Name,
	}
	keep := 1.0
	for _, r := range ruleTable {
		if !p.policy.enabled(r.ID) {
			continue
		}
		fired, detail := r.Check(e)
		if !fired {
			continue
		}

		w := p.policy.weight(r)
		keep *= 1 - w

		fixable := false
		if r.Fix != nil {
			trial := guide.clone()
			fixable = len(r.Fix(&trial)) > 0
		}
		if fixable {
			risk.CanAutoFix = true
		}

		desc := r.Description
		if detail != "" {
			desc = detail
		}
		risk.PredictedIssues = append(risk.PredictedIssues, Issue{
			Code:        r.ID,
			Description: desc,
			Weight:      w,
			AutoFixable: fixable,
		})
	}

	risk.Probability = math.Round((1-keep)*10000) / 10000
	risk.RiskLevel = p.policy.Thresholds.Level(risk.Probability)
	risk.EstimatedLoss = roundCents(guide.Value() * risk.Probability)
	return risk
}

// AutoFixGuide applies the fix of every rule that has one, in rule order, and
// reports the fields it changed. Running it again on the fixed guide reports
// no changes.
func (p *Predictor) AutoFixGuide(guide GuideData) FixResult {
	fixed := guide.clone()
	res := FixResult{Changes: []Change{}}
	for _, r := range ruleTable {
		if r.Fix == nil {
			continue
		}
		res.Changes = append(res.Changes, r.Fix(&fixed)...)
	}
	res.Fixed = fixed
	return res
}
