package glosa

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// evaluation is what a rule predicate sees.
type evaluation struct {
	guide   GuideData
	profile OperatorProfile
	now     time.Time
}

// rule is one row of the predictor's rule table. Check reports whether the
// rule fires and an optional description specific to the guide. Fix, when
// set, rewrites the fields the rule complains about and reports each change.
type rule struct {
	ID          string
	Description string
	Weight      float64
	Check       func(e evaluation) (bool, string)
	Fix         func(g *GuideData) []Change
}

// ruleTable is evaluated in order; issues are reported in the same order.
var ruleTable = []rule{
	{
		ID:          "MISSING_AUTHORIZATION",
		Description: "procedure requires prior authorization but no authorization password was informed",
		Weight:      0.6,
		Check: func(e evaluation) (bool, string) {
			if strings.TrimSpace(e.guide.AuthorizationPassword) != "" {
				return false, ""
			}
			for _, p := range e.guide.Procedures {
				if code := canonicalProcedureCode(p.Code); e.profile.needsAuthorization(code) {
					return true, fmt.Sprintf("procedure %s requires prior authorization from %s", code, e.profile.displayName())
				}
			}
			return false, ""
		},
	},
	{
		ID:          "PROCEDURE_NOT_CONTRACTED",
		Description: "procedure is not part of the contract with the operator",
		Weight:      0.7,
		Check: func(e evaluation) (bool, string) {
			for _, p := range e.guide.Procedures {
				if code := canonicalProcedureCode(p.Code); !e.profile.contracts(code) {
					return true, fmt.Sprintf("procedure %s is not contracted with %s", code, e.profile.displayName())
				}
			}
			return false, ""
		},
	},
	{
		ID:          "VALUE_ABOVE_FEE_TABLE",
		Description: "billed value exceeds the operator fee table",
		Weight:      0.5,
		Check: func(e evaluation) (bool, string) {
			for _, p := range e.guide.Procedures {
				code := canonicalProcedureCode(p.Code)
				fee, ok := e.profile.FeeTable[code]
				if !ok {
					continue
				}
				if limit := fee * (1 + e.profile.FeeTolerance); p.UnitValue() > limit+0.005 {
					return true, fmt.Sprintf("procedure %s billed at %.2f, fee table allows %.2f", code, p.UnitValue(), limit)
				}
			}
			return false, ""
		},
	},
	{
		ID:          "INVALID_PROCEDURE_CODE",
		Description: "procedure code must have 8 digits (TUSS)",
		Weight:      0.4,
		Check: func(e evaluation) (bool, string) {
			for _, p := range e.guide.Procedures {
				if !tussCode.MatchString(p.Code) {
					return true, fmt.Sprintf("procedure code %q is not an 8-digit TUSS code", p.Code)
				}
			}
			return false, ""
		},
		Fix: fixProcedureCodes,
	},
	{
		ID:          "DUPLICATE_PROCEDURE",
		Description: "the same procedure is billed more than once in the guide",
		Weight:      0.3,
		Check: func(e evaluation) (bool, string) {
			seen := map[string]bool{}
			for _, p := range e.guide.Procedures {
				code := canonicalProcedureCode(p.Code)
				if seen[code] {
					return true, fmt.Sprintf("procedure %s appears more than once", code)
				}
				seen[code] = true
			}
			return false, ""
		},
	},
	{
		ID:          "MISSING_SERVICE_DATE",
		Description: "service date is missing",
		Weight:      0.3,
		Check: func(e evaluation) (bool, string) {
			return strings.TrimSpace(e.guide.ServiceDate) == "", ""
		},
	},
	{
		ID:          "INVALID_DATE_FORMAT",
		Description: "service date must be in YYYY-MM-DD format",
		Weight:      0.3,
		Check: func(e evaluation) (bool, string) {
			d := strings.TrimSpace(e.guide.ServiceDate)
			if d == "" {
				return false, ""
			}
			if _, err := time.Parse(isoDate, d); err != nil {
				return true, fmt.Sprintf("service date %q is not in YYYY-MM-DD format", d)
			}
			return false, ""
		},
		Fix: fixServiceDate,
	},
	{
		ID:          "SUBMISSION_DEADLINE",
		Description: "guide is past the operator submission deadline",
		Weight:      0.8,
		Check: func(e evaluation) (bool, string) {
			if e.profile.DeadlineDays <= 0 {
				return false, ""
			}
			date, ok := parseServiceDate(e.guide.ServiceDate)
			if !ok {
				return false, ""
			}
			deadline := date.AddDate(0, 0, e.profile.DeadlineDays)
			if e.now.After(deadline) {
				return true, fmt.Sprintf("service on %s exceeds the %d-day submission deadline of %s",
					date.Format(isoDate), e.profile.DeadlineDays, e.profile.displayName())
			}
			return false, ""
		},
	},
	{
		ID:          "MISSING_CID",
		Description: "operator requires a CID-10 diagnosis code",
		Weight:      0.35,
		Check: func(e evaluation) (bool, string) {
			return e.profile.RequireCID && strings.TrimSpace(e.guide.CID) == "", ""
		},
	},
	{
		ID:          "INVALID_CID_FORMAT",
		Description: "CID-10 code must be a letter followed by 2 or 3 characters without punctuation",
		Weight:      0.25,
		Check: func(e evaluation) (bool, string) {
			cid := e.guide.CID
			if strings.TrimSpace(cid) == "" {
				return false, ""
			}
			return !cidCode.MatchString(cid), ""
		},
		Fix: fixCID,
	},
	{
		ID:          "CARD_FORMAT",
		Description: "beneficiary card number contains punctuation",
		Weight:      0.1,
		Check: func(e evaluation) (bool, string) {
			c := e.guide.BeneficiaryCard
			return c != "" && digitsOnly(c) != c, ""
		},
		Fix: fixCard,
	},
	{
		ID:          "INVALID_CARD_LENGTH",
		Description: "beneficiary card number does not have the length used by the operator",
		Weight:      0.45,
		Check: func(e evaluation) (bool, string) {
			digits := digitsOnly(e.guide.BeneficiaryCard)
			if digits == "" {
				return true, "beneficiary card number is missing"
			}
			if n := e.profile.CardLength; n > 0 && len(digits) != n {
				return true, fmt.Sprintf("beneficiary card has %d digits, %s uses %d", len(digits), e.profile.displayName(), n)
			}
			return false, ""
		},
	},
	{
		ID:          "CPF_FORMAT",
		Description: "beneficiary CPF contains punctuation",
		Weight:      0.05,
		Check: func(e evaluation) (bool, string) {
			c := e.guide.BeneficiaryCPF
			return c != "" && digitsOnly(c) != c, ""
		},
		Fix: fixCPF,
	},
	{
		ID:          "INVALID_CPF",
		Description: "beneficiary CPF check digits are invalid",
		Weight:      0.4,
		Check: func(e evaluation) (bool, string) {
			digits := digitsOnly(e.guide.BeneficiaryCPF)
			return digits != "" && !validCPF(digits), ""
		},
	},
	{
		ID:          "ZERO_VALUE",
		Description: "guide has no billed value",
		Weight:      0.5,
		Check: func(e evaluation) (bool, string) {
			return e.guide.Value() <= 0, ""
		},
	},
}

const isoDate = "2006-01-02"

var (
	tussCode = regexp.MustCompile(`^\d{8}$`)
	cidCode  = regexp.MustCompile(`^[A-Z]\d{2}[0-9A-Z]?$`)

	legacyDateLayouts = []string{"02/01/2006", "02-01-2006", "02.01.2006", "20060102", "2006/01/02"}
)

func (p OperatorProfile) displayName() string {
	if p.Name == "" {
		return "the operator"
	}
	return p.Name
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// canonicalProcedureCode is the code as the auto-fix would write it, or the
// trimmed input when it cannot be fixed.
func canonicalProcedureCode(code string) string {
	digits := digitsOnly(code)
	if digits == "" || len(digits) > 8 {
		return strings.TrimSpace(code)
	}
	return strings.Repeat("0", 8-len(digits)) + digits
}

func parseServiceDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(isoDate, s); err == nil {
		return t, true
	}
	for _, layout := range legacyDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// validCPF checks the two CPF check digits of an 11-digit string.
func validCPF(digits string) bool {
	if len(digits) != 11 || strings.Count(digits, digits[:1]) == 11 {
		return false
	}
	check := func(n int) int {
		sum := 0
		for i := 0; i < n; i++ {
			sum += int(digits[i]-'0') * (n + 1 - i)
		}
		d := (sum * 10) % 11
		if d == 10 {
			d = 0
		}
		return d
	}
	return check(9) == int(digits[9]-'0') && check(10) == int(digits[10]-'0')
}

func fixProcedureCodes(g *GuideData) []Change {
	var changes []Change
	for i, p := range g.Procedures {
		fixed := canonicalProcedureCode(p.Code)
		if fixed == p.Code || !tussCode.MatchString(fixed) {
			continue
		}
		changes = append(changes, Change{
			Field: fmt.Sprintf("procedures[%d].code", i),
			From:  p.Code,
			To:    fixed,
			Rule:  "INVALID_PROCEDURE_CODE",
		})
		g.Procedures[i].Code = fixed
	}
	return changes
}

func fixServiceDate(g *GuideData) []Change {
	orig := g.ServiceDate
	trimmed := strings.TrimSpace(orig)
	if trimmed == "" {
		return nil
	}
	if _, err := time.Parse(isoDate, trimmed); err == nil {
		if trimmed == orig {
			return nil
		}
		g.ServiceDate = trimmed
		return []Change{{Field: "service_date", From: orig, To: trimmed, Rule: "INVALID_DATE_FORMAT"}}
	}
	t, ok := parseServiceDate(trimmed)
	if !ok {
		return nil
	}
	g.ServiceDate = t.Format(isoDate)
	return []Change{{Field: "service_date", From: orig, To: g.ServiceDate, Rule: "INVALID_DATE_FORMAT"}}
}

func fixCID(g *GuideData) []Change {
	orig := g.CID
	fixed := strings.ToUpper(strings.TrimSpace(orig))
	fixed = strings.NewReplacer(".", "", "-", "", " ", "").Replace(fixed)
	if fixed == orig || fixed == "" {
		return nil
	}
	g.CID = fixed
	return []Change{{Field: "cid", From: orig, To: fixed, Rule: "INVALID_CID_FORMAT"}}
}

func fixCard(g *GuideData) []Change {
	orig := g.BeneficiaryCard
	fixed := digitsOnly(orig)
	if fixed == orig || fixed == "" {
		return nil
	}
	g.BeneficiaryCard = fixed
	return []Change{{Field: "beneficiary_card", From: orig, To: fixed, Rule: "CARD_FORMAT"}}
}

func fixCPF(g *GuideData) []Change {
	orig := g.BeneficiaryCPF
	fixed := digitsOnly(orig)
	if fixed == orig || fixed == "" {
		return nil
	}
	g.BeneficiaryCPF = fixed
	return []Change{{Field: "beneficiary_cpf", From: orig, To: fixed, Rule: "CPF_FORMAT"}}
}
