package reconciliation

// Report is the error-review view of an import: counts per category and per
// resolution status next to the full ledger.
type Report struct {
	Total        int                      `json:"total"`
	Pending      int                      `json:"pending"`
	ByCategory   map[Category]int         `json:"by_category"`
	ByResolution map[ResolutionStatus]int `json:"by_resolution"`
	Errors       []*ReconciliationError   `json:"errors"`
}

// BuildSummary counts errs. Every known category and status is present in
// the maps, zero when absent.
func BuildSummary(errs []*ReconciliationError) *Report {
	r := &Report{
		ByCategory:   make(map[Category]int, len(Categories)),
		ByResolution: make(map[ResolutionStatus]int, len(ResolutionStatuses)),
		Errors:       errs,
	}
	if r.Errors == nil {
		r.Errors = []*ReconciliationError{}
	}
	for _, c := range Categories {
		r.ByCategory[c] = 0
	}
	for _, s := range ResolutionStatuses {
		r.ByResolution[s] = 0
	}
	for _, e := range errs {
		r.Total++
		r.ByCategory[e.Category]++
		r.ByResolution[e.ResolutionStatus]++
	}
	r.Pending = r.ByResolution[ResolutionPending]
	return r
}
