package encoding

import (
	"regexp"
	"strings"
)

// RootElements are local names that mark a document as a TISS message.
var RootElements = []string{
	"mensagemTISS",
	"demonstrativoRetorno",
	"demonstrativoAnaliseConta",
}

// GuideElements are local names of elements that carry one claim guide in the
// dialects seen so far. Containers of guides may reuse the same names.
var GuideElements = []string{
	"guia",
	"dadosGuia",
	"relacaoGuias",
	"guiaSP-SADT",
	"guiaConsulta",
	"guiaHonorarios",
	"guiaResumoInternacao",
	"guiaOdontologia",
}

// ShapeChecker performs the structural pre-check on normalized text before
// it is handed to the XML decoder.
type ShapeChecker struct {
	root  *regexp.Regexp
	guide *regexp.Regexp
}

// NewShapeChecker builds a checker matching any of roots as the message
// marker and any of guides as a guide-like tag, with or without a namespace
// prefix.
func NewShapeChecker(roots, guides []string) *ShapeChecker {
	return &ShapeChecker{
		root:  tagPattern(roots),
		guide: tagPattern(guides),
	}
}

var defaultShape = NewShapeChecker(RootElements, GuideElements)

// IsValidTissXML reports whether text looks like a TISS document: it must
// open a TISS root element and at least one guide-like element.
func IsValidTissXML(text string) bool {
	return defaultShape.Check(text)
}

// Check reports whether text carries both a root marker and a guide-like tag.
func (s *ShapeChecker) Check(text string) bool {
	if !strings.Contains(text, "<") {
		return false
	}
	return s.root.MatchString(text) && s.guide.MatchString(text)
}

func tagPattern(names []string) *regexp.Regexp {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = regexp.QuoteMeta(n)
	}
	return regexp.MustCompile(`<(?:[A-Za-z_][\w.-]*:)?(?:` + strings.Join(quoted, "|") + `)[\s/>]`)
}
