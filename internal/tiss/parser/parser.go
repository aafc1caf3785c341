// Package parser turns normalized operator return files into a typed
// TissBatch. XML returns are read by local element name so prefixed and
// unprefixed dialects share one code path; CSV demonstrativo exports are read
// into the same shape.
//
// A document either parses into a batch, possibly with zero guides, or fails
// as a whole. Problems confined to one guide never abort the batch: they are
// reported as WARNING entries and the guide keeps safe defaults, or is dropped
// when it has no provider guide number.
package parser

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/clinica/tiss/internal/tiss/encoding"
)

// Aliases lists, per field, the local element names used by the operator
// dialects seen so far, in order of preference.
type Aliases struct {
	Version      []string
	LotNumber    []string
	LotProtocol  []string
	OperatorName []string
	ProviderCode []string

	ProviderGuideNumber []string
	OperatorGuideNumber []string
	Password            []string
	StatusCode          []string
	Presented           []string
	Released            []string
	Glosa               []string
	BeneficiaryName     []string
	BeneficiaryCPF      []string
	BeneficiaryCard     []string
	ServiceDate         []string

	// ItemElements are the per-procedure lines of a guide. Guide-level fields
	// are never read from inside them while the guide carries its own value.
	ItemElements []string

	GlosaElements    []string
	GlosaCode        []string
	GlosaDescription []string
	GlosaValue       []string
}

// DefaultAliases returns the alias table for the Unimed, Bradesco,
// SulAmérica and Amil dialects.
func DefaultAliases() Aliases {
	return Aliases{
		Version:      []string{"versaoPadrao", "versao_tiss", "versaoTISS", "Padrao"},
		LotNumber:    []string{"numeroLote", "numeroLotePrestador", "numeroLoteOperadora"},
		LotProtocol:  []string{"numeroProtocolo", "protocolo", "numeroProtocoloOperadora"},
		OperatorName: []string{"nomeOperadora", "operadora"},
		ProviderCode: []string{"codigoPrestadorNaOperadora", "codigoPrestador", "cnpjContratado", "cpfContratado"},

		ProviderGuideNumber: []string{"numeroGuiaPrestador", "numeroGuia", "guiaPrestador"},
		OperatorGuideNumber: []string{"numeroGuiaOperadora", "guiaOperadora"},
		Password:            []string{"senha", "senhaAutorizacao"},
		StatusCode:          []string{"statusGuia", "situacaoGuia", "codigoStatus", "statusProtocolo"},
		Presented:           []string{"valorInformadoGuia", "valorTotalInformado", "valorInformado", "valorApresentado", "valorProcessado"},
		Released:            []string{"valorLiberadoGuia", "valorTotalLiberado", "valorLiberado", "valorPago"},
		Glosa:               []string{"valorGlosaGuia", "valorTotalGlosa", "valorGlosa"},
		BeneficiaryName:     []string{"nomeBeneficiario", "nomeSocial"},
		BeneficiaryCPF:      []string{"cpfBeneficiario", "cpf"},
		BeneficiaryCard:     []string{"numeroCarteira", "carteiraBeneficiario"},
		ServiceDate:         []string{"dataRealizacao", "dataAtendimento", "dataExecucao"},

		ItemElements: []string{"detalhesGuia", "procedimentosExecutados", "procedimentoExecutado", "itensGuia", "itemGuia"},

		GlosaElements:    []string{"motivoGlosa", "glosa", "glosaGuia", "motivosGlosa", "glosas", "relacaoGlosa"},
		GlosaCode:        []string{"codigoGlosa", "codigoMotivoGlosa", "tipoGlosa", "codigo"},
		GlosaDescription: []string{"descricaoGlosa", "descricaoMotivoGlosa", "descricao", "motivo"},
		GlosaValue:       []string{"valorGlosa", "valor"},
	}
}

// Parser converts raw return files into ParseResults. It holds no mutable
// state and is safe for concurrent use.
type Parser struct {
	normalizer *encoding.Normalizer
	shape      *encoding.ShapeChecker
	aliases    Aliases
	guides     nameSet
	glosas     nameSet
	items      nameSet
	lines      nameSet
	header     nameSet
}

// New creates a Parser that decodes input with normalizer. A nil normalizer
// uses the default detection policy.
func New(normalizer *encoding.Normalizer) *Parser {
	if normalizer == nil {
		normalizer = encoding.NewNormalizer(encoding.DefaultPolicy())
	}
	a := DefaultAliases()
	return &Parser{
		normalizer: normalizer,
		shape:      encoding.NewShapeChecker(encoding.RootElements, encoding.GuideElements),
		aliases:    a,
		guides:     newNameSet(encoding.GuideElements),
		glosas:     newNameSet(a.GlosaElements),
		items:      newNameSet(a.ItemElements),
		lines:      newNameSet(a.GlosaElements, a.ItemElements),
		header:     newNameSet(encoding.GuideElements, a.GlosaElements),
	}
}

var defaultParser = New(nil)

// ParseBuffer parses raw with the default parser.
func ParseBuffer(raw []byte) *ParseResult {
	return defaultParser.ParseBuffer(raw)
}

// ParseBuffer normalizes raw and parses the resulting text.
func (p *Parser) ParseBuffer(raw []byte) *ParseResult {
	return p.ParseDocument(p.normalizer.Normalize(raw))
}

// ParseDocument parses an already normalized document. Text that does not
// start with a tag is tried as a CSV return.
func (p *Parser) ParseDocument(doc encoding.Document) *ParseResult {
	res := &ParseResult{
		Errors: []ParseError{},
		Metadata: Metadata{
			DetectedEncoding: doc.DetectedEncoding,
			DeclaredEncoding: doc.DeclaredEncoding,
			HadBOM:           doc.HadBOM,
		},
	}

	if doc.Text == "" {
		return res.fail(CodeEmptyDocument, "document is empty")
	}

	var batch *TissBatch
	var errs []ParseError
	var failure *ParseError
	if strings.HasPrefix(doc.Text, "<") {
		res.Metadata.Format = FormatXML
		batch, errs, failure = p.parseXML(doc.Text)
	} else {
		res.Metadata.Format = FormatCSV
		batch, errs, failure = p.parseCSV(doc.Text)
	}
	if failure != nil {
		return res.fail(failure.Code, failure.Message)
	}

	res.Success = true
	res.Data = batch
	res.Errors = append(res.Errors, errs...)
	res.count()
	return res
}

func (r *ParseResult) fail(code, message string) *ParseResult {
	r.Success = false
	r.Data = nil
	r.Errors = append(r.Errors, ParseError{
		Severity: SeverityError,
		Code:     code,
		Message:  message,
	})
	return r
}

func (r *ParseResult) count() {
	m := &r.Metadata
	m.TotalGuias = len(r.Data.Guides)
	for _, g := range r.Data.Guides {
		switch g.Status {
		case StatusApproved:
			m.TotalAprovadas++
		case StatusDenied:
			m.TotalNegadas++
		case StatusPartial:
			m.TotalParciais++
		default:
			m.TotalPendentes++
		}
	}
	m.GuiasIgnoradas = len(r.Exclusions())
}

func (p *Parser) parseXML(text string) (*TissBatch, []ParseError, *ParseError) {
	if !p.shape.Check(text) {
		return nil, nil, &ParseError{
			Code:    CodeInvalidShape,
			Message: "document is not a TISS message: root or guide elements not found",
		}
	}

	root, err := decodeTree(text)
	if err != nil {
		return nil, nil, &ParseError{
			Code:    CodeMalformedXML,
			Message: fmt.Sprintf("invalid XML: %v", err),
		}
	}

	a := p.aliases
	batch := &TissBatch{
		TissVersion:  root.str(a.Version, p.header),
		LotNumber:    root.str(a.LotNumber, p.header),
		LotProtocol:  root.str(a.LotProtocol, p.header),
		OperatorName: root.str(a.OperatorName, p.header),
		ProviderCode: root.str(a.ProviderCode, p.header),
		Guides:       []GuideRecord{},
	}

	var errs []ParseError
	for i, el := range leavesBelow(root, p.guides) {
		guide, warnings, ok := buildGuide(p.rawGuide(el), i+1)
		errs = append(errs, warnings...)
		if ok {
			batch.Guides = append(batch.Guides, guide)
		}
	}
	return batch, errs, nil
}

func (p *Parser) rawGuide(el *element) rawGuide {
	a := p.aliases
	raw := rawGuide{
		providerNumber:  p.field(el, a.ProviderGuideNumber),
		operatorNumber:  p.field(el, a.OperatorGuideNumber),
		password:        p.field(el, a.Password),
		statusCode:      p.field(el, a.StatusCode),
		beneficiaryName: p.field(el, a.BeneficiaryName),
		beneficiaryCPF:  p.field(el, a.BeneficiaryCPF),
		beneficiaryCard: p.field(el, a.BeneficiaryCard),
		serviceDate:     p.field(el, a.ServiceDate),
	}
	raw.presented, _ = p.guideLevel(el, a.Presented)
	raw.released, _ = p.guideLevel(el, a.Released)
	raw.glosa, raw.glosaPresent = p.guideLevel(el, a.Glosa)

	for _, item := range leavesBelow(el, p.items) {
		if v, ok := p.itemLevel(item, a.Presented); ok {
			raw.itemPresented = append(raw.itemPresented, v)
		}
		if v, ok := p.itemLevel(item, a.Released); ok {
			raw.itemReleased = append(raw.itemReleased, v)
		}
		if v, ok := p.itemLevel(item, a.Glosa); ok {
			raw.itemGlosa = append(raw.itemGlosa, v)
		}
	}

	for _, g := range leavesBelow(el, p.glosas) {
		rg := rawGlosa{
			code:        g.str(a.GlosaCode, nil),
			description: g.str(a.GlosaDescription, nil),
			value:       g.str(a.GlosaValue, nil),
		}
		if len(g.children) == 0 {
			if text := g.value(); glosaCodePattern.MatchString(text) {
				rg.code = text
			} else {
				rg.description = text
			}
		}
		if rg.code == "" && rg.description == "" && rg.value == "" {
			continue
		}
		raw.glosas = append(raw.glosas, rg)
	}
	return raw
}

// glosaCodePattern matches the numeric codes of the ANS glosa table. Free
// text in a bare glosa element is a description.
var glosaCodePattern = regexp.MustCompile(`^[0-9]{1,10}$`)

// guideLevel resolves a field the guide states for itself: a direct child
// first, then any descendant outside item lines and glosa reasons.
func (p *Parser) guideLevel(el *element, aliases []string) (string, bool) {
	if c := el.child(aliases); c != nil {
		return c.value(), true
	}
	return el.lookup(aliases, p.lines)
}

// field resolves a descriptive guide field. When the guide does not state
// it, the first item line that does is used.
func (p *Parser) field(el *element, aliases []string) string {
	if v, ok := p.guideLevel(el, aliases); ok {
		return v
	}
	return el.str(aliases, p.glosas)
}

func (p *Parser) itemLevel(item *element, aliases []string) (string, bool) {
	if c := item.child(aliases); c != nil {
		return c.value(), true
	}
	return item.lookup(aliases, p.glosas)
}

type rawGlosa struct {
	code        string
	description string
	value       string
}

// rawGuide holds the text of a guide's fields before typing and defaulting.
type rawGuide struct {
	providerNumber  string
	operatorNumber  string
	password        string
	statusCode      string
	presented       string
	released        string
	glosa           string
	glosaPresent    bool
	glosas          []rawGlosa
	// Item line amounts, used only when the guide has no total of its own.
	itemPresented []string
	itemReleased  []string
	itemGlosa     []string
	beneficiaryName string
	beneficiaryCPF  string
	beneficiaryCard string
	serviceDate     string
}

// buildGuide types and defaults one guide. It reports false when the guide
// has no provider guide number and must be dropped.
func buildGuide(raw rawGuide, record int) (GuideRecord, []ParseError, bool) {
	number := strings.TrimSpace(raw.providerNumber)
	if number == "" {
		return GuideRecord{}, []ParseError{{
			Severity: SeverityWarning,
			Code:     CodeGuideWithoutNumber,
			Message:  "guide without number, skipped",
			Record:   record,
		}}, false
	}

	var warnings []ParseError
	warn := func(code, field, format string, args ...any) {
		warnings = append(warnings, ParseError{
			Severity:    SeverityWarning,
			Code:        code,
			Message:     fmt.Sprintf(format, args...),
			Record:      record,
			GuideNumber: number,
			Field:       field,
		})
	}
	// amount reports false when value is not a number and 0 was used.
	amount := func(field, value string) (float64, bool) {
		v, exact, err := parseAmount(value)
		switch {
		case err != nil:
			warn(CodeMalformedNumber, field, "%s: %v, defaulted to 0", field, err)
			return 0, false
		case !exact:
			warn(CodeMalformedNumber, field, "%s: %q has more than two decimal places, rounded to %.2f", field, value, v)
		}
		return v, true
	}
	// total reads a guide amount, summing the item lines when the guide
	// states no total.
	total := func(field, value string, items []string) (float64, bool) {
		if strings.TrimSpace(value) != "" || len(items) == 0 {
			return amount(field, value)
		}
		var sum float64
		ok := true
		for i, item := range items {
			v, parsed := amount(fmt.Sprintf("items[%d].%s", i, field), item)
			sum += v
			ok = ok && parsed
		}
		return roundCents(sum), ok
	}

	g := GuideRecord{
		ProviderGuideNumber:   number,
		OperatorGuideNumber:   strings.TrimSpace(raw.operatorNumber),
		AuthorizationPassword: strings.TrimSpace(raw.password),
		StatusCode:            strings.TrimSpace(raw.statusCode),
		BeneficiaryName:       strings.TrimSpace(raw.beneficiaryName),
		BeneficiaryCPF:        strings.TrimSpace(raw.beneficiaryCPF),
		BeneficiaryCard:       strings.TrimSpace(raw.beneficiaryCard),
		ServiceDate:           strings.TrimSpace(raw.serviceDate),
		Glosas:                []GlosaReason{},
	}

	g.Status = StatusFromCode(g.StatusCode)
	if g.StatusCode != "" && g.Status == StatusPending {
		warn(CodeUnknownStatusCode, "status_code", "unknown status code %q, treated as %s", g.StatusCode, StatusPending)
	}

	g.PresentedValue, _ = total("presented_value", raw.presented, raw.itemPresented)
	g.ReleasedValue, _ = total("released_value", raw.released, raw.itemReleased)
	g.GlosaValue = roundCents(g.PresentedValue - g.ReleasedValue)

	if raw.glosaPresent || len(raw.itemGlosa) > 0 {
		declared, ok := total("glosa_value", raw.glosa, raw.itemGlosa)
		if ok && !sameAmount(declared, g.GlosaValue) {
			warn(CodeGlosaValueMismatch, "glosa_value",
				"declared glosa %.2f differs from presented minus released %.2f", declared, g.GlosaValue)
		}
	}

	for i, rg := range raw.glosas {
		value, _ := amount(fmt.Sprintf("glosas[%d].value", i), rg.value)
		g.Glosas = append(g.Glosas, GlosaReason{
			Code:        strings.TrimSpace(rg.code),
			Description: strings.TrimSpace(rg.description),
			Value:       value,
		})
	}

	if g.GlosaValue < 0 {
		warn(CodeNegativeGlosa, "glosa_value", "released value exceeds presented value by %.2f", -g.GlosaValue)
	}
	if g.GlosaValue > 0 && len(g.Glosas) == 0 && (g.Status == StatusDenied || g.Status == StatusPartial) {
		warn(CodeMissingGlosaReasons, "glosas", "%s guide has glosa %.2f but no glosa reasons", g.Status, g.GlosaValue)
	}
	if len(g.Glosas) > 0 && !sameAmount(g.GlosaSum(), g.GlosaValue) {
		warn(CodeGlosaSumMismatch, "glosas", "glosa reasons sum to %.2f, expected %.2f", g.GlosaSum(), g.GlosaValue)
	}

	return g, warnings, true
}
