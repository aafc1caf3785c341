package parser

import (
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/text/encoding/charmap"

	"github.com/clinica/tiss/internal/tiss/encoding"
)

func readFixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("failed to read fixture %s: %v", name, err)
	}
	return data
}

var openTag = regexp.MustCompile(`<(/?)([A-Za-z])`)

// withPrefix rewrites an unprefixed document so every element carries the
// ans: prefix.
func withPrefix(doc string) string {
	out := openTag.ReplaceAllString(doc, "<${1}ans:${2}")
	return strings.Replace(out, "<ans:mensagemTISS>",
		`<ans:mensagemTISS xmlns:ans="http://www.ans.gov.br/padroes/tiss/schemas">`, 1)
}

func assertGlosaInvariant(t *testing.T, batch *TissBatch) {
	t.Helper()
	for _, g := range batch.Guides {
		if math.Abs(g.GlosaValue-(g.PresentedValue-g.ReleasedValue)) > 0.001 {
			t.Errorf("guide %s: glosa %.2f != presented %.2f - released %.2f",
				g.ProviderGuideNumber, g.GlosaValue, g.PresentedValue, g.ReleasedValue)
		}
		if g.Glosas == nil {
			t.Errorf("guide %s: expected non-nil glosas slice", g.ProviderGuideNumber)
		}
	}
}

func TestParseBuffer_UnimedNamespaced(t *testing.T) {
	res := ParseBuffer(readFixture(t, "unimed_retorno.xml"))

	if !res.Success {
		t.Fatalf("expected success, got errors %+v", res.Errors)
	}
	if len(res.Errors) != 0 {
		t.Errorf("expected no warnings, got %+v", res.Errors)
	}

	wantMeta := Metadata{
		TotalGuias:       4,
		TotalAprovadas:   2,
		TotalNegadas:     1,
		TotalParciais:    1,
		Format:           FormatXML,
		DetectedEncoding: encoding.UTF8,
		DeclaredEncoding: "ISO-8859-1",
	}
	if diff := cmp.Diff(wantMeta, res.Metadata); diff != "" {
		t.Errorf("metadata mismatch (-want +got):\n%s", diff)
	}

	b := res.Data
	if b.TissVersion != "4.01.00" {
		t.Errorf("expected version 4.01.00, got %q", b.TissVersion)
	}
	if b.LotNumber != "000123" {
		t.Errorf("expected lot 000123, got %q", b.LotNumber)
	}
	if b.LotProtocol != "PRT-2024-998" {
		t.Errorf("expected protocol PRT-2024-998, got %q", b.LotProtocol)
	}
	if b.OperatorName != "UNIMED CAMPINAS" {
		t.Errorf("expected operator UNIMED CAMPINAS, got %q", b.OperatorName)
	}
	if b.ProviderCode != "0004521" {
		t.Errorf("expected provider code 0004521, got %q", b.ProviderCode)
	}

	partial := b.Guides[1]
	wantPartial := GuideRecord{
		ProviderGuideNumber: "1002",
		OperatorGuideNumber: "OP-5002",
		Status:              StatusPartial,
		StatusCode:          "3",
		PresentedValue:      1234.56,
		ReleasedValue:       1000,
		GlosaValue:          234.56,
		Glosas: []GlosaReason{
			{Code: "1801", Description: "Procedimento incompatível com o CID", Value: 234.56},
		},
		BeneficiaryName: "Ana Médico Conceição",
	}
	if diff := cmp.Diff(wantPartial, partial); diff != "" {
		t.Errorf("partial guide mismatch (-want +got):\n%s", diff)
	}

	denied := b.Guides[2]
	if denied.Status != StatusDenied || len(denied.Glosas) != 1 || denied.Glosas[0].Code != "1705" {
		t.Errorf("unexpected denied guide %+v", denied)
	}
	first := b.Guides[0]
	if first.AuthorizationPassword != "A1B2C3" || first.BeneficiaryCard != "0012345678901234" || first.ServiceDate != "2024-03-05" {
		t.Errorf("unexpected approved guide %+v", first)
	}
	assertGlosaInvariant(t, b)
}

func TestParseBuffer_BradescoWithoutPrefix(t *testing.T) {
	plain := readFixture(t, "bradesco_retorno.xml")
	res := ParseBuffer(plain)
	if !res.Success {
		t.Fatalf("expected success, got errors %+v", res.Errors)
	}
	if len(res.Data.Guides) != 1 {
		t.Fatalf("expected 1 guide, got %d", len(res.Data.Guides))
	}

	g := res.Data.Guides[0]
	if g.ProviderGuideNumber != "2001" || g.OperatorGuideNumber != "BRD-77" || g.AuthorizationPassword != "998877" {
		t.Errorf("unexpected identifiers %+v", g)
	}
	if g.BeneficiaryCPF != "123.456.789-09" || g.BeneficiaryName != "Maria Aparecida" {
		t.Errorf("unexpected beneficiary %+v", g)
	}
	if len(g.Glosas) != 1 {
		t.Fatalf("expected single glosa to yield 1 reason, got %d", len(g.Glosas))
	}
	if res.Data.TissVersion != "3.05.00" || res.Data.OperatorName != "BRADESCO SAUDE" || res.Data.LotProtocol != "BR-0042" {
		t.Errorf("unexpected header %+v", res.Data)
	}

	prefixed := ParseBuffer([]byte(withPrefix(string(plain))))
	if !prefixed.Success {
		t.Fatalf("expected prefixed variant to parse, got %+v", prefixed.Errors)
	}
	if diff := cmp.Diff(res.Data, prefixed.Data); diff != "" {
		t.Errorf("prefixed and unprefixed extraction differ (-plain +prefixed):\n%s", diff)
	}
}

func TestParseBuffer_GuideTotalsWinOverItemLines(t *testing.T) {
	res := ParseBuffer(readFixture(t, "unimed_detalhes_retorno.xml"))
	if !res.Success {
		t.Fatalf("expected success, got errors %+v", res.Errors)
	}
	if len(res.Errors) != 0 {
		t.Errorf("expected no warnings, got %+v", res.Errors)
	}
	if len(res.Data.Guides) != 2 {
		t.Fatalf("expected 2 guides, got %d", len(res.Data.Guides))
	}

	want := []GuideRecord{
		{
			ProviderGuideNumber: "5001",
			OperatorGuideNumber: "OP-9001",
			Status:              StatusPartial,
			StatusCode:          "3",
			PresentedValue:      300,
			ReleasedValue:       250,
			GlosaValue:          50,
			Glosas:              []GlosaReason{{Code: "1801", Value: 50}},
			BeneficiaryName:     "Marcos Pereira",
			ServiceDate:         "2024-04-02",
		},
		{
			ProviderGuideNumber: "5002",
			OperatorGuideNumber: "OP-9002",
			Status:              StatusPartial,
			StatusCode:          "3",
			PresentedValue:      200,
			ReleasedValue:       170,
			GlosaValue:          30,
			Glosas:              []GlosaReason{{Code: "1705", Value: 30}},
			BeneficiaryName:     "Lucia Andrade",
			ServiceDate:         "2024-04-03",
		},
	}
	if diff := cmp.Diff(want, res.Data.Guides); diff != "" {
		t.Errorf("guides mismatch (-want +got):\n%s", diff)
	}
	assertGlosaInvariant(t, res.Data)
}

func TestParseBuffer_BareGlosaElement(t *testing.T) {
	doc := `<mensagemTISS><guia>` +
		`<numeroGuiaPrestador>40</numeroGuiaPrestador>` +
		`<statusGuia>2</statusGuia>` +
		`<valorInformado>70,00</valorInformado><valorLiberado>0</valorLiberado>` +
		`<glosa>Beneficiario em carencia contratual</glosa>` +
		`</guia><guia>` +
		`<numeroGuiaPrestador>41</numeroGuiaPrestador>` +
		`<statusGuia>2</statusGuia>` +
		`<valorInformado>10,00</valorInformado><valorLiberado>0</valorLiberado>` +
		`<glosa>1705</glosa>` +
		`</guia></mensagemTISS>`

	res := ParseBuffer([]byte(doc))
	if !res.Success {
		t.Fatalf("expected success, got %+v", res.Errors)
	}
	tests := []struct {
		guide int
		want  GlosaReason
	}{
		{0, GlosaReason{Description: "Beneficiario em carencia contratual"}},
		{1, GlosaReason{Code: "1705"}},
	}
	for _, tt := range tests {
		got := res.Data.Guides[tt.guide].Glosas
		if diff := cmp.Diff([]GlosaReason{tt.want}, got); diff != "" {
			t.Errorf("guide %d glosas mismatch (-want +got):\n%s", tt.guide, diff)
		}
	}
}

func TestParseBuffer_Latin1Encoded(t *testing.T) {
	utf8Doc := readFixture(t, "unimed_retorno.xml")
	latin, err := charmap.ISO8859_1.NewEncoder().Bytes(utf8Doc)
	if err != nil {
		t.Fatalf("failed to encode fixture: %v", err)
	}

	res := ParseBuffer(latin)
	if !res.Success {
		t.Fatalf("expected success, got %+v", res.Errors)
	}
	if res.Metadata.DetectedEncoding != encoding.ISO88591 {
		t.Errorf("expected ISO-8859-1, got %s", res.Metadata.DetectedEncoding)
	}
	if got := res.Data.Guides[0].BeneficiaryName; got != "José da Silva" {
		t.Errorf("expected accented name preserved, got %q", got)
	}
}

func TestParseBuffer_GuideWithoutNumber(t *testing.T) {
	doc := `<mensagemTISS><cabecalho><versaoPadrao>4.01.00</versaoPadrao></cabecalho>` +
		`<guia><numeroGuiaPrestador>1</numeroGuiaPrestador><statusGuia>1</statusGuia></guia>` +
		`<guia><numeroGuiaOperadora>X</numeroGuiaOperadora><statusGuia>1</statusGuia></guia>` +
		`<guia><numeroGuiaPrestador>  </numeroGuiaPrestador></guia>` +
		`<guia><numeroGuiaPrestador>4</numeroGuiaPrestador><statusGuia>2</statusGuia></guia>` +
		`</mensagemTISS>`

	res := ParseBuffer([]byte(doc))
	if !res.Success {
		t.Fatalf("expected success, got %+v", res.Errors)
	}
	if len(res.Data.Guides) != 2 {
		t.Fatalf("expected 2 guides, got %d", len(res.Data.Guides))
	}

	skipped := res.Exclusions()
	if len(skipped) != 2 {
		t.Fatalf("expected 2 exclusions, got %+v", res.Errors)
	}
	for _, e := range skipped {
		if e.Severity != SeverityWarning {
			t.Errorf("expected WARNING, got %s", e.Severity)
		}
		if e.Message != "guide without number, skipped" {
			t.Errorf("unexpected message %q", e.Message)
		}
	}
	if skipped[0].Record != 2 || skipped[1].Record != 3 {
		t.Errorf("expected records 2 and 3, got %d and %d", skipped[0].Record, skipped[1].Record)
	}
	if res.Metadata.GuiasIgnoradas != 2 {
		t.Errorf("expected guias_ignoradas 2, got %d", res.Metadata.GuiasIgnoradas)
	}
}

func TestParseBuffer_RecordWarnings(t *testing.T) {
	doc := `<mensagemTISS><guia>` +
		`<numeroGuiaPrestador>10</numeroGuiaPrestador>` +
		`<statusGuia>7</statusGuia>` +
		`<valorInformado>abc</valorInformado>` +
		`<valorLiberado>5,00</valorLiberado>` +
		`</guia><guia>` +
		`<numeroGuiaPrestador>11</numeroGuiaPrestador>` +
		`<statusGuia>2</statusGuia>` +
		`<valorInformado>100.00</valorInformado>` +
		`<valorLiberado>0</valorLiberado>` +
		`<valorGlosa>90.00</valorGlosa>` +
		`</guia><guia>` +
		`<numeroGuiaPrestador>12</numeroGuiaPrestador>` +
		`<statusGuia>3</statusGuia>` +
		`<valorInformado>100.00</valorInformado>` +
		`<valorLiberado>60.00</valorLiberado>` +
		`<motivoGlosa><codigoGlosa>1</codigoGlosa><valorGlosa>10.00</valorGlosa></motivoGlosa>` +
		`<motivoGlosa><codigoGlosa>2</codigoGlosa><valorGlosa>20.00</valorGlosa></motivoGlosa>` +
		`</guia></mensagemTISS>`

	res := ParseBuffer([]byte(doc))
	if !res.Success {
		t.Fatalf("expected success, got %+v", res.Errors)
	}
	if len(res.Data.Guides) != 3 {
		t.Fatalf("expected 3 guides, got %d", len(res.Data.Guides))
	}
	for _, e := range res.Errors {
		if e.Severity != SeverityWarning {
			t.Errorf("expected only warnings, got %+v", e)
		}
	}

	codes := map[string][]string{}
	for _, e := range res.Errors {
		codes[e.GuideNumber] = append(codes[e.GuideNumber], e.Code)
	}
	want := map[string][]string{
		"10": {CodeUnknownStatusCode, CodeMalformedNumber, CodeNegativeGlosa},
		"11": {CodeGlosaValueMismatch, CodeMissingGlosaReasons},
		"12": {CodeGlosaSumMismatch},
	}
	if diff := cmp.Diff(want, codes); diff != "" {
		t.Errorf("warning codes mismatch (-want +got):\n%s", diff)
	}

	g := res.Data.Guides[0]
	if g.Status != StatusPending || g.PresentedValue != 0 || g.GlosaValue != -5 {
		t.Errorf("expected defaulted guide, got %+v", g)
	}
	if len(res.Data.Guides[2].Glosas) != 2 {
		t.Errorf("expected 2 glosa reasons, got %d", len(res.Data.Guides[2].Glosas))
	}
	if res.Metadata.TotalPendentes != 1 {
		t.Errorf("expected 1 pending guide, got %d", res.Metadata.TotalPendentes)
	}
	assertGlosaInvariant(t, res.Data)
}

func TestParseBuffer_NestedGlosaContainers(t *testing.T) {
	doc := `<ans:mensagemTISS><ans:guiaSP-SADT>` +
		`<ans:numeroGuiaPrestador>20</ans:numeroGuiaPrestador>` +
		`<ans:statusGuia>3</ans:statusGuia>` +
		`<ans:valorInformado>50</ans:valorInformado><ans:valorLiberado>40</ans:valorLiberado>` +
		`<ans:motivosGlosa><ans:motivoGlosa><ans:codigoGlosa>9</ans:codigoGlosa>` +
		`<ans:valorGlosa>10</ans:valorGlosa></ans:motivoGlosa></ans:motivosGlosa>` +
		`</ans:guiaSP-SADT></ans:mensagemTISS>`

	res := ParseBuffer([]byte(doc))
	if !res.Success {
		t.Fatalf("expected success, got %+v", res.Errors)
	}
	want := []GlosaReason{{Code: "9", Value: 10}}
	if diff := cmp.Diff(want, res.Data.Guides[0].Glosas); diff != "" {
		t.Errorf("glosas mismatch (-want +got):\n%s", diff)
	}
}

func TestParseBuffer_DocumentFailures(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		code string
	}{
		{"empty", nil, CodeEmptyDocument},
		{"garbage", []byte("\x00\x01 this is not a return file"), CodeInvalidShape},
		{"xml without tiss shape", []byte("<html><body>oops</body></html>"), CodeInvalidShape},
		{"broken xml", []byte("<mensagemTISS><guia><numeroGuiaPrestador>1</guia>"), CodeMalformedXML},
		{"truncated xml", []byte("<mensagemTISS><guia><numeroGuiaPrestador>1</numeroGuiaPrestador>"), CodeMalformedXML},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ParseBuffer(tt.raw)
			if res.Success {
				t.Fatal("expected failure")
			}
			if res.Data != nil {
				t.Errorf("expected nil data, got %+v", res.Data)
			}
			if len(res.Errors) != 1 {
				t.Fatalf("expected 1 error, got %+v", res.Errors)
			}
			if res.Errors[0].Severity != SeverityError {
				t.Errorf("expected ERROR severity, got %s", res.Errors[0].Severity)
			}
			if res.Errors[0].Code != tt.code {
				t.Errorf("expected code %s, got %s", tt.code, res.Errors[0].Code)
			}
		})
	}
}

func TestParseBuffer_CSV(t *testing.T) {
	res := ParseBuffer(readFixture(t, "amil_retorno.csv"))
	if !res.Success {
		t.Fatalf("expected success, got %+v", res.Errors)
	}
	if res.Metadata.Format != FormatCSV {
		t.Errorf("expected csv format, got %s", res.Metadata.Format)
	}
	if res.Data.OperatorName != "AMIL" || res.Data.LotNumber != "L-9" {
		t.Errorf("unexpected header %+v", res.Data)
	}
	if len(res.Data.Guides) != 2 {
		t.Fatalf("expected 2 guides, got %d", len(res.Data.Guides))
	}

	want := GuideRecord{
		ProviderGuideNumber: "3002",
		OperatorGuideNumber: "OP-3002",
		Status:              StatusPartial,
		StatusCode:          "3",
		PresentedValue:      200,
		ReleasedValue:       150,
		GlosaValue:          50,
		Glosas:              []GlosaReason{{Code: "1801", Description: "Valor acima da tabela", Value: 50}},
	}
	if diff := cmp.Diff(want, res.Data.Guides[1]); diff != "" {
		t.Errorf("csv guide mismatch (-want +got):\n%s", diff)
	}
	if len(res.Exclusions()) != 1 {
		t.Errorf("expected 1 exclusion, got %+v", res.Errors)
	}
	if len(res.Errors) != 1 {
		t.Errorf("expected only the exclusion warning, got %+v", res.Errors)
	}
}

func TestParseBuffer_CSVMergesGlosaLines(t *testing.T) {
	csv := "numeroGuiaPrestador,statusGuia,valorInformado,valorLiberado,codigoGlosa,valorMotivoGlosa\n" +
		"77,3,100.00,70.00,A,10.00\n" +
		"77,3,100.00,70.00,B,20.00\n"
	res := ParseBuffer([]byte(csv))
	if !res.Success {
		t.Fatalf("expected success, got %+v", res.Errors)
	}
	if len(res.Data.Guides) != 1 {
		t.Fatalf("expected rows merged into 1 guide, got %d", len(res.Data.Guides))
	}
	want := []GlosaReason{{Code: "A", Value: 10}, {Code: "B", Value: 20}}
	if diff := cmp.Diff(want, res.Data.Guides[0].Glosas); diff != "" {
		t.Errorf("glosas mismatch (-want +got):\n%s", diff)
	}
	if len(res.Errors) != 0 {
		t.Errorf("expected no warnings, got %+v", res.Errors)
	}
}

func TestStatusFromCode(t *testing.T) {
	tests := []struct {
		code string
		want GuideStatus
	}{
		{"1", StatusApproved},
		{"2", StatusDenied},
		{"3", StatusPartial},
		{"01", StatusApproved},
		{" 2 ", StatusDenied},
		{"0", StatusPending},
		{"4", StatusPending},
		{"", StatusPending},
		{"abc", StatusPending},
		{"-1", StatusPending},
	}
	for _, tt := range tests {
		if got := StatusFromCode(tt.code); got != tt.want {
			t.Errorf("StatusFromCode(%q): expected %s, got %s", tt.code, tt.want, got)
		}
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		input   string
		want    float64
		inexact bool
		wantErr bool
	}{
		{"", 0, false, false},
		{"1234.56", 1234.56, false, false},
		{"1.234,56", 1234.56, false, false},
		{"1,234.56", 1234.56, false, false},
		{"234,5", 234.5, false, false},
		{"R$ 10,00", 10, false, false},
		{"-3.50", -3.5, false, false},
		{"1.234", 1.23, true, false},
		{"0,005", 0.01, true, false},
		{"abc", 0, false, true},
		{"1.2.3", 0, false, true},
		{"NaN", 0, false, true},
	}
	for _, tt := range tests {
		got, exact, err := parseAmount(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseAmount(%q): unexpected error state %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseAmount(%q): expected %v, got %v", tt.input, tt.want, got)
		}
		if !tt.wantErr && exact == tt.inexact {
			t.Errorf("parseAmount(%q): expected exact=%v", tt.input, !tt.inexact)
		}
	}
}

func TestParseBuffer_SubCentAmountWarns(t *testing.T) {
	doc := `<mensagemTISS><guia>` +
		`<numeroGuiaPrestador>30</numeroGuiaPrestador>` +
		`<statusGuia>1</statusGuia>` +
		`<valorInformado>1.234</valorInformado>` +
		`<valorLiberado>1.23</valorLiberado>` +
		`</guia></mensagemTISS>`

	res := ParseBuffer([]byte(doc))
	if !res.Success {
		t.Fatalf("expected success, got %+v", res.Errors)
	}
	g := res.Data.Guides[0]
	if g.PresentedValue != 1.23 {
		t.Errorf("expected presented value rounded to 1.23, got %v", g.PresentedValue)
	}
	warnings := res.Warnings()
	if len(warnings) != 1 || warnings[0].Code != CodeMalformedNumber || warnings[0].Field != "presented_value" {
		t.Fatalf("expected one MALFORMED_NUMBER warning on presented_value, got %+v", warnings)
	}
	if !strings.Contains(warnings[0].Message, "rounded to 1.23") {
		t.Errorf("unexpected message %q", warnings[0].Message)
	}
}
