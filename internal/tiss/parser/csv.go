package parser

import (
	"fmt"
	"strings"

	"github.com/go-gota/gota/dataframe"

	"github.com/clinica/tiss/internal/tiss/encoding"
)

// csvColumns maps folded column headers (see encoding.FoldKey) of CSV/TXT
// demonstrativo exports to guide fields.
var csvColumns = map[string][]string{
	"version":         {"VERSAOTISS", "VERSAOPADRAO", "VERSAO"},
	"lotNumber":       {"NUMEROLOTE", "LOTE", "NUMEROLOTEPRESTADOR"},
	"lotProtocol":     {"NUMEROPROTOCOLO", "PROTOCOLO"},
	"operatorName":    {"NOMEOPERADORA", "OPERADORA"},
	"providerCode":    {"CODIGOPRESTADORNAOPERADORA", "CODIGOPRESTADOR", "CNPJCONTRATADO"},
	"providerNumber":  {"NUMEROGUIAPRESTADOR", "GUIAPRESTADOR", "NUMERODAGUIAPRESTADOR", "NUMEROGUIA", "GUIA"},
	"operatorNumber":  {"NUMEROGUIAOPERADORA", "GUIAOPERADORA", "NUMERODAGUIAOPERADORA"},
	"password":        {"SENHA", "SENHAAUTORIZACAO"},
	"statusCode":      {"STATUSGUIA", "SITUACAOGUIA", "CODIGOSTATUS", "STATUS", "SITUACAO"},
	"presented":       {"VALORINFORMADO", "VALORAPRESENTADO", "VALORPROCESSADO"},
	"released":        {"VALORLIBERADO", "VALORPAGO"},
	"glosa":           {"VALORGLOSA", "VALORGLOSAGUIA"},
	"glosaCode":       {"CODIGOGLOSA", "MOTIVOGLOSA", "CODIGOMOTIVOGLOSA"},
	"glosaDesc":       {"DESCRICAOGLOSA", "DESCRICAOMOTIVOGLOSA"},
	"glosaValue":      {"VALORMOTIVOGLOSA", "VALORGLOSAITEM"},
	"beneficiaryName": {"NOMEBENEFICIARIO", "BENEFICIARIO"},
	"beneficiaryCPF":  {"CPFBENEFICIARIO", "CPF"},
	"beneficiaryCard": {"NUMEROCARTEIRA", "CARTEIRA"},
	"serviceDate":     {"DATAREALIZACAO", "DATAATENDIMENTO", "DATAEXECUCAO"},
}

// csvTable resolves field names to the original column headers of one file.
type csvTable struct {
	df      dataframe.DataFrame
	columns map[string]string
}

func (t csvTable) get(field string, row int) string {
	col, ok := t.columns[field]
	if !ok {
		return ""
	}
	v := strings.TrimSpace(t.df.Col(col).Elem(row).String())
	if v == "NaN" {
		return ""
	}
	return v
}

// parseCSV reads a delimited demonstrativo export. Each row is one guide or
// one glosa line of a guide; rows sharing a provider guide number are merged
// in order, with guide values taken from the first row.
func (p *Parser) parseCSV(text string) (*TissBatch, []ParseError, *ParseError) {
	headerLine, _, _ := strings.Cut(text, "\n")
	delim := sniffDelimiter(headerLine)

	if _, ok := mapColumns(strings.Split(headerLine, string(delim)))["providerNumber"]; !ok {
		return nil, nil, &ParseError{
			Code:    CodeInvalidShape,
			Message: "document is neither TISS XML nor a CSV return with a guide number column",
		}
	}

	df := dataframe.ReadCSV(strings.NewReader(text),
		dataframe.WithDelimiter(delim),
		dataframe.WithLazyQuotes(true),
		dataframe.DetectTypes(false),
	)
	if df.Error() != nil {
		return nil, nil, &ParseError{
			Code:    CodeMalformedCSV,
			Message: fmt.Sprintf("invalid CSV: %v", df.Error()),
		}
	}
	columns := mapColumns(df.Names())
	if _, ok := columns["providerNumber"]; !ok {
		return nil, nil, &ParseError{
			Code:    CodeMalformedCSV,
			Message: "guide number column could not be loaded",
		}
	}

	t := csvTable{df: df, columns: columns}
	batch := &TissBatch{Guides: []GuideRecord{}}

	type pending struct {
		raw *rawGuide
		row int
	}
	var order []*pending
	merged := map[string]*pending{}
	var errs []ParseError
	for row := 0; row < df.Nrow(); row++ {
		fillHeader(batch, t, row)

		number := t.get("providerNumber", row)
		if number == "" {
			_, warnings, _ := buildGuide(rawGuide{}, row+1)
			errs = append(errs, warnings...)
			continue
		}
		entry, seen := merged[number]
		if !seen {
			raw := &rawGuide{
				providerNumber:  number,
				operatorNumber:  t.get("operatorNumber", row),
				password:        t.get("password", row),
				statusCode:      t.get("statusCode", row),
				presented:       t.get("presented", row),
				released:        t.get("released", row),
				beneficiaryName: t.get("beneficiaryName", row),
				beneficiaryCPF:  t.get("beneficiaryCPF", row),
				beneficiaryCard: t.get("beneficiaryCard", row),
				serviceDate:     t.get("serviceDate", row),
			}
			raw.glosa = t.get("glosa", row)
			raw.glosaPresent = raw.glosa != ""
			entry = &pending{raw: raw, row: row}
			merged[number] = entry
			order = append(order, entry)
		}

		rg := rawGlosa{
			code:        t.get("glosaCode", row),
			description: t.get("glosaDesc", row),
			value:       t.get("glosaValue", row),
		}
		if _, perLine := columns["glosaValue"]; !perLine && rg.value == "" {
			rg.value = t.get("glosa", row)
		}
		if rg.code != "" || rg.description != "" {
			entry.raw.glosas = append(entry.raw.glosas, rg)
		}
	}

	for _, entry := range order {
		guide, warnings, ok := buildGuide(*entry.raw, entry.row+1)
		errs = append(errs, warnings...)
		if ok {
			batch.Guides = append(batch.Guides, guide)
		}
	}
	return batch, errs, nil
}

// mapColumns resolves each field to the first of its aliases present in
// headers.
func mapColumns(headers []string) map[string]string {
	byKey := map[string]string{}
	for _, h := range headers {
		key := encoding.FoldKey(h)
		if _, dup := byKey[key]; !dup {
			byKey[key] = h
		}
	}
	columns := map[string]string{}
	for field, aliases := range csvColumns {
		for _, a := range aliases {
			if h, ok := byKey[a]; ok {
				columns[field] = h
				break
			}
		}
	}
	return columns
}

func fillHeader(b *TissBatch, t csvTable, row int) {
	set := func(dst *string, field string) {
		if *dst == "" {
			*dst = t.get(field, row)
		}
	}
	set(&b.TissVersion, "version")
	set(&b.LotNumber, "lotNumber")
	set(&b.LotProtocol, "lotProtocol")
	set(&b.OperatorName, "operatorName")
	set(&b.ProviderCode, "providerCode")
}

func sniffDelimiter(header string) rune {
	if strings.Count(header, ";") >= strings.Count(header, ",") && strings.Contains(header, ";") {
		return ';'
	}
	if strings.Contains(header, "\t") && !strings.Contains(header, ",") {
		return '\t'
	}
	return ','
}
