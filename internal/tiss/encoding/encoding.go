// Package encoding detects the character encoding of operator return files and
// converts them into sanitized UTF-8 text ready for structural parsing.
//
// Normalization never fails. Legacy TISS files are mostly ISO-8859-1 or
// Windows-1252 without any declaration that can be trusted, so the detector
// relies on byte-range heuristics over a bounded sample. Those heuristics are
// carried in a Policy value so they can be tuned without touching call sites.
package encoding

import (
	"bytes"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// Encoding names the character set a document was decoded from.
type Encoding string

const (
	UTF8        Encoding = "UTF-8"
	ISO88591    Encoding = "ISO-8859-1"
	Windows1252 Encoding = "WINDOWS-1252"
	Unknown     Encoding = "UNKNOWN"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Document is the result of normalizing a raw return file.
type Document struct {
	Text             string   `json:"-"`
	DetectedEncoding Encoding `json:"detected_encoding"`
	HadBOM           bool     `json:"had_bom"`
	// DeclaredEncoding is the encoding named in the XML prolog. It may disagree
	// with DetectedEncoding and is informational only.
	DeclaredEncoding string `json:"declared_encoding,omitempty"`
}

// Policy holds the legacy-encoding detection heuristics.
type Policy struct {
	// SampleSize bounds how many leading bytes are scanned for marker bytes.
	SampleSize int
	// Windows1252Markers are bytes that only carry printable characters in
	// Windows-1252 (curly quotes, euro sign, ellipsis...).
	Windows1252Markers []byte
	// Latin1Markers are bytes of common accented Portuguese letters in Latin-1.
	Latin1Markers []byte
	// Fallback is used when the sample carries no marker byte.
	Fallback Encoding
	// KeepMultibyteUTF8 keeps well-formed UTF-8 that contains multi-byte
	// sequences as UTF-8 even when stray control bytes are present. Off by
	// default: any C0 byte outside TAB, LF and CR sends the input to legacy
	// detection. The control bytes are stripped during sanitization either way.
	KeepMultibyteUTF8 bool
}

// DefaultPolicy returns the detection heuristics used for TISS return files.
func DefaultPolicy() Policy {
	return Policy{
		SampleSize:         5000,
		Windows1252Markers: []byte{0x80, 0x82, 0x83, 0x84, 0x85, 0x91, 0x92, 0x93, 0x94},
		Latin1Markers:      []byte{0xE0, 0xE9, 0xE7},
		Fallback:           ISO88591,
	}
}

// Normalizer converts raw bytes into a sanitized UTF-8 Document. It holds no
// mutable state and is safe for concurrent use.
type Normalizer struct {
	policy       Policy
	w1252Markers [256]bool
	latinMarkers [256]bool
}

// NewNormalizer builds a Normalizer. Zero-valued policy fields take the
// defaults from DefaultPolicy.
func NewNormalizer(p Policy) *Normalizer {
	def := DefaultPolicy()
	if p.SampleSize <= 0 {
		p.SampleSize = def.SampleSize
	}
	if len(p.Windows1252Markers) == 0 {
		p.Windows1252Markers = def.Windows1252Markers
	}
	if len(p.Latin1Markers) == 0 {
		p.Latin1Markers = def.Latin1Markers
	}
	if p.Fallback == "" {
		p.Fallback = def.Fallback
	}

	n := &Normalizer{policy: p}
	for _, b := range p.Windows1252Markers {
		n.w1252Markers[b] = true
	}
	for _, b := range p.Latin1Markers {
		n.latinMarkers[b] = true
	}
	return n
}

// Policy returns the effective detection policy.
func (n *Normalizer) Policy() Policy {
	return n.policy
}

var defaultNormalizer = NewNormalizer(DefaultPolicy())

// Normalize converts raw using the default policy.
func Normalize(raw []byte) Document {
	return defaultNormalizer.Normalize(raw)
}

// Normalize detects the encoding of raw, decodes it and sanitizes the result.
func (n *Normalizer) Normalize(raw []byte) Document {
	doc := Document{DetectedEncoding: Unknown}
	if len(raw) == 0 {
		return doc
	}

	var text string
	switch {
	case bytes.HasPrefix(raw, utf8BOM):
		doc.HadBOM = true
		doc.DetectedEncoding = UTF8
		text = strings.ToValidUTF8(string(raw[len(utf8BOM):]), "?")
	case n.isUTF8(raw):
		doc.DetectedEncoding = UTF8
		text = string(raw)
	default:
		enc := n.Detect(raw)
		decoded, err := decodeLegacy(raw, enc)
		if err != nil {
			enc = Unknown
			decoded = strings.ToValidUTF8(string(raw), "?")
		}
		doc.DetectedEncoding = enc
		text = decoded
	}

	doc.Text = Sanitize(text)
	doc.DeclaredEncoding = DeclaredEncoding(doc.Text)
	return doc
}

// Detect classifies raw as Windows-1252 or ISO-8859-1 by scanning the
// policy's sample window for marker bytes. It assumes raw is not UTF-8.
func (n *Normalizer) Detect(raw []byte) Encoding {
	sample := raw
	if len(sample) > n.policy.SampleSize {
		sample = sample[:n.policy.SampleSize]
	}

	sawLatin := false
	for _, b := range sample {
		if n.w1252Markers[b] {
			return Windows1252
		}
		if n.latinMarkers[b] {
			sawLatin = true
		}
	}
	if sawLatin {
		return ISO88591
	}
	return n.policy.Fallback
}

func (n *Normalizer) isUTF8(raw []byte) bool {
	if !utf8.Valid(raw) || bytes.ContainsRune(raw, utf8.RuneError) {
		return false
	}
	if !hasInvalidControl(raw) {
		return true
	}
	return n.policy.KeepMultibyteUTF8 && hasMultibyte(raw)
}

func decodeLegacy(raw []byte, enc Encoding) (string, error) {
	var cm *charmap.Charmap
	switch enc {
	case Windows1252:
		cm = charmap.Windows1252
	case ISO88591:
		cm = charmap.ISO8859_1
	default:
		return strings.ToValidUTF8(string(raw), "?"), nil
	}
	out, err := cm.NewDecoder().Bytes(raw)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func hasInvalidControl(raw []byte) bool {
	for _, b := range raw {
		if isInvalidControl(rune(b)) {
			return true
		}
	}
	return false
}

func hasMultibyte(raw []byte) bool {
	for _, b := range raw {
		if b >= utf8.RuneSelf {
			return true
		}
	}
	return false
}

func isInvalidControl(r rune) bool {
	return r < 0x20 && r != '\t' && r != '\n' && r != '\r'
}

var interTagWhitespace = regexp.MustCompile(`>\s+<`)

// Sanitize strips invalid control characters and BOM runes, converts
// replacement characters to '?', normalizes CRLF to LF, removes whitespace
// between tags and trims the result.
func Sanitize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.Map(func(r rune) rune {
		switch {
		case r == '\uFEFF':
			return -1
		case r == utf8.RuneError:
			return '?'
		case isInvalidControl(r):
			return -1
		}
		return r
	}, text)
	text = interTagWhitespace.ReplaceAllString(text, "><")
	return strings.TrimSpace(text)
}

var prologEncoding = regexp.MustCompile(`^<\?xml[^>]*?\sencoding\s*=\s*["']([A-Za-z0-9._:-]+)["']`)

// DeclaredEncoding returns the encoding named in the XML prolog of text, or
// "" when there is none.
func DeclaredEncoding(text string) string {
	m := prologEncoding.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return m[1]
}
