package validate

import (
	"regexp"
	"strings"
	"unicode"
)

// hyphenBreak matches a hyphen that ends a line, as left behind by OCR
var hyphenBreak = regexp.MustCompile(`-[\r\n]+[ \t]*`)

// Normalize prepares text for quote matching: hyphen variants unified,
// line-break hyphens replaced by a space, whitespace collapsed, lowercased.
func Normalize(s string) string {
	return normalize(s, " ")
}

func normalize(s, breakJoin string) string {
	s = strings.Map(unifyRune, s)
	s = hyphenBreak.ReplaceAllString(s, breakJoin)
	s = strings.Join(strings.Fields(s), " ")
	return strings.ToLower(s)
}

func unifyRune(r rune) rune {
	switch r {
	case '\u2010', '\u2011', '\u2012', '\u2013', '\u2014', '\u2015', '\u2212', '\ufe63', '\uff0d':
		return '-'
	case '\u00ad': // soft hyphen
		return -1
	case '\n', '\r':
		return r
	}
	if unicode.IsSpace(r) {
		return ' '
	}
	return r
}

// Source is a document prepared once for repeated quote lookups
type Source struct {
	text   string
	spaced string // line-break hyphens become spaces
	joined string // line-break hyphens join the word halves
}

// NewSource normalizes the document text
func NewSource(text string) *Source {
	return &Source{
		text:   text,
		spaced: normalize(text, " "),
		joined: normalize(text, ""),
	}
}

// Text returns the original document text
func (s *Source) Text() string {
	return s.text
}

// Contains reports whether the normalized quote occurs in the normalized document
func (s *Source) Contains(quote string) bool {
	q := Normalize(quote)
	if q == "" {
		return false
	}
	return strings.Contains(s.spaced, q) || strings.Contains(s.joined, q)
}
