package pii

import (
	"strings"

	"github.com/mkarlsen/ticketscrub/internal/logger"
	"go.uber.org/zap"
)

// Detector finds PII in text and substitutes scope-stable placeholders.
// The detector itself is stateless and safe to share; all mutable state
// lives in the Allocator scope passed to Detect.
type Detector struct {
	logger *logger.Logger
}

// NewDetector creates a detector.
func NewDetector(log *logger.Logger) *Detector {
	return &Detector{logger: log}
}

// Detect runs every enabled category pass over text and returns the
// transformed text together with the mappings applied to it.
//
// Pass order is fixed: emails → phones → names → companies → addresses.
// Later passes see text already substituted by earlier ones, which prevents
// an email or phone from being re-detected as part of a name or company.
// A detected entity that is a strict substring of another (a person's name
// inside a company name, say) can still produce partially substituted text;
// that order-dependent behavior is a known limitation and is kept as is.
func (d *Detector) Detect(text string, opts Options, scope *Allocator) Result {
	result := text
	applied := make(map[string]string)

	if opts.DetectEmails {
		result = d.substitute(result, emailPattern.FindAllString(result, -1), CategoryEmail, scope, applied)
	}

	if opts.DetectPhones {
		result = d.substitute(result, phonePattern.FindAllString(result, -1), CategoryPhone, scope, applied)
	}

	if opts.DetectNames {
		// Honorific forms first so "Dr. Jane Roe" is consumed whole before
		// the plain pass could claim "Jane Roe" on its own.
		result = d.substitute(result, honorificNamePattern.FindAllString(result, -1), CategoryPerson, scope, applied)
		result = d.substitute(result, nameCandidates(result), CategoryPerson, scope, applied)
	}

	if opts.DetectCompanies {
		result = d.substitute(result, companySuffixPattern.FindAllString(result, -1), CategoryCompany, scope, applied)
		result = d.substitute(result, companyKeywordPattern.FindAllString(result, -1), CategoryCompany, scope, applied)
	}

	if opts.DetectAddresses {
		result = d.substitute(result, addressPattern.FindAllString(result, -1), CategoryAddress, scope, applied)
	}

	if len(applied) > 0 && d.logger != nil {
		d.logger.Debug("PII detected and replaced",
			zap.Int("values", len(applied)),
			zap.Int("scope_size", scope.Size()),
		)
	}

	return Result{Text: result, Mappings: applied}
}

// substitute allocates a placeholder for each detected value and replaces
// every occurrence of that exact substring. Values are handled in match
// order, so counter numbering follows first appearance in the text.
func (d *Detector) substitute(text string, values []string, cat Category, scope *Allocator, applied map[string]string) string {
	result := text
	for _, value := range values {
		if len(value) < 2 {
			continue
		}
		if _, done := applied[value]; done {
			continue
		}

		p := scope.Allocate(cat, value)
		applied[value] = p
		result = strings.ReplaceAll(result, value, p)
	}
	return result
}

// nameCandidates extracts capitalized-token segments that look like person
// names, stripping leading sentence-opener stopwords. A segment must retain
// at least two tokens after stripping.
func nameCandidates(text string) []string {
	matches := namePattern.FindAllString(text, -1)
	candidates := make([]string, 0, len(matches))

	for _, m := range matches {
		cand := m
		for {
			first, rest, found := strings.Cut(cand, " ")
			if !found || !nameStopwords[first] {
				break
			}
			cand = strings.TrimLeft(rest, " ")
		}
		if len(strings.Fields(cand)) < 2 {
			continue
		}
		candidates = append(candidates, cand)
	}

	return candidates
}
