package pii

import "regexp"

// Extraction patterns. Email, phone and address shapes follow the common
// US-centric export formats seen in support tooling; name and company
// extraction is heuristic (capitalized-token segments), since conversation
// exports carry no entity annotations.
var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)

	// Digit-grouped phone numbers, tolerant of separators, optional +1
	// country prefix and an ext/x/extension suffix.
	phonePattern = regexp.MustCompile(`(?i)\b(?:\+?1[-.\s]?)?(?:\(?\d{3}\)?[-.\s]?)?\d{3}[-.\s]?\d{4}(?:\s*(?:ext|x|extension)[.\s]*\d{1,5})?\b`)

	// Street number, one to four words, then a street-type suffix.
	addressPattern = regexp.MustCompile(`(?i)\b\d{1,5}\s+(?:[A-Za-z]+\s+){1,4}(?:Street|St|Avenue|Ave|Road|Rd|Boulevard|Blvd|Drive|Dr|Lane|Ln|Court|Ct|Circle|Cir|Way|Place|Pl)\b\.?`)

	// Two or more capitalized tokens in a row.
	namePattern = regexp.MustCompile(`\b[A-Z][a-z]+(?:\s+[A-Z][a-z]+)+\b`)

	// Honorific followed by one or more capitalized tokens.
	honorificNamePattern = regexp.MustCompile(`\b(?:Mr|Mrs|Ms|Dr|Prof)\.?\s+[A-Z][a-z]+(?:\s+[A-Z][a-z]+)*\b`)

	// Capitalized phrase followed by a legal entity suffix.
	companySuffixPattern = regexp.MustCompile(`\b[A-Z][A-Za-z0-9&'-]*(?:\s+[A-Z][A-Za-z0-9&'-]*)*\s+(?:Inc\.?|LLC|L\.L\.C\.|Ltd\.?|Limited|Corp\.?|Corporation|Co\.?|Company|LLP|L\.L\.P\.|LP|L\.P\.|PLC|plc|GmbH|AG|SA|NV|BV|Pty)\b`)

	// Capitalized phrase ending in a common organization keyword.
	companyKeywordPattern = regexp.MustCompile(`\b[A-Z][A-Za-z0-9&'-]+(?:\s+[A-Z][A-Za-z0-9&'-]+)*\s+(?:Technologies|Technology|Solutions|Systems|Software|Services|Labs|Holdings|Industries|Consulting)\b`)
)

// nameStopwords are capitalized tokens that frequently open sentences or
// salutations; leading stopwords are stripped from name candidates so that
// "Dear John Smith" yields "John Smith".
var nameStopwords = map[string]bool{
	"The": true, "This": true, "That": true, "These": true, "Those": true,
	"Dear": true, "Hello": true, "Hi": true, "Hey": true,
	"Thanks": true, "Thank": true, "Best": true, "Kind": true, "Regards": true,
	"Please": true, "Sincerely": true,
	"Our": true, "Your": true, "My": true, "Their": true,
	"Monday": true, "Tuesday": true, "Wednesday": true, "Thursday": true,
	"Friday": true, "Saturday": true, "Sunday": true,
	"January": true, "February": true, "March": true, "April": true,
	"May": true, "June": true, "July": true, "August": true,
	"September": true, "October": true, "November": true, "December": true,
}
