package pii

import "fmt"

// Category identifies one kind of detectable PII.
type Category string

const (
	CategoryPerson  Category = "PERSON"
	CategoryEmail   Category = "EMAIL"
	CategoryPhone   Category = "PHONE"
	CategoryCompany Category = "COMPANY"
	CategoryAddress Category = "ADDRESS"
)

// Categories lists all detectable categories in detection order.
var Categories = []Category{CategoryEmail, CategoryPhone, CategoryPerson, CategoryCompany, CategoryAddress}

// Options selects which PII categories are detected.
type Options struct {
	DetectNames     bool `json:"detectNames"`
	DetectEmails    bool `json:"detectEmails"`
	DetectPhones    bool `json:"detectPhones"`
	DetectCompanies bool `json:"detectCompanies"`
	DetectAddresses bool `json:"detectAddresses"`
}

// AllOptions returns options with every category enabled.
func AllOptions() Options {
	return Options{
		DetectNames:     true,
		DetectEmails:    true,
		DetectPhones:    true,
		DetectCompanies: true,
		DetectAddresses: true,
	}
}

// Result contains the outcome of one Detect call.
type Result struct {
	// Text is the input with every detected value replaced by its placeholder.
	Text string `json:"text"`
	// Mappings holds original value → placeholder for values found in this text.
	Mappings map[string]string `json:"mappings"`
}

func placeholder(cat Category, n int) string {
	return fmt.Sprintf("[%s_%d]", cat, n)
}
