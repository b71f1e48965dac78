package pii

import (
	"strings"
	"testing"

	"github.com/mkarlsen/ticketscrub/internal/logger"
)

func TestDetect(t *testing.T) {
	d := NewDetector(logger.NewNop())

	t.Run("replaces email addresses", func(t *testing.T) {
		scope := NewAllocator()
		result := d.Detect("Contact jane@acme.com about ticket", AllOptions(), scope)

		if result.Text != "Contact [EMAIL_1] about ticket" {
			t.Errorf("unexpected text: %q", result.Text)
		}
		if result.Mappings["jane@acme.com"] != "[EMAIL_1]" {
			t.Errorf("unexpected mappings: %v", result.Mappings)
		}
	})

	t.Run("replaces phone numbers and dedupes repeats", func(t *testing.T) {
		scope := NewAllocator()
		result := d.Detect("Call 555-123-4567 today, or 555-123-4567 tomorrow", AllOptions(), scope)

		if strings.Contains(result.Text, "555") {
			t.Errorf("phone number survived: %q", result.Text)
		}
		if strings.Count(result.Text, "[PHONE_1]") != 2 {
			t.Errorf("expected both occurrences replaced with [PHONE_1]: %q", result.Text)
		}
		if len(result.Mappings) != 1 {
			t.Errorf("expected a single mapping, got %v", result.Mappings)
		}
	})

	t.Run("strips salutations from name candidates", func(t *testing.T) {
		scope := NewAllocator()
		result := d.Detect("Dear John Smith, your order shipped", AllOptions(), scope)

		if result.Text != "Dear [PERSON_1], your order shipped" {
			t.Errorf("unexpected text: %q", result.Text)
		}
		if result.Mappings["John Smith"] != "[PERSON_1]" {
			t.Errorf("unexpected mappings: %v", result.Mappings)
		}
	})

	t.Run("consumes honorific names whole", func(t *testing.T) {
		scope := NewAllocator()
		result := d.Detect("Dr. Jane Roe will review the case", AllOptions(), scope)

		if result.Text != "[PERSON_1] will review the case" {
			t.Errorf("unexpected text: %q", result.Text)
		}
		if _, ok := result.Mappings["Dr. Jane Roe"]; !ok {
			t.Errorf("expected honorific form in mappings: %v", result.Mappings)
		}
	})

	t.Run("replaces company names", func(t *testing.T) {
		scope := NewAllocator()
		opts := Options{DetectCompanies: true}
		result := d.Detect("I work at Acme Inc on the billing team", opts, scope)

		if result.Text != "I work at [COMPANY_1] on the billing team" {
			t.Errorf("unexpected text: %q", result.Text)
		}
	})

	t.Run("replaces organization keywords", func(t *testing.T) {
		scope := NewAllocator()
		opts := Options{DetectCompanies: true}
		result := d.Detect("Globex Solutions handles our invoices", opts, scope)

		if result.Text != "[COMPANY_1] handles our invoices" {
			t.Errorf("unexpected text: %q", result.Text)
		}
	})

	t.Run("replaces street addresses", func(t *testing.T) {
		scope := NewAllocator()
		opts := Options{DetectAddresses: true}
		result := d.Detect("Ship it to 12 Main Street please", opts, scope)

		if result.Text != "Ship it to [ADDRESS_1] please" {
			t.Errorf("unexpected text: %q", result.Text)
		}
	})

	t.Run("numbering follows first appearance within a scope", func(t *testing.T) {
		scope := NewAllocator()

		first := d.Detect("Write to a@example.com", AllOptions(), scope)
		second := d.Detect("Or to b@example.com and a@example.com", AllOptions(), scope)

		if first.Mappings["a@example.com"] != "[EMAIL_1]" {
			t.Errorf("unexpected first mappings: %v", first.Mappings)
		}
		if second.Mappings["b@example.com"] != "[EMAIL_2]" {
			t.Errorf("unexpected second mappings: %v", second.Mappings)
		}
		if second.Mappings["a@example.com"] != "[EMAIL_1]" {
			t.Errorf("repeat value should keep its placeholder: %v", second.Mappings)
		}
	})

	t.Run("detection is deterministic", func(t *testing.T) {
		inputs := []string{
			"Dear John Smith, email jane@acme.com or call 555-123-4567",
			"jane@acme.com wrote to bob@example.org, then jane@acme.com again",
			"Call 555-123-4567 or 555-987-6543 before 5pm",
			"Dr. Jane Roe and Mr. Bob Lee discussed ticket T-9",
			"Shipped to 742 Evergreen Terrace, invoice sent to a@b.co",
			"no identifiers in this message at all",
			"",
		}
		for _, text := range inputs {
			a := d.Detect(text, AllOptions(), NewAllocator())
			b := d.Detect(text, AllOptions(), NewAllocator())
			if a.Text != b.Text {
				t.Errorf("input %q produced different output:\n%q\n%q", text, a.Text, b.Text)
			}
			if len(a.Mappings) != len(b.Mappings) {
				t.Errorf("input %q produced different mappings: %v vs %v", text, a.Mappings, b.Mappings)
			}
			for value, placeholder := range a.Mappings {
				if b.Mappings[value] != placeholder {
					t.Errorf("input %q: %q mapped to %q then %q", text, value, placeholder, b.Mappings[value])
				}
			}
		}
	})

	t.Run("disabled categories are untouched", func(t *testing.T) {
		scope := NewAllocator()
		opts := Options{DetectEmails: true}
		text := "Dear John Smith, email jane@acme.com"
		result := d.Detect(text, opts, scope)

		if result.Text != "Dear John Smith, email [EMAIL_1]" {
			t.Errorf("unexpected text: %q", result.Text)
		}
	})

	t.Run("zero options is a no-op", func(t *testing.T) {
		scope := NewAllocator()
		text := "Dear John Smith, email jane@acme.com"
		result := d.Detect(text, Options{}, scope)

		if result.Text != text {
			t.Errorf("text changed with detection disabled: %q", result.Text)
		}
		if len(result.Mappings) != 0 {
			t.Errorf("expected no mappings, got %v", result.Mappings)
		}
	})
}
