package domain

import "fmt"

// Field is one input the caller should collect from the payer.
type Field struct {
	Name     string `json:"name"`
	Label    string `json:"label"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
	Value    string `json:"value,omitempty"`
	// Error carries a field-level validation message after a failed submit.
	Error string `json:"error,omitempty"`
}

// Form describes the next checkout step for the caller to render.
type Form struct {
	Variant string  `json:"variant"`
	Fields  []Field `json:"fields,omitempty"`
	// ClientSecret is set for providers whose browser SDK completes the
	// payment client-side (Stripe intents).
	ClientSecret string `json:"client_secret,omitempty"`
	// Reference is a human-readable code the payer must quote (bank
	// transfer).
	Reference string `json:"reference,omitempty"`
}

// Invalid reports whether any field carries a validation error.
func (f *Form) Invalid() bool {
	for _, field := range f.Fields {
		if field.Error != "" {
			return true
		}
	}
	return false
}

// RedirectNeeded is returned from GetForm when the caller must send the
// user to an external URL instead of rendering anything.
type RedirectNeeded struct {
	URL string
}

func (r *RedirectNeeded) Error() string {
	return fmt.Sprintf("redirect required: %s", r.URL)
}
