package domain

import (
	"encoding/json"

	"gorm.io/datatypes"
)

// ExtraData is the typed provider payload stored on a payment. Exactly one
// section is populated, matching the payment's variant.
type ExtraData struct {
	Stripe      *StripeExtra      `json:"stripe,omitempty"`
	Paypal      *PaypalExtra      `json:"paypal,omitempty"`
	Lastschrift *LastschriftExtra `json:"lastschrift,omitempty"`
	Sepa        *SepaExtra        `json:"sepa,omitempty"`
}

// StripeExtra holds card intent bookkeeping.
type StripeExtra struct {
	PaymentMethodID string `json:"payment_method_id,omitempty"`
	ClientSecret    string `json:"client_secret,omitempty"`
	InvoiceID       string `json:"invoice_id,omitempty"`
	ErrorCode       string `json:"error_code,omitempty"`
}

// PaypalExtra holds PayPal order and billing agreement references.
type PaypalExtra struct {
	OrderID        string `json:"order_id,omitempty"`
	CaptureID      string `json:"capture_id,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	ApprovalURL    string `json:"approval_url,omitempty"`
}

// LastschriftExtra holds the debit mandate collected from the payer.
type LastschriftExtra struct {
	IBAN             string `json:"iban,omitempty"`
	Owner            string `json:"owner,omitempty"`
	MandateReference string `json:"mandate_reference,omitempty"`
	// Processed marks the debit as exported to the operator's bank run.
	Processed bool `json:"processed,omitempty"`
}

// SepaExtra holds the Stripe SEPA source plus fraud review findings.
type SepaExtra struct {
	IBANLast4     string   `json:"iban_last4,omitempty"`
	IBANCountry   string   `json:"iban_country,omitempty"`
	MandateURL    string   `json:"mandate_url,omitempty"`
	ReviewReasons []string `json:"review_reasons,omitempty"`
}

// DecodeExtra parses the payment's extra data. A payment without extra data
// decodes to the zero value.
func (p *Payment) DecodeExtra() (ExtraData, error) {
	var extra ExtraData
	if len(p.ExtraData) == 0 {
		return extra, nil
	}
	if err := json.Unmarshal(p.ExtraData, &extra); err != nil {
		return ExtraData{}, err
	}
	return extra, nil
}

// SetExtra serializes the extra data onto the payment in place; the caller
// persists.
func (p *Payment) SetExtra(extra ExtraData) error {
	raw, err := json.Marshal(extra)
	if err != nil {
		return err
	}
	p.ExtraData = datatypes.JSON(raw)
	return nil
}
