package paypal

// Wire shapes for the PayPal REST endpoints in use. Only the fields this
// module reads or writes are declared.

type Amount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type PurchaseUnit struct {
	ReferenceID string  `json:"reference_id,omitempty"`
	CustomID    string  `json:"custom_id,omitempty"`
	Description string  `json:"description,omitempty"`
	Amount      *Amount `json:"amount,omitempty"`
	Payments    *struct {
		Captures []Capture `json:"captures,omitempty"`
	} `json:"payments,omitempty"`
}

type Capture struct {
	ID                        string  `json:"id"`
	Status                    string  `json:"status"`
	CustomID                  string  `json:"custom_id,omitempty"`
	Amount                    *Amount `json:"amount,omitempty"`
	SellerReceivableBreakdown *struct {
		GrossAmount *Amount `json:"gross_amount,omitempty"`
		PaypalFee   *Amount `json:"paypal_fee,omitempty"`
		NetAmount   *Amount `json:"net_amount,omitempty"`
	} `json:"seller_receivable_breakdown,omitempty"`
	CreateTime string `json:"create_time,omitempty"`
}

type ApplicationContext struct {
	BrandName          string `json:"brand_name,omitempty"`
	UserAction         string `json:"user_action,omitempty"`
	ReturnURL          string `json:"return_url,omitempty"`
	CancelURL          string `json:"cancel_url,omitempty"`
	ShippingPreference string `json:"shipping_preference,omitempty"`
}

type Link struct {
	Href   string `json:"href"`
	Rel    string `json:"rel"`
	Method string `json:"method,omitempty"`
}

type OrderRequest struct {
	Intent             string              `json:"intent"`
	PurchaseUnits      []PurchaseUnit      `json:"purchase_units"`
	ApplicationContext *ApplicationContext `json:"application_context,omitempty"`
}

type Order struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	PurchaseUnits []PurchaseUnit `json:"purchase_units,omitempty"`
	Links         []Link         `json:"links,omitempty"`
}

type ProductRequest struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Category string `json:"category,omitempty"`
}

type Product struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Frequency struct {
	IntervalUnit  string `json:"interval_unit"`
	IntervalCount int    `json:"interval_count"`
}

type BillingCycle struct {
	Frequency     Frequency `json:"frequency"`
	TenureType    string    `json:"tenure_type"`
	Sequence      int       `json:"sequence"`
	TotalCycles   int       `json:"total_cycles"`
	PricingScheme struct {
		FixedPrice Amount `json:"fixed_price"`
	} `json:"pricing_scheme"`
}

type PaymentPreferences struct {
	AutoBillOutstanding     bool   `json:"auto_bill_outstanding"`
	SetupFeeFailureAction   string `json:"setup_fee_failure_action,omitempty"`
	PaymentFailureThreshold int    `json:"payment_failure_threshold,omitempty"`
}

type PlanRequest struct {
	ProductID          string              `json:"product_id"`
	Name               string              `json:"name"`
	Status             string              `json:"status,omitempty"`
	BillingCycles      []BillingCycle      `json:"billing_cycles"`
	PaymentPreferences *PaymentPreferences `json:"payment_preferences,omitempty"`
}

type BillingPlan struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type SubscriptionRequest struct {
	PlanID             string              `json:"plan_id"`
	CustomID           string              `json:"custom_id,omitempty"`
	ApplicationContext *ApplicationContext `json:"application_context,omitempty"`
}

type BillingSubscription struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	PlanID   string `json:"plan_id,omitempty"`
	CustomID string `json:"custom_id,omitempty"`
	Links    []Link `json:"links,omitempty"`
}

type ReviseRequest struct {
	PlanID string `json:"plan_id,omitempty"`
}

// WebhookEvent is the envelope PayPal posts to the webhook endpoint.
type WebhookEvent struct {
	ID           string `json:"id"`
	EventType    string `json:"event_type"`
	ResourceType string `json:"resource_type"`
	Resource     struct {
		ID                        string  `json:"id"`
		Status                    string  `json:"status"`
		CustomID                  string  `json:"custom_id,omitempty"`
		Custom                    string  `json:"custom,omitempty"`
		BillingAgreementID        string  `json:"billing_agreement_id,omitempty"`
		Amount                    *Amount `json:"amount,omitempty"`
		SellerReceivableBreakdown *struct {
			NetAmount *Amount `json:"net_amount,omitempty"`
		} `json:"seller_receivable_breakdown,omitempty"`
		SupplementaryData *struct {
			RelatedIDs *struct {
				OrderID string `json:"order_id,omitempty"`
			} `json:"related_ids,omitempty"`
		} `json:"supplementary_data,omitempty"`
	} `json:"resource"`
	CreateTime string `json:"create_time,omitempty"`
}

func approvalLink(links []Link) string {
	for _, l := range links {
		if l.Rel == "approve" || l.Rel == "approval_url" {
			return l.Href
		}
	}
	return ""
}
