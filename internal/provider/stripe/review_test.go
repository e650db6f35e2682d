package stripe

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/okfde/froide-payment/internal/config"
	paymentdomain "github.com/okfde/froide-payment/internal/payment/domain"
)

func TestReviewReasons(t *testing.T) {
	settings := config.ReviewSettings{
		AmountThreshold:  500,
		IBANCountries:    []string{"DE", "AT"},
		SuspiciousIPNets: []string{"10.0.0.0/8", "not-a-cidr"},
	}

	cases := []struct {
		name    string
		total   string
		country string
		ip      string
		want    int
	}{
		{"clean", "50.00", "DE", "93.184.216.34", 0},
		{"above threshold", "500.01", "DE", "93.184.216.34", 1},
		{"at threshold", "500.00", "DE", "93.184.216.34", 0},
		{"foreign iban", "50.00", "GB", "93.184.216.34", 1},
		{"country case insensitive", "50.00", "at", "93.184.216.34", 0},
		{"flagged network", "50.00", "DE", "10.1.2.3", 1},
		{"unparseable ip ignored", "50.00", "DE", "not-an-ip", 0},
		{"no ip", "50.00", "DE", "", 0},
		{"everything wrong", "9999.00", "US", "10.0.0.1", 3},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			payment := &paymentdomain.Payment{
				Total:             decimal.RequireFromString(c.total),
				CustomerIPAddress: c.ip,
			}
			reasons := reviewReasons(settings, payment, c.country)
			if len(reasons) != c.want {
				t.Fatalf("got %d reasons %v, want %d", len(reasons), reasons, c.want)
			}
		})
	}
}

func TestReviewReasonsEmptyAllowListSkipsCountryCheck(t *testing.T) {
	settings := config.ReviewSettings{AmountThreshold: 500}
	payment := &paymentdomain.Payment{Total: decimal.RequireFromString("50.00")}
	if reasons := reviewReasons(settings, payment, "GB"); len(reasons) != 0 {
		t.Fatalf("no allow-list means no country rule, got %v", reasons)
	}
}
