package stripe

import (
	"net"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/okfde/froide-payment/internal/config"
	paymentdomain "github.com/okfde/froide-payment/internal/payment/domain"
)

// reviewReasons evaluates the manual-review rules for a SEPA debit attempt.
// A non-empty result defers automatic confirmation until staff approve.
func reviewReasons(settings config.ReviewSettings, payment *paymentdomain.Payment, ibanCountry string) []string {
	var reasons []string

	threshold := decimal.NewFromFloat(settings.AmountThreshold)
	if payment.Total.GreaterThan(threshold) {
		reasons = append(reasons, "amount above review threshold")
	}

	if ibanCountry != "" && len(settings.IBANCountries) > 0 {
		allowed := false
		for _, c := range settings.IBANCountries {
			if strings.EqualFold(c, ibanCountry) {
				allowed = true
				break
			}
		}
		if !allowed {
			reasons = append(reasons, "iban country "+ibanCountry+" outside allow-list")
		}
	}

	if payment.CustomerIPAddress != "" && suspiciousIP(settings.SuspiciousIPNets, payment.CustomerIPAddress) {
		reasons = append(reasons, "request from flagged network")
	}

	return reasons
}

func suspiciousIP(nets []string, addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, raw := range nets {
		_, cidr, err := net.ParseCIDR(strings.TrimSpace(raw))
		if err != nil {
			continue
		}
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}
