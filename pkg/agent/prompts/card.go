// Package prompts builds the per-session-type system prompts for the
// response generator, injecting the retrieved user context.
package prompts

import "fmt"

// Card benefit and fee figures used in prompts and savings projections.
const (
	CashbackPercent        = 10
	CashbackMonthlyCap     = 1500
	DeliveryFeeSavedPerOrd = 40
	SignupBonus            = 500
	AnnualFee              = 500
	FeeWaiverAnnualSpend   = 50000
)

// CardBenefits is the benefit sheet injected into every system prompt.
func CardBenefits() string {
	return fmt.Sprintf(`CARD BENEFITS:
- %d%% cashback on all food delivery orders (up to Rs. %d per month)
- Free delivery on every order (saves about Rs. %d per order)
- Rs. %d welcome bonus on the first transaction
- Rs. %d annual fee, waived on Rs. %d annual spend, no joining fee`,
		CashbackPercent, CashbackMonthlyCap, DeliveryFeeSavedPerOrd,
		SignupBonus, AnnualFee, FeeWaiverAnnualSpend)
}

// Savings is a projected-savings breakdown for one customer.
type Savings struct {
	MonthlyOrders        float64
	MonthlySpend         float64
	MonthlyCashback      float64
	MonthlyDeliverySaved float64
	MonthlyTotal         float64
	YearlyTotal          float64
}

// ProjectSavings computes the savings pitch figures from observed
// ordering behaviour. Cashback is capped at the monthly ceiling.
func ProjectSavings(weeklyOrders, avgOrderAmount float64) Savings {
	monthlyOrders := weeklyOrders * 4.33
	monthlySpend := monthlyOrders * avgOrderAmount

	cashback := monthlySpend * CashbackPercent / 100
	if cashback > CashbackMonthlyCap {
		cashback = CashbackMonthlyCap
	}
	deliverySaved := monthlyOrders * DeliveryFeeSavedPerOrd
	total := cashback + deliverySaved

	return Savings{
		MonthlyOrders:        monthlyOrders,
		MonthlySpend:         monthlySpend,
		MonthlyCashback:      cashback,
		MonthlyDeliverySaved: deliverySaved,
		MonthlyTotal:         total,
		YearlyTotal:          total * 12,
	}
}
