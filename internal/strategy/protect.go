package strategy

import (
	"math"

	"funding-bot/internal/connector"
)

// ProtectionPrices derives take-profit and stop-loss prices from the entry
// price at order time. They are attached to the open order itself so the
// position is never unprotected. A zero percent disables that boundary: its
// price stays zero and nothing is attached for it.
func ProtectionPrices(side connector.Side, entryPrice, takeProfitPct, stopLossPct float64) (takeProfit, stopLoss float64) {
	if takeProfitPct > 0 {
		if side == connector.SideBuy {
			takeProfit = entryPrice * (1 + takeProfitPct/100)
		} else {
			takeProfit = entryPrice * (1 - takeProfitPct/100)
		}
	}
	if stopLossPct > 0 {
		if side == connector.SideBuy {
			stopLoss = entryPrice * (1 - stopLossPct/100)
		} else {
			stopLoss = entryPrice * (1 + stopLossPct/100)
		}
	}
	return takeProfit, stopLoss
}

// protectionCrossed reports whether price has crossed either boundary for the
// given side. A long closes at price >= TP or <= SL; a short mirrors that.
// Disabled boundaries (price zero) never trigger.
func protectionCrossed(side connector.Side, price, takeProfit, stopLoss float64) bool {
	if side == connector.SideBuy {
		return (takeProfit > 0 && price >= takeProfit) || (stopLoss > 0 && price <= stopLoss)
	}
	return (takeProfit > 0 && price <= takeProfit) || (stopLoss > 0 && price >= stopLoss)
}

// FundingEstimateUSD is the expected funding payment for a position of
// margin x leverage notional.
func FundingEstimateUSD(marginUSD float64, leverage int, fundingRate float64) float64 {
	return marginUSD * float64(leverage) * math.Abs(fundingRate)
}

// ResolveSide turns the configured side selector into a concrete side. An
// explicit choice always wins. Auto depends on the variant: the precise
// timing engine opens after settlement on the side that would have owed the
// payment, while the collection engine opens ahead of settlement on the side
// that receives it.
func ResolveSide(choice SideChoice, mode Mode, fundingRate float64) connector.Side {
	switch choice {
	case ChooseBuy:
		return connector.SideBuy
	case ChooseSell:
		return connector.SideSell
	}
	if mode == ModePreciseTiming {
		if fundingRate >= 0 {
			return connector.SideBuy
		}
		return connector.SideSell
	}
	if fundingRate >= 0 {
		return connector.SideSell
	}
	return connector.SideBuy
}
