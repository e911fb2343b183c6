package price

import "github.com/xenking/pricebook/internal/domain/money"

// SelectTier returns the price of the highest break whose quantity is at
// most qty. breaks must be sorted ascending by quantity. It reports false
// when no break applies.
func SelectTier(breaks []QuantityBreak, qty int64) (money.Money, bool) {
	for i := len(breaks) - 1; i >= 0; i-- {
		if breaks[i].Quantity <= qty {
			return breaks[i].Price, true
		}
	}
	return money.Money{}, false
}
