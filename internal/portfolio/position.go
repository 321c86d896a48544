package portfolio

// marginRequired is the quote-denominated margin for a position: notional
// divided by leverage.
func marginRequired(entryPrice, qty float64, leverage int) float64 {
	return entryPrice * qty / float64(leverage)
}

// realizedPnL at a given exit price. Long profits when price rises, short
// when it falls.
func realizedPnL(side string, entry, exit, qty float64) float64 {
	if side == SideShort {
		return (entry - exit) * qty
	}
	return (exit - entry) * qty
}

// liquidationPrice is the price at which the position's loss equals its
// margin. Maintenance margin is not modelled; the exchange's own engine is
// authoritative and closes earlier.
func liquidationPrice(side string, entry float64, leverage int) float64 {
	step := entry / float64(leverage)
	if side == SideShort {
		return entry + step
	}
	liq := entry - step
	if liq < 0 {
		return 0
	}
	return liq
}

// liquidationCrossed reports whether the mark price has crossed the
// liquidation threshold for the side.
func liquidationCrossed(side string, liqPrice, markPrice float64) bool {
	if liqPrice <= 0 {
		return false
	}
	if side == SideShort {
		return markPrice >= liqPrice
	}
	return markPrice <= liqPrice
}
