package models

// ExchangePosition is the exchange-reported aggregate position for one
// (symbol, positionSide). PositionAmt is signed: negative for shorts.
type ExchangePosition struct {
	Symbol        string
	PositionSide  PositionSide
	PositionAmt   float64
	EntryPrice    float64
	MarkPrice     float64
	Leverage      float64
	UnrealizedPnl float64
}

// OrderFill describes one executed order crossing the boundary into the
// tranche engine. A SELL fill closes LONG tranches and vice versa.
type OrderFill struct {
	Symbol       string
	Side         OrderSide
	PositionSide PositionSide
	Quantity     float64
	Price        float64
	RealizedPnl  float64
	OrderID      string
}

// ClosingSide returns the tranche side that an opposing fill reduces.
func (f OrderFill) ClosingSide() Side {
	if f.Side == OrderSideSell {
		return SideLong
	}
	return SideShort
}

// EntrySide returns the tranche side that an opening fill creates. In hedge
// mode the exchange position side wins; in one-way mode the order side decides.
func (f OrderFill) EntrySide() Side {
	switch f.PositionSide {
	case PositionSideLong:
		return SideLong
	case PositionSideShort:
		return SideShort
	}
	if f.Side == OrderSideBuy {
		return SideLong
	}
	return SideShort
}
