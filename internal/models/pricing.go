package models

// Pricing is a model's USD price per million tokens, split by the four
// billable token kinds.
type Pricing struct {
	InputPerMTok      float64
	OutputPerMTok     float64
	CacheReadPerMTok  float64
	CacheWritePerMTok float64
}

// Pricing returns the model's price card.
func (m *Model) Pricing() Pricing {
	return Pricing{
		InputPerMTok:      m.InputPrice,
		OutputPerMTok:     m.OutputPrice,
		CacheReadPerMTok:  m.CacheReadPrice,
		CacheWritePerMTok: m.CacheWritePrice,
	}
}

// IsZero reports whether no price is known.
func (p Pricing) IsZero() bool {
	return p.InputPerMTok == 0 && p.OutputPerMTok == 0 &&
		p.CacheReadPerMTok == 0 && p.CacheWritePerMTok == 0
}

// Cost returns the USD cost of a turn with the given token counts.
// Cache write blocks bill at their own rate, not the input rate.
func (p Pricing) Cost(input, output, cacheRead, cacheWrite int) float64 {
	total := float64(input)*p.InputPerMTok +
		float64(output)*p.OutputPerMTok +
		float64(cacheRead)*p.CacheReadPerMTok +
		float64(cacheWrite)*p.CacheWritePerMTok
	return total / 1_000_000
}
