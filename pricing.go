package editqueue

// Pricing maps a quality tier to its cost in cents.
type Pricing map[Quality]int64

// DefaultPricing is the per-edit price for metered providers.
var DefaultPricing = Pricing{
	QualityStandard: 2,
	QualityHD:       5,
	Quality4K:       10,
}

// Cost returns the price for quality q. Unknown tiers are priced as 4k.
func (p Pricing) Cost(q Quality) int64 {
	if c, ok := p[q]; ok {
		return c
	}
	return p[Quality4K]
}
