package market

// Per-unit prices the market charges. Anything unlisted sells at DefaultPrice.
const DefaultPrice = 1.25

var priceTable = map[string]float64{
	"tomato":   0.40,
	"cheese":   2.10,
	"meat":     4.75,
	"rice":     0.90,
	"flour":    0.60,
	"egg":      0.35,
	"milk":     1.10,
	"butter":   1.80,
	"onion":    0.30,
	"garlic":   0.25,
	"basil":    0.95,
	"mushroom": 1.40,
}

func PriceFor(ingredient string) float64 {
	if p, ok := priceTable[ingredient]; ok {
		return p
	}
	return DefaultPrice
}
