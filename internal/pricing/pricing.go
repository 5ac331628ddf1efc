package pricing

import "os"

// Tier is one purchasable credit pack.
type Tier struct {
	Name        string `json:"name"`
	PriceID     string `json:"price_id"`
	Credits     int64  `json:"credits"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
}

// Catalog resolves price ids to tiers.
type Catalog struct {
	byPriceID map[string]Tier
	ordered   []Tier
}

func NewCatalog(tiers ...Tier) *Catalog {
	c := &Catalog{byPriceID: make(map[string]Tier, len(tiers))}
	for _, t := range tiers {
		c.byPriceID[t.PriceID] = t
		c.ordered = append(c.ordered, t)
	}
	return c
}

// Default builds the standard three-tier catalog. Price ids come from the
// environment so each deployment can point at its own provider products.
func Default() *Catalog {
	return NewCatalog(
		Tier{Name: "starter", PriceID: priceID("STRIPE_PRICE_STARTER", "price_starter_10"), Credits: 10, AmountCents: 200, Currency: "usd"},
		Tier{Name: "pro", PriceID: priceID("STRIPE_PRICE_PRO", "price_pro_40"), Credits: 40, AmountCents: 500, Currency: "usd"},
		Tier{Name: "elite", PriceID: priceID("STRIPE_PRICE_ELITE", "price_elite_100"), Credits: 100, AmountCents: 1000, Currency: "usd"},
	)
}

// ByPriceID looks up a tier by provider price id.
func (c *Catalog) ByPriceID(id string) (Tier, bool) {
	t, ok := c.byPriceID[id]
	return t, ok
}

// Tiers returns the catalog in definition order.
func (c *Catalog) Tiers() []Tier {
	out := make([]Tier, len(c.ordered))
	copy(out, c.ordered)
	return out
}

func priceID(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
