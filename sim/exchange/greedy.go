package exchange

import (
	"sort"

	"github.com/inference-sim/matflow-sim/sim/resource"
)

// GreedyMatcher fills requests in descending preference order.
// Ties are broken by portfolio order, then request order, then offer order, so
// identical inputs always yield identical trades.
type GreedyMatcher struct{}

// NewGreedyMatcher returns the default matcher.
func NewGreedyMatcher() *GreedyMatcher { return &GreedyMatcher{} }

type arc struct {
	request *Request
	offer   *Offer
	pIdx    int
	rIdx    int
	oIdx    int
}

// Match implements Matcher.
func (m *GreedyMatcher) Match(portfolios []*Portfolio, offers []*Offer) []*Trade {
	byCommodity := make(map[string][]int)
	for i, o := range offers {
		byCommodity[o.Commodity] = append(byCommodity[o.Commodity], i)
	}

	var arcs []arc
	for pi, p := range portfolios {
		for ri, r := range p.Requests {
			if r.Preference < 0 || r.Quantity <= resource.Eps {
				continue
			}
			for _, oi := range byCommodity[r.Commodity] {
				o := offers[oi]
				if o.Supplier == p.Requester || o.Quantity <= resource.Eps {
					continue
				}
				arcs = append(arcs, arc{request: r, offer: o, pIdx: pi, rIdx: ri, oIdx: oi})
			}
		}
	}

	sort.SliceStable(arcs, func(i, j int) bool {
		a, b := arcs[i], arcs[j]
		if a.request.Preference != b.request.Preference {
			return a.request.Preference > b.request.Preference
		}
		if a.pIdx != b.pIdx {
			return a.pIdx < b.pIdx
		}
		if a.rIdx != b.rIdx {
			return a.rIdx < b.rIdx
		}
		return a.oIdx < b.oIdx
	})

	portfolioRest := make(map[*Portfolio]float64, len(portfolios))
	for _, p := range portfolios {
		portfolioRest[p] = p.Quantity
	}
	requestRest := make(map[*Request]float64)
	offerRest := make(map[*Offer]float64, len(offers))
	for _, o := range offers {
		offerRest[o] = o.Quantity
	}

	var trades []*Trade
	for _, a := range arcs {
		p := a.request.portfolio
		rRest, seen := requestRest[a.request]
		if !seen {
			rRest = a.request.Quantity
		}
		amount := min(rRest, portfolioRest[p], offerRest[a.offer])
		if amount <= resource.Eps {
			continue
		}
		if a.request.Exclusive && amount < a.request.Quantity-resource.Eps {
			continue
		}
		if a.offer.Exclusive {
			if amount < a.offer.Quantity-resource.Eps {
				continue
			}
			amount = a.offer.Quantity
		}
		if a.request.Exclusive {
			amount = a.request.Quantity
		}

		requestRest[a.request] = rRest - amount
		portfolioRest[p] -= amount
		offerRest[a.offer] -= amount
		trades = append(trades, &Trade{Request: a.request, Offer: a.offer, Quantity: amount})
	}
	return trades
}
