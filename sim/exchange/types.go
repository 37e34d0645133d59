// Package exchange implements the request/offer protocol facilities use to trade
// material once per time step. Facilities only build portfolios and offers and
// react to the resulting trades; how trades are chosen is the Matcher's business.
package exchange

import (
	"fmt"

	"github.com/inference-sim/matflow-sim/sim/resource"
)

// Request asks for up to Quantity kg of one commodity.
// Requests inside one Portfolio are mutually exclusive alternatives: together they
// never receive more than the portfolio quantity.
type Request struct {
	ID         string
	Commodity  string
	Quantity   float64
	Preference float64 // negative means "never match"
	// Target is the composition the requester would like to receive. Suppliers
	// without a recipe of their own deliver it verbatim.
	Target resource.Composition
	// Exclusive requests are filled whole or not at all.
	Exclusive bool

	portfolio *Portfolio
}

// Portfolio returns the portfolio the request belongs to (nil until added).
func (r *Request) Portfolio() *Portfolio { return r.portfolio }

func (r *Request) String() string {
	return fmt.Sprintf("Request(%s %s %.6g kg pref=%g)", r.ID, r.Commodity, r.Quantity, r.Preference)
}

// Portfolio groups alternative requests issued by one facility.
type Portfolio struct {
	ID        string
	Requester string
	Quantity  float64 // total ceiling across all requests
	Requests  []*Request
}

// NewPortfolio creates an empty portfolio with a quantity ceiling.
func NewPortfolio(id, requester string, qty float64) *Portfolio {
	return &Portfolio{ID: id, Requester: requester, Quantity: qty}
}

// AddRequest appends r and returns it for chaining.
func (p *Portfolio) AddRequest(r *Request) *Request {
	r.portfolio = p
	p.Requests = append(p.Requests, r)
	return r
}

// Offer announces up to Quantity kg of a commodity for sale.
type Offer struct {
	ID        string
	Supplier  string
	Commodity string
	Quantity  float64
	// BatchID optionally names the one batch this offer refers to.
	BatchID string
	// Exclusive offers are sold whole or not at all.
	Exclusive bool
}

func (o *Offer) String() string {
	return fmt.Sprintf("Offer(%s %s %.6g kg from %s)", o.ID, o.Commodity, o.Quantity, o.Supplier)
}

// Trade is one matched (request, offer) pair. Batch is nil until the supplier
// fulfils the trade; from then on the trade owns it until the requester accepts.
type Trade struct {
	Request  *Request
	Offer    *Offer
	Quantity float64
	Batch    *resource.Batch
}

// Requester returns the name of the receiving facility.
func (t *Trade) Requester() string { return t.Request.portfolio.Requester }

// Supplier returns the name of the sending facility.
func (t *Trade) Supplier() string { return t.Offer.Supplier }

// Commodity returns the traded commodity.
func (t *Trade) Commodity() string { return t.Request.Commodity }

func (t *Trade) String() string {
	return fmt.Sprintf("Trade(%s -> %s, %s, %.6g kg)", t.Supplier(), t.Requester(), t.Commodity(), t.Quantity)
}

// Matcher turns one step's portfolios and offers into trades.
type Matcher interface {
	Match(portfolios []*Portfolio, offers []*Offer) []*Trade
}
