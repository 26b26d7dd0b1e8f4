package limits

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// AgeTier adds cost to an age-sensitive operation (cancel/amend) based on how
// old the target order is. Cancelling a fresh order is penalized far more
// heavily than cancelling one that has rested on the book.
type AgeTier struct {
	// MaxAge is the upper bound (inclusive) of this tier. Tiers are sorted
	// ascending; the first tier whose MaxAge is >= the order age applies.
	MaxAge time.Duration

	// Added is the extra cost on top of the endpoint's base cost.
	Added decimal.Decimal
}

// EndpointCost is the static cost definition for one named operation.
type EndpointCost struct {
	Name string

	// Base is the flat point cost of the call.
	Base decimal.Decimal

	// AgeTiers, when present, add an age-dependent surcharge. Ages beyond
	// the last tier's MaxAge incur no surcharge.
	AgeTiers []AgeTier

	// Public endpoints skip the penalty ledger and are governed by the
	// anonymous-tier fixed window instead.
	Public bool
}

// CostTable resolves operation names to point costs. Lookup is total:
// an operation missing from the table is a configuration error, never cost 0.
type CostTable struct {
	costs map[string]EndpointCost
}

// UnknownEndpointError is returned when an operation has no cost entry.
// The governor fails closed on it.
type UnknownEndpointError struct {
	Endpoint string
}

func (e *UnknownEndpointError) Error() string {
	return fmt.Sprintf("no cost defined for endpoint %q", e.Endpoint)
}

// NewCostTable builds a table from endpoint definitions. Age tiers are
// normalized to ascending MaxAge order.
func NewCostTable(entries []EndpointCost) (*CostTable, error) {
	costs := make(map[string]EndpointCost, len(entries))
	for _, e := range entries {
		if e.Name == "" {
			return nil, fmt.Errorf("cost entry with empty endpoint name")
		}
		if e.Base.IsNegative() {
			return nil, fmt.Errorf("endpoint %q has negative base cost", e.Name)
		}
		tiers := make([]AgeTier, len(e.AgeTiers))
		copy(tiers, e.AgeTiers)
		sort.Slice(tiers, func(i, j int) bool { return tiers[i].MaxAge < tiers[j].MaxAge })
		for _, t := range tiers {
			if t.Added.IsNegative() {
				return nil, fmt.Errorf("endpoint %q has negative age tier cost", e.Name)
			}
		}
		e.AgeTiers = tiers
		if _, dup := costs[e.Name]; dup {
			return nil, fmt.Errorf("duplicate cost entry for endpoint %q", e.Name)
		}
		costs[e.Name] = e
	}
	return &CostTable{costs: costs}, nil
}

// Resolve returns the total cost of calling endpoint for an order of the
// given age. Pass a negative orderAge for operations that are not
// age-sensitive. Unknown endpoints fail closed.
func (t *CostTable) Resolve(endpoint string, orderAge time.Duration) (decimal.Decimal, error) {
	e, ok := t.costs[endpoint]
	if !ok {
		return decimal.Zero, &UnknownEndpointError{Endpoint: endpoint}
	}
	cost := e.Base
	if orderAge >= 0 {
		for _, tier := range e.AgeTiers {
			if orderAge <= tier.MaxAge {
				cost = cost.Add(tier.Added)
				break
			}
		}
	}
	return cost, nil
}

// IsPublic reports whether endpoint is an anonymous-tier operation.
// Unknown endpoints report false; Resolve is where they fail.
func (t *CostTable) IsPublic(endpoint string) bool {
	e, ok := t.costs[endpoint]
	return ok && e.Public
}

// Endpoints returns the configured endpoint names, for diagnostics.
func (t *CostTable) Endpoints() []string {
	names := make([]string, 0, len(t.costs))
	for n := range t.costs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
