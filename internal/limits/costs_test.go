package limits

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func testCostTable(t *testing.T) *CostTable {
	t.Helper()
	table, err := NewCostTable([]EndpointCost{
		{Name: "place_order", Base: decimal.NewFromInt(1)},
		{Name: "cancel_order", Base: decimal.NewFromInt(1), AgeTiers: []AgeTier{
			// Deliberately out of order; the table must sort them.
			{MaxAge: 5 * time.Second, Added: decimal.NewFromInt(10)},
			{MaxAge: 1 * time.Second, Added: decimal.NewFromInt(25)},
			{MaxAge: 30 * time.Second, Added: decimal.NewFromInt(2)},
		}},
		{Name: "ticker_price", Base: decimal.NewFromInt(2), Public: true},
	})
	if err != nil {
		t.Fatalf("NewCostTable failed: %v", err)
	}
	return table
}

func TestResolveFlatCost(t *testing.T) {
	table := testCostTable(t)

	cost, err := table.Resolve("place_order", -1)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !cost.Equal(decimal.NewFromInt(1)) {
		t.Errorf("Expected cost 1, got %s", cost)
	}
}

func TestResolveAgeTiers(t *testing.T) {
	table := testCostTable(t)

	cases := []struct {
		name     string
		age      time.Duration
		expected int64
	}{
		{"fresh order pays the top surcharge", 500 * time.Millisecond, 26},
		{"tier boundary is inclusive", 1 * time.Second, 26},
		{"middle tier", 3 * time.Second, 11},
		{"old order", 20 * time.Second, 3},
		{"beyond last tier pays base only", 2 * time.Minute, 1},
		{"negative age means not age-sensitive", -1, 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cost, err := table.Resolve("cancel_order", tc.age)
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			if !cost.Equal(decimal.NewFromInt(tc.expected)) {
				t.Errorf("Expected cost %d for age %s, got %s", tc.expected, tc.age, cost)
			}
		})
	}
}

func TestResolveUnknownEndpointFailsClosed(t *testing.T) {
	table := testCostTable(t)

	_, err := table.Resolve("delete_everything", -1)
	if err == nil {
		t.Fatal("Expected error for unknown endpoint")
	}
	if _, ok := err.(*UnknownEndpointError); !ok {
		t.Errorf("Expected *UnknownEndpointError, got %T", err)
	}
}

func TestIsPublic(t *testing.T) {
	table := testCostTable(t)

	if !table.IsPublic("ticker_price") {
		t.Error("ticker_price should be public")
	}
	if table.IsPublic("place_order") {
		t.Error("place_order should not be public")
	}
	if table.IsPublic("unknown") {
		t.Error("unknown endpoints should not report public")
	}
}

func TestNewCostTableRejectsBadEntries(t *testing.T) {
	if _, err := NewCostTable([]EndpointCost{{Name: ""}}); err == nil {
		t.Error("Expected error for empty name")
	}
	if _, err := NewCostTable([]EndpointCost{
		{Name: "a", Base: decimal.NewFromInt(1)},
		{Name: "a", Base: decimal.NewFromInt(2)},
	}); err == nil {
		t.Error("Expected error for duplicate entry")
	}
	if _, err := NewCostTable([]EndpointCost{
		{Name: "a", Base: decimal.NewFromInt(-1)},
	}); err == nil {
		t.Error("Expected error for negative base cost")
	}
}
