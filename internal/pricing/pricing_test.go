package pricing

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navsahu/x402-deploy/internal/pagination"
)

const payer = "0x1234567890123456789012345678901234567890"

func mustEngine(t *testing.T, defaultPrice string, specs []RuleSpec) *Engine {
	t.Helper()
	e, err := New(defaultPrice, specs)
	require.NoError(t, err)
	return e
}

func TestQuote_MostSpecificWins(t *testing.T) {
	e := mustEngine(t, "", []RuleSpec{
		{Route: "GET /api/*", Price: "$0.01"},
		{Route: "GET /api/data", Price: "$0.001"},
	})

	price, ok := e.Quote("GET", "/api/data", payer)
	require.True(t, ok)
	assert.Equal(t, "0.001000", price)

	price, ok = e.Quote("GET", "/api/other", payer)
	require.True(t, ok)
	assert.Equal(t, "0.010000", price)
}

func TestQuote_LongestWildcardPrefixWins(t *testing.T) {
	e := mustEngine(t, "", []RuleSpec{
		{Route: "GET /api/*", Price: "0.01"},
		{Route: "GET /api/reports/*", Price: "0.05"},
	})

	price, ok := e.Quote("GET", "/api/reports/monthly", payer)
	require.True(t, ok)
	assert.Equal(t, "0.050000", price)
}

func TestQuote_MethodBeatsPathOnly(t *testing.T) {
	e := mustEngine(t, "", []RuleSpec{
		{Route: "/api/data", Price: "0.02"},
		{Route: "GET /api/data", Price: "0.001"},
	})

	price, _ := e.Quote("GET", "/api/data", payer)
	assert.Equal(t, "0.001000", price)

	// POST falls through to the method-agnostic rule.
	price, _ = e.Quote("POST", "/api/data", payer)
	assert.Equal(t, "0.020000", price)
}

func TestQuote_DeclarationOrderBreaksTies(t *testing.T) {
	e := mustEngine(t, "", []RuleSpec{
		{Route: "GET /api/a/*", Price: "0.01"},
		{Route: "GET /api/b/*", Price: "0.02"},
	})

	// Same rank and prefix length never overlap here, but two identical
	// patterns must resolve to the first declared.
	e2 := mustEngine(t, "", []RuleSpec{
		{Route: "GET /api/data", Price: "0.01"},
		{Route: "GET /api/data", Price: "0.02"},
	})
	price, _ := e2.Quote("GET", "/api/data", payer)
	assert.Equal(t, "0.010000", price)

	price, _ = e.Quote("GET", "/api/b/x", payer)
	assert.Equal(t, "0.020000", price)
}

func TestQuote_DefaultPrice(t *testing.T) {
	e := mustEngine(t, "$0.005", nil)

	price, ok := e.Quote("GET", "/api/anything", payer)
	require.True(t, ok)
	assert.Equal(t, "0.005000", price)
}

func TestQuote_UnpricedIsFree(t *testing.T) {
	e := mustEngine(t, "", []RuleSpec{{Route: "GET /api/data", Price: "0.001"}})

	_, ok := e.Quote("GET", "/public", payer)
	assert.False(t, ok)
}

func TestQuote_CaseInsensitiveMethod(t *testing.T) {
	e := mustEngine(t, "", []RuleSpec{{Route: "get /api/data", Price: "0.001"}})

	price, ok := e.Quote("GET", "/api/data", payer)
	require.True(t, ok)
	assert.Equal(t, "0.001000", price)
}

func TestNew_InvalidSpecs(t *testing.T) {
	_, err := New("", []RuleSpec{{Route: "GET /api/data"}})
	assert.Error(t, err, "no price")

	_, err = New("", []RuleSpec{{Route: "GET /api/data", Price: "nope"}})
	assert.Error(t, err, "bad price")

	_, err = New("", []RuleSpec{{Route: "api/data", Price: "0.01"}})
	assert.Error(t, err, "missing leading slash")

	_, err = New("", []RuleSpec{{
		Route:   "GET /api/data",
		Price:   "0.01",
		Dynamic: &DynamicSpec{BasePrice: "0.01"},
	}})
	assert.Error(t, err, "both static and dynamic")
}

func TestDynamic_LoadFactorScalesPrice(t *testing.T) {
	e := mustEngine(t, "", []RuleSpec{{
		Route:   "GET /api/compute",
		Dynamic: &DynamicSpec{BasePrice: "0.01", LoadMultiplier: 2},
	}})

	price, _ := e.Quote("GET", "/api/compute", payer)
	assert.Equal(t, "0.010000", price, "loadFactor 0 leaves the base price")

	e.UpdateLoad(1)
	price, _ = e.Quote("GET", "/api/compute", payer)
	assert.Equal(t, "0.020000", price, "loadFactor 1 applies the full multiplier")

	e.UpdateLoad(0.5)
	price, _ = e.Quote("GET", "/api/compute", payer)
	assert.Equal(t, "0.014142", price, "loadFactor 0.5 applies sqrt of the multiplier")
}

func TestUpdateLoad_Clamped(t *testing.T) {
	e := mustEngine(t, "", nil)

	e.UpdateLoad(7)
	assert.Equal(t, 1.0, e.LoadFactor())

	e.UpdateLoad(-3)
	assert.Equal(t, 0.0, e.LoadFactor())
}

func TestDynamic_VolumeTiers(t *testing.T) {
	e := mustEngine(t, "", []RuleSpec{{
		Route: "GET /api/compute",
		Dynamic: &DynamicSpec{
			BasePrice: "0.01",
			Tiers: []VolumeTier{
				{MinRequests: 10, Price: "0.008"},
				{MinRequests: 100, Price: "0.005"},
			},
		},
	}})

	price, _ := e.Quote("GET", "/api/compute", payer)
	assert.Equal(t, "0.010000", price, "no tier below 10 requests")

	for i := 0; i < 10; i++ {
		e.RecordPayment(payer, &PaymentRecord{
			Payer: payer, Route: "GET /api/compute", Amount: "0.01", Timestamp: time.Now(),
		})
	}
	price, _ = e.Quote("GET", "/api/compute", payer)
	assert.Equal(t, "0.008000", price, "first tier at 10 requests")

	for i := 0; i < 90; i++ {
		e.RecordPayment(payer, &PaymentRecord{
			Payer: payer, Route: "GET /api/compute", Amount: "0.008", Timestamp: time.Now(),
		})
	}
	price, _ = e.Quote("GET", "/api/compute", payer)
	assert.Equal(t, "0.005000", price, "highest satisfied threshold wins")
}

func TestDynamic_VolumeTiersUnderWildcardRule(t *testing.T) {
	e := mustEngine(t, "", []RuleSpec{{
		Route: "GET /api/*",
		Dynamic: &DynamicSpec{
			BasePrice: "0.01",
			Tiers:     []VolumeTier{{MinRequests: 1, Price: "0.001"}},
		},
	}})

	price, _ := e.Quote("GET", "/api/data", payer)
	assert.Equal(t, "0.010000", price, "fresh payer pays the base price")

	// Payments are recorded under the concrete route, not the pattern.
	e.RecordPayment(payer, &PaymentRecord{
		Payer: payer, Route: "GET /api/data", Amount: "0.01", Timestamp: time.Now(),
	})

	price, _ = e.Quote("GET", "/api/data", payer)
	assert.Equal(t, "0.001000", price, "concrete-route history accrues to the wildcard rule")

	// A sibling route under the same wildcard shares the counter.
	price, _ = e.Quote("GET", "/api/other", payer)
	assert.Equal(t, "0.001000", price)

	// Routes outside the pattern do not.
	e.RecordPayment(payer, &PaymentRecord{
		Payer: payer, Route: "POST /upload", Amount: "0.01", Timestamp: time.Now(),
	})
	price, _ = e.Quote("GET", "/api/data", payer)
	assert.Equal(t, "0.001000", price)
}

func TestPayerRequestCount_RouteFilter(t *testing.T) {
	e := mustEngine(t, "", nil)

	e.RecordPayment(payer, &PaymentRecord{Payer: payer, Route: "GET /api/a"})
	e.RecordPayment(payer, &PaymentRecord{Payer: payer, Route: "GET /api/b"})
	e.RecordPayment(payer, &PaymentRecord{Payer: payer, Route: "GET /api/a"})

	assert.Equal(t, 3, e.PayerRequestCount(payer, ""))
	assert.Equal(t, 2, e.PayerRequestCount(payer, "GET /api/a"))
	assert.Equal(t, 0, e.PayerRequestCount("0xother", ""))
}

func TestHistory_LimitReturnsNewest(t *testing.T) {
	e := mustEngine(t, "", nil)

	for i := 0; i < 5; i++ {
		e.RecordPayment(payer, &PaymentRecord{Payer: payer, SettlementRef: string(rune('a' + i))})
	}

	records := e.History(payer, 2)
	require.Len(t, records, 2)
	assert.Equal(t, "d", records[0].SettlementRef)
	assert.Equal(t, "e", records[1].SettlementRef)
}

func TestHistoryPage_WalksNewestFirst(t *testing.T) {
	e := mustEngine(t, "", nil)

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		e.RecordPayment(payer, &PaymentRecord{
			Payer:         payer,
			SettlementRef: string(rune('a' + i)),
			Timestamp:     base.Add(time.Duration(i) * time.Minute),
		})
	}

	page, next, hasMore := e.HistoryPage(payer, 2, nil)
	require.Len(t, page, 2)
	assert.Equal(t, "e", page[0].SettlementRef)
	assert.Equal(t, "d", page[1].SettlementRef)
	assert.True(t, hasMore)
	require.NotEmpty(t, next)

	cur, err := pagination.Decode(next)
	require.NoError(t, err)

	page, next, hasMore = e.HistoryPage(payer, 2, cur)
	require.Len(t, page, 2)
	assert.Equal(t, "c", page[0].SettlementRef)
	assert.Equal(t, "b", page[1].SettlementRef)
	assert.True(t, hasMore)

	cur, err = pagination.Decode(next)
	require.NoError(t, err)

	page, next, hasMore = e.HistoryPage(payer, 2, cur)
	require.Len(t, page, 1)
	assert.Equal(t, "a", page[0].SettlementRef)
	assert.False(t, hasMore)
	assert.Empty(t, next)
}

func TestRecordPayment_Concurrent(t *testing.T) {
	e := mustEngine(t, "", nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				e.RecordPayment(payer, &PaymentRecord{Payer: payer, Route: "GET /api/a"})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1000, e.PayerRequestCount(payer, ""))
}

func TestResolveRule_Memoized(t *testing.T) {
	e := mustEngine(t, "", []RuleSpec{{Route: "GET /api/data", Price: "0.001"}})

	first := e.ResolveRule("GET", "/api/data")
	second := e.ResolveRule("GET", "/api/data")
	assert.Same(t, first, second)

	assert.Nil(t, e.ResolveRule("GET", "/nope"))
	assert.Nil(t, e.ResolveRule("GET", "/nope"), "negative matches are memoized too")
}
