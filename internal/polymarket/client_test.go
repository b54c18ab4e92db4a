package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rewired-gh/polyalert/internal/models"
)

// gammaServer serves a fixed list of raw market objects with limit/offset paging.
func gammaServer(t *testing.T, items []map[string]any) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.URL.Path != "/markets" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("closed") != "false" {
			t.Errorf("expected closed=false, got %q", r.URL.Query().Get("closed"))
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		end := offset + limit
		if offset > len(items) {
			offset = len(items)
		}
		if end > len(items) {
			end = len(items)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(items[offset:end])
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func testClient(url string, pageSize int) *Client {
	return NewClient(url, 5*time.Second, ClientConfig{
		PageSize:       pageSize,
		MaxRetries:     3,
		RetryDelayBase: time.Millisecond,
	})
}

func item(id, slug string, prices string, volumeNum any) map[string]any {
	m := map[string]any{
		"id":            id,
		"conditionId":   "0x" + id,
		"question":      "Question " + id,
		"slug":          slug,
		"outcomes":      `["Yes", "No"]`,
		"outcomePrices": prices,
		"active":        true,
		"closed":        false,
	}
	if volumeNum != nil {
		m["volumeNum"] = volumeNum
	}
	return m
}

func TestFetchMarkets_Pagination(t *testing.T) {
	var items []map[string]any
	for i := 0; i < 5; i++ {
		items = append(items, item(fmt.Sprintf("%d", i), fmt.Sprintf("slug-%d", i), `["0.6", "0.4"]`, 100.0))
	}
	srv, calls := gammaServer(t, items)

	markets, err := testClient(srv.URL, 2).FetchMarkets(context.Background(), 0, true)
	if err != nil {
		t.Fatalf("FetchMarkets: %v", err)
	}
	if len(markets) != 5 {
		t.Fatalf("got %d markets, want 5", len(markets))
	}
	// pages of 2,2,1: the short page ends pagination.
	if got := atomic.LoadInt32(calls); got != 3 {
		t.Errorf("got %d requests, want 3", got)
	}
	m := markets[0]
	if m.ID != "0" || m.Slug != "slug-0" || m.ConditionID != "0x0" {
		t.Errorf("unexpected identity: %+v", m)
	}
	if m.URL != models.MarketURLBase+"slug-0" {
		t.Errorf("unexpected URL %q", m.URL)
	}
	if len(m.Baseline) != 2 || m.Baseline[0] != 0.6 {
		t.Errorf("baseline not initialized from prices: %v", m.Baseline)
	}
}

func TestFetchMarkets_EmptyPageStops(t *testing.T) {
	items := []map[string]any{
		item("1", "a", `["0.5", "0.5"]`, 1.0),
		item("2", "b", `["0.5", "0.5"]`, 1.0),
	}
	srv, calls := gammaServer(t, items)

	markets, err := testClient(srv.URL, 2).FetchMarkets(context.Background(), 0, true)
	if err != nil {
		t.Fatalf("FetchMarkets: %v", err)
	}
	if len(markets) != 2 {
		t.Errorf("got %d markets, want 2", len(markets))
	}
	if got := atomic.LoadInt32(calls); got != 2 {
		t.Errorf("got %d requests, want 2", got)
	}
}

func TestFetchMarkets_FiltersAndParsing(t *testing.T) {
	noOutcomes := item("5", "no-outcomes", `["0.3", "0.7"]`, 50.0)
	delete(noOutcomes, "outcomes")

	arrayForm := item("6", "array-form", "", 50.0)
	arrayForm["outcomePrices"] = []string{"0.25", "0.75"}
	arrayForm["outcomes"] = []string{"Up", "Down"}

	stringVolume := item("7", "string-volume", `["0.5", "0.5"]`, nil)
	stringVolume["volume"] = "1234.5"

	fallback24h := item("8", "volume-24h", `["0.5", "0.5"]`, nil)
	fallback24h["volume24hr"] = 99.0

	items := []map[string]any{
		item("1", "ok", `["0.6", "0.4"]`, 50.0),
		item("2", "all-zero", `["0", "0"]`, 50.0),
		item("3", "low-volume", `["0.6", "0.4"]`, 5.0),
		item("", "no-id", `["0.6", "0.4"]`, 50.0),
		item("4", "bad-price", `["abc", "0.4"]`, 50.0),
		noOutcomes,
		arrayForm,
		stringVolume,
		fallback24h,
	}
	srv, _ := gammaServer(t, items)

	markets, err := testClient(srv.URL, 100).FetchMarkets(context.Background(), 10, true)
	if err != nil {
		t.Fatalf("FetchMarkets: %v", err)
	}

	got := make(map[string]*models.Market)
	for _, m := range markets {
		got[m.Slug] = m
	}
	for _, slug := range []string{"all-zero", "low-volume", "no-id"} {
		if _, ok := got[slug]; ok {
			t.Errorf("market %q should have been excluded", slug)
		}
	}
	for _, slug := range []string{"ok", "bad-price", "no-outcomes", "array-form", "string-volume", "volume-24h"} {
		if _, ok := got[slug]; !ok {
			t.Errorf("market %q missing", slug)
		}
	}

	if p := got["bad-price"].Prices; p[0] != 0 || p[1] != 0.4 {
		t.Errorf("unparseable price should be 0: %v", p)
	}
	if o := got["no-outcomes"].Outcomes; len(o) != 2 || o[0] != "Yes" {
		t.Errorf("expected default outcomes, got %v", o)
	}
	if o := got["array-form"].Outcomes; o[0] != "Up" || got["array-form"].Prices[1] != 0.75 {
		t.Errorf("array-form not decoded: %+v", got["array-form"])
	}
	if v := got["string-volume"].Volume; v != 1234.5 {
		t.Errorf("string volume = %f, want 1234.5", v)
	}
	if v := got["volume-24h"].Volume; v != 99 {
		t.Errorf("volume24hr fallback = %f, want 99", v)
	}
}

func TestFetchMarkets_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode([]map[string]any{item("1", "a", `["0.5", "0.5"]`, 1.0)})
	}))
	defer srv.Close()

	markets, err := testClient(srv.URL, 100).FetchMarkets(context.Background(), 0, true)
	if err != nil {
		t.Fatalf("FetchMarkets: %v", err)
	}
	if len(markets) != 1 {
		t.Errorf("got %d markets, want 1", len(markets))
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("got %d attempts, want 3", got)
	}
}

func TestFetchMarkets_PartialResultsOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("offset") != "0" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode([]map[string]any{
			item("1", "a", `["0.5", "0.5"]`, 1.0),
			item("2", "b", `["0.5", "0.5"]`, 1.0),
		})
	}))
	defer srv.Close()

	markets, err := testClient(srv.URL, 2).FetchMarkets(context.Background(), 0, true)
	if err == nil {
		t.Fatal("expected error from failing second page")
	}
	if len(markets) != 2 {
		t.Errorf("got %d markets, want the 2 from the first page", len(markets))
	}
}

func TestFetchMarkets_ClientErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	if _, err := testClient(srv.URL, 100).FetchMarkets(context.Background(), 0, true); err == nil {
		t.Fatal("expected error")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("got %d attempts, want 1", got)
	}
}

func TestFetchPrices_MatchesBySlugThenID(t *testing.T) {
	items := []map[string]any{
		item("1", "a", `["0.7", "0.3"]`, 1.0),
		item("2", "renamed", `["0.2", "0.8"]`, 1.0),
	}
	srv, _ := gammaServer(t, items)

	refs := []models.MarketRef{
		{ID: "1", Slug: "a"},
		{ID: "2", Slug: "old-slug"},
		{ID: "3", Slug: "gone"},
	}
	prices, err := testClient(srv.URL, 100).FetchPrices(context.Background(), refs)
	if err != nil {
		t.Fatalf("FetchPrices: %v", err)
	}
	if len(prices) != 2 {
		t.Fatalf("got %d price sets, want 2", len(prices))
	}
	if p := prices["1"]; p[0] != 0.7 {
		t.Errorf("market 1 prices = %v", p)
	}
	if p := prices["2"]; p[1] != 0.8 {
		t.Errorf("market 2 prices = %v", p)
	}
	if _, ok := prices["3"]; ok {
		t.Error("unmatched market should be absent")
	}
}

func TestFetchMarkets_SkipsMalformedItem(t *testing.T) {
	items := []map[string]any{
		item("1", "a", `["0.4", "0.6"]`, 1.0),
		item("2", "b", `not-json`, 1.0),
		item("3", "c", `["0.3", "0.7"]`, 1.0),
		item("4", "d", `["0.5", "0.5"]`, 1.0),
	}
	bad := item("5", "e", `["0.5", "0.5"]`, 1.0)
	bad["outcomes"] = `[Yes, No`
	items = append(items, bad)
	srv, calls := gammaServer(t, items)

	// Page size 3: the first page is full even though one item is dropped,
	// so paging must go on to the second page.
	markets, err := testClient(srv.URL, 3).FetchMarkets(context.Background(), 0, true)
	if err != nil {
		t.Fatalf("FetchMarkets: %v", err)
	}
	var ids []string
	for _, m := range markets {
		ids = append(ids, m.ID)
	}
	if fmt.Sprint(ids) != "[1 3 4]" {
		t.Errorf("got markets %v, want [1 3 4]", ids)
	}
	if got := atomic.LoadInt32(calls); got != 2 {
		t.Errorf("got %d requests, want 2", got)
	}
}

func TestFetchPrices_SkipsMalformedItem(t *testing.T) {
	items := []map[string]any{
		item("1", "a", `["0.4", "0.6"]`, 1.0),
		item("2", "b", `not-json`, 1.0),
		item("3", "c", `["0.3", "0.7"]`, 1.0),
	}
	srv, _ := gammaServer(t, items)

	refs := []models.MarketRef{{ID: "1", Slug: "a"}, {ID: "2", Slug: "b"}, {ID: "3", Slug: "c"}}
	prices, err := testClient(srv.URL, 100).FetchPrices(context.Background(), refs)
	if err != nil {
		t.Fatalf("FetchPrices: %v", err)
	}
	if len(prices) != 2 {
		t.Fatalf("got %d price sets, want 2: %v", len(prices), prices)
	}
	if p := prices["3"]; len(p) != 2 || p[0] != 0.3 {
		t.Errorf("market 3 prices = %v", p)
	}
	if _, ok := prices["2"]; ok {
		t.Error("malformed market should be absent")
	}
}

func TestCountMarkets(t *testing.T) {
	items := []map[string]any{
		item("1", "a", `["0.5", "0.5"]`, 100.0),
		item("2", "b", `["0.5", "0.5"]`, 250.0),
		item("3", "c", `["0.5", "0.5"]`, 10.0),
	}
	srv, _ := gammaServer(t, items)

	n, total, err := testClient(srv.URL, 100).CountMarkets(context.Background(), 50)
	if err != nil {
		t.Fatalf("CountMarkets: %v", err)
	}
	if n != 2 || total != 350 {
		t.Errorf("got %d markets / %.0f volume, want 2 / 350", n, total)
	}
}

func TestStringList_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{`"[\"Yes\", \"No\"]"`, []string{"Yes", "No"}},
		{`["Yes","No"]`, []string{"Yes", "No"}},
		{`[0.5, "0.5"]`, []string{"0.5", "0.5"}},
		{`null`, nil},
		{`""`, nil},
	}
	for _, tt := range tests {
		var got stringList
		if err := json.Unmarshal([]byte(tt.input), &got); err != nil {
			t.Errorf("Unmarshal(%s): %v", tt.input, err)
			continue
		}
		if len(got) != len(tt.want) {
			t.Errorf("Unmarshal(%s) = %v, want %v", tt.input, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("Unmarshal(%s)[%d] = %q, want %q", tt.input, i, got[i], tt.want[i])
			}
		}
	}
}

func TestParseFlexFloat(t *testing.T) {
	tests := []struct {
		input  string
		want   float64
		wantOK bool
	}{
		{`12.5`, 12.5, true},
		{`"12.5"`, 12.5, true},
		{`"abc"`, 0, false},
		{`null`, 0, false},
		{``, 0, false},
	}
	for _, tt := range tests {
		got, ok := parseFlexFloat(json.RawMessage(tt.input))
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("parseFlexFloat(%q) = (%f, %v), want (%f, %v)", tt.input, got, ok, tt.want, tt.wantOK)
		}
	}
}
