package services

import (
	"context"
	"dealflow-pipeline/internal/models"
	"dealflow-pipeline/internal/pkg/logger"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

const mixerPage = `<html><head>
<script type="application/ld+json">{"@context":"https://schema.org","@type":"Product","name":"Prestige Iris 750W Mixer Grinder",
"image":"https://cdn.example.com/img/mixer-800.jpg","offers":{"@type":"Offer","price":"2199","priceCurrency":"INR"}}</script>
</head><body></body></html>`

func newTestPipeline(t *testing.T) (*Pipeline, *MemoryStore) {
	t.Helper()
	registry, err := LoadRegistry("", logger.NewNop())
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}
	cfg := testPipelineConfig()
	cfg.Workers = 2
	cfg.ObservationTimeout = 10 * time.Second
	cfg.BatchLimit = 10
	cfg.BatchConcurrency = 3

	store := NewMemoryStore()
	p := NewPipeline(
		store,
		NewMemoryQueue(16, logger.NewNop()),
		NewKeyedMutex(),
		nil,
		registry,
		NewRedirectResolver(testResolverConfig(), logger.NewNop()),
		newTestExtractor(t),
		cfg,
		logger.NewNop(),
	)
	return p, store
}

func productServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestProcess_RedirectFailureStillPersists(t *testing.T) {
	p, store := newTestPipeline(t)

	srv := httptest.NewServer(http.NotFoundHandler())
	deadURL := srv.URL + "/deal/airdopes"
	srv.Close()

	obs := NewRawObservation("telegram:loot", "home", "🔥 boAt Airdopes 141 at ₹1499\nFlat 40% off", []string{deadURL}, nil)
	result, err := p.SubmitSync(context.Background(), obs)
	if err != nil {
		t.Fatalf("SubmitSync: %v", err)
	}
	if len(result.Items) != 1 {
		t.Fatalf("Items = %+v, want one", result.Items)
	}
	item := result.Items[0]
	if !item.RedirectFailed || item.ResolvedURL != deadURL {
		t.Errorf("item = %+v, want a redirect fallback to the original URL", item)
	}
	if item.Outcome != models.OutcomeCreated || item.Grade != GradeB {
		t.Errorf("outcome = %s grade = %s, want a created grade B listing", item.Outcome, item.Grade)
	}

	g, err := store.GetListing(context.Background(), item.ListingID)
	if err != nil {
		t.Fatalf("GetListing: %v", err)
	}
	l := g.Listing
	if l.Title != "boAt Airdopes 141" || floatVal(l.Price) != 1499 || floatVal(l.OriginalPrice) != 2498 {
		t.Errorf("listing = %q %v/%v", l.Title, floatVal(l.Price), floatVal(l.OriginalPrice))
	}
	if l.Discount == nil || *l.Discount != 40 {
		t.Errorf("Discount = %v, want 40", l.Discount)
	}

	stats := p.GetStats()
	if stats["redirect_fallbacks"].(int64) != 1 || stats["created"].(int64) != 1 {
		t.Errorf("stats = %v", stats)
	}
}

func TestProcess_QualityGateSkipsEmptyPage(t *testing.T) {
	p, store := newTestPipeline(t)
	srv := productServer(t, `<html><body><div>nothing here</div></body></html>`)

	obs := NewRawObservation("admin", "home", "", []string{srv.URL + "/p/unknown"}, nil)
	result, err := p.SubmitSync(context.Background(), obs)
	if err != nil {
		t.Fatalf("SubmitSync: %v", err)
	}
	item := result.Items[0]
	if item.Outcome != models.OutcomeSkipped || item.Grade != GradeD {
		t.Errorf("item = %+v, want skipped at grade D", item)
	}
	if result.Persisted() {
		t.Error("Persisted() = true for a skipped observation")
	}

	visible, _ := store.ListVisible(context.Background(), models.ListingQuery{}, time.Now())
	if len(visible) != 0 {
		t.Errorf("visible listings = %d, want 0", len(visible))
	}
}

func TestProcess_NoURLsIsSkipped(t *testing.T) {
	p, _ := newTestPipeline(t)
	obs := NewRawObservation("admin", "home", "just chatter, no link", nil, nil)

	result, err := p.Process(context.Background(), obs)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(result.Items) != 1 || result.Items[0].Outcome != models.OutcomeSkipped {
		t.Errorf("Items = %+v, want one skipped item", result.Items)
	}
}

// convergedState is the order-independent outcome of processing a set of
// observations of one product.
type convergedState struct {
	Listings       int
	Sources        int
	Primaries      int
	PrimaryNetwork string
	Networks       []string
	Pages          []string
}

func snapshot(t *testing.T, store *MemoryStore) convergedState {
	t.Helper()
	ctx := context.Background()
	visible, err := store.ListVisible(ctx, models.ListingQuery{}, time.Now())
	if err != nil {
		t.Fatalf("ListVisible: %v", err)
	}
	state := convergedState{Listings: len(visible)}
	if len(visible) != 1 {
		return state
	}
	g, err := store.GetListing(ctx, visible[0].ID)
	if err != nil {
		t.Fatalf("GetListing: %v", err)
	}
	state.Sources = len(g.Sources)
	state.Primaries = g.PrimaryCount()
	if primary := g.Primary(); primary != nil {
		state.PrimaryNetwork = primary.NetworkID
		if g.Listing.AffiliateURL != primary.AffiliateURL {
			t.Errorf("listing affiliate URL %q does not follow the primary %q", g.Listing.AffiliateURL, primary.AffiliateURL)
		}
	}
	for _, s := range g.Sources {
		state.Networks = append(state.Networks, s.NetworkID)
	}
	sort.Strings(state.Networks)
	state.Pages = append([]string(nil), g.Listing.Pages...)
	sort.Strings(state.Pages)
	return state
}

func TestProcess_ConvergesRegardlessOfOrder(t *testing.T) {
	pages := []string{"value-picks", "deals-hub", "cue-picks"}
	orders := [][]int{{0, 1, 2}, {2, 1, 0}, {1, 2, 0}}

	var want *convergedState
	for _, order := range orders {
		p, store := newTestPipeline(t)
		srv := productServer(t, mixerPage)

		for _, i := range order {
			obs := NewRawObservation("telegram:"+pages[i], pages[i], "", []string{srv.URL + "/p/mixer"}, nil)
			if _, err := p.SubmitSync(context.Background(), obs); err != nil {
				t.Fatalf("SubmitSync(%s): %v", pages[i], err)
			}
		}

		got := snapshot(t, store)
		if got.Listings != 1 || got.Sources != 3 || got.Primaries != 1 {
			t.Fatalf("order %v: state = %+v, want one listing with three sources and one primary", order, got)
		}
		if want == nil {
			want = &got
			continue
		}
		if diff := cmp.Diff(*want, got); diff != "" {
			t.Errorf("order %v diverged (-want +got):\n%s", order, diff)
		}
	}
}

func TestProcessBatch_ConcurrentObservationsOfOneProduct(t *testing.T) {
	p, store := newTestPipeline(t)
	srv := productServer(t, mixerPage)

	pages := []string{"value-picks", "deals-hub", "cue-picks"}
	var batch []models.RawObservation
	for _, page := range pages {
		batch = append(batch, NewRawObservation("telegram:"+page, page, "", []string{srv.URL + "/p/mixer"}, nil))
	}

	results, err := p.ProcessBatch(context.Background(), batch)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	created := 0
	for i, r := range results {
		if r.ObservationID != batch[i].ID {
			t.Errorf("result %d is for %s, want %s", i, r.ObservationID, batch[i].ID)
		}
		if r.Items[0].Outcome == models.OutcomeCreated {
			created++
		}
	}
	if created != 1 {
		t.Errorf("created = %d, want exactly one creator", created)
	}

	got := snapshot(t, store)
	if got.Listings != 1 || got.Sources != 3 || got.Primaries != 1 {
		t.Errorf("state = %+v, want one listing with three sources and one primary", got)
	}
}

func TestProcessBatch_RejectsOversizedBatch(t *testing.T) {
	p, _ := newTestPipeline(t)
	batch := make([]models.RawObservation, 11)
	if _, err := p.ProcessBatch(context.Background(), batch); models.StatusCode(err) != http.StatusBadRequest {
		t.Errorf("ProcessBatch error = %v, want a validation error", err)
	}
}

func TestRun_WorkersDrainQueue(t *testing.T) {
	p, store := newTestPipeline(t)
	srv := productServer(t, mixerPage)

	ctx, cancel := context.WithCancel(context.Background())
	p.Run(ctx)

	obs := NewRawObservation("telegram:home", "home", "", []string{srv.URL + "/p/mixer"}, nil)
	if err := p.Submit(context.Background(), obs); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		visible, _ := store.ListVisible(context.Background(), models.ListingQuery{Page: "home"}, time.Now())
		if len(visible) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("queued observation was not processed")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	if err := p.Close(closeCtx); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := p.queue.Enqueue(context.Background(), obs); !errors.Is(err, models.ErrQueueClosed) {
		t.Errorf("Enqueue after Close = %v, want ErrQueueClosed", err)
	}
}

func TestReplay_UnknownObservation(t *testing.T) {
	p, _ := newTestPipeline(t)
	if _, err := p.Replay(context.Background(), "missing"); !errors.Is(err, models.ErrObservationNotFound) {
		t.Errorf("Replay error = %v, want ErrObservationNotFound", err)
	}
}

func TestNewRawObservation(t *testing.T) {
	arrived := time.Date(2025, 3, 1, 10, 0, 0, 0, time.FixedZone("IST", 19800))

	obs := NewRawObservation(" telegram:loot ", "home", "Deal https://amzn.to/abc. and https://fkrt.it/xyz!\nhttps://amzn.to/abc", nil, &arrived)
	if diff := cmp.Diff([]string{"https://amzn.to/abc", "https://fkrt.it/xyz"}, obs.EmbeddedURLs); diff != "" {
		t.Errorf("EmbeddedURLs mismatch (-want +got):\n%s", diff)
	}
	if obs.SourceChannelID != "telegram:loot" || obs.ID == "" {
		t.Errorf("obs = %+v", obs)
	}
	if !obs.ArrivedAt.Equal(arrived) || obs.ArrivedAt.Location() != time.UTC {
		t.Errorf("ArrivedAt = %v, want %v in UTC", obs.ArrivedAt, arrived)
	}

	explicit := NewRawObservation("admin", "home", "see https://ignored.example/x", []string{"https://a.example/1", "https://a.example/1"}, nil)
	if diff := cmp.Diff([]string{"https://a.example/1"}, explicit.EmbeddedURLs); diff != "" {
		t.Errorf("explicit URLs mismatch (-want +got):\n%s", diff)
	}
}
