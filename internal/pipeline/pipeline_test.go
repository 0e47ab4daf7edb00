package pipeline

import (
	"context"
	"fmt"
	"hash"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"vaultgen/internal/config"
	"vaultgen/internal/hashkey"
	"vaultgen/internal/keystore/memory"
	"vaultgen/internal/model"
	"vaultgen/internal/pii"
	"vaultgen/pkg/records"
)

func customersTable() SourceTable {
	rows := make([]records.Record, 0, 25)
	for i := 0; i < 25; i++ {
		rows = append(rows, records.Record{
			"customer_id": fmt.Sprintf("c-%02d", i),
			"email":       fmt.Sprintf("user%02d@example.com", i),
			"full_name":   fmt.Sprintf("Ada Lovelace%02d", i),
			"country":     []string{"de", "us"}[i%2],
			"created_at":  "2026-01-02 10:00:00",
		})
	}
	return SourceTable{
		Name:    "customers",
		Columns: []string{"customer_id", "email", "full_name", "country", "created_at"},
		Rows:    rows,
	}
}

func productsTable() SourceTable {
	rows := make([]records.Record, 0, 6)
	for i := 0; i < 6; i++ {
		rows = append(rows, records.Record{
			"product_id": fmt.Sprintf("p-%02d", i),
			"title":      fmt.Sprintf("Industrial Widget Mk %02d", i),
			"price":      fmt.Sprintf("%d.50", 10+i),
		})
	}
	return SourceTable{
		Name:    "products",
		Columns: []string{"product_id", "title", "price"},
		Rows:    rows,
	}
}

func ordersTable() SourceTable {
	rows := make([]records.Record, 0, 20)
	for i := 0; i < 20; i++ {
		rows = append(rows, records.Record{
			"order_id":   fmt.Sprintf("o-%03d", i),
			"cust_id":    fmt.Sprintf("c-%02d", i%10),
			"product_id": fmt.Sprintf("p-%02d", i%6),
			"amount":     fmt.Sprintf("%d.25", 20+i),
			"qty":        fmt.Sprintf("%d", 1+i%3),
		})
	}
	return SourceTable{
		Name:    "orders",
		Columns: []string{"order_id", "cust_id", "product_id", "amount", "qty"},
		Rows:    rows,
	}
}

func testBatch(id string, tables ...SourceTable) LoadBatch {
	return LoadBatch{
		ID:           id,
		RecordSource: "crm",
		ArrivedAt:    time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC),
		Tables:       tables,
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Hash.Algorithm = "rot13"
	if _, err := New(cfg); err == nil {
		t.Fatalf("expected error for unknown hash algorithm")
	}

	cfg = config.Default()
	cfg.PII.Patterns = map[string]string{"email": "("}
	if _, err := New(cfg); err == nil {
		t.Fatalf("expected error for invalid pii pattern")
	}
}

// TestRunSynthesizesModel runs the full pipeline over three related tables and
// checks the synthesized graph: one hub per key concept, the cross-table
// concept shared via its synonym, the observed link, and the satellite split.
func TestRunSynthesizesModel(t *testing.T) {
	eng, err := New(config.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := eng.Run(context.Background(), testBatch("b1", customersTable(), productsTable(), ordersTable()))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	def := res.Definition

	if len(res.Skipped) != 0 {
		t.Fatalf("skipped=%+v", res.Skipped)
	}
	if res.Plan != nil {
		t.Fatalf("plan must be nil without a key store")
	}

	// Hubs, sorted by concept. The orders table contributes to hub_customer_id
	// through its cust_id synonym rather than creating a second hub.
	wantConcepts := []string{"customer_id", "order_id", "product_id"}
	if len(def.Hubs) != len(wantConcepts) {
		t.Fatalf("hubs=%+v", def.Hubs)
	}
	for i, c := range wantConcepts {
		if def.Hubs[i].Concept != c {
			t.Fatalf("hub %d concept=%s, want %s", i, def.Hubs[i].Concept, c)
		}
	}

	// One link from the co-occurring keys in order records.
	if len(def.Links) != 1 {
		t.Fatalf("links=%+v", def.Links)
	}
	link := def.Links[0]
	if len(link.Hubs) != 3 || link.Name != "link_customer_id_order_id_product_id" {
		t.Fatalf("link=%+v", link)
	}

	satByName := map[string]model.Satellite{}
	for _, s := range def.Satellites {
		satByName[s.Name] = s
	}
	if len(def.Satellites) != 5 {
		t.Fatalf("satellites=%v", satNames(def))
	}

	piiSat, ok := satByName["sat_customers_pii"]
	if !ok {
		t.Fatalf("missing pii satellite: %v", satNames(def))
	}
	if len(piiSat.PayloadColumns) != 2 || piiSat.PayloadColumns[0] != "email" || piiSat.PayloadColumns[1] != "full_name" {
		t.Fatalf("pii payload=%v", piiSat.PayloadColumns)
	}
	if piiSat.Owner != (model.EntityRef{Kind: model.KindHub, Name: "customer_id"}) {
		t.Fatalf("pii owner=%+v", piiSat.Owner)
	}

	if sat := satByName["sat_customers_reference"]; len(sat.PayloadColumns) != 1 || sat.PayloadColumns[0] != "country" {
		t.Fatalf("reference satellite=%+v", sat)
	}
	if sat := satByName["sat_customers_technical"]; len(sat.PayloadColumns) != 1 || sat.PayloadColumns[0] != "created_at" {
		t.Fatalf("technical satellite=%+v", sat)
	}
	if sat := satByName["sat_orders_business"]; len(sat.PayloadColumns) != 4 {
		t.Fatalf("orders satellite=%+v", sat)
	}

	if def.Summary.TablesAnalyzed != 3 || def.Summary.PIIColumns != 2 {
		t.Fatalf("summary=%+v", def.Summary)
	}

	// The report places both regulated columns in the isolated satellite.
	if def.Validate() != nil {
		t.Fatalf("definition invalid: %v", def.Validate())
	}
	isolated := 0
	for _, f := range res.Report.Findings {
		if f.Category == pii.CategoryNone {
			t.Fatalf("unregulated finding: %+v", f)
		}
		if f.Isolated {
			isolated++
		}
	}
	if isolated != 2 {
		t.Fatalf("findings=%+v, want 2 isolated", res.Report.Findings)
	}
}

// TestRunPlansAndConverges wires a key store: the first run plans inserts for
// every key and version, the replay plans only noops.
func TestRunPlansAndConverges(t *testing.T) {
	store := memory.New()
	eng, err := New(config.Default(), WithKeyStore(store))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	first, err := eng.Run(ctx, testBatch("b1", customersTable(), productsTable(), ordersTable()))
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.Plan == nil {
		t.Fatalf("plan missing")
	}
	if first.Plan.Inserts == 0 || first.Plan.Noops != 0 {
		t.Fatalf("first plan inserts=%d noops=%d", first.Plan.Inserts, first.Plan.Noops)
	}
	if len(first.Plan.Deferred) != 0 {
		t.Fatalf("deferred=%v", first.Plan.Deferred)
	}

	replay, err := eng.Run(ctx, testBatch("b2", customersTable(), productsTable(), ordersTable()))
	if err != nil {
		t.Fatalf("replay run: %v", err)
	}
	if replay.Plan.Inserts != 0 {
		t.Fatalf("replay inserts=%d, want 0", replay.Plan.Inserts)
	}
	if replay.Plan.Noops != first.Plan.Inserts {
		t.Fatalf("replay noops=%d, want %d", replay.Plan.Noops, first.Plan.Inserts)
	}
}

// TestKeylessTableAttachesToLink: a table with no qualifying key but exactly
// one observed relationship carries its payload as link satellites.
func TestKeylessTableAttachesToLink(t *testing.T) {
	cart := SourceTable{
		Name:    "cart_events",
		Columns: []string{"cust_id", "product_id", "note"},
		Rows: []records.Record{
			{"cust_id": "c-00", "product_id": "p-00", "note": "added"},
			{"cust_id": "c-00", "product_id": "p-00", "note": "added"},
			{"cust_id": "c-01", "product_id": "p-00", "note": "added"},
			{"cust_id": "c-01", "product_id": "p-01", "note": "removed"},
		},
	}

	eng, err := New(config.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := eng.Run(context.Background(), testBatch("b1", customersTable(), productsTable(), cart))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	def := res.Definition

	if len(res.Skipped) != 0 {
		t.Fatalf("skipped=%+v", res.Skipped)
	}
	if len(def.Links) != 1 || def.Links[0].Name != "link_customer_id_product_id" {
		t.Fatalf("links=%+v", def.Links)
	}

	var linkSats []model.Satellite
	for _, s := range def.Satellites {
		if s.Owner.Kind == model.KindLink {
			linkSats = append(linkSats, s)
		}
	}
	if len(linkSats) != 1 {
		t.Fatalf("link satellites=%+v", linkSats)
	}
	sat := linkSats[0]
	if sat.Owner.Name != "link_customer_id_product_id" || sat.SourceTable != "cart_events" {
		t.Fatalf("satellite=%+v", sat)
	}
	// Hub key columns stay off the payload even for a keyless table.
	if len(sat.PayloadColumns) != 1 || sat.PayloadColumns[0] != "note" {
		t.Fatalf("payload=%v", sat.PayloadColumns)
	}
}

// constantHash digests everything to one byte, so every input collides.
type constantHash struct{}

func (constantHash) Write(p []byte) (int, error) { return len(p), nil }
func (constantHash) Sum(b []byte) []byte         { return append(b, 0x01) }
func (constantHash) Reset()                      {}
func (constantHash) Size() int                   { return 1 }
func (constantHash) BlockSize() int              { return 1 }

var registerConstantOnce sync.Once

func constantHashID() string {
	registerConstantOnce.Do(func() {
		hashkey.Register("constant", func() hash.Hash { return constantHash{} })
	})
	return "constant"
}

// TestRunSurfacesLinkKeyCollision wires the degenerate hash and feeds a batch
// where every hub key input is the identical value, so the hub keys share one
// canonical form and pass the guard. The first link key then maps the shared
// digest to a second canonical input; the run must abort instead of planning
// a corrupt link key.
func TestRunSurfacesLinkKeyCollision(t *testing.T) {
	cfg := config.Default()
	cfg.Hash.Algorithm = constantHashID()

	eng, err := New(cfg, WithKeyStore(memory.New()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	customers := SourceTable{
		Name:    "customers",
		Columns: []string{"customer_id"},
		Rows:    []records.Record{{"customer_id": "k-1"}},
	}
	products := SourceTable{
		Name:    "products",
		Columns: []string{"product_id"},
		Rows:    []records.Record{{"product_id": "k-1"}},
	}
	cart := SourceTable{
		Name:    "cart_events",
		Columns: []string{"cust_id", "product_id", "note"},
		Rows:    []records.Record{{"cust_id": "k-1", "product_id": "k-1", "note": "added"}},
	}

	_, err = eng.Run(context.Background(), testBatch("b1", customers, products, cart))
	if err == nil {
		t.Fatalf("expected a collision error from the link key")
	}
	if !errors.Is(err, hashkey.ErrCollisionSuspected) {
		t.Fatalf("err=%v, want suspected collision", err)
	}
}

// TestRunSkipsBadTables: malformed tables are reported, not fatal, as long as
// the batch still yields entities.
func TestRunSkipsBadTables(t *testing.T) {
	empty := SourceTable{Name: "empty_feed", Columns: []string{"a"}}
	keyless := SourceTable{
		Name:    "plain_log",
		Columns: []string{"level"},
		Rows: []records.Record{
			{"level": "info"}, {"level": "info"}, {"level": "warn"},
		},
	}

	eng, err := New(config.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := eng.Run(context.Background(), testBatch("b1", customersTable(), empty, keyless))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(res.Skipped) != 2 {
		t.Fatalf("skipped=%+v, want empty_feed and plain_log", res.Skipped)
	}
	if res.Definition.Summary.TablesAnalyzed != 1 || res.Definition.Summary.TablesSkipped != 2 {
		t.Fatalf("summary=%+v", res.Definition.Summary)
	}
}

// TestRunNoEntitiesErrors: a batch where nothing models at all is an error.
func TestRunNoEntitiesErrors(t *testing.T) {
	keyless := SourceTable{
		Name:    "plain_log",
		Columns: []string{"level"},
		Rows:    []records.Record{{"level": "info"}, {"level": "info"}},
	}

	eng, err := New(config.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := eng.Run(context.Background(), testBatch("b1", keyless)); err == nil {
		t.Fatalf("expected error for entity-free batch")
	}
}

// TestRunDeterministic: two engines over the same batch emit identical
// definitions despite parallel analysis.
func TestRunDeterministic(t *testing.T) {
	run := func() *model.Definition {
		eng, err := New(config.Default())
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		res, err := eng.Run(context.Background(), testBatch("b1", customersTable(), productsTable(), ordersTable()))
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		return res.Definition
	}

	a, b := run(), run()
	if len(a.Hubs) != len(b.Hubs) || len(a.Links) != len(b.Links) || len(a.Satellites) != len(b.Satellites) {
		t.Fatalf("shapes differ: %v vs %v", satNames(a), satNames(b))
	}
	for i := range a.Satellites {
		as, bs := a.Satellites[i], b.Satellites[i]
		if as.Name != bs.Name || len(as.PayloadColumns) != len(bs.PayloadColumns) {
			t.Fatalf("satellite %d differs: %+v vs %+v", i, as, bs)
		}
	}
}

func TestUnionColumns(t *testing.T) {
	got := unionColumns([]records.Record{
		{"b": 1, "a": 2},
		{"c": 3, "a": 4},
	})
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("unionColumns=%v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unionColumns=%v, want %v", got, want)
		}
	}
}

func satNames(def *model.Definition) []string {
	out := make([]string, len(def.Satellites))
	for i, s := range def.Satellites {
		out[i] = s.Name
	}
	return out
}
