package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"quotana.org/internal/auth"
	"quotana.org/internal/race"
	"quotana.org/internal/schedule"
	"quotana.org/internal/stream"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type apiClient struct {
	baseURL string
	client  *http.Client
	clock   *fakeClock
	t       *testing.T
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	t.Setenv("QUOTANA_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()

	// Wednesday mid-morning so business-hours scheduling is a no-op.
	clk := &fakeClock{t: time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)}
	engine := race.NewEngine(race.NewInMemory(), schedule.Scheduler{}, clk)

	api := New(ReadyProbe{}, "test", engine, stream.New())
	api.rateBurst = 100
	api.ratePerSec = 100

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		clock:   clk,
		t:       t,
	}
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, headers map[string]string) *http.Response {
	c.t.Helper()
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func (c *apiClient) obtainToken(user string, roles []string) string {
	c.t.Helper()
	resp := c.post("/v1/auth/token", map[string]any{
		"user":  user,
		"roles": roles,
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected token status: %d", resp.StatusCode)
	}
	var payload tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.t.Fatalf("decode token response: %v", err)
	}
	if payload.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	return payload.Token
}

func bearerHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

// createRace posts a race and returns the created response payload.
func (c *apiClient) createRace(token, id string, rfqType race.RFQType, supplierIDs ...string) createRaceResponse {
	c.t.Helper()
	suppliers := make([]race.Supplier, 0, len(supplierIDs))
	for _, sid := range supplierIDs {
		suppliers = append(suppliers, race.Supplier{ID: sid, Tier: race.TierVerifiedPartner, Timezone: "UTC"})
	}
	resp := c.post("/v1/races", map[string]any{
		"rfq": map[string]any{
			"id":       id,
			"buyer_id": "buyer-1",
			"org_id":   "org-1",
			"rfq_type": rfqType,
			"title":    "test sourcing request",
			"spec":     map[string]any{"kind": "goods"},
		},
		"suppliers": suppliers,
	}, bearerHeader(token))
	if resp.StatusCode != http.StatusCreated {
		c.t.Fatalf("create race status = %d, want 201", resp.StatusCode)
	}
	return decode[createRaceResponse](c.t, resp)
}

// openAndDeliver moves the clock past the open instant and marks every
// supplier's broadcast delivered.
func (c *apiClient) openAndDeliver(token, id string, supplierIDs ...string) {
	c.t.Helper()
	c.clock.Advance(6 * time.Minute)
	for _, sid := range supplierIDs {
		resp := c.post("/v1/races/"+id+"/broadcasts/"+sid+"/delivered", nil, bearerHeader(token))
		if resp.StatusCode != http.StatusOK {
			c.t.Fatalf("mark delivered %s status = %d, want 200", sid, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func (c *apiClient) submit(token, id, supplierID string, kind race.ResponseType) race.Outcome {
	c.t.Helper()
	resp := c.post("/v1/races/"+id+"/responses", map[string]any{
		"supplier_id":   supplierID,
		"response_type": kind,
	}, bearerHeader(token))
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("submit response status = %d, want 200", resp.StatusCode)
	}
	return decode[race.Outcome](c.t, resp)
}

func TestAPICommodityRaceFlow(t *testing.T) {
	c := newTestAPI(t)
	buyer := c.obtainToken("buyer-1", []string{"buyer"})
	supplier := c.obtainToken("sup-1", []string{"supplier"})

	created := c.createRace(buyer, "rfq-commodity", race.TypeCommodity, "sup-1", "sup-2")
	if len(created.Broadcasts) != 2 {
		t.Fatalf("broadcasts = %d, want 2", len(created.Broadcasts))
	}
	if !created.RaceOpensAt.After(c.clock.Now()) {
		t.Fatalf("race_opens_at %v should be in the future", created.RaceOpensAt)
	}

	c.openAndDeliver(buyer, "rfq-commodity", "sup-1", "sup-2")

	first := c.submit(supplier, "rfq-commodity", "sup-1", race.ResponseAccept)
	if first.Kind != race.OutcomeAwarded || first.SupplierID != "sup-1" {
		t.Fatalf("first accept outcome = %+v, want awarded to sup-1", first)
	}

	second := c.submit(supplier, "rfq-commodity", "sup-2", race.ResponseAccept)
	if second.Kind != race.OutcomeRejected || second.Reason != race.RejectAlreadyAwarded {
		t.Fatalf("second accept outcome = %+v, want rejected already_awarded", second)
	}

	resp := c.get("/v1/races/rfq-commodity/status", bearerHeader(buyer))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d, want 200", resp.StatusCode)
	}
	st := decode[race.RaceStatus](t, resp)
	if st.Status != race.StatusAwarded || st.AwardedTo != "sup-1" {
		t.Fatalf("status = %+v, want awarded to sup-1", st)
	}
	if st.Responses[race.ResponseAccept] != 2 {
		t.Fatalf("accept tally = %d, want 2", st.Responses[race.ResponseAccept])
	}
	if st.Broadcasts.Delivered != 2 {
		t.Fatalf("delivered tally = %d, want 2", st.Broadcasts.Delivered)
	}
}

func TestAPICustomRaceHoldAndConfirm(t *testing.T) {
	c := newTestAPI(t)
	buyer := c.obtainToken("buyer-1", []string{"buyer"})
	supplier := c.obtainToken("sup-1", []string{"supplier"})

	c.createRace(buyer, "rfq-custom", race.TypeCustom, "sup-1", "sup-2")
	c.openAndDeliver(buyer, "rfq-custom", "sup-1", "sup-2")

	hold := c.submit(supplier, "rfq-custom", "sup-1", race.ResponseAccept)
	if hold.Kind != race.OutcomeHoldGranted || hold.SupplierID != "sup-1" {
		t.Fatalf("first accept outcome = %+v, want hold_granted for sup-1", hold)
	}
	if hold.ExpiresAt == nil {
		t.Fatalf("hold outcome missing expires_at")
	}
	if got, want := hold.ExpiresAt.Sub(c.clock.Now()), race.PriorityHoldDuration; got != want {
		t.Fatalf("hold window = %v, want %v", got, want)
	}

	blocked := c.submit(supplier, "rfq-custom", "sup-2", race.ResponseAccept)
	if blocked.Kind != race.OutcomeRejected || blocked.Reason != race.RejectHoldActive {
		t.Fatalf("second accept outcome = %+v, want rejected hold_active", blocked)
	}

	resp := c.post("/v1/races/rfq-custom/confirm", nil, bearerHeader(buyer))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("confirm status = %d, want 200", resp.StatusCode)
	}
	rfq := decode[race.RFQ](t, resp)
	if rfq.Status != race.StatusAwarded || rfq.AwardedTo != "sup-1" {
		t.Fatalf("confirmed rfq = %+v, want awarded to sup-1", rfq)
	}
}

func TestAPICustomRaceReleaseReopensBidding(t *testing.T) {
	c := newTestAPI(t)
	buyer := c.obtainToken("buyer-1", []string{"buyer"})
	supplier := c.obtainToken("sup-1", []string{"supplier"})

	c.createRace(buyer, "rfq-release", race.TypeCustom, "sup-1", "sup-2")
	c.openAndDeliver(buyer, "rfq-release", "sup-1", "sup-2")

	c.submit(supplier, "rfq-release", "sup-1", race.ResponseAccept)

	resp := c.post("/v1/races/rfq-release/release", nil, bearerHeader(buyer))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("release status = %d, want 200", resp.StatusCode)
	}
	rfq := decode[race.RFQ](t, resp)
	if rfq.Status != race.StatusBidding || rfq.HolderID != "" {
		t.Fatalf("released rfq = %+v, want bidding with no holder", rfq)
	}

	next := c.submit(supplier, "rfq-release", "sup-2", race.ResponseAccept)
	if next.Kind != race.OutcomeHoldGranted || next.SupplierID != "sup-2" {
		t.Fatalf("post-release accept = %+v, want hold_granted for sup-2", next)
	}
}

func TestAPIServiceRaceBuyerSelects(t *testing.T) {
	c := newTestAPI(t)
	buyer := c.obtainToken("buyer-1", []string{"buyer"})
	supplier := c.obtainToken("sup-1", []string{"supplier"})

	c.createRace(buyer, "rfq-service", race.TypeService, "sup-1", "sup-2")
	c.openAndDeliver(buyer, "rfq-service", "sup-1", "sup-2")

	out := c.submit(supplier, "rfq-service", "sup-1", race.ResponseAccept)
	if out.Kind != race.OutcomeRecorded {
		t.Fatalf("service accept = %+v, want recorded", out)
	}

	resp := c.post("/v1/races/rfq-service/select", map[string]any{"supplier_id": "sup-2"}, bearerHeader(buyer))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("select status = %d, want 200", resp.StatusCode)
	}
	rfq := decode[race.RFQ](t, resp)
	if rfq.Status != race.StatusAwarded || rfq.AwardedTo != "sup-2" {
		t.Fatalf("selected rfq = %+v, want awarded to sup-2", rfq)
	}
}

func TestAPICancelClosesRace(t *testing.T) {
	c := newTestAPI(t)
	buyer := c.obtainToken("buyer-1", []string{"buyer"})
	supplier := c.obtainToken("sup-1", []string{"supplier"})

	c.createRace(buyer, "rfq-cancel", race.TypeCommodity, "sup-1")
	c.openAndDeliver(buyer, "rfq-cancel", "sup-1")

	resp := c.post("/v1/races/rfq-cancel/cancel", nil, bearerHeader(buyer))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d, want 200", resp.StatusCode)
	}
	rfq := decode[race.RFQ](t, resp)
	if rfq.Status != race.StatusCancelled {
		t.Fatalf("cancelled rfq status = %s", rfq.Status)
	}

	out := c.submit(supplier, "rfq-cancel", "sup-1", race.ResponseAccept)
	if out.Kind != race.OutcomeRejected || out.Reason != race.RejectRaceClosed {
		t.Fatalf("post-cancel accept = %+v, want rejected race_closed", out)
	}
}

func TestAPIResponseBeforeDeliveryIsRejected(t *testing.T) {
	c := newTestAPI(t)
	buyer := c.obtainToken("buyer-1", []string{"buyer"})
	supplier := c.obtainToken("sup-1", []string{"supplier"})

	c.createRace(buyer, "rfq-early", race.TypeCommodity, "sup-1")
	c.clock.Advance(6 * time.Minute)

	out := c.submit(supplier, "rfq-early", "sup-1", race.ResponseAccept)
	if out.Kind != race.OutcomeRejected || out.Reason != race.RejectNotYetVisible {
		t.Fatalf("pre-delivery accept = %+v, want rejected not_yet_visible", out)
	}
}

func TestAPIDeliveryBeforeScheduleRefused(t *testing.T) {
	c := newTestAPI(t)
	buyer := c.obtainToken("buyer-1", []string{"buyer"})

	c.createRace(buyer, "rfq-window", race.TypeCommodity, "sup-1")

	resp := c.post("/v1/races/rfq-window/broadcasts/sup-1/delivered", nil, bearerHeader(buyer))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("early delivery status = %d, want 400", resp.StatusCode)
	}
}

func TestAPIAuthz(t *testing.T) {
	c := newTestAPI(t)
	buyer := c.obtainToken("buyer-1", []string{"buyer"})
	supplier := c.obtainToken("sup-1", []string{"supplier"})

	resp := c.post("/v1/races", map[string]any{}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token status = %d, want 401", resp.StatusCode)
	}

	resp = c.post("/v1/races", map[string]any{}, bearerHeader(supplier))
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("supplier create status = %d, want 403", resp.StatusCode)
	}

	c.createRace(buyer, "rfq-authz", race.TypeCommodity, "sup-1")
	resp = c.post("/v1/races/rfq-authz/responses", map[string]any{
		"supplier_id":   "sup-1",
		"response_type": "accept",
	}, bearerHeader(buyer))
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("buyer respond status = %d, want 403", resp.StatusCode)
	}
}

func TestAPICreateValidation(t *testing.T) {
	c := newTestAPI(t)
	buyer := c.obtainToken("buyer-1", []string{"buyer"})

	cases := map[string]map[string]any{
		"missing buyer": {
			"rfq":       map[string]any{"rfq_type": "commodity"},
			"suppliers": []map[string]any{{"id": "sup-1", "tier": "approved"}},
		},
		"bad type": {
			"rfq":       map[string]any{"buyer_id": "buyer-1", "rfq_type": "auction"},
			"suppliers": []map[string]any{{"id": "sup-1", "tier": "approved"}},
		},
		"no suppliers": {
			"rfq":       map[string]any{"buyer_id": "buyer-1", "rfq_type": "commodity"},
			"suppliers": []map[string]any{},
		},
		"unknown field": {
			"rfq":       map[string]any{"buyer_id": "buyer-1", "rfq_type": "commodity"},
			"suppliers": []map[string]any{{"id": "sup-1", "tier": "approved"}},
			"surprise":  true,
		},
	}
	for name, body := range cases {
		resp := c.post("/v1/races", body, bearerHeader(buyer))
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, resp.StatusCode)
		}
	}
}

func TestAPIUnknownRaceReturns404(t *testing.T) {
	c := newTestAPI(t)
	buyer := c.obtainToken("buyer-1", []string{"buyer"})

	resp := c.get("/v1/races/nope", bearerHeader(buyer))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestAPICancelAfterAwardConflicts(t *testing.T) {
	c := newTestAPI(t)
	buyer := c.obtainToken("buyer-1", []string{"buyer"})
	supplier := c.obtainToken("sup-1", []string{"supplier"})

	c.createRace(buyer, "rfq-late-cancel", race.TypeCommodity, "sup-1")
	c.openAndDeliver(buyer, "rfq-late-cancel", "sup-1")
	c.submit(supplier, "rfq-late-cancel", "sup-1", race.ResponseAccept)

	resp := c.post("/v1/races/rfq-late-cancel/cancel", nil, bearerHeader(buyer))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("late cancel status = %d, want 409", resp.StatusCode)
	}
}

func TestAPIHealthEndpoints(t *testing.T) {
	c := newTestAPI(t)

	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		resp := c.get(path, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, resp.StatusCode)
		}
	}
}
