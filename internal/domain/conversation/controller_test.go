package conversation

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/chromylcl/pharmacy-agentic-ai/internal/domain/checkout"
	"github.com/chromylcl/pharmacy-agentic-ai/internal/domain/medication"
	"github.com/chromylcl/pharmacy-agentic-ai/internal/domain/session"
	"github.com/chromylcl/pharmacy-agentic-ai/internal/platform/responder"
)

type quantityCall struct {
	Medicine string
	Quantity int
}

// mockResponder replays canned JSON bodies through the real decoder.
type mockResponder struct {
	mu sync.Mutex

	chatBodies     []string
	quantityBodies []string
	chatErr        error
	quantityErr    error
	uploadErr      error
	checkoutReply  *responder.CheckoutReply
	checkoutErr    error

	chatCalls     []string
	quantityCalls []quantityCall
	uploadCalls   []string
	checkoutCalls [][]responder.CheckoutItem
}

func (m *mockResponder) Chat(_ context.Context, _ string, message string) (responder.Reply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chatCalls = append(m.chatCalls, message)
	if m.chatErr != nil {
		return nil, m.chatErr
	}
	body := `{"type":"text","message":"ok"}`
	if len(m.chatBodies) > 0 {
		body, m.chatBodies = m.chatBodies[0], m.chatBodies[1:]
	}
	return responder.Decode([]byte(body))
}

func (m *mockResponder) Quantity(_ context.Context, _ string, medicine string, qty int) (responder.Reply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quantityCalls = append(m.quantityCalls, quantityCall{medicine, qty})
	if m.quantityErr != nil {
		return nil, m.quantityErr
	}
	body := `{"type":"text","message":"ok"}`
	if len(m.quantityBodies) > 0 {
		body, m.quantityBodies = m.quantityBodies[0], m.quantityBodies[1:]
	}
	return responder.Decode([]byte(body))
}

func (m *mockResponder) UploadPrescription(_ context.Context, _ string, medicine, filename string, _ []byte) (*responder.UploadResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadCalls = append(m.uploadCalls, medicine)
	if m.uploadErr != nil {
		return nil, m.uploadErr
	}
	return &responder.UploadResult{Message: "Prescription uploaded", FilePath: "uploads/" + filename}, nil
}

func (m *mockResponder) FinalizeCheckout(_ context.Context, _ string, items []responder.CheckoutItem) (*responder.CheckoutReply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkoutCalls = append(m.checkoutCalls, items)
	if m.checkoutErr != nil {
		return nil, m.checkoutErr
	}
	return m.checkoutReply, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []session.Event
}

func (r *recordingNotifier) Notify(_ context.Context, e session.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recordingNotifier) count(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

var (
	paracetamol = medication.Medicine{Name: "Paracetamol 500mg", UnitPrice: decimal.RequireFromString("2.50"), MaxSafeDosage: 10, Stock: 100}
	ibuprofen   = medication.Medicine{Name: "Ibuprofen", UnitPrice: decimal.RequireFromString("5.00"), MaxSafeDosage: 10, Stock: 40}
	amoxicillin = medication.Medicine{Name: "Amoxicillin 500mg", UnitPrice: decimal.RequireFromString("8.00"), PrescriptionRequired: true, MaxSafeDosage: 21, Stock: 30}
)

func newTestController(m *mockResponder) (*Controller, *recordingNotifier) {
	n := &recordingNotifier{}
	sess := session.New(session.Patient{ID: "P001", Name: "Asha"})
	c := NewController(sess, Deps{
		Responder:    m,
		Catalog:      medication.NewMemoryCatalog(paracetamol, ibuprofen, amoxicillin),
		Notifier:     n,
		DefaultLimit: 10,
		Logger:       zerolog.Nop(),
	})
	return c, n
}

func lastTurn(t *testing.T, c *Controller) session.Turn {
	t.Helper()
	turn, ok := c.Session().Transcript.Last()
	if !ok {
		t.Fatal("transcript is empty")
	}
	return turn
}

func mustTurn(t *testing.T, c *Controller, text string) {
	t.Helper()
	if err := c.HandleTurn(context.Background(), text); err != nil {
		t.Fatalf("HandleTurn(%q): %v", text, err)
	}
}

const askParacetamol = `{"type":"ask_quantity","medicine":"Paracetamol 500mg","message":"How many tablets?","agents":{"pharmacist":"done"}}`

func TestHandleTurn_AskQuantityEntersAwaitingQuantity(t *testing.T) {
	m := &mockResponder{chatBodies: []string{askParacetamol}}
	c, n := newTestController(m)

	mustTurn(t, c, "I have a headache")

	if got := c.State(); got != AwaitingQuantity("Paracetamol 500mg") {
		t.Fatalf("expected awaiting quantity, got %s", got)
	}
	p := c.Pending()
	if p == nil || p.Kind != PendingQuantity || p.Medicine != "Paracetamol 500mg" {
		t.Errorf("unexpected pending %+v", p)
	}
	if c.Session().Transcript.Len() != 2 {
		t.Errorf("expected user and assistant turns, got %d", c.Session().Transcript.Len())
	}
	if n.count(session.EventAgentsStatus) != 1 {
		t.Error("expected one agents.status event")
	}
	if c.Thinking() {
		t.Error("thinking flag left set")
	}
}

// Headache scenario: 15 units against a limit of 10 needs an explicit
// override and ends with a confirmed cart line.
func TestScenario_HeadacheOverride(t *testing.T) {
	m := &mockResponder{
		chatBodies:     []string{askParacetamol},
		quantityBodies: []string{`{"type":"order_success","message":"Approved","data":{"product":"Paracetamol 500mg","quantity":15,"total_price":37.5}}`},
	}
	c, n := newTestController(m)

	mustTurn(t, c, "I have a headache")
	mustTurn(t, c, "15")

	p := c.Pending()
	if p == nil || p.Kind != PendingOverride || p.Limit != 10 || p.Quantity != 15 {
		t.Fatalf("expected override pending with limit 10, got %+v", p)
	}
	if len(m.quantityCalls) != 0 {
		t.Fatal("quantity must not reach the responder before the override is confirmed")
	}
	if c.Ledger().Len() != 0 {
		t.Fatal("cart must stay empty until confirmed")
	}
	if n.count(session.EventOverridePending) != 1 {
		t.Error("expected override.pending event")
	}

	if err := c.ConfirmOverride(context.Background()); err != nil {
		t.Fatalf("ConfirmOverride: %v", err)
	}
	if !reflect.DeepEqual(m.quantityCalls, []quantityCall{{"Paracetamol 500mg", 15}}) {
		t.Fatalf("unexpected quantity calls %v", m.quantityCalls)
	}
	if c.State().Kind != StateIdle {
		t.Errorf("expected idle after order_success, got %s", c.State())
	}
	card := lastTurn(t, c)
	if card.Kind != session.KindCheckoutCard || !card.OverdoseConfirmed || card.Quantity != 15 {
		t.Fatalf("unexpected card %+v", card)
	}
	if c.Ledger().Len() != 0 {
		t.Fatal("order_success must not touch the ledger")
	}

	if err := c.AddCardToCart(context.Background(), card.ID); err != nil {
		t.Fatalf("AddCardToCart: %v", err)
	}
	line, ok := c.Ledger().Line("Paracetamol 500mg")
	if !ok {
		t.Fatal("expected cart line")
	}
	if line.Quantity != 15 || !line.OverdoseConfirmed {
		t.Errorf("expected {qty 15, confirmed}, got %+v", line)
	}
	if !line.UnitPrice.Equal(decimal.RequireFromString("2.50")) {
		t.Errorf("expected unit price 2.50 from card total, got %s", line.UnitPrice)
	}
}

func TestAddToCart_OverrideThenConfirm(t *testing.T) {
	c, _ := newTestController(&mockResponder{})

	if err := c.AddToCart(context.Background(), "paracetamol 500mg", 15); err != nil {
		t.Fatalf("AddToCart: %v", err)
	}
	if c.Ledger().Len() != 0 {
		t.Fatal("line added without confirmation")
	}
	if err := c.ConfirmOverride(context.Background()); err != nil {
		t.Fatalf("ConfirmOverride: %v", err)
	}
	line, ok := c.Ledger().Line("Paracetamol 500mg")
	if !ok || line.Quantity != 15 || !line.OverdoseConfirmed {
		t.Errorf("expected confirmed line of 15, got %+v", line)
	}
	if c.Pending() != nil {
		t.Error("pending should be cleared")
	}
}

func TestAddToCart_MergedQuantityIsGated(t *testing.T) {
	c, _ := newTestController(&mockResponder{})
	ctx := context.Background()

	if err := c.AddToCart(ctx, "Ibuprofen", 6); err != nil {
		t.Fatal(err)
	}
	if err := c.AddToCart(ctx, "Ibuprofen", 6); err != nil {
		t.Fatal(err)
	}
	if got := c.Ledger().Quantity("Ibuprofen"); got != 6 {
		t.Errorf("merged 12 must wait for override, cart has %d", got)
	}
	if err := c.DeclineOverride(ctx); err != nil {
		t.Fatalf("DeclineOverride: %v", err)
	}
	if c.Pending() != nil {
		t.Error("expected pending cleared after decline")
	}
	if err := c.DeclineOverride(ctx); !errors.Is(err, ErrNoPendingOverride) {
		t.Errorf("expected ErrNoPendingOverride, got %v", err)
	}
}

func TestAwaitingQuantity_LimitIsApproved(t *testing.T) {
	m := &mockResponder{chatBodies: []string{askParacetamol}}
	c, _ := newTestController(m)

	mustTurn(t, c, "headache")
	mustTurn(t, c, "10")

	if !reflect.DeepEqual(m.quantityCalls, []quantityCall{{"Paracetamol 500mg", 10}}) {
		t.Errorf("expected quantity 10 forwarded, got %v", m.quantityCalls)
	}
}

func TestAwaitingQuantity_InvalidNumberStays(t *testing.T) {
	m := &mockResponder{chatBodies: []string{askParacetamol}}
	c, _ := newTestController(m)

	mustTurn(t, c, "headache")
	for _, in := range []string{"0", "-3", "1.5"} {
		mustTurn(t, c, in)
		if c.State() != AwaitingQuantity("Paracetamol 500mg") {
			t.Fatalf("%q: expected to stay awaiting quantity, got %s", in, c.State())
		}
		if lastTurn(t, c).Kind != session.KindError {
			t.Errorf("%q: expected validation turn", in)
		}
	}
	if len(m.quantityCalls) != 0 || len(m.chatCalls) != 1 {
		t.Errorf("invalid quantities must not reach the responder: %v %v", m.quantityCalls, m.chatCalls)
	}
}

func TestAwaitingQuantity_NonNumericSupersedes(t *testing.T) {
	m := &mockResponder{chatBodies: []string{askParacetamol, `{"type":"text","message":"Sure"}`}}
	c, _ := newTestController(m)

	mustTurn(t, c, "headache")
	mustTurn(t, c, "actually do you have vitamin C?")

	if c.State().Kind != StateIdle || c.Pending() != nil {
		t.Errorf("expected idle with no pending, got %s %+v", c.State(), c.Pending())
	}
	if len(m.chatCalls) != 2 || m.chatCalls[1] != "actually do you have vitamin C?" {
		t.Errorf("expected new topic forwarded to chat, got %v", m.chatCalls)
	}
}

func TestEmergency_PreservesPendingRequest(t *testing.T) {
	m := &mockResponder{chatBodies: []string{askParacetamol}}
	c, n := newTestController(m)
	ctx := context.Background()

	mustTurn(t, c, "headache")
	stateBefore, pendingBefore := c.State(), c.Pending()

	mustTurn(t, c, "I also have chest pain")
	if c.Interrupt() == nil || c.Interrupt().Keyword != "chest pain" {
		t.Fatalf("expected chest pain interrupt, got %+v", c.Interrupt())
	}
	if len(m.chatCalls) != 1 {
		t.Error("emergency turn must not be forwarded")
	}
	if lastTurn(t, c).Kind != session.KindEmergency {
		t.Error("expected emergency turn")
	}
	if err := c.HandleTurn(ctx, "hello?"); !errors.Is(err, ErrEmergencyActive) {
		t.Errorf("expected ErrEmergencyActive, got %v", err)
	}

	if err := c.AcknowledgeEmergency(ctx); err != nil {
		t.Fatalf("AcknowledgeEmergency: %v", err)
	}
	if c.State() != stateBefore || !reflect.DeepEqual(c.Pending(), pendingBefore) {
		t.Errorf("state or pending changed: %s %+v", c.State(), c.Pending())
	}
	if n.count(session.EventEmergency) != 1 || n.count(session.EventEmergencyCleared) != 1 {
		t.Error("expected one raised and one cleared event")
	}
	if err := c.AcknowledgeEmergency(ctx); !errors.Is(err, ErrNoEmergency) {
		t.Errorf("expected ErrNoEmergency, got %v", err)
	}

	if err := c.ResumeHeldTurn(ctx); err != nil {
		t.Fatalf("ResumeHeldTurn: %v", err)
	}
	if len(m.chatCalls) != 2 || m.chatCalls[1] != "I also have chest pain" {
		t.Errorf("expected held turn forwarded, got %v", m.chatCalls)
	}
	if err := c.ResumeHeldTurn(ctx); !errors.Is(err, ErrNoHeldTurn) {
		t.Errorf("expected ErrNoHeldTurn, got %v", err)
	}
}

func TestTransportFailure_RestoresState(t *testing.T) {
	m := &mockResponder{chatBodies: []string{`{"type":"checkout_prompt","message":"Ready?"}`}}
	c, _ := newTestController(m)

	mustTurn(t, c, "checkout please")
	if c.State().Kind != StateAwaitingConfirmation {
		t.Fatalf("expected awaiting confirmation, got %s", c.State())
	}

	m.chatErr = responder.ErrTransport
	mustTurn(t, c, "what about aspirin")
	if c.State().Kind != StateAwaitingConfirmation {
		t.Errorf("expected state restored, got %s", c.State())
	}
	turn := lastTurn(t, c)
	if turn.Kind != session.KindError || turn.Text != msgTransport {
		t.Errorf("expected connectivity error turn, got %+v", turn)
	}
}

func TestInvalidReply_BecomesErrorTurn(t *testing.T) {
	m := &mockResponder{chatBodies: []string{`{"type":"hologram"}`}}
	c, _ := newTestController(m)

	mustTurn(t, c, "hi")
	if turn := lastTurn(t, c); turn.Kind != session.KindError || turn.Text != msgInvalidReply {
		t.Errorf("expected invalid reply turn, got %+v", turn)
	}
	if c.State().Kind != StateIdle {
		t.Errorf("expected idle, got %s", c.State())
	}
}

func TestPrescriptionRequired_UploadReplaysChat(t *testing.T) {
	m := &mockResponder{chatBodies: []string{
		`{"type":"prescription_required","medicine":"Amoxicillin 500mg","message":"Rx needed"}`,
		`{"type":"ask_quantity","medicine":"Amoxicillin 500mg"}`,
	}}
	c, n := newTestController(m)
	ctx := context.Background()

	mustTurn(t, c, "I need amoxicillin")
	if c.State() != AwaitingPrescription("Amoxicillin 500mg") {
		t.Fatalf("expected awaiting prescription, got %s", c.State())
	}
	if n.count(session.EventUploadRequested) != 1 {
		t.Error("expected upload request event")
	}

	if err := c.CompletePrescriptionUpload(ctx, "", "rx.pdf", []byte("%PDF-1.4")); err != nil {
		t.Fatalf("CompletePrescriptionUpload: %v", err)
	}
	if !c.Session().Prescriptions.Has("amoxicillin 500mg") {
		t.Error("prescription not recorded")
	}
	if len(m.chatCalls) != 2 || m.chatCalls[1] != "I need amoxicillin" {
		t.Errorf("expected original request replayed, got %v", m.chatCalls)
	}
	if c.State() != AwaitingQuantity("Amoxicillin 500mg") {
		t.Errorf("expected replay to yield awaiting quantity, got %s", c.State())
	}
	if lastTurn(t, c).Text != quantityPrompt("Amoxicillin 500mg") {
		t.Errorf("expected default quantity prompt, got %q", lastTurn(t, c).Text)
	}
}

func TestGateBlock_UploadReplaysQuantity(t *testing.T) {
	m := &mockResponder{chatBodies: []string{`{"type":"ask_quantity","medicine":"Amoxicillin 500mg"}`}}
	c, _ := newTestController(m)
	ctx := context.Background()

	mustTurn(t, c, "amoxicillin")
	mustTurn(t, c, "2")
	if c.State() != AwaitingPrescription("Amoxicillin 500mg") {
		t.Fatalf("expected gate to block, got %s", c.State())
	}
	if len(m.quantityCalls) != 0 {
		t.Fatal("blocked quantity must not reach the responder")
	}

	if err := c.CompletePrescriptionUpload(ctx, "Amoxicillin 500mg", "rx.png", []byte("png")); err != nil {
		t.Fatalf("CompletePrescriptionUpload: %v", err)
	}
	if !reflect.DeepEqual(m.quantityCalls, []quantityCall{{"Amoxicillin 500mg", 2}}) {
		t.Errorf("expected blocked quantity replayed, got %v", m.quantityCalls)
	}
}

func TestUploadFailure_KeepsAwaitingPrescription(t *testing.T) {
	m := &mockResponder{
		chatBodies: []string{`{"type":"prescription_required","medicine":"Amoxicillin 500mg"}`},
		uploadErr:  responder.ErrTransport,
	}
	c, _ := newTestController(m)

	mustTurn(t, c, "amoxicillin")
	if err := c.CompletePrescriptionUpload(context.Background(), "", "rx.pdf", []byte("x")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.State() != AwaitingPrescription("Amoxicillin 500mg") {
		t.Errorf("expected to stay awaiting prescription, got %s", c.State())
	}
	if c.Session().Prescriptions.Has("Amoxicillin 500mg") {
		t.Error("failed upload must not verify the prescription")
	}
}

func TestCompletePrescriptionUpload_NothingPending(t *testing.T) {
	c, _ := newTestController(&mockResponder{})
	err := c.CompletePrescriptionUpload(context.Background(), "", "rx.pdf", []byte("x"))
	if !errors.Is(err, ErrNoPendingPrescription) {
		t.Errorf("expected ErrNoPendingPrescription, got %v", err)
	}
}

func seedCart(t *testing.T, c *Controller) {
	t.Helper()
	if err := c.Ledger().Add(ibuprofen, 2, false); err != nil {
		t.Fatal(err)
	}
}

// Rejected checkout: the cart stays byte-identical and a retry is allowed.
func TestScenario_RejectedCheckoutIsIdempotent(t *testing.T) {
	m := &mockResponder{
		chatBodies:    []string{`{"type":"checkout_prompt","message":"Proceed?"}`},
		checkoutReply: &responder.CheckoutReply{Accepted: false, Detail: "insufficient stock", HTTPStatus: 400},
	}
	c, _ := newTestController(m)
	seedCart(t, c)
	before := c.Ledger().Snapshot()

	mustTurn(t, c, "I want to checkout")
	mustTurn(t, c, "Option A")

	if !reflect.DeepEqual(c.Ledger().Snapshot(), before) {
		t.Errorf("cart changed after rejection: %+v", c.Ledger().Snapshot())
	}
	turn := lastTurn(t, c)
	if turn.Kind != session.KindError || turn.Text != "insufficient stock" {
		t.Errorf("expected verbatim rejection, got %+v", turn)
	}
	if c.State().Kind != StateAwaitingConfirmation {
		t.Errorf("expected prior state restored, got %s", c.State())
	}

	mustTurn(t, c, "yes")
	if len(m.checkoutCalls) != 2 {
		t.Errorf("expected a manual second attempt, got %d calls", len(m.checkoutCalls))
	}
	if !reflect.DeepEqual(c.Ledger().Snapshot(), before) {
		t.Error("cart changed after second rejection")
	}
}

func TestScenario_CheckoutSuccessRefreshesOnce(t *testing.T) {
	total := decimal.RequireFromString("10.00")
	m := &mockResponder{checkoutReply: &responder.CheckoutReply{Accepted: true, Status: "success", OrderID: "ORD-1", Total: &total}}
	c, n := newTestController(m)
	seedCart(t, c)

	if err := c.Checkout(context.Background()); err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if c.Ledger().Len() != 0 {
		t.Error("expected empty cart")
	}
	turn := lastTurn(t, c)
	if turn.Kind != session.KindSuccess || turn.Total == nil || !turn.Total.Equal(total) {
		t.Errorf("unexpected success turn %+v", turn)
	}
	if got := n.count(session.EventInventoryRefresh); got != 1 {
		t.Errorf("expected exactly one refresh, got %d", got)
	}
	if c.State().Kind != StateIdle {
		t.Errorf("expected idle, got %s", c.State())
	}
	items := m.checkoutCalls[0]
	if len(items) != 1 || items[0].Name != "Ibuprofen" || items[0].Quantity != 2 {
		t.Errorf("unexpected checkout items %+v", items)
	}
}

func TestCheckout_Preconditions(t *testing.T) {
	m := &mockResponder{chatBodies: []string{askParacetamol}}
	c, _ := newTestController(m)
	ctx := context.Background()

	if err := c.Checkout(ctx); !errors.Is(err, checkout.ErrEmptyCart) {
		t.Errorf("expected ErrEmptyCart, got %v", err)
	}
	seedCart(t, c)
	mustTurn(t, c, "headache")
	if err := c.Checkout(ctx); !errors.Is(err, ErrCheckoutUnavailable) {
		t.Errorf("expected ErrCheckoutUnavailable, got %v", err)
	}
}

func TestCheckout_TransportErrorKeepsCart(t *testing.T) {
	m := &mockResponder{checkoutErr: responder.ErrTransport}
	c, _ := newTestController(m)
	seedCart(t, c)

	if err := c.Checkout(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Ledger().Len() != 1 {
		t.Error("cart must be unchanged")
	}
	if lastTurn(t, c).Text != msgCheckoutTransport {
		t.Errorf("expected checkout transport turn, got %q", lastTurn(t, c).Text)
	}
}

func TestCheckoutPrompt_ModifyAndCancel(t *testing.T) {
	tests := []struct {
		answer string
		want   string
	}{
		{"Option B", msgModify},
		{"change", msgModify},
		{"c", msgCancel},
		{"No.", msgCancel},
	}
	for _, tt := range tests {
		t.Run(tt.answer, func(t *testing.T) {
			m := &mockResponder{chatBodies: []string{`{"type":"checkout_prompt"}`}}
			c, _ := newTestController(m)
			seedCart(t, c)

			mustTurn(t, c, "checkout")
			mustTurn(t, c, tt.answer)
			if c.State().Kind != StateIdle {
				t.Errorf("expected idle, got %s", c.State())
			}
			if lastTurn(t, c).Text != tt.want {
				t.Errorf("expected %q, got %q", tt.want, lastTurn(t, c).Text)
			}
			if c.Ledger().Len() != 1 {
				t.Error("cart must be kept")
			}
			if len(m.checkoutCalls) != 0 {
				t.Error("no checkout expected")
			}
		})
	}
}

func TestOptionA_EmptyCart(t *testing.T) {
	m := &mockResponder{chatBodies: []string{`{"type":"checkout_prompt"}`}}
	c, _ := newTestController(m)

	mustTurn(t, c, "checkout")
	mustTurn(t, c, "proceed")
	if lastTurn(t, c).Text != msgEmptyCart || c.State().Kind != StateIdle {
		t.Errorf("expected empty cart message and idle, got %q %s", lastTurn(t, c).Text, c.State())
	}
}

func TestRecommendationAndStockError(t *testing.T) {
	m := &mockResponder{chatBodies: []string{
		`{"message":"Try these","recommendations":[{"id":3,"name":"Cetirizine","reason":"allergy","price":4.5,"stock":12}]}`,
		`{"type":"stock_error","medicine":"Cetirizine","message":"Only 2 left"}`,
	}}
	c, _ := newTestController(m)

	mustTurn(t, c, "I have allergies")
	turn := lastTurn(t, c)
	if turn.Kind != session.KindRecommendation || len(turn.Recommendations) != 1 || turn.Recommendations[0].ID != "3" {
		t.Fatalf("unexpected recommendation turn %+v", turn)
	}
	if c.State().Kind != StateIdle || c.Pending() != nil {
		t.Error("recommendations must not open a pending request")
	}

	mustTurn(t, c, "cetirizine 20")
	if lastTurn(t, c).Kind != session.KindStockError {
		t.Errorf("expected stock error turn, got %s", lastTurn(t, c).Kind)
	}
}

func TestBusy_RejectsOverlappingTurns(t *testing.T) {
	c, _ := newTestController(&mockResponder{})
	c.busy.Store(true)
	if err := c.HandleTurn(context.Background(), "hi"); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}
	if err := c.Reset(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy from Reset, got %v", err)
	}
	c.busy.Store(false)
	if err := c.HandleTurn(context.Background(), "   "); !errors.Is(err, ErrEmptyTurn) {
		t.Errorf("expected ErrEmptyTurn, got %v", err)
	}
}

func TestReset_ClearsConversationKeepsCart(t *testing.T) {
	m := &mockResponder{chatBodies: []string{askParacetamol}}
	c, _ := newTestController(m)
	seedCart(t, c)

	mustTurn(t, c, "headache")
	if err := c.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if c.Session().Transcript.Len() != 0 || c.Pending() != nil || c.State().Kind != StateIdle {
		t.Errorf("expected cleared conversation, got %d turns %+v %s", c.Session().Transcript.Len(), c.Pending(), c.State())
	}
	if c.Ledger().Len() != 1 {
		t.Error("reset must not clear the cart")
	}
}

func TestAddCardToCart_Errors(t *testing.T) {
	c, _ := newTestController(&mockResponder{})
	turn := c.Session().Transcript.Append(session.AssistantTurn(session.KindText, "hello"))

	if err := c.AddCardToCart(context.Background(), turn.ID); !errors.Is(err, ErrNotCheckoutCard) {
		t.Errorf("expected ErrNotCheckoutCard, got %v", err)
	}
	if err := c.AddToCart(context.Background(), "Ibuprofen", 0); err == nil {
		t.Error("expected invalid quantity error")
	}
	if err := c.AddToCart(context.Background(), " ", 1); !errors.Is(err, ErrNoMedicine) {
		t.Errorf("expected ErrNoMedicine, got %v", err)
	}
}

func TestAddToCart_PrescriptionBlocksThenReplays(t *testing.T) {
	c, _ := newTestController(&mockResponder{})
	ctx := context.Background()

	if err := c.AddToCart(ctx, "Amoxicillin 500mg", 2); err != nil {
		t.Fatal(err)
	}
	if c.State() != AwaitingPrescription("Amoxicillin 500mg") || c.Ledger().Len() != 0 {
		t.Fatalf("expected blocked add, got %s with %d lines", c.State(), c.Ledger().Len())
	}
	if err := c.CompletePrescriptionUpload(ctx, "", "rx.pdf", []byte("%PDF")); err != nil {
		t.Fatal(err)
	}
	if got := c.Ledger().Quantity("Amoxicillin 500mg"); got != 2 {
		t.Errorf("expected replayed add of 2, got %d", got)
	}
	if c.State().Kind != StateIdle {
		t.Errorf("expected idle, got %s", c.State())
	}
}

// assertConsistent fails when an awaiting state has no matching pending
// request.
func assertConsistent(t *testing.T, c *Controller) {
	t.Helper()
	s, p := c.State(), c.Pending()
	switch s.Kind {
	case StateAwaitingQuantity:
		if p == nil || p.Medicine != s.Medicine || (p.Kind != PendingQuantity && p.Kind != PendingOverride) {
			t.Fatalf("state %s with pending %+v", s, p)
		}
	case StateAwaitingPrescription:
		if p == nil || p.Kind != PendingPrescription || p.Medicine != s.Medicine {
			t.Fatalf("state %s with pending %+v", s, p)
		}
	}
}

func TestCartActions_SupersedeAwaitingStates(t *testing.T) {
	const askAmoxicillinRx = `{"type":"prescription_required","medicine":"Amoxicillin 500mg"}`
	addDirect := func(c *Controller) error {
		return c.AddToCart(context.Background(), "Ibuprofen", 15)
	}
	addCard := func(c *Controller) error {
		card := session.AssistantTurn(session.KindCheckoutCard, "Ibuprofen approved")
		card.Medicine = "Ibuprofen"
		card.Quantity = 15
		card = c.Session().Transcript.Append(card)
		return c.AddCardToCart(context.Background(), card.ID)
	}

	tests := []struct {
		name     string
		reply    string
		awaiting State
		add      func(*Controller) error
	}{
		{"direct add while awaiting quantity", askParacetamol, AwaitingQuantity("Paracetamol 500mg"), addDirect},
		{"direct add while awaiting prescription", askAmoxicillinRx, AwaitingPrescription("Amoxicillin 500mg"), addDirect},
		{"card add while awaiting quantity", askParacetamol, AwaitingQuantity("Paracetamol 500mg"), addCard},
		{"card add while awaiting prescription", askAmoxicillinRx, AwaitingPrescription("Amoxicillin 500mg"), addCard},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockResponder{chatBodies: []string{tt.reply}}
			c, _ := newTestController(m)
			ctx := context.Background()

			mustTurn(t, c, "I need something")
			if c.State() != tt.awaiting {
				t.Fatalf("expected %s, got %s", tt.awaiting, c.State())
			}

			if err := tt.add(c); err != nil {
				t.Fatalf("add: %v", err)
			}
			if c.State().Kind != StateIdle {
				t.Errorf("expected the add to supersede into idle, got %s", c.State())
			}
			p := c.Pending()
			if p == nil || p.Kind != PendingOverride || p.Medicine != "Ibuprofen" {
				t.Fatalf("expected override for Ibuprofen, got %+v", p)
			}
			assertConsistent(t, c)

			if err := c.ConfirmOverride(ctx); err != nil {
				t.Fatalf("ConfirmOverride: %v", err)
			}
			if c.State().Kind != StateIdle || c.Pending() != nil {
				t.Errorf("expected idle with nothing pending, got %s %+v", c.State(), c.Pending())
			}
			assertConsistent(t, c)
			if line, ok := c.Ledger().Line("Ibuprofen"); !ok || line.Quantity != 15 || !line.OverdoseConfirmed {
				t.Errorf("expected confirmed line of 15, got %+v", line)
			}
			if err := c.CompletePrescriptionUpload(ctx, "", "rx.pdf", []byte("%PDF")); !errors.Is(err, ErrNoPendingPrescription) {
				t.Errorf("expected ErrNoPendingPrescription, got %v", err)
			}
		})
	}
}

func TestEmergency_PrecedenceInEveryState(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		setup func(t *testing.T, c *Controller)
	}{
		{"idle with override pending", "", func(t *testing.T, c *Controller) {
			if err := c.AddToCart(context.Background(), "Paracetamol 500mg", 15); err != nil {
				t.Fatal(err)
			}
		}},
		{"awaiting quantity", askParacetamol, func(t *testing.T, c *Controller) {
			mustTurn(t, c, "headache")
		}},
		{"awaiting prescription", `{"type":"prescription_required","medicine":"Amoxicillin 500mg"}`, func(t *testing.T, c *Controller) {
			mustTurn(t, c, "I need amoxicillin")
		}},
		{"awaiting confirmation", `{"type":"checkout_prompt"}`, func(t *testing.T, c *Controller) {
			seedCart(t, c)
			mustTurn(t, c, "checkout")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockResponder{}
			if tt.reply != "" {
				m.chatBodies = []string{tt.reply}
			}
			c, _ := newTestController(m)
			ctx := context.Background()

			tt.setup(t, c)
			stateBefore, pendingBefore := c.State(), c.Pending()
			calls := len(m.chatCalls)

			mustTurn(t, c, "my chest pain is getting worse")
			if c.Interrupt() == nil {
				t.Fatal("expected an emergency interrupt")
			}
			if len(m.chatCalls) != calls || len(m.quantityCalls) != 0 {
				t.Error("emergency turn must not reach the responder")
			}
			if err := c.AcknowledgeEmergency(ctx); err != nil {
				t.Fatalf("AcknowledgeEmergency: %v", err)
			}
			if c.State() != stateBefore || !reflect.DeepEqual(c.Pending(), pendingBefore) {
				t.Errorf("expected %s %+v preserved, got %s %+v", stateBefore, pendingBefore, c.State(), c.Pending())
			}
		})
	}
}

func TestRestrictedDrug_OpensPrescriptionBeforeChat(t *testing.T) {
	const text = "I need some Oxycodone for my back"
	m := &mockResponder{chatBodies: []string{`{"type":"ask_quantity","medicine":"Oxycodone 10mg"}`}}
	c, n := newTestController(m)
	ctx := context.Background()

	mustTurn(t, c, text)
	if len(m.chatCalls) != 0 {
		t.Fatalf("restricted drug must not reach chat before a prescription, got %v", m.chatCalls)
	}
	if c.State() != AwaitingPrescription("oxycodone") {
		t.Fatalf("expected awaiting prescription, got %s", c.State())
	}
	p := c.Pending()
	if p == nil || p.Origin != OriginChat || p.Message != text {
		t.Fatalf("expected chat request kept for replay, got %+v", p)
	}
	if n.count(session.EventUploadRequested) != 1 || lastTurn(t, c).Kind != session.KindSafety {
		t.Error("expected upload request and safety turn")
	}
	assertConsistent(t, c)

	if err := c.CompletePrescriptionUpload(ctx, "", "rx.pdf", []byte("%PDF")); err != nil {
		t.Fatalf("CompletePrescriptionUpload: %v", err)
	}
	if !reflect.DeepEqual(m.chatCalls, []string{text}) {
		t.Fatalf("expected original message replayed, got %v", m.chatCalls)
	}
	if c.State() != AwaitingQuantity("Oxycodone 10mg") {
		t.Errorf("expected replay to yield awaiting quantity, got %s", c.State())
	}

	mustTurn(t, c, "actually, what about oxycodone syrup?")
	if len(m.chatCalls) != 2 {
		t.Errorf("with a prescription on file the turn goes to chat, got %v", m.chatCalls)
	}
}

func TestRestrictedDrug_HeldTurnIsScreened(t *testing.T) {
	m := &mockResponder{}
	c, _ := newTestController(m)
	ctx := context.Background()

	mustTurn(t, c, "chest pain, can I take xanax?")
	if err := c.AcknowledgeEmergency(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.ResumeHeldTurn(ctx); err != nil {
		t.Fatalf("ResumeHeldTurn: %v", err)
	}
	if len(m.chatCalls) != 0 || c.State() != AwaitingPrescription("xanax") {
		t.Errorf("expected resumed turn to open the prescription flow, got %s %v", c.State(), m.chatCalls)
	}
}
