package responder

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL+"/", 2*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return c
}

func TestClient_Chat(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.UserID != "P001" || req.Message != "I have a headache" {
			t.Errorf("unexpected payload: %+v", req)
		}
		w.Write([]byte(`{"type":"ask_quantity","medicine":"Paracetamol 500mg","message":"How many packs?"}`))
	})

	r, err := c.Chat(context.Background(), "P001", "I have a headache")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if aq, ok := r.(AskQuantity); !ok || aq.Medicine != "Paracetamol 500mg" {
		t.Errorf("unexpected reply: %#v", r)
	}
}

func TestClient_Quantity(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req quantityRequest
		json.NewDecoder(r.Body).Decode(&req)
		if r.URL.Path != "/chat/quantity" || req.Quantity != 3 || req.Medicine != "Ibuprofen 400mg" {
			t.Errorf("unexpected request %s %+v", r.URL.Path, req)
		}
		w.Write([]byte(`{"type":"stock_error","message":"Only 2 left"}`))
	})
	r, err := c.Quantity(context.Background(), "P001", "Ibuprofen 400mg", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := r.(StockError); !ok {
		t.Errorf("expected StockError, got %T", r)
	}
}

func TestClient_TransportFailures(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"detail":"upstream down"}`))
	})
	if _, err := c.Chat(context.Background(), "P001", "hi"); !errors.Is(err, ErrTransport) {
		t.Errorf("expected ErrTransport for 502, got %v", err)
	}

	dead, _ := NewClient("http://127.0.0.1:1", 200*time.Millisecond)
	if _, err := dead.Chat(context.Background(), "P001", "hi"); !errors.Is(err, ErrTransport) {
		t.Errorf("expected ErrTransport for refused connection, got %v", err)
	}
}

func TestClient_InvalidReply(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"type":"text","message":"hi","trace":"not-a-list"}`))
	})
	if _, err := c.Chat(context.Background(), "P001", "hi"); !errors.Is(err, ErrInvalidReply) {
		t.Errorf("expected ErrInvalidReply, got %v", err)
	}
}

func TestClient_UploadPrescription(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.EscapedPath() != "/upload-prescription/P001/Oxycodone%2010mg" {
			t.Errorf("unexpected path %s", r.URL.EscapedPath())
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("expected file field: %v", err)
			return
		}
		data, _ := io.ReadAll(f)
		if hdr.Filename != "rx.pdf" || string(data) != "%PDF-1.4" {
			t.Errorf("unexpected upload %s %q", hdr.Filename, data)
		}
		w.Write([]byte(`{"message":"Prescription uploaded successfully.","file_path":"uploaded_prescriptions/P001_Oxycodone 10mg_rx.pdf"}`))
	})

	res, err := c.UploadPrescription(context.Background(), "P001", "Oxycodone 10mg", "rx.pdf", []byte("%PDF-1.4"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.FilePath == "" {
		t.Error("expected file path in completion signal")
	}
}

func TestClient_FinalizeCheckout(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		accepted bool
		detail   string
	}{
		{"success", 200, `{"status":"success","order_id":42,"total":10.00}`, true, ""},
		{"rejected 400", 400, `{"detail":"insufficient stock"}`, false, "insufficient stock"},
		{"failed status", 200, `{"status":"failed","detail":"safety rule violation"}`, false, "safety rule violation"},
		{"failed with error field", 200, `{"status":"failed","error":"insufficient stock"}`, false, "insufficient stock"},
		{"failed without reason", 200, `{"status":"failed"}`, false, "order was not accepted (status: failed)"},
		{"empty 200", 200, ``, false, "order was not accepted"},
		{"empty 500", 500, ``, false, "Internal Server Error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				var req checkoutRequest
				json.NewDecoder(r.Body).Decode(&req)
				if req.PatientID != "P001" || len(req.Items) != 1 || !req.Items[0].ConfirmedOverdose {
					t.Errorf("unexpected payload: %+v", req)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			out, err := c.FinalizeCheckout(context.Background(), "P001", []CheckoutItem{{Name: "Paracetamol 500mg", Quantity: 15, ConfirmedOverdose: true}})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if out.Accepted != tt.accepted {
				t.Errorf("expected accepted=%v, got %+v", tt.accepted, out)
			}
			if !tt.accepted && out.Detail != tt.detail {
				t.Errorf("expected detail %q, got %q", tt.detail, out.Detail)
			}
			if tt.accepted && out.OrderID != "42" {
				t.Errorf("expected order id 42, got %q", out.OrderID)
			}
		})
	}
}

func TestClient_ReadOnlyFeeds(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/products":
			w.Write([]byte(`[{"id":1,"name":"Ibuprofen 400mg","price":5.99,"stock":100,"prescription_required":false,"desc":"pain relief"}]`))
		case "/admin/inventory":
			w.Write([]byte(`[{"id":1,"name":"Ibuprofen 400mg","stock":100,"price":5.99}]`))
		case "/admin/low-stock":
			if r.URL.Query().Get("threshold") != "5" {
				t.Errorf("expected threshold 5, got %q", r.URL.RawQuery)
			}
			w.Write([]byte(`[{"name":"Loratadine 10mg","stock":0}]`))
		case "/admin/refill-alerts":
			w.Write([]byte(`[{"patient_id":"P001","medicine":"Ibuprofen 400mg","expected_run_out":"2024-06-01"}]`))
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	products, err := c.Products(ctx)
	if err != nil || len(products) != 1 || products[0].Description != "pain relief" || products[0].ID != "1" {
		t.Errorf("unexpected products %+v %v", products, err)
	}
	inv, err := c.Inventory(ctx)
	if err != nil || len(inv) != 1 {
		t.Errorf("unexpected inventory %+v %v", inv, err)
	}
	low, err := c.LowStock(ctx, 5)
	if err != nil || len(low) != 1 || low[0].Stock != 0 {
		t.Errorf("unexpected low stock %+v %v", low, err)
	}
	alerts, err := c.RefillAlerts(ctx)
	if err != nil || len(alerts) != 1 || alerts[0].ExpectedRunOut != "2024-06-01" {
		t.Errorf("unexpected alerts %+v %v", alerts, err)
	}
}
