// Package responder is the HTTP client for the pharmacy agent backend: chat
// and quantity turns, prescription uploads, checkout finalization and the
// read-only catalog and admin feeds.
package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	// ErrTransport wraps every failure to reach the responder or to get a
	// usable HTTP answer from it.
	ErrTransport = errors.New("responder unreachable")
	// ErrInvalidReply is returned for bodies that break the reply contract.
	ErrInvalidReply = errors.New("invalid responder reply")
)

const maxBodyBytes = 1 << 20

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(cl *Client) { cl.logger = l.With().Str("component", "responder").Logger() }
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	validator  *Validator
	logger     zerolog.Logger
}

// NewClient creates a client for the responder at baseURL. timeout bounds
// every round-trip.
func NewClient(baseURL string, timeout time.Duration, opts ...Option) (*Client, error) {
	v, err := NewValidator()
	if err != nil {
		return nil, err
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		validator:  v,
		logger:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

type chatRequest struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

type quantityRequest struct {
	UserID   string `json:"user_id"`
	Medicine string `json:"medicine"`
	Quantity int    `json:"quantity"`
}

// Chat sends a free-form user message.
func (c *Client) Chat(ctx context.Context, userID, message string) (Reply, error) {
	return c.reply(ctx, "/chat", chatRequest{UserID: userID, Message: message})
}

// Quantity continues a pending ask_quantity for one medicine.
func (c *Client) Quantity(ctx context.Context, userID, medicine string, quantity int) (Reply, error) {
	return c.reply(ctx, "/chat/quantity", quantityRequest{UserID: userID, Medicine: medicine, Quantity: quantity})
}

func (c *Client) reply(ctx context.Context, path string, payload interface{}) (Reply, error) {
	body, status, err := c.do(ctx, http.MethodPost, path, payload)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("%w: %s returned %d: %s", ErrTransport, path, status, detail(body))
	}
	if err := c.validator.Validate(body); err != nil {
		return nil, err
	}
	return Decode(body)
}

// UploadResult is the completion signal of a prescription upload.
type UploadResult struct {
	Message  string `json:"message"`
	FilePath string `json:"file_path"`
}

// UploadPrescription sends a prescription file for medicine as multipart
// field "file".
func (c *Client) UploadPrescription(ctx context.Context, userID, medicine, filename string, content []byte) (*UploadResult, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return nil, fmt.Errorf("write form file: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	path := "/upload-prescription/" + url.PathEscape(userID) + "/" + url.PathEscape(medicine)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, buf)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	body, status, err := c.send(req, path)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("%w: upload returned %d: %s", ErrTransport, status, detail(body))
	}
	var out UploadResult
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: upload body: %v", ErrInvalidReply, err)
	}
	return &out, nil
}

// CheckoutItem is one order line as the finalize endpoint expects it.
type CheckoutItem struct {
	Name              string `json:"name"`
	Quantity          int    `json:"quantity"`
	ConfirmedOverdose bool   `json:"confirmed_overdose"`
}

type checkoutRequest struct {
	PatientID string         `json:"patient_id"`
	Items     []CheckoutItem `json:"items"`
}

// CheckoutReply is the finalize-checkout outcome. Accepted is false for any
// non-2xx answer or a status other than "success"; Detail then carries the
// reason verbatim.
type CheckoutReply struct {
	Accepted   bool
	Status     string
	OrderID    string
	Total      *decimal.Decimal
	Detail     string
	HTTPStatus int
}

type wireCheckout struct {
	Status  string           `json:"status"`
	OrderID FlexString       `json:"order_id"`
	Total   *decimal.Decimal `json:"total"`
}

// FinalizeCheckout commits the order. It is never retried here.
func (c *Client) FinalizeCheckout(ctx context.Context, patientID string, items []CheckoutItem) (*CheckoutReply, error) {
	body, status, err := c.do(ctx, http.MethodPost, "/finalize-checkout", checkoutRequest{PatientID: patientID, Items: items})
	if err != nil {
		return nil, err
	}

	out := &CheckoutReply{HTTPStatus: status}
	var w wireCheckout
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &w); err != nil && status >= 200 && status < 300 {
			return nil, fmt.Errorf("%w: checkout body: %v", ErrInvalidReply, err)
		}
	}
	out.Status = w.Status
	out.OrderID = string(w.OrderID)
	out.Total = w.Total
	out.Detail = detail(body)
	out.Accepted = status >= 200 && status < 300 && strings.EqualFold(w.Status, "success")
	if !out.Accepted && out.Detail == "" {
		out.Detail = rejectionFallback(status, w.Status)
	}
	return out, nil
}

const msgNotAccepted = "order was not accepted"

// rejectionFallback names a rejection whose body gave no reason. A 2xx
// answer must not read as "OK" to the patient.
func rejectionFallback(httpStatus int, status string) string {
	if httpStatus >= 200 && httpStatus < 300 {
		if status = strings.TrimSpace(status); status != "" {
			return msgNotAccepted + " (status: " + status + ")"
		}
		return msgNotAccepted
	}
	return http.StatusText(httpStatus)
}

// Product is one entry of GET /products.
type Product struct {
	ID                   FlexString      `json:"id"`
	Name                 string          `json:"name"`
	Price                decimal.Decimal `json:"price"`
	Stock                int             `json:"stock"`
	PrescriptionRequired bool            `json:"prescription_required"`
	Description          string          `json:"desc"`
	Category             string          `json:"category"`
}

type InventoryItem struct {
	ID    FlexString      `json:"id"`
	Name  string          `json:"name"`
	Stock int             `json:"stock"`
	Price decimal.Decimal `json:"price"`
}

type LowStockItem struct {
	Name  string `json:"name"`
	Stock int    `json:"stock"`
}

type RefillAlert struct {
	PatientID      string `json:"patient_id"`
	Medicine       string `json:"medicine"`
	ExpectedRunOut string `json:"expected_run_out"`
}

func (c *Client) Products(ctx context.Context) ([]Product, error) {
	var out []Product
	return out, c.getJSON(ctx, "/products", &out)
}

func (c *Client) Inventory(ctx context.Context) ([]InventoryItem, error) {
	var out []InventoryItem
	return out, c.getJSON(ctx, "/admin/inventory", &out)
}

func (c *Client) LowStock(ctx context.Context, threshold int) ([]LowStockItem, error) {
	path := "/admin/low-stock"
	if threshold > 0 {
		path += fmt.Sprintf("?threshold=%d", threshold)
	}
	var out []LowStockItem
	return out, c.getJSON(ctx, path, &out)
}

func (c *Client) RefillAlerts(ctx context.Context) ([]RefillAlert, error) {
	var out []RefillAlert
	return out, c.getJSON(ctx, "/admin/refill-alerts", &out)
}

func (c *Client) getJSON(ctx context.Context, path string, dst interface{}) error {
	body, status, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("%w: %s returned %d: %s", ErrTransport, path, status, detail(body))
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidReply, path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, payload interface{}) ([]byte, int, error) {
	var rdr io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return c.send(req, path)
}

func (c *Client) send(req *http.Request, path string) ([]byte, int, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("path", path).Dur("latency", time.Since(start)).Msg("responder request failed")
		return nil, 0, fmt.Errorf("%w: %s: %v", ErrTransport, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: read %s: %v", ErrTransport, path, err)
	}
	c.logger.Debug().
		Str("method", req.Method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("responder round-trip")
	return body, resp.StatusCode, nil
}

// detail extracts a human readable reason from an error body: FastAPI's
// {"detail": "..."} (or a validation list), {"error": "..."},
// {"message": "..."}, or the raw text.
func detail(body []byte) string {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return ""
	}
	var obj struct {
		Detail  json.RawMessage `json:"detail"`
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &obj); err != nil {
		return string(body)
	}
	if len(obj.Detail) > 0 {
		var s string
		if err := json.Unmarshal(obj.Detail, &s); err == nil {
			return s
		}
		return string(obj.Detail)
	}
	var e string
	if len(obj.Error) > 0 && json.Unmarshal(obj.Error, &e) == nil && e != "" {
		return e
	}
	return obj.Message
}
