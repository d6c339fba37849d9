package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultTimeout bounds every registry request unless overridden.
const DefaultTimeout = 10 * time.Second

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 4 << 20

const tracerName = "github.com/roach88/mfgtest/internal/registry"

// HTTPClient talks to the registry over HTTP.
//
// The underlying http.Client is reused across calls for connection reuse.
// HTTPClient holds no per-run state and is safe for sequential reuse.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	tracer  trace.Tracer
	logger  *slog.Logger
}

var _ Client = (*HTTPClient)(nil)

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient replaces the transport client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) {
		if hc != nil {
			c.client = hc
		}
	}
}

// WithTimeout sets the per-request timeout. Zero keeps DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *HTTPClient) {
		if d > 0 {
			c.client.Timeout = d
		}
	}
}

// WithTracer sets the tracer used for registry spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *HTTPClient) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithLogger sets the logger for request-level debug logs.
func WithLogger(l *slog.Logger) Option {
	return func(c *HTTPClient) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewHTTPClient creates a client for the registry at baseURL.
// A trailing slash on baseURL is ignored.
func NewHTTPClient(baseURL string, opts ...Option) (*HTTPClient, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("invalid registry url %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid registry url %q: scheme must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid registry url %q: missing host", baseURL)
	}

	c := &HTTPClient{
		baseURL: strings.TrimRight(u.String(), "/"),
		client:  &http.Client{Timeout: DefaultTimeout},
		tracer:  otel.Tracer(tracerName),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the normalized base URL (no trailing slash).
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// FindProducts lists products matching name.
func (c *HTTPClient) FindProducts(ctx context.Context, name string) ([]Product, error) {
	const op = OpFindProducts
	path := "/products?" + url.Values{"name": []string{name}}.Encode()

	status, data, err := c.roundTrip(ctx, op, http.MethodGet, path, nil, false)
	if err != nil {
		return nil, err
	}
	if !isSuccess(status) {
		return nil, statusError(op, status, data)
	}

	var products []Product
	if err := decode(op, data, &products); err != nil {
		return nil, err
	}
	return products, nil
}

// CreateProduct registers a new product.
func (c *HTTPClient) CreateProduct(ctx context.Context, p NewProduct) (Product, error) {
	const op = OpCreateProduct
	body, err := json.Marshal(p)
	if err != nil {
		return Product{}, fmt.Errorf("%s: encode request: %w", op, err)
	}

	status, data, err := c.roundTrip(ctx, op, http.MethodPost, "/products/create", body, false)
	if err != nil {
		return Product{}, err
	}
	if !isSuccess(status) {
		return Product{}, statusError(op, status, data)
	}

	var product Product
	if err := decode(op, data, &product); err != nil {
		return Product{}, err
	}
	return product, nil
}

// AllocateNextSerial mints a new unit and serial for productID.
func (c *HTTPClient) AllocateNextSerial(ctx context.Context, productID int64) (Allocation, error) {
	const op = OpAllocateNextSerial
	path := "/units/next_serial?" + url.Values{"product_id": []string{strconv.FormatInt(productID, 10)}}.Encode()

	status, data, err := c.roundTrip(ctx, op, http.MethodPost, path, nil, false)
	if err != nil {
		return Allocation{}, err
	}
	if !isSuccess(status) {
		return Allocation{}, statusError(op, status, data)
	}

	var alloc Allocation
	if err := decode(op, data, &alloc); err != nil {
		return Allocation{}, err
	}
	if alloc.UnitID == 0 || alloc.SerialNumber == "" {
		return Allocation{}, Unavailable(op, errors.New("response missing unit_id or serial_number"))
	}
	return alloc, nil
}

// FindUnitBySerial looks up a unit by serial. A 404 means no unit exists.
func (c *HTTPClient) FindUnitBySerial(ctx context.Context, serial string) (Unit, bool, error) {
	const op = OpFindUnitBySerial
	path := "/units/by_serial/" + url.PathEscape(serial)

	status, data, err := c.roundTrip(ctx, op, http.MethodGet, path, nil, true)
	if err != nil {
		return Unit{}, false, err
	}
	if status == http.StatusNotFound {
		return Unit{}, false, nil
	}
	if !isSuccess(status) {
		return Unit{}, false, statusError(op, status, data)
	}

	var unit Unit
	if err := decode(op, data, &unit); err != nil {
		return Unit{}, false, err
	}
	if unit.ID == 0 {
		return Unit{}, false, Unavailable(op, errors.New("response missing unit id"))
	}
	if unit.SerialNumber == "" {
		unit.SerialNumber = serial
	}
	return unit, true, nil
}

// CreateUnit registers a unit for productID with the given serial.
func (c *HTTPClient) CreateUnit(ctx context.Context, productID int64, serial string) (Unit, error) {
	const op = OpCreateUnit
	body, err := json.Marshal(map[string]any{
		"product_id":    productID,
		"serial_number": serial,
	})
	if err != nil {
		return Unit{}, fmt.Errorf("%s: encode request: %w", op, err)
	}

	status, data, err := c.roundTrip(ctx, op, http.MethodPost, "/units/create", body, false)
	if err != nil {
		return Unit{}, err
	}
	if !isSuccess(status) {
		return Unit{}, statusError(op, status, data)
	}

	var unit Unit
	if err := decode(op, data, &unit); err != nil {
		return Unit{}, err
	}
	if unit.ID == 0 {
		return Unit{}, Unavailable(op, errors.New("response missing unit id"))
	}
	if unit.ProductID == 0 {
		unit.ProductID = productID
	}
	if unit.SerialNumber == "" {
		unit.SerialNumber = serial
	}
	return unit, nil
}

// GetUnit fetches a unit by id.
func (c *HTTPClient) GetUnit(ctx context.Context, unitID int64) (Unit, error) {
	const op = OpGetUnit
	path := fmt.Sprintf("/units/%d/json", unitID)

	status, data, err := c.roundTrip(ctx, op, http.MethodGet, path, nil, false)
	if err != nil {
		return Unit{}, err
	}
	if !isSuccess(status) {
		return Unit{}, statusError(op, status, data)
	}

	var unit Unit
	if err := decode(op, data, &unit); err != nil {
		return Unit{}, err
	}
	return unit, nil
}

// CreateSerialNumber registers serial against productID without creating a
// unit for it.
func (c *HTTPClient) CreateSerialNumber(ctx context.Context, productID int64, serial string) (SerialNumber, error) {
	const op = OpCreateSerialNumber
	var sn SerialNumber
	if err := c.create(ctx, op, "/serial_numbers/create", map[string]any{
		"product_id":    productID,
		"serial_number": serial,
	}, &sn); err != nil {
		return SerialNumber{}, err
	}
	if sn.ID == 0 {
		return SerialNumber{}, Unavailable(op, errors.New("response missing id"))
	}
	if sn.ProductID == 0 {
		sn.ProductID = productID
	}
	if sn.SerialNumber == "" {
		sn.SerialNumber = serial
	}
	return sn, nil
}

// CreateMACAddress registers mac against productID. The address is sent as
// given; callers canonicalize it first.
func (c *HTTPClient) CreateMACAddress(ctx context.Context, productID int64, mac string) (MACAddress, error) {
	const op = OpCreateMACAddress
	var addr MACAddress
	if err := c.create(ctx, op, "/mac_addresses/create", map[string]any{
		"product_id":  productID,
		"mac_address": mac,
	}, &addr); err != nil {
		return MACAddress{}, err
	}
	if addr.ID == 0 {
		return MACAddress{}, Unavailable(op, errors.New("response missing id"))
	}
	if addr.ProductID == 0 {
		addr.ProductID = productID
	}
	if addr.MACAddress == "" {
		addr.MACAddress = mac
	}
	return addr, nil
}

// create posts req as JSON to path and decodes a 2xx response into out.
func (c *HTTPClient) create(ctx context.Context, op, path string, req, out any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", op, err)
	}
	status, data, err := c.roundTrip(ctx, op, http.MethodPost, path, body, false)
	if err != nil {
		return err
	}
	if !isSuccess(status) {
		return statusError(op, status, data)
	}
	return decode(op, data, out)
}

// UploadResult posts payload verbatim as the unit's test result.
func (c *HTTPClient) UploadResult(ctx context.Context, unitID int64, payload json.RawMessage) (Ack, error) {
	const op = OpUploadResult
	if !json.Valid(payload) {
		return Ack{}, fmt.Errorf("%s: payload is not valid JSON", op)
	}
	path := fmt.Sprintf("/units/%d/test_results/add_json", unitID)

	status, data, err := c.roundTrip(ctx, op, http.MethodPost, path, payload, false)
	if err != nil {
		return Ack{}, err
	}
	if !isSuccess(status) {
		return Ack{}, statusError(op, status, data)
	}

	ack := Ack{StatusCode: status}
	if len(bytes.TrimSpace(data)) > 0 && json.Valid(data) {
		ack.Body = json.RawMessage(data)
	}
	return ack, nil
}

// roundTrip performs one request inside a client span. Transport failures
// come back as *Error; HTTP statuses are left to the caller. When
// tolerateNotFound is set a 404 does not mark the span as failed.
func (c *HTTPClient) roundTrip(ctx context.Context, op, method, path string, body []byte, tolerateNotFound bool) (int, []byte, error) {
	ctx, span := c.tracer.Start(ctx, "registry."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("registry.path", path),
		),
	)
	defer span.End()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, nil, Unavailable(op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Debug("registry request failed", "op", op, "method", method, "path", path, "error", err)
		return 0, nil, Unavailable(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, nil, Unavailable(op, fmt.Errorf("read response: %w", err))
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if !isSuccess(resp.StatusCode) && !(tolerateNotFound && resp.StatusCode == http.StatusNotFound) {
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
	}

	c.logger.Debug("registry request",
		"op", op,
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"elapsed", time.Since(start),
	)
	return resp.StatusCode, data, nil
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

func decode(op string, data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return Unavailable(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
