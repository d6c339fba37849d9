package resolve

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/mfgtest/internal/registry"
)

const tracerName = "github.com/roach88/mfgtest/internal/resolve"

// Outcome describes which branch produced a Resolution.
type Outcome string

const (
	// OutcomeAllocated means the registry minted a new serial.
	OutcomeAllocated Outcome = "allocated"

	// OutcomeExisting means the observed serial was already registered.
	OutcomeExisting Outcome = "existing"

	// OutcomeCreated means a unit was created for the observed serial.
	OutcomeCreated Outcome = "created"
)

// Resolution is the unit identity a resolve request settled on.
type Resolution struct {
	ProductID    int64   `json:"product_id"`
	UnitID       int64   `json:"unit_id"`
	SerialNumber string  `json:"serial_number"`
	Outcome      Outcome `json:"outcome"`
}

// errCreateInFlight marks a create whose outcome is not known yet.
var errCreateInFlight = errors.New("create in progress")

type unitKey struct {
	productID int64
	serial    string
}

// Resolver resolves units against a registry.Client.
//
// A Resolver lives for one run. Unit creation is attempted at most once per
// (product, serial) pair: units it created are reused even if the registry
// lags in reporting them, and after a failed create a repeated request only
// looks the serial up again.
type Resolver struct {
	client   registry.Client
	sentinel string
	logger   *slog.Logger
	tracer   trace.Tracer

	mu        sync.Mutex
	created   map[unitKey]registry.Unit
	attempted map[unitKey]error
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithSentinel overrides DefaultSentinel.
func WithSentinel(s string) Option {
	return func(r *Resolver) {
		if s != "" {
			r.sentinel = s
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithTracer sets the tracer used for the resolve span.
func WithTracer(t trace.Tracer) Option {
	return func(r *Resolver) {
		if t != nil {
			r.tracer = t
		}
	}
}

// New creates a Resolver backed by client.
func New(client registry.Client, opts ...Option) *Resolver {
	r := &Resolver{
		client:    client,
		sentinel:  DefaultSentinel,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer:    otel.Tracer(tracerName),
		created:   make(map[unitKey]registry.Unit),
		attempted: make(map[unitKey]error),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Sentinel returns the serial treated as "not yet programmed".
func (r *Resolver) Sentinel() string {
	return r.sentinel
}

// Resolve maps product and the observed serial to a unit.
//
// Errors are either a *Error with ErrCodeProductNotFound or a registry
// error with registry.ErrCodeUnavailable.
func (r *Resolver) Resolve(ctx context.Context, product, observed string) (res Resolution, err error) {
	ctx, span := r.tracer.Start(ctx, "resolve.unit", trace.WithAttributes(
		attribute.String("product.name", product),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.Int64("unit.id", res.UnitID),
				attribute.String("unit.serial_number", res.SerialNumber),
				attribute.String("resolve.outcome", string(res.Outcome)),
			)
		}
		span.End()
	}()

	productID, err := r.lookupProduct(ctx, product)
	if err != nil {
		return Resolution{}, err
	}

	if IsSentinel(observed, r.sentinel) {
		alloc, err := r.client.AllocateNextSerial(ctx, productID)
		if err != nil {
			return Resolution{}, fmt.Errorf("allocate serial for product %d: %w", productID, err)
		}
		if alloc.UnitID <= 0 {
			return Resolution{}, invalidUnit(registry.OpAllocateNextSerial, alloc.UnitID)
		}
		res = Resolution{
			ProductID:    productID,
			UnitID:       alloc.UnitID,
			SerialNumber: alloc.SerialNumber,
			Outcome:      OutcomeAllocated,
		}
		r.logger.Debug("allocated serial", "product_id", productID, "unit_id", res.UnitID, "serial", res.SerialNumber)
		return res, nil
	}

	serial := NormalizeSerial(observed)
	key := unitKey{productID: productID, serial: serial}

	r.mu.Lock()
	cached, ok := r.created[key]
	r.mu.Unlock()
	if ok {
		r.logger.Debug("reusing unit created earlier in this run", "unit_id", cached.ID, "serial", serial)
		return Resolution{
			ProductID:    productID,
			UnitID:       cached.ID,
			SerialNumber: cached.SerialNumber,
			Outcome:      OutcomeExisting,
		}, nil
	}

	unit, found, err := r.client.FindUnitBySerial(ctx, serial)
	if err != nil {
		return Resolution{}, fmt.Errorf("look up serial %q: %w", serial, err)
	}
	if found {
		if unit.ID <= 0 {
			return Resolution{}, invalidUnit(registry.OpFindUnitBySerial, unit.ID)
		}
		if unit.ProductID != 0 && unit.ProductID != productID {
			r.logger.Warn("serial registered under a different product",
				"serial", serial, "unit_id", unit.ID, "unit_product_id", unit.ProductID, "product_id", productID)
		}
		r.logger.Debug("serial already registered", "unit_id", unit.ID, "serial", serial)
		return Resolution{
			ProductID:    productID,
			UnitID:       unit.ID,
			SerialNumber: serial,
			Outcome:      OutcomeExisting,
		}, nil
	}

	r.mu.Lock()
	prev, tried := r.attempted[key]
	if !tried {
		r.attempted[key] = errCreateInFlight
	}
	r.mu.Unlock()
	if tried {
		r.logger.Warn("not creating unit again after a failed create", "serial", serial, "error", prev)
		return Resolution{}, fmt.Errorf("create unit %q already attempted in this run: %w", serial, prev)
	}

	unit, err = r.client.CreateUnit(ctx, productID, serial)
	if err == nil && unit.ID <= 0 {
		err = invalidUnit(registry.OpCreateUnit, unit.ID)
	}
	r.mu.Lock()
	if err != nil {
		r.attempted[key] = err
	} else {
		r.created[key] = unit
	}
	r.mu.Unlock()
	if err != nil {
		return Resolution{}, fmt.Errorf("create unit %q: %w", serial, err)
	}

	r.logger.Debug("created unit", "product_id", productID, "unit_id", unit.ID, "serial", serial)
	return Resolution{
		ProductID:    productID,
		UnitID:       unit.ID,
		SerialNumber: serial,
		Outcome:      OutcomeCreated,
	}, nil
}

// lookupProduct returns the id of the first product whose name equals name.
func (r *Resolver) lookupProduct(ctx context.Context, name string) (int64, error) {
	products, err := r.client.FindProducts(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("find product %q: %w", name, err)
	}
	candidates := make([]string, 0, len(products))
	for _, p := range products {
		if p.Name == name {
			return p.ID, nil
		}
		candidates = append(candidates, p.Name)
	}
	return 0, &Error{Code: ErrCodeProductNotFound, Product: name, Candidates: candidates}
}

// invalidUnit reports a registry answer that names no usable unit.
func invalidUnit(op string, id int64) error {
	return registry.Unavailable(op, fmt.Errorf("registry returned invalid unit id %d", id))
}
