// Package memregistry is an in-process registry.Client.
//
// It keeps products, units and uploaded results in memory and records every
// call it receives, so callers can assert which registry operations a
// workflow performed. Failures can be injected per operation.
package memregistry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/roach88/mfgtest/internal/registry"
)

// DefaultSerialPrefix is used when a product has no serial prefix.
const DefaultSerialPrefix = "SN"

// Call is one recorded registry operation.
type Call struct {
	Op        string `json:"op" yaml:"op"`
	Name      string `json:"name,omitempty" yaml:"name,omitempty"`
	ProductID int64  `json:"product_id,omitempty" yaml:"product_id,omitempty"`
	Serial    string `json:"serial,omitempty" yaml:"serial,omitempty"`
	UnitID    int64  `json:"unit_id,omitempty" yaml:"unit_id,omitempty"`
	MAC       string `json:"mac,omitempty" yaml:"mac,omitempty"`
}

// Registry is an in-memory registry. Safe for concurrent use.
type Registry struct {
	mu sync.Mutex

	products []registry.Product
	units    map[int64]registry.Unit
	bySerial map[string]int64
	results  map[int64][]json.RawMessage
	serials  map[string]registry.SerialNumber
	macs     map[string]registry.MACAddress

	nextProductID int64
	nextUnitID    int64
	nextSerial    map[int64]int
	nextRecordID  int64

	failures map[string]error
	calls    []Call
}

var _ registry.Client = (*Registry)(nil)

// New creates an empty registry. Ids start at 1.
func New() *Registry {
	return &Registry{
		units:         make(map[int64]registry.Unit),
		bySerial:      make(map[string]int64),
		results:       make(map[int64][]json.RawMessage),
		serials:       make(map[string]registry.SerialNumber),
		macs:          make(map[string]registry.MACAddress),
		nextProductID: 1,
		nextUnitID:    1,
		nextSerial:    make(map[int64]int),
		nextRecordID:  1,
		failures:      make(map[string]error),
	}
}

// AddProduct seeds a product. A zero ID is assigned from the sequence.
func (r *Registry) AddProduct(p registry.Product) registry.Product {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addProductLocked(p)
}

func (r *Registry) addProductLocked(p registry.Product) registry.Product {
	if p.ID == 0 {
		p.ID = r.nextProductID
	}
	if p.ID >= r.nextProductID {
		r.nextProductID = p.ID + 1
	}
	r.products = append(r.products, p)
	return p
}

// AddUnit seeds a unit. A zero ID is assigned from the sequence.
func (r *Registry) AddUnit(u registry.Unit) registry.Unit {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addUnitLocked(u)
}

func (r *Registry) addUnitLocked(u registry.Unit) registry.Unit {
	if u.ID == 0 {
		u.ID = r.nextUnitID
	}
	if u.ID >= r.nextUnitID {
		r.nextUnitID = u.ID + 1
	}
	r.units[u.ID] = u
	r.bySerial[u.SerialNumber] = u.ID
	return u
}

// SetNextUnitID sets the id given to the next created or allocated unit.
func (r *Registry) SetNextUnitID(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextUnitID = id
}

// SetNextSerial sets the counter used for the product's next allocated serial.
func (r *Registry) SetNextSerial(productID int64, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextSerial[productID] = n
}

// FailOn makes every later call to op fail. A nil err fails with a generic
// unavailability error. Errors that are not *registry.Error are wrapped.
func (r *Registry) FailOn(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		err = errors.New("injected failure")
	}
	r.failures[op] = err
}

// Calls returns a copy of the recorded calls in order.
func (r *Registry) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// CallCount returns how many times op was called.
func (r *Registry) CallCount(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Results returns the payloads uploaded for unitID.
func (r *Registry) Results(unitID int64) []json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]json.RawMessage, len(r.results[unitID]))
	copy(out, r.results[unitID])
	return out
}

// SerialNumbers returns the registered serial numbers ordered by id.
func (r *Registry) SerialNumbers() []registry.SerialNumber {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]registry.SerialNumber, 0, len(r.serials))
	for _, sn := range r.serials {
		out = append(out, sn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MACAddresses returns the registered MAC addresses ordered by id.
func (r *Registry) MACAddresses() []registry.MACAddress {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]registry.MACAddress, 0, len(r.macs))
	for _, m := range r.macs {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Units returns all units ordered by id.
func (r *Registry) Units() []registry.Unit {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]registry.Unit, 0, len(r.units))
	for _, u := range r.units {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// record appends the call and returns the injected failure for it, or the
// context error when ctx is done.
func (r *Registry) record(ctx context.Context, c Call) error {
	r.calls = append(r.calls, c)
	err, ok := r.failures[c.Op]
	if !ok {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return registry.Unavailable(c.Op, ctxErr)
		}
		return nil
	}
	var re *registry.Error
	if errors.As(err, &re) {
		return err
	}
	return registry.Unavailable(c.Op, err)
}

// FindProducts returns products whose name contains name, case-insensitively.
func (r *Registry) FindProducts(ctx context.Context, name string) ([]registry.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record(ctx, Call{Op: registry.OpFindProducts, Name: name}); err != nil {
		return nil, err
	}

	needle := strings.ToLower(name)
	var out []registry.Product
	for _, p := range r.products {
		if strings.Contains(strings.ToLower(p.Name), needle) {
			out = append(out, p)
		}
	}
	return out, nil
}

// CreateProduct registers a product.
func (r *Registry) CreateProduct(ctx context.Context, p registry.NewProduct) (registry.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record(ctx, Call{Op: registry.OpCreateProduct, Name: p.Name}); err != nil {
		return registry.Product{}, err
	}
	return r.addProductLocked(registry.Product{
		Name:               p.Name,
		UsesSerial:         p.UsesSerial,
		UsesMAC:            p.UsesMAC,
		SerialNumberPrefix: p.SerialNumberPrefix,
	}), nil
}

// AllocateNextSerial mints a unit with the product's next serial.
func (r *Registry) AllocateNextSerial(ctx context.Context, productID int64) (registry.Allocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record(ctx, Call{Op: registry.OpAllocateNextSerial, ProductID: productID}); err != nil {
		return registry.Allocation{}, err
	}

	product, ok := r.productLocked(productID)
	if !ok {
		return registry.Allocation{}, &registry.Error{
			Code:       registry.ErrCodeUnavailable,
			Op:         registry.OpAllocateNextSerial,
			StatusCode: http.StatusNotFound,
			Body:       "product not found",
		}
	}
	prefix := product.SerialNumberPrefix
	if prefix == "" {
		prefix = DefaultSerialPrefix
	}

	for {
		r.nextSerial[productID]++
		serial := fmt.Sprintf("%s%04d", prefix, r.nextSerial[productID])
		if _, taken := r.bySerial[serial]; taken {
			continue
		}
		u := r.addUnitLocked(registry.Unit{ProductID: productID, SerialNumber: serial})
		return registry.Allocation{UnitID: u.ID, SerialNumber: u.SerialNumber}, nil
	}
}

// FindUnitBySerial looks up a unit by exact serial.
func (r *Registry) FindUnitBySerial(ctx context.Context, serial string) (registry.Unit, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record(ctx, Call{Op: registry.OpFindUnitBySerial, Serial: serial}); err != nil {
		return registry.Unit{}, false, err
	}
	id, ok := r.bySerial[serial]
	if !ok {
		return registry.Unit{}, false, nil
	}
	return r.units[id], true, nil
}

// CreateUnit registers a unit. A serial that is already registered is
// rejected with 409, mirroring the registry's uniqueness constraint.
func (r *Registry) CreateUnit(ctx context.Context, productID int64, serial string) (registry.Unit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record(ctx, Call{Op: registry.OpCreateUnit, ProductID: productID, Serial: serial}); err != nil {
		return registry.Unit{}, err
	}
	if _, exists := r.bySerial[serial]; exists {
		return registry.Unit{}, &registry.Error{
			Code:       registry.ErrCodeUnavailable,
			Op:         registry.OpCreateUnit,
			StatusCode: http.StatusConflict,
			Body:       "serial number already registered",
		}
	}
	return r.addUnitLocked(registry.Unit{ProductID: productID, SerialNumber: serial}), nil
}

// CreateSerialNumber registers serial for an existing product. Each serial
// can be registered once.
func (r *Registry) CreateSerialNumber(ctx context.Context, productID int64, serial string) (registry.SerialNumber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	const op = registry.OpCreateSerialNumber
	if err := r.record(ctx, Call{Op: op, ProductID: productID, Serial: serial}); err != nil {
		return registry.SerialNumber{}, err
	}
	if _, ok := r.productLocked(productID); !ok {
		return registry.SerialNumber{}, rejected(op, http.StatusNotFound, "product not found")
	}
	if _, exists := r.serials[serial]; exists {
		return registry.SerialNumber{}, rejected(op, http.StatusConflict, "serial number already registered")
	}
	sn := registry.SerialNumber{ID: r.nextRecordID, ProductID: productID, SerialNumber: serial}
	r.nextRecordID++
	r.serials[serial] = sn
	return sn, nil
}

// CreateMACAddress registers mac for an existing product. Addresses are
// stored in canonical lowercase colon form, so two spellings of the same
// address conflict.
func (r *Registry) CreateMACAddress(ctx context.Context, productID int64, mac string) (registry.MACAddress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	const op = registry.OpCreateMACAddress
	if err := r.record(ctx, Call{Op: op, ProductID: productID, MAC: mac}); err != nil {
		return registry.MACAddress{}, err
	}
	if _, ok := r.productLocked(productID); !ok {
		return registry.MACAddress{}, rejected(op, http.StatusNotFound, "product not found")
	}
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return registry.MACAddress{}, rejected(op, http.StatusUnprocessableEntity, "invalid mac address")
	}
	canonical := hw.String()
	if _, exists := r.macs[canonical]; exists {
		return registry.MACAddress{}, rejected(op, http.StatusConflict, "mac address already registered")
	}
	addr := registry.MACAddress{ID: r.nextRecordID, ProductID: productID, MACAddress: canonical}
	r.nextRecordID++
	r.macs[canonical] = addr
	return addr, nil
}

// GetUnit returns a unit by id.
func (r *Registry) GetUnit(ctx context.Context, unitID int64) (registry.Unit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record(ctx, Call{Op: registry.OpGetUnit, UnitID: unitID}); err != nil {
		return registry.Unit{}, err
	}
	u, ok := r.units[unitID]
	if !ok {
		return registry.Unit{}, &registry.Error{
			Code:       registry.ErrCodeUnavailable,
			Op:         registry.OpGetUnit,
			StatusCode: http.StatusNotFound,
			Body:       "unit not found",
		}
	}
	return u, nil
}

// UploadResult stores payload against unitID.
func (r *Registry) UploadResult(ctx context.Context, unitID int64, payload json.RawMessage) (registry.Ack, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record(ctx, Call{Op: registry.OpUploadResult, UnitID: unitID}); err != nil {
		return registry.Ack{}, err
	}
	if _, ok := r.units[unitID]; !ok {
		return registry.Ack{}, &registry.Error{
			Code:       registry.ErrCodeUnavailable,
			Op:         registry.OpUploadResult,
			StatusCode: http.StatusNotFound,
			Body:       "unit not found",
		}
	}
	stored := make(json.RawMessage, len(payload))
	copy(stored, payload)
	r.results[unitID] = append(r.results[unitID], stored)
	return registry.Ack{StatusCode: http.StatusOK}, nil
}

func rejected(op string, status int, body string) *registry.Error {
	return &registry.Error{
		Code:       registry.ErrCodeUnavailable,
		Op:         op,
		StatusCode: status,
		Body:       body,
	}
}

func (r *Registry) productLocked(id int64) (registry.Product, bool) {
	for _, p := range r.products {
		if p.ID == id {
			return p, true
		}
	}
	return registry.Product{}, false
}
