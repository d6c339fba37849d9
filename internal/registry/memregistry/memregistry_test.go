package memregistry

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mfgtest/internal/registry"
)

func TestRegistry_AllocateNextSerial(t *testing.T) {
	r := New()
	r.AddProduct(registry.Product{ID: 7, Name: "Widget", SerialNumberPrefix: "WID-"})
	r.SetNextSerial(7, 98)
	r.SetNextUnitID(42)
	ctx := context.Background()

	first, err := r.AllocateNextSerial(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, registry.Allocation{UnitID: 42, SerialNumber: "WID-0099"}, first)

	second, err := r.AllocateNextSerial(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, registry.Allocation{UnitID: 43, SerialNumber: "WID-0100"}, second)
}

func TestRegistry_AllocateNextSerial_DefaultPrefixSkipsTaken(t *testing.T) {
	r := New()
	p := r.AddProduct(registry.Product{Name: "Bare"})
	r.AddUnit(registry.Unit{ProductID: p.ID, SerialNumber: "SN0001"})

	alloc, err := r.AllocateNextSerial(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, "SN0002", alloc.SerialNumber)
}

func TestRegistry_AllocateNextSerial_UnknownProduct(t *testing.T) {
	r := New()
	_, err := r.AllocateNextSerial(context.Background(), 99)
	assert.True(t, registry.IsUnavailable(err))
	assert.Equal(t, http.StatusNotFound, registry.StatusCode(err))
}

func TestRegistry_FindProducts_CaseInsensitiveSubstring(t *testing.T) {
	r := New()
	r.AddProduct(registry.Product{Name: "Widget"})
	r.AddProduct(registry.Product{Name: "Mini widget"})
	r.AddProduct(registry.Product{Name: "Gizmo"})

	products, err := r.FindProducts(context.Background(), "WIDGET")
	require.NoError(t, err)
	require.Len(t, products, 2)
	assert.Equal(t, "Widget", products[0].Name)
	assert.Equal(t, "Mini widget", products[1].Name)
}

func TestRegistry_CreateUnit_RejectsDuplicateSerial(t *testing.T) {
	r := New()
	ctx := context.Background()

	u, err := r.CreateUnit(ctx, 7, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, "ABC123", u.SerialNumber)

	_, err = r.CreateUnit(ctx, 7, "ABC123")
	assert.Equal(t, http.StatusConflict, registry.StatusCode(err))
	assert.Len(t, r.Units(), 1)
}

func TestRegistry_CreateSerialNumber(t *testing.T) {
	r := New()
	r.AddProduct(registry.Product{ID: 7, Name: "Widget"})
	ctx := context.Background()

	sn, err := r.CreateSerialNumber(ctx, 7, "WID-0100")
	require.NoError(t, err)
	assert.Equal(t, registry.SerialNumber{ID: 1, ProductID: 7, SerialNumber: "WID-0100"}, sn)

	_, err = r.CreateSerialNumber(ctx, 7, "WID-0100")
	assert.Equal(t, http.StatusConflict, registry.StatusCode(err))
	_, err = r.CreateSerialNumber(ctx, 8, "WID-0101")
	assert.Equal(t, http.StatusNotFound, registry.StatusCode(err))

	assert.Equal(t, []registry.SerialNumber{sn}, r.SerialNumbers())
	assert.Empty(t, r.Units())
}

func TestRegistry_CreateMACAddress_Canonicalizes(t *testing.T) {
	r := New()
	r.AddProduct(registry.Product{ID: 7, Name: "Widget", UsesMAC: true})
	ctx := context.Background()

	tests := []struct {
		name   string
		mac    string
		status int
	}{
		{"hyphenated upper case", "00-1A-2B-3C-4D-5E", 0},
		{"same address in colon form", "00:1a:2b:3c:4d:5e", http.StatusConflict},
		{"dotted form of a new address", "001a.2b3c.4d5f", 0},
		{"garbage", "00:1a:2b", http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.CreateMACAddress(ctx, 7, tt.mac)
			if tt.status == 0 {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tt.status, registry.StatusCode(err))
		})
	}

	var got []string
	for _, m := range r.MACAddresses() {
		got = append(got, m.MACAddress)
	}
	assert.Equal(t, []string{"00:1a:2b:3c:4d:5e", "00:1a:2b:3c:4d:5f"}, got)
	assert.Equal(t, 4, r.CallCount(registry.OpCreateMACAddress))
}

func TestRegistry_FailOn(t *testing.T) {
	r := New()
	r.FailOn(registry.OpFindProducts, errors.New("connection refused"))

	_, err := r.FindProducts(context.Background(), "Widget")
	require.Error(t, err)
	assert.True(t, registry.IsUnavailable(err))
	assert.Contains(t, err.Error(), "connection refused")

	// Failed calls are still recorded.
	assert.Equal(t, 1, r.CallCount(registry.OpFindProducts))
}

func TestRegistry_FailOn_KeepsRegistryErrors(t *testing.T) {
	r := New()
	injected := &registry.Error{Code: registry.ErrCodeUnavailable, Op: registry.OpUploadResult, StatusCode: 503}
	r.FailOn(registry.OpUploadResult, injected)

	_, err := r.UploadResult(context.Background(), 1, []byte(`{}`))
	assert.Same(t, injected, err)
}

func TestRegistry_RecordsCalls(t *testing.T) {
	r := New()
	r.AddProduct(registry.Product{ID: 7, Name: "Widget"})
	ctx := context.Background()

	_, _ = r.FindProducts(ctx, "Widget")
	_, _, _ = r.FindUnitBySerial(ctx, "ABC123")
	u, _ := r.CreateUnit(ctx, 7, "ABC123")
	_, _ = r.UploadResult(ctx, u.ID, []byte(`{"ok":true}`))

	assert.Equal(t, []Call{
		{Op: registry.OpFindProducts, Name: "Widget"},
		{Op: registry.OpFindUnitBySerial, Serial: "ABC123"},
		{Op: registry.OpCreateUnit, ProductID: 7, Serial: "ABC123"},
		{Op: registry.OpUploadResult, UnitID: u.ID},
	}, r.Calls())
	assert.Len(t, r.Results(u.ID), 1)
}

func TestRegistry_UploadResult_UnknownUnit(t *testing.T) {
	r := New()
	_, err := r.UploadResult(context.Background(), 5, []byte(`{}`))
	assert.Equal(t, http.StatusNotFound, registry.StatusCode(err))
	assert.Empty(t, r.Results(5))
}

func TestRegistry_UploadResult_CopiesPayload(t *testing.T) {
	r := New()
	u := r.AddUnit(registry.Unit{ProductID: 1, SerialNumber: "S1"})
	payload := []byte(`{"a":1}`)

	_, err := r.UploadResult(context.Background(), u.ID, payload)
	require.NoError(t, err)
	payload[2] = 'b'

	assert.JSONEq(t, `{"a":1}`, string(r.Results(u.ID)[0]))
}
