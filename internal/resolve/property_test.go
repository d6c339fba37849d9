package resolve

import (
	"context"
	"testing"

	"pgregory.net/rapid"

	"github.com/roach88/mfgtest/internal/registry"
	"github.com/roach88/mfgtest/internal/registry/memregistry"
)

// serialGen draws printable serials that never normalize to the sentinel.
func serialGen() *rapid.Generator[string] {
	return rapid.StringMatching(`[A-Z][A-Z0-9-]{0,15}`)
}

// seededRegistry draws a registry holding the target product plus a random
// set of units and unrelated products.
func seededRegistry(t *rapid.T) (*memregistry.Registry, registry.Product) {
	reg := memregistry.New()
	for i, n := 0, rapid.IntRange(0, 3).Draw(t, "decoys"); i < n; i++ {
		reg.AddProduct(registry.Product{Name: "Widget Mk" + rapid.StringMatching(`[0-9]`).Draw(t, "decoy")})
	}
	product := reg.AddProduct(registry.Product{
		Name:               "Widget",
		SerialNumberPrefix: rapid.StringMatching(`[A-Z]{0,4}-?`).Draw(t, "prefix"),
	})
	for i, n := 0, rapid.IntRange(0, 5).Draw(t, "units"); i < n; i++ {
		reg.AddUnit(registry.Unit{ProductID: product.ID, SerialNumber: serialGen().Draw(t, "unit")})
	}
	reg.SetNextSerial(product.ID, rapid.IntRange(0, 9000).Draw(t, "counter"))
	return reg, product
}

func TestProperty_SentinelOnlyAllocates(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		reg, product := seededRegistry(t)
		padding := rapid.StringMatching(`[ \t\r\n]{0,3}`).Draw(t, "padding")

		res, err := New(reg).Resolve(context.Background(), "Widget", padding+DefaultSentinel+padding)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if res.Outcome != OutcomeAllocated || res.ProductID != product.ID {
			t.Fatalf("unexpected resolution %+v", res)
		}
		if n := reg.CallCount(registry.OpAllocateNextSerial); n != 1 {
			t.Fatalf("allocate_next_serial called %d times", n)
		}
		if reg.CallCount(registry.OpFindUnitBySerial) != 0 || reg.CallCount(registry.OpCreateUnit) != 0 {
			t.Fatalf("unexpected calls %+v", reg.Calls())
		}
	})
}

func TestProperty_KnownSerialReused(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		reg, product := seededRegistry(t)
		serial := serialGen().Draw(t, "serial")
		want := reg.AddUnit(registry.Unit{ProductID: product.ID, SerialNumber: serial})

		res, err := New(reg).Resolve(context.Background(), "Widget", serial)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if res.UnitID != want.ID || res.Outcome != OutcomeExisting {
			t.Fatalf("got %+v, want unit %d", res, want.ID)
		}
		if n := reg.CallCount(registry.OpFindUnitBySerial); n != 1 {
			t.Fatalf("find_unit_by_serial called %d times", n)
		}
		if reg.CallCount(registry.OpCreateUnit) != 0 || reg.CallCount(registry.OpAllocateNextSerial) != 0 {
			t.Fatalf("unexpected calls %+v", reg.Calls())
		}
	})
}

func TestProperty_UnknownSerialCreated(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		reg, product := seededRegistry(t)
		serial := serialGen().Filter(func(s string) bool {
			for _, u := range reg.Units() {
				if u.SerialNumber == s {
					return false
				}
			}
			return true
		}).Draw(t, "serial")

		// Scanner padding is stripped: the created unit carries the normalized
		// observed serial, which for serialGen output is the serial itself.
		pad := rapid.StringMatching(`[ \t]{0,2}`).Draw(t, "pad")
		observed := pad + serial + pad + "\r\n"

		res, err := New(reg).Resolve(context.Background(), "Widget", observed)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if NormalizeSerial(observed) != serial {
			t.Fatalf("NormalizeSerial(%q) = %q, want %q", observed, NormalizeSerial(observed), serial)
		}
		if res.Outcome != OutcomeCreated || res.SerialNumber != serial || res.ProductID != product.ID {
			t.Fatalf("unexpected resolution %+v for serial %q", res, serial)
		}

		calls := reg.Calls()
		if len(calls) != 3 ||
			calls[1].Op != registry.OpFindUnitBySerial ||
			calls[2].Op != registry.OpCreateUnit || calls[2].Serial != serial {
			t.Fatalf("unexpected calls %+v", calls)
		}
		if reg.CallCount(registry.OpAllocateNextSerial) != 0 {
			t.Fatalf("allocate_next_serial called")
		}
	})
}
