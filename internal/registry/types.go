package registry

import (
	"context"
	"encoding/json"
)

// Product is a registry product.
type Product struct {
	ID                 int64  `json:"id"`
	Name               string `json:"name"`
	UsesSerial         bool   `json:"uses_serial,omitempty"`
	UsesMAC            bool   `json:"uses_mac,omitempty"`
	SerialNumberPrefix string `json:"serial_number_prefix,omitempty"`
}

// NewProduct is the request body for creating a product.
type NewProduct struct {
	Name               string `json:"name"`
	UsesSerial         bool   `json:"uses_serial"`
	UsesMAC            bool   `json:"uses_mac"`
	SerialNumberPrefix string `json:"serial_number_prefix,omitempty"`
}

// Unit is the registry record of one physical device.
// ProductID and SerialNumber never change after creation.
type Unit struct {
	ID           int64  `json:"id"`
	ProductID    int64  `json:"product_id"`
	SerialNumber string `json:"serial_number"`
}

// SerialNumber is a serial registered against a product ahead of any unit.
type SerialNumber struct {
	ID           int64  `json:"id"`
	ProductID    int64  `json:"product_id"`
	SerialNumber string `json:"serial_number"`
}

// MACAddress is a MAC address registered against a product.
type MACAddress struct {
	ID         int64  `json:"id"`
	ProductID  int64  `json:"product_id"`
	MACAddress string `json:"mac_address"`
}

// Allocation is the result of minting a new unit and serial for a product.
type Allocation struct {
	UnitID       int64  `json:"unit_id"`
	SerialNumber string `json:"serial_number"`
}

// Ack is the registry's acknowledgement of an uploaded test result.
type Ack struct {
	StatusCode int
	Body       json.RawMessage
}

// Client is the canonical registry method set.
//
// Implementations must bound every call by ctx and return an *Error with
// ErrCodeUnavailable for transport failures and non-2xx responses. The only
// tolerant call is FindUnitBySerial, which reports "no unit" as found=false.
type Client interface {
	// FindProducts lists products whose name matches. Callers disambiguate.
	FindProducts(ctx context.Context, name string) ([]Product, error)

	// AllocateNextSerial mints a new unit and serial. Each call mints a
	// distinct serial, so callers invoke it at most once per resolution.
	AllocateNextSerial(ctx context.Context, productID int64) (Allocation, error)

	// FindUnitBySerial looks up a unit by serial number.
	FindUnitBySerial(ctx context.Context, serial string) (Unit, bool, error)

	// CreateUnit registers a unit for a serial the registry does not know.
	CreateUnit(ctx context.Context, productID int64, serial string) (Unit, error)

	// UploadResult attaches a test result payload to a unit.
	// Not idempotent on the registry side.
	UploadResult(ctx context.Context, unitID int64, payload json.RawMessage) (Ack, error)
}

// Operation names, used for spans, errors and call traces.
const (
	OpFindProducts       = "find_products"
	OpCreateProduct      = "create_product"
	OpAllocateNextSerial = "allocate_next_serial"
	OpFindUnitBySerial   = "find_unit_by_serial"
	OpCreateUnit         = "create_unit"
	OpCreateSerialNumber = "create_serial_number"
	OpCreateMACAddress   = "create_mac_address"
	OpGetUnit            = "get_unit"
	OpUploadResult       = "upload_result"
)
