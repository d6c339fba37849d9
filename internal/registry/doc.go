// Package registry is the client side of the manufacturing registry.
//
// The registry tracks products, units, serial numbers and test results. This
// package exposes one Client interface with the canonical method set used by
// the resolver and the run session, plus an HTTP implementation.
//
// # HTTP Surface
//
//	GET  /products?name=<name>                      list products by name
//	POST /products/create                           create a product
//	GET  /units/by_serial/<serial>                  lookup (404 = no unit)
//	POST /units/create                              {product_id, serial_number}
//	POST /units/next_serial?product_id=<id>         mint unit + serial
//	GET  /units/<id>/json                           fetch a unit
//	POST /units/<id>/test_results/add_json          upload a result payload
//	POST /serial_numbers/create                     {product_id, serial_number}
//	POST /mac_addresses/create                      {product_id, mac_address}
//
// Every failure except a 404 on the serial lookup is reported as an *Error with
// Code ErrCodeUnavailable. Callers use IsUnavailable to detect it.
package registry
