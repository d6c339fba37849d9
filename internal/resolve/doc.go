// Package resolve maps a (product name, observed serial) pair to a registry
// unit, creating registry records as needed.
//
// Resolution follows three branches:
//
//   - Sentinel or blank serial: the unit has not been programmed yet. The
//     registry allocates the next serial for the product and that result is
//     authoritative.
//   - Known serial: the existing unit is reused. Nothing is written.
//   - Unknown serial: a unit is created with the observed serial, which
//     becomes permanent.
//
// Any registry failure aborts the attempt with a registry.ErrCodeUnavailable
// error. Steps that already completed are not rolled back.
package resolve
