// Package harness runs workflow scenarios against an in-memory registry.
//
// A scenario seeds the registry, drives a session through resolve, report
// and finish steps, and asserts on the registry calls the run made and on
// the journal rows it left behind.
//
// # Scenario Format
//
//	name: allocate_on_sentinel
//	description: "Blank serial allocates a new unit"
//	run_id: run-001
//	registry:
//	  products:
//	    - { id: 7, name: Widget, uses_serial: true, serial_number_prefix: "WID-" }
//	  units:
//	    - { id: 55, product_id: 7, serial_number: ABC123 }
//	  next_unit_id: 42
//	  next_serial: { 7: 98 }
//	  failures:
//	    - { op: upload_result, status: 422, body: "bad payload" }
//	flow:
//	  - resolve: { product: Widget, serial: "0000000000000000" }
//	    expect: { outcome: allocated, unit_id: 42, serial_number: WID-0099 }
//	  - report: { content: '{"passed": 3}' }
//	  - finish: {}
//	    expect: { state: resolved, upload: succeeded }
//	assertions:
//	  - type: call_contains
//	    op: upload_result
//	    args: { unit_id: 42 }
//	  - type: final_state
//	    table: runs
//	    where: { run_id: run-001 }
//	    expect: { upload_status: succeeded }
//
// # Assertion Types
//
//   - call_contains: a registry call with op and matching args was made
//   - call_order: ops were first called in the given order
//   - call_count: op was called exactly count times
//   - final_state: one journal row matches where and has the expected values
//
// # Deterministic Testing
//
// Every scenario runs with a fixed run id, a step clock starting at
// testutil.Epoch and a fresh in-memory journal, so traces and journal rows
// are identical across runs and can be compared against golden files.
package harness
