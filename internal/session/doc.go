// Package session owns the lifecycle of one manufacturing test run.
//
// A Session is created when the run starts and moves through
//
//	awaiting_resolution -> resolved | unresolved -> finished
//
// The registry switch is read once at creation. A disabled session never
// touches the network: Resolve returns ErrDisabled and Finish uploads
// nothing. An enabled session records the first successful resolution as the
// run's unit; later resolutions are reported and ignored. Finish performs
// at most one upload of the run's artifact to that unit, releases any
// artifact the session created, runs the registered finalizers and returns a
// Summary. Registry failures never surface from Finish as errors: they are
// reported as diagnostics and recorded in the Summary.
//
// Run wraps a function so the session is always finished, including when
// the function panics or its context is canceled.
package session
