// Package incident is the business boundary for alert lifecycles. It
// defines the Service (intake, dedup, operator actions, dispatch results,
// queries), the forward-only state machine, the Store interface, and the
// domain model. Delivery itself lives in package dispatch.
package incident
