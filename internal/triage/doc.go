// Package triage is the business boundary for Lifeline's crisis alert triage.
// It defines the domain model (Alert, AuditEntry, RiskSignal), the Store
// persistence contract, the Engine state machine that ingests signals and
// applies responder and system transitions, and the Dispatcher that delivers
// notifications outside of any transition's critical section.
package triage
