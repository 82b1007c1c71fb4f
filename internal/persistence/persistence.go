package persistence

import "errors"

// Persistence bundles the store interfaces so the orchestrator can depend
// on a single abstraction.
type Persistence struct {
	Sessions  SessionStore
	Approvals ApprovalStore
	Audit     AuditLog
	Events    EventLog
}

// Validate reports missing stores. Events may be nil, in which case a
// NoopEventLog is used.
func (p Persistence) Validate() error {
	var errs []error
	if p.Sessions == nil {
		errs = append(errs, errors.New("persistence: session store is required"))
	}
	if p.Approvals == nil {
		errs = append(errs, errors.New("persistence: approval store is required"))
	}
	if p.Audit == nil {
		errs = append(errs, errors.New("persistence: audit log is required"))
	}
	return errors.Join(errs...)
}

// WithDefaults returns p with a NoopEventLog when Events is nil.
func (p Persistence) WithDefaults() Persistence {
	if p.Events == nil {
		p.Events = NoopEventLog{}
	}
	return p
}
