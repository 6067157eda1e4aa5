package syncer

// SyncResult is the outcome of one push, pull, or sync operation.
//
// A nonzero Conflicts is authoritative: no events were applied, and
// Message carries the manual-resolution instruction. Errors collects
// operational failures that were absorbed rather than raised, so a
// caller can show them and decide whether to retry.
type SyncResult struct {
	Pulled    int      `json:"pulled"`
	Pushed    int      `json:"pushed"`
	Conflicts int      `json:"conflicts"`
	Errors    []string `json:"errors,omitempty"`
	Message   string   `json:"message,omitempty"`
}

// Ok reports whether the operation completed with nothing for the user
// to act on.
func (r *SyncResult) Ok() bool {
	return r.Conflicts == 0 && len(r.Errors) == 0
}

// merge folds another result into r, keeping the first message.
func (r *SyncResult) merge(other *SyncResult) {
	r.Pulled += other.Pulled
	r.Pushed += other.Pushed
	r.Conflicts += other.Conflicts
	r.Errors = append(r.Errors, other.Errors...)
	if r.Message == "" {
		r.Message = other.Message
	}
}

// fail records an operational error on the result.
func (r *SyncResult) fail(err error) {
	r.Errors = append(r.Errors, err.Error())
}
