package configsync

import "fmt"

// SyncError reports a failed full refresh. The zone keeps its last-known-good
// configuration and is retried on the next refresh period.
type SyncError struct {
	Zone string
	Err  error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync zone %s: %v", e.Zone, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// MergeError reports an incremental event that was dropped without mutating
// any state.
type MergeError struct {
	Topic string
	Zone  string
	Op    string
	Err   error
}

func (e *MergeError) Error() string {
	if e.Zone == "" {
		return fmt.Sprintf("merge %s: %v", e.Topic, e.Err)
	}
	return fmt.Sprintf("merge %s on zone %s: %v", e.Op, e.Zone, e.Err)
}

func (e *MergeError) Unwrap() error {
	return e.Err
}
