package storage

import "time"

// Changeset is one named SQL unit of schema change. Lexical order of Name
// is execution order.
type Changeset struct {
	Name string // file name without the .sql suffix
	Path string // path inside the changeset source
}

// ChangesetStatus reports whether a discovered changeset has been applied.
type ChangesetStatus struct {
	Name      string
	Applied   bool
	AppliedAt time.Time // zero while pending
}

// MigrationStatus is the read-only view produced by MigrationRunner.Status.
type MigrationStatus struct {
	Changesets []ChangesetStatus
	Applied    int
	Pending    int
}
