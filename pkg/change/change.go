// Package change defines the proposed-revision data model shared by every
// pipeline queue.
package change

import "fmt"

// Key is the stable identity of a Change, independent of patchset. Two
// revisions of the same review share a Key but are never Equal.
type Key struct {
	Connection string
	Project    string
	Branch     string
	ChangeID   string
}

// String renders the key in the canonical "<connection>/<project>@<branch>#<change-id>" form.
func (k Key) String() string {
	return fmt.Sprintf("%s/%s@%s#%s", k.Connection, k.Project, k.Branch, k.ChangeID)
}

// Change is a proposed revision identified by a stable change key plus a
// patchset number. Changes are content-addressed: two patchsets of the
// same review are SameChange but not Equal.
type Change struct {
	Key      Key
	Patchset int
	Ref      string
	Message  string

	// NeedsChanges are declared dependencies (from Depends-On: headers or
	// the source connector's native dependency graph).
	NeedsChanges []Key
	// NeededByChanges is the reverse of NeedsChanges, maintained by the
	// dependency resolver as it discovers needs edges.
	NeededByChanges []Key

	IsMerged bool
}

// SameChange reports whether c and other belong to the same review (equal
// Key), whatever their patchsets; it is also true for the same patchset.
func (c Change) SameChange(other Change) bool {
	return c.Key == other.Key
}

// Equal reports whether c and other are the exact same revision.
func (c Change) Equal(other Change) bool {
	return c.Key == other.Key && c.Patchset == other.Patchset
}

// String renders the change as "<key>,<patchset>".
func (c Change) String() string {
	return fmt.Sprintf("%s,%d", c.Key, c.Patchset)
}
