/*
Package roster supplies the member directory the engine resolves import
rows against.

PURPOSE:
  The engine never creates members; it looks them up. This package owns
  the lookup side: a read-only Directory view over member storage, a CSV
  loader for roster snapshots exported from the payroll system, and a
  TTL cache so repeated runs do not hammer the database for a roster
  that changes a few times a year.

SEE ALSO:
  - reconcile/member.go: Member type and the fuzzy name matcher
  - store/: MemberStore implementations this package decorates
*/
package roster

import (
	"context"
	"fmt"

	"github.com/unionhall/allotment-engine/reconcile"
)

// Directory is the read side of the roster. Ordering policies read
// seniority from it and the normalizer resolves rows against it. Any
// reconcile.MemberStore satisfies it.
type Directory interface {
	// GetMember returns a member by id, reconcile.ErrMemberNotFound if
	// absent.
	GetMember(ctx context.Context, id reconcile.MemberID) (*reconcile.Member, error)

	// ListMembers returns members, filtered to one division when division
	// is non-empty, ordered by name.
	ListMembers(ctx context.Context, division string) ([]reconcile.Member, error)
}

// Sync upserts a roster snapshot into member storage. Members keep the
// ids the snapshot carries; re-syncing the same file is a no-op.
func Sync(ctx context.Context, store reconcile.MemberStore, members []reconcile.Member) error {
	for _, m := range members {
		if err := store.PutMember(ctx, m); err != nil {
			return fmt.Errorf("member %s: %w", m.ID, err)
		}
	}
	return nil
}
