package secctx

import "slices"

// ACL is an access control list: the set of contexts permitted to use an
// identity.
type ACL []Context

// Sorted returns a copy of the ACL in deterministic order, per Context.Compare.
func (a ACL) Sorted() ACL {
	out := slices.Clone(a)
	slices.SortFunc(out, Context.Compare)
	return out
}

// Equal reports whether two ACLs contain the same contexts, comparing them
// as sorted sequences so that entry order never affects equality — this is
// what makes IdentityInfo equality well defined across a DB round trip.
func (a ACL) Equal(o ACL) bool {
	as, os := a.Sorted(), o.Sorted()
	return slices.EqualFunc(as, os, Context.Equal)
}

// Contains reports whether any entry of the ACL matches peer.
func (a ACL) Contains(peer Context) bool {
	return slices.ContainsFunc(a, func(c Context) bool { return c.Match(peer) })
}
