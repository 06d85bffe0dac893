// Package subscription provides per-concern views over the event router.
//
// A subscription registers its listeners when it is created and removes every
// one of them on Close. Bind ties Close to a context so the registrations
// live exactly as long as the caller's active period.
//
// Position, account and price views are keyed snapshots: each update replaces
// the record at its key.
package subscription
