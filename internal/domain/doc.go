// Package domain defines the core types of the campaign delivery subsystem.
//
// Types in this package are pure value objects: campaigns, contacts, queue
// records, send batches, schedule entries and the audit log. The three status
// enums (campaign, queue record, schedule entry) carry explicit transition
// tables so every layer agrees on which moves are legal.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no http.Request, no context.Context in struct fields
//   - JSON/DB tags are allowed (they're metadata, not behavior)
//   - Validation and transition methods are allowed (pure functions on the type)
//   - Constants and enums belong here
package domain
