package messaging

import "strings"

// Subject constants for the boxoffice message bus.
// Follow the pattern: {domain}.{resource}.{action}
const (
	// Inventory notifications published by the ledger.
	SubjectInventoryMilestone = "boxoffice.inventory.milestone" // Remaining count crossed an alert threshold
	SubjectInventoryOversell  = "boxoffice.inventory.oversell"  // Paid sale could not be fulfilled

	// Collaborator requests consumed by the mail and CRM workers.
	SubjectEmailSend = "boxoffice.email.send"
	SubjectCRMUpsert = "boxoffice.crm.upsert"

	// Dead-letter subjects (append .{reason}).
	SubjectDLQPrefix = "boxoffice.dlq"
)

// DLQSubject returns the dead-letter subject for a failure reason.
// Example: boxoffice.dlq.handler_failed
func DLQSubject(reason string) string {
	return SubjectDLQPrefix + "." + sanitizeToken(reason)
}

// sanitizeToken makes s safe to use as a single NATS subject token.
func sanitizeToken(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
