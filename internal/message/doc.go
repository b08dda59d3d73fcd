// Package message defines the scheduled message entity shared by the store,
// the scheduling service and the delivery runner.
//
// Lifecycle:
//
//	PENDING -> PROCESSING -> SENT
//	                      -> PENDING (retry loop)
//	                      -> FAILED  (retriable by the owner)
//	PENDING -> CANCELLED  (owner)
//	FAILED  -> PENDING    (owner retry)
package message
