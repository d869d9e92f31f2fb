// Package errors provides structured error handling for tabledeck.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Authentication errors
	CodeAuthExpired      Code = "AUTH_EXPIRED"
	CodeAuthInvalidGrant Code = "AUTH_INVALID_GRANT"

	// Session errors
	CodeSessionNotFound    Code = "SESSION_NOT_FOUND"
	CodeSessionDeleted     Code = "SESSION_DELETED"
	CodeSessionNotAttached Code = "SESSION_NOT_ATTACHED"
	CodeSessionEmptyItem   Code = "SESSION_EMPTY_ITEM_PATH"
	CodeSessionEmptySource Code = "SESSION_EMPTY_SOURCE"

	// Membership errors
	CodeMemberNotFound      Code = "MEMBER_NOT_FOUND"
	CodeMemberAlreadyJoined Code = "MEMBER_ALREADY_JOINED"
	CodeMemberNotOnline     Code = "MEMBER_NOT_ONLINE"
	CodeMemberReadOnly      Code = "MEMBER_READ_ONLY"
	CodeMemberNotOwner      Code = "MEMBER_NOT_OWNER"
	CodeKickOwnerForbidden  Code = "KICK_OWNER_FORBIDDEN"
	CodeKickSelfForbidden   Code = "KICK_SELF_FORBIDDEN"
	CodeAccessInvalid       Code = "ACCESS_INVALID"

	// Payload errors
	CodeRowNotFound     Code = "ROW_NOT_FOUND"
	CodeRowExists       Code = "ROW_EXISTS"
	CodeRowEmptyKey     Code = "ROW_EMPTY_KEY"
	CodeRowEmptyTable   Code = "ROW_EMPTY_TABLE"
	CodePropertyUnknown Code = "PROPERTY_UNKNOWN"

	// Journal errors
	CodeJournalClosed Code = "JOURNAL_CLOSED"
	CodeJournalIO     Code = "JOURNAL_IO"

	// Replay errors
	CodeReplayCorrupt Code = "REPLAY_CORRUPT"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - validation failures, bad input
	case CodeSessionEmptyItem,
		CodeSessionEmptySource,
		CodeAccessInvalid,
		CodeRowEmptyKey,
		CodeRowEmptyTable:
		return codes.InvalidArgument

	// FailedPrecondition - state does not allow the operation
	case CodeSessionDeleted,
		CodeSessionNotAttached,
		CodeMemberAlreadyJoined,
		CodeMemberNotOnline,
		CodeRowExists,
		CodeJournalClosed:
		return codes.FailedPrecondition

	// PermissionDenied - caller lacks the required access level
	case CodeMemberReadOnly,
		CodeMemberNotOwner,
		CodeKickOwnerForbidden,
		CodeKickSelfForbidden:
		return codes.PermissionDenied

	// Unauthenticated - the caller's grant is missing or expired
	case CodeAuthExpired,
		CodeAuthInvalidGrant:
		return codes.Unauthenticated

	// NotFound - missing records
	case CodeSessionNotFound,
		CodeMemberNotFound,
		CodeRowNotFound,
		CodePropertyUnknown,
		CodeNotFound:
		return codes.NotFound

	// DataLoss - durable state could not be trusted
	case CodeJournalIO,
		CodeReplayCorrupt:
		return codes.DataLoss

	default:
		return codes.Internal
	}
}
