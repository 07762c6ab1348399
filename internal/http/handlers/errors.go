// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// Codes are lowercase snake_case for JSON endpoints. The streaming endpoint
// reports failures as error events carrying the upper-case codes of
// internal/apperr instead, since its status line is already sent.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "forbidden",
//	  "message": "conversation belongs to another user"
//	}
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeForbidden        = "forbidden"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeUnavailable      = "unavailable"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Domain-specific:
	ErrCodeListFailed   = "list_failed"
	ErrCodeDeleteFailed = "delete_failed"
)
