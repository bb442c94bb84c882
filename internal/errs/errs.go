// Package errs defines the typed errors returned across service boundaries.
package errs

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindNotFound           Kind = "not_found"
	KindExpired            Kind = "expired"
	KindInvalidSignature   Kind = "invalid_signature"
	KindUnauthorized       Kind = "unauthorized"
	KindAlreadyCommitted   Kind = "already_committed"
	KindPolicyHashMismatch Kind = "policy_hash_mismatch"
	KindEvidenceInvalid    Kind = "evidence_invalid"
	KindValidation         Kind = "validation_error"
	KindTokenRevoked       Kind = "token_revoked"
)

// Stable error codes surfaced to clients.
const (
	CodeMalformedRequest   = "RT-001"
	CodeTokenNotFound      = "RT-002"
	CodeTokenExpired       = "RT-004"
	CodeInvalidSignature   = "RT-007"
	CodeTokenRevoked       = "RT-007"
	CodePolicyHashMismatch = "RT-010"
	CodeAlreadyCommitted   = "RT-021"
	CodePolicyNotFound     = "POL-001"
	CodeDecisionNotFound   = "AEL-001"
	CodeReplayNotFound     = "AEL-002"
	CodeInvalidAPIKey      = "AUTH-001"
	CodeMerchantMismatch   = "AUTH-002"
	CodeEvidenceInvalid    = "EV-000"
)

type Detail struct {
	Field      string `json:"field,omitempty"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

type Error struct {
	Kind    Kind     `json:"kind"`
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []Detail `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Newf(kind Kind, code, format string, args ...any) *Error {
	return New(kind, code, fmt.Sprintf(format, args...))
}

// WithDetails returns a copy of e carrying details.
func (e *Error) WithDetails(details ...Detail) *Error {
	out := *e
	out.Details = append(append([]Detail(nil), e.Details...), details...)
	return &out
}

// As returns the *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf reports the kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return ""
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func Validation(field, message string) *Error {
	return New(KindValidation, CodeMalformedRequest, message).WithDetails(Detail{
		Field:   field,
		Code:    CodeMalformedRequest,
		Message: message,
	})
}

func PolicyNotFound(policyID string) *Error {
	return Newf(KindNotFound, CodePolicyNotFound, "policy not found: %s", policyID)
}

func DecisionNotFound(decisionID string) *Error {
	return Newf(KindNotFound, CodeDecisionNotFound, "decision not found: %s", decisionID)
}
