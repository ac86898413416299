package approval

import (
	"errors"
	"fmt"
)

// Verification failure codes. Stable strings surfaced to the approver; the
// submitter branches on the code, never on the message.
const (
	CodeInvalidSubmission = "invalid_submission"
	CodeExpiredOrUnknown  = "expired_or_unknown"
	CodeScopeMismatch     = "scope_mismatch"
	CodeInvalidSignature  = "invalid_signature"
	CodeUnknownKeyID      = "unknown_key_id"
	CodeBijectionMismatch = "bijection_mismatch"
)

// VerificationError reports why an approval submission was rejected. The
// protocol is fail-closed: any verification error denies the pending calls.
type VerificationError struct {
	Code    string
	Message string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("approval verification failed (%s): %s", e.Code, e.Message)
}

func verificationErrorf(code, format string, args ...any) *VerificationError {
	return &VerificationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// VerificationCode extracts the stable failure code from err, or "" when err
// is not a verification failure.
func VerificationCode(err error) string {
	var verr *VerificationError
	if errors.As(err, &verr) {
		return verr.Code
	}
	return ""
}

// Key manager failure modes.
var (
	// ErrLocked is returned by Sign when no private key is cached. Callers
	// surface unlock instructions to the operator.
	ErrLocked = errors.New("signing key is locked; unlock with your passphrase")

	// ErrBadPassphrase is returned when the keyring AEAD rejects the derived
	// key.
	ErrBadPassphrase = errors.New("passphrase does not match keyring")

	// ErrUnknownKeyID is returned when a key id resolves to no keyring record.
	ErrUnknownKeyID = errors.New("unknown key id")

	// ErrKeyringExists guards CreateInitialKey against clobbering a keyring.
	ErrKeyringExists = errors.New("keyring already initialized")

	// ErrNoKeyring is returned by operations that need an initialized keyring.
	ErrNoKeyring = errors.New("keyring not initialized")
)
