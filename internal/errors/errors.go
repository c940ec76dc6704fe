// Package errors provides standardized error codes for the service.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that generated the error (protocol, channel,
//     registry, dispatch, notification, service)
//   - error: The specific error type within that domain
//
// Codes are stable and are what the CLI sees in log lines. Responses sent
// over the wire carry only the human-readable message.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes by domain.
const (
	// Protocol domain - malformed wire messages
	CodeProtocolInvalidHeader = "protocol.invalid_header"  // Empty header or header containing the separator
	CodeProtocolMissingBody   = "protocol.missing_body"    // Structured request without a body
	CodeProtocolMalformedBody = "protocol.malformed_body"  // Body is not valid JSON for its header
	CodeProtocolNotCompleted  = "protocol.not_completed"   // Response left in NotCompleted before send
	CodeProtocolFrameTooLarge = "protocol.frame_too_large" // Frame exceeded the receive limit

	// Channel domain - transport failures
	CodeChannelRefused     = "channel.refused"      // Nobody listening on the channel
	CodeChannelTimeout     = "channel.timeout"      // Connect or I/O deadline exceeded
	CodeChannelBroken      = "channel.broken"       // Peer went away mid-receive
	CodeChannelInUse       = "channel.in_use"       // Another process already listens on the name
	CodeChannelClosed      = "channel.closed"       // Listener closed
	CodeChannelInvalidName = "channel.invalid_name" // Empty or over-long channel name
	CodeChannelSetupFailed = "channel.setup_failed" // Directory, permission or bind failure
	CodeChannelPeerUnknown = "channel.peer_unknown" // Kernel did not report the peer's credentials

	// Registry domain - persisted registration table
	CodeRegistryAlreadyRegistered = "registry.already_registered" // Active registration exists for root
	CodeRegistryNotFound          = "registry.not_found"          // No registration for root
	CodeRegistryCorrupt           = "registry.corrupt"            // File failed to parse; treated as empty
	CodeRegistryIO                = "registry.io"                 // File unreadable or unwritable
	CodeRegistryLocked            = "registry.locked"             // Cross-process lock not obtained
	CodeRegistryInvalidRoot       = "registry.invalid_root"       // Root could not be normalized

	// Dispatch domain - maintenance process launch
	CodeDispatchInvalidTask      = "dispatch.invalid_task"      // Task name outside the closed set
	CodeDispatchLaunchFailed     = "dispatch.launch_failed"     // Process could not be started
	CodeDispatchNonZeroExit      = "dispatch.non_zero_exit"     // Process exited with non-zero status
	CodeDispatchInvalidIdentity  = "dispatch.invalid_identity"  // Owner identity could not be resolved
	CodeDispatchIdentityMismatch = "dispatch.identity_mismatch" // Strategy cannot run as the requested owner

	// Notification domain - UI delivery
	CodeNotificationDeliveryFailed = "notification.delivery_failed" // Connect failed after relaunch
	CodeNotificationSendFailed     = "notification.send_failed"     // Connected but write failed
	CodeNotificationRelaunchFailed = "notification.relaunch_failed" // UI process could not be started

	// Service domain - control loop
	CodeServiceNoActiveUser = "service.no_active_user" // Sweep requested with no registered user
	CodeServiceShuttingDown = "service.shutting_down"  // Request arrived during shutdown
	CodeServiceMountFailed  = "service.mount_failed"   // External mount engine reported failure
	CodeServiceNotPermitted = "service.not_permitted"  // Peer may not act for the requested owner

	// General domain - catch-all errors
	CodeUnknown  = "error.unknown"  // Unknown error
	CodeInternal = "error.internal" // Internal error
)

// Kind groups error codes into the handling classes the service reacts to.
type Kind int

const (
	KindUnknown Kind = iota
	// KindProtocol: malformed wire message. Drop the connection, log.
	KindProtocol
	// KindBrokenConnection: peer gone. Treated as a disconnect.
	KindBrokenConnection
	// KindRegistryIO: registry unreadable or unwritable. Degrade, surface to caller.
	KindRegistryIO
	// KindDispatch: maintenance launch or exit failure. Reported per repository.
	KindDispatch
	// KindNotificationDelivery: best-effort UI delivery failure. Swallowed.
	KindNotificationDelivery
)

// String returns the kind name used in logs.
func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "ProtocolError"
	case KindBrokenConnection:
		return "BrokenConnection"
	case KindRegistryIO:
		return "RegistryIOError"
	case KindDispatch:
		return "DispatchError"
	case KindNotificationDelivery:
		return "NotificationDeliveryError"
	default:
		return "Unknown"
	}
}

// CodedError wraps an error with a stable error code.
// This allows errors to carry both a code for programmatic handling
// and a message for human consumption.
type CodedError struct {
	Code    string // Stable error code (e.g., "registry.not_found")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a CodedError with the same code. This lets
// package-level sentinels match wrapped copies carrying a different cause.
func (e *CodedError) Is(target error) bool {
	var other *CodedError
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code && other.Cause == nil
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GetCode extracts the error code from an error.
// If the error is a CodedError, returns its code.
// Falls back to CodeUnknown for unrecognized errors.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	return CodeUnknown
}

// ToCodeAndMessage extracts both code and message from an error.
// This is the primary function for converting errors to responses.
func ToCodeAndMessage(err error) (code, message string) {
	if err == nil {
		return "", ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code, coded.Message
	}

	return CodeUnknown, err.Error()
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// KindOf maps an error to its handling class using the code's domain.
func KindOf(err error) Kind {
	code := GetCode(err)
	if code == "" {
		return KindUnknown
	}
	if code == CodeChannelBroken {
		return KindBrokenConnection
	}

	domain, _, _ := strings.Cut(code, ".")
	switch domain {
	case "protocol":
		return KindProtocol
	case "registry":
		return KindRegistryIO
	case "dispatch":
		return KindDispatch
	case "notification":
		return KindNotificationDelivery
	default:
		return KindUnknown
	}
}

// Common error constructors for frequently used error types.

// InvalidHeader creates a "protocol.invalid_header" error.
func InvalidHeader(header string) *CodedError {
	return New(CodeProtocolInvalidHeader, fmt.Sprintf("invalid message header %q", header))
}

// MalformedBody creates a "protocol.malformed_body" error.
func MalformedBody(header string, cause error) *CodedError {
	return Wrap(CodeProtocolMalformedBody, fmt.Sprintf("malformed body for %s", header), cause)
}

// AlreadyRegistered creates a "registry.already_registered" error.
func AlreadyRegistered(root string) *CodedError {
	return New(CodeRegistryAlreadyRegistered, fmt.Sprintf("repo '%s' is already registered", root))
}

// RegistrationNotFound creates a "registry.not_found" error.
func RegistrationNotFound(root string) *CodedError {
	return New(CodeRegistryNotFound, fmt.Sprintf("repo '%s' is not registered", root))
}

// RegistryCorrupt creates a "registry.corrupt" error.
// The registry is treated as empty when this is returned.
func RegistryCorrupt(path string, cause error) *CodedError {
	return Wrap(CodeRegistryCorrupt, fmt.Sprintf("registry file %s is corrupt, treating as empty", path), cause)
}

// RegistryIO creates a "registry.io" error.
func RegistryIO(operation string, cause error) *CodedError {
	return Wrap(CodeRegistryIO, fmt.Sprintf("registry %s failed", operation), cause)
}

// InvalidTask creates a "dispatch.invalid_task" error.
func InvalidTask(task string) *CodedError {
	return New(CodeDispatchInvalidTask, fmt.Sprintf("invalid or unknown maintenance task '%s'", task))
}

// LaunchFailed creates a "dispatch.launch_failed" error.
func LaunchFailed(executable string, cause error) *CodedError {
	return Wrap(CodeDispatchLaunchFailed, fmt.Sprintf("failed to launch %s", executable), cause)
}

// NonZeroExit creates a "dispatch.non_zero_exit" error.
// The output is the captured stderr (or stdout when stderr is empty).
func NonZeroExit(exitCode int, output string) *CodedError {
	msg := fmt.Sprintf("maintenance exited with code %d", exitCode)
	if output != "" {
		msg = fmt.Sprintf("%s: %s", msg, output)
	}
	return New(CodeDispatchNonZeroExit, msg)
}

// InvalidIdentity creates a "dispatch.invalid_identity" error.
func InvalidIdentity(identity string, cause error) *CodedError {
	return Wrap(CodeDispatchInvalidIdentity, fmt.Sprintf("cannot resolve owner identity '%s'", identity), cause)
}

// DeliveryFailed creates a "notification.delivery_failed" error.
func DeliveryFailed(channel string, cause error) *CodedError {
	return Wrap(CodeNotificationDeliveryFailed, fmt.Sprintf("could not deliver notification to %s", channel), cause)
}

// Internal creates an "error.internal" error.
func Internal(message string, cause error) *CodedError {
	return Wrap(CodeInternal, message, cause)
}

// OwnerNotPermitted creates a "service.not_permitted" error for a peer
// acting for an owner other than itself.
func OwnerNotPermitted(owner string, peerUID uint32, cause error) *CodedError {
	return Wrap(CodeServiceNotPermitted, fmt.Sprintf("uid %d may not register for owner %q", peerUID, owner), cause)
}
