package message

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/scalar/service/internal/errors"
)

// CompletionState is the terminal state carried by every structured
// response. NotCompleted is the zero value and is never sent.
type CompletionState int

const (
	NotCompleted CompletionState = iota
	Success
	Failure
)

var completionNames = [...]string{"NotCompleted", "Success", "Failure"}

func (s CompletionState) String() string {
	if s < 0 || int(s) >= len(completionNames) {
		return fmt.Sprintf("CompletionState(%d)", int(s))
	}
	return completionNames[s]
}

// MarshalJSON encodes the state as its number, the form existing clients
// read.
func (s CompletionState) MarshalJSON() ([]byte, error) {
	if s < 0 || int(s) >= len(completionNames) {
		return nil, fmt.Errorf("invalid completion state %d", int(s))
	}
	return json.Marshal(int(s))
}

// UnmarshalJSON decodes a state number and rejects values outside the
// known set.
func (s *CompletionState) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("completion state must be a number: %w", err)
	}
	if n < 0 || n >= len(completionNames) {
		return fmt.Errorf("unknown completion state %d", n)
	}
	*s = CompletionState(n)
	return nil
}

// BaseResponse is embedded in every structured response.
type BaseResponse struct {
	State        CompletionState `json:"State"`
	ErrorMessage string          `json:"ErrorMessage,omitempty"`
}

// Completion returns the response state.
func (b BaseResponse) Completion() CompletionState {
	return b.State
}

// Succeeded returns a Success base.
func Succeeded() BaseResponse {
	return BaseResponse{State: Success}
}

// Failed returns a Failure base carrying msg.
func Failed(msg string) BaseResponse {
	return BaseResponse{State: Failure, ErrorMessage: msg}
}

type completer interface {
	Completion() CompletionState
}

type RegisterRepoRequest struct {
	EnlistmentRoot string `json:"EnlistmentRoot"`
	OwnerSID       string `json:"OwnerSID"`
}

type RegisterRepoResponse struct {
	BaseResponse
}

type UnregisterRepoRequest struct {
	EnlistmentRoot string `json:"EnlistmentRoot"`
}

type UnregisterRepoResponse struct {
	BaseResponse
}

// GetActiveRepoListRequest optionally narrows the list to one owner.
type GetActiveRepoListRequest struct {
	OwnerSID string `json:"OwnerSID,omitempty"`
}

type GetActiveRepoListResponse struct {
	BaseResponse
	RepoList []string `json:"RepoList"`
}

type GetStatusRequest struct {
	EnlistmentRoot string `json:"EnlistmentRoot"`
}

// GetStatusResponse describes one live mount.
type GetStatusResponse struct {
	MountStatus              string `json:"MountStatus"`
	EnlistmentRoot           string `json:"EnlistmentRoot"`
	LocalCacheRoot           string `json:"LocalCacheRoot"`
	RepoUrl                  string `json:"RepoUrl"`
	CacheServer              string `json:"CacheServer"`
	BackgroundOperationCount int    `json:"BackgroundOperationCount"`
	DiskLayoutVersion        string `json:"DiskLayoutVersion"`
}

type UnmountRequest struct {
	EnlistmentRoot string `json:"EnlistmentRoot"`
}

// NotificationID identifies the kind of desktop notification. It is encoded
// as an integer.
type NotificationID int

const (
	AutomountStart NotificationID = iota
	MountSuccess
	MountFailure
	UpgradeAvailable
)

func (id NotificationID) String() string {
	switch id {
	case AutomountStart:
		return "AutomountStart"
	case MountSuccess:
		return "MountSuccess"
	case MountFailure:
		return "MountFailure"
	case UpgradeAvailable:
		return "UpgradeAvailable"
	default:
		return fmt.Sprintf("NotificationID(%d)", int(id))
	}
}

// Valid reports whether id is one of the known identifiers.
func (id NotificationID) Valid() bool {
	return id >= AutomountStart && id <= UpgradeAvailable
}

type NotificationRequest struct {
	Id              NotificationID `json:"Id"`
	Title           string         `json:"Title,omitempty"`
	Message         string         `json:"Message,omitempty"`
	Enlistment      string         `json:"Enlistment,omitempty"`
	EnlistmentCount int            `json:"EnlistmentCount,omitempty"`
	NewVersion      string         `json:"NewVersion,omitempty"`
}

// Marshal encodes v as the JSON body of a message with the given header.
func Marshal(header string, v any) (Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Message{}, apperrors.Wrap(apperrors.CodeInternal, fmt.Sprintf("encode %s body", header), err)
	}
	return New(header, string(data)), nil
}

// Unmarshal decodes the JSON body of m into a T.
func Unmarshal[T any](m Message) (T, error) {
	var v T
	if m.Body == nil {
		return v, apperrors.New(apperrors.CodeProtocolMissingBody, fmt.Sprintf("%s requires a body", m.Header))
	}
	if err := json.Unmarshal([]byte(*m.Body), &v); err != nil {
		return v, apperrors.MalformedBody(m.Header, err)
	}
	return v, nil
}

func responseMessage(header string, r completer) (Message, error) {
	if r.Completion() == NotCompleted {
		return Message{}, apperrors.New(apperrors.CodeProtocolNotCompleted,
			fmt.Sprintf("%s has no completion state", header))
	}
	return Marshal(header, r)
}

// ToMessage encodes the request.
func (r RegisterRepoRequest) ToMessage() (Message, error) {
	return Marshal(HeaderRegisterRepo, r)
}

// ToMessage encodes the response; it fails if State was never set.
func (r RegisterRepoResponse) ToMessage() (Message, error) {
	return responseMessage(HeaderRegisterRepoResponse, r)
}

// ToMessage encodes the request.
func (r UnregisterRepoRequest) ToMessage() (Message, error) {
	return Marshal(HeaderUnregisterRepo, r)
}

// ToMessage encodes the response; it fails if State was never set.
func (r UnregisterRepoResponse) ToMessage() (Message, error) {
	return responseMessage(HeaderUnregisterRepoResponse, r)
}

// ToMessage encodes the request.
func (r GetActiveRepoListRequest) ToMessage() (Message, error) {
	return Marshal(HeaderGetActiveRepoList, r)
}

// ToMessage encodes the response; it fails if State was never set.
func (r GetActiveRepoListResponse) ToMessage() (Message, error) {
	if r.RepoList == nil {
		r.RepoList = []string{}
	}
	return responseMessage(HeaderGetActiveRepoListResponse, r)
}

// ToMessage encodes the request.
func (r GetStatusRequest) ToMessage() (Message, error) {
	return Marshal(HeaderGetStatus, r)
}

// ToMessage encodes the response.
func (r GetStatusResponse) ToMessage() (Message, error) {
	return Marshal(HeaderGetStatusResponse, r)
}

// ToMessage encodes the request.
func (r UnmountRequest) ToMessage() (Message, error) {
	return Marshal(HeaderUnmount, r)
}

// ToMessage encodes the notification.
func (r NotificationRequest) ToMessage() (Message, error) {
	return Marshal(HeaderNotification, r)
}
