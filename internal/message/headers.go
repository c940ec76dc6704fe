package message

// Request headers. The set is closed; anything else gets UnknownRequest.
const (
	HeaderGetStatus         = "GetStatus"
	HeaderUnmount           = "Unmount"
	HeaderRegisterRepo      = "RegisterRepoRequest"
	HeaderUnregisterRepo    = "UnregisterRepoRequest"
	HeaderGetActiveRepoList = "GetActiveRepoListRequest"
	HeaderNotification      = "Notification"
)

// Response headers.
const (
	HeaderGetStatusResponse         = "GetStatusResponse"
	HeaderRegisterRepoResponse      = "RegisterRepoResponse"
	HeaderUnregisterRepoResponse    = "UnregisterRepoResponse"
	HeaderGetActiveRepoListResponse = "GetActiveRepoListResponse"
)

// Sentinel headers.
const (
	HeaderUnknownRequest     = "UnknownRequest"
	HeaderUnknownScalarState = "UnknownScalarState"
	HeaderMountNotReady      = "MountNotReady"
)

// Plain-text replies to Unmount, sent as bare headers.
const (
	UnmountNotMounted        = "NotMounted"
	UnmountAcknowledged      = "Acknowledged"
	UnmountCompleted         = "Completed"
	UnmountAlreadyUnmounting = "AlreadyUnmounting"
)

// Mount states reported in GetStatusResponse.MountStatus.
const (
	StatusMounting    = "Mounting"
	StatusReady       = "Ready"
	StatusUnmounting  = "Unmounting"
	StatusMountFailed = "MountFailed"
)
