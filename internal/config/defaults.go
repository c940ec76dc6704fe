package config

const (
	DefaultDataDirName    = ".scalar"
	DefaultConfigFileName = "service.toml"

	// DefaultServiceSocket is fixed so every account's CLI finds the
	// service without sharing its config.
	DefaultServiceSocket = "/var/run/scalar/service.sock"

	// DefaultUISocket lives in the session owner's runtime directory.
	// UIDPlaceholder is replaced with the owner's uid.
	DefaultUISocket = "/run/user/" + UIDPlaceholder + "/scalar/ui.sock"
	UIDPlaceholder  = "{uid}"

	DefaultAuditDBName = "audit.db"

	DefaultScalarExecutable = "scalar"
	DefaultServiceName      = "Scalar.Service"
	DefaultLogLevel         = "info"
	DefaultLaunchStrategy   = "credential"

	DefaultAuditMaxRows          = 10000
	DefaultSweepWorkers          = 4
	DefaultRequestsPerSecond     = 50.0
	DefaultRequestBurst          = 100
	DefaultLockStaleAfterSeconds = 3600
)
