package log

// Common field names for structured logging
const (
	FieldComponent     = "component"
	FieldRequestID     = "request_id"
	FieldMethod        = "method"
	FieldPath          = "path"
	FieldStatusCode    = "status_code"
	FieldDuration      = "duration_ms"
	FieldError         = "error"
	FieldOperation     = "operation"
	FieldCycleID       = "cycle_id"
	FieldTransactionID = "transaction_id"
	FieldYear          = "year"
	FieldMonth         = "month"
	FieldScope         = "scope"
	FieldSeq           = "seq"
	FieldBackend       = "backend"
)

// Components defines standard component names
const (
	ComponentApp        = "app"
	ComponentHTTP       = "http"
	ComponentRepository = "repository"
	ComponentObserver   = "observer"
	ComponentStorage    = "storage"
	ComponentRelay      = "relay"
)

// Operations defines standard operation names
const (
	OpCreate   = "create"
	OpUpdate   = "update"
	OpDelete   = "delete"
	OpSnapshot = "snapshot"
	OpMigrate  = "migrate"
	OpPublish  = "publish"
	OpShutdown = "shutdown"
	OpStartup  = "startup"
)
