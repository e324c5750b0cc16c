package logger

// Standard field names for consistent structured logging across Threadline.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity and context
	FieldJobID    = "job_id"
	FieldTenantID = "tenant_id"
	FieldAgent    = "agent"
	FieldThreadID = "thread_id"

	// Components
	FieldComponent = "component"
	FieldService   = "service"

	// Operations
	FieldOperation = "operation"
	FieldMethod    = "method"
	FieldPath      = "path"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldInterval   = "interval"

	// Errors
	FieldError = "error"

	// Counts
	FieldCount     = "count"
	FieldBatchSize = "batch_size"

	// Status
	FieldStatus = "status"
	FieldState  = "state"
)
