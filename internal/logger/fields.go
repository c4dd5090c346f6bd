package logger

const (
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"
	FieldService   = "service"

	FieldUserID   = "user_id"
	FieldConnID   = "conn_id"
	FieldStreamID = "stream_id"
	FieldReason   = "reason"
	FieldEvent    = "event"
)
