package rpc

// AppendLogPath is the peer-facing replication endpoint.
const AppendLogPath = "/v1/sync/appendlog"

// AppendLogRequest carries one log record to the standby. Offset is the
// byte position in the leader's log at which the record starts; the
// payload travels base64-encoded in JSON.
type AppendLogRequest struct {
	Offset  uint32 `json:"offset"`
	Payload []byte `json:"payload"`
}

// AppendLogResponse reports acceptance. On rejection Offset carries the
// standby's own end-of-log offset when the request was ahead of it (the
// resync hint), or -1 when the request was stale and no resync is
// possible.
type AppendLogResponse struct {
	Success bool  `json:"success"`
	Offset  int32 `json:"offset"`
}
