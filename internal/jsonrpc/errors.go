package jsonrpc

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603

	// Implementation-defined server errors live in -32000..-32099.

	// ErrorCodeUnauthorized indicates missing or invalid credentials.
	ErrorCodeUnauthorized ErrorCode = -32001
	// ErrorCodeForbidden indicates valid credentials without sufficient rights.
	ErrorCodeForbidden ErrorCode = -32003
	// ErrorCodeConflict indicates the request conflicts with current state.
	ErrorCodeConflict ErrorCode = -32009
	// ErrorCodeMethodNotSupported indicates the procedure exists but cannot be
	// invoked this way (for example a subscription called as a query).
	ErrorCodeMethodNotSupported ErrorCode = -32005
)
