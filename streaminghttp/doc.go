// Package streaminghttp serves an rpc.Router over plain HTTP. It mounts as a
// standard net/http handler.
//
// Queries and mutations are JSON-RPC 2.0 requests POSTed to the base path;
// the method is the procedure name and params are its input. Subscriptions
// are opened with a GET to <base>/<procedure>?input=<json> accepting
// text/event-stream, and each value arrives as one Server-Sent Event:
//
//	id: 01J9Z6Q8W7D3K2N5T0V4XGJ1RA
//	data: 5
//
// A stream that fails after it started ends with an "event: error" frame
// carrying the structured error; a stream that completes ends with
// "event: end". Closing the connection closes the subscription.
//
// Construction
//
//	h, err := streaminghttp.New(router,
//	    streaminghttp.WithBasePath("/rpc"),
//	    streaminghttp.WithContextFunc(func(r *http.Request, caps *capability.Registry) error {
//	        capability.Insert[emitter.Bus[int]](caps, bus)
//	        return nil
//	    }),
//	    streaminghttp.WithCORS(streaminghttp.DefaultCORS()),
//	)
//
// # Error Handling
//
// Transport-level problems (wrong content type, batches, malformed JSON) are
// rejected with a small JSON body and an HTTP status. Procedure errors are
// JSON-RPC error responses whose HTTP status follows the rpc.Error code;
// Unauthorized responses carry a WWW-Authenticate challenge.
package streaminghttp
