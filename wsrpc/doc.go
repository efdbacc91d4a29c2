// Package wsrpc serves an rpc.Router over a WebSocket connection.
//
// Every text frame is a JSON-RPC 2.0 message. A request whose method names a
// query or mutation is dispatched and answered with a response frame. Calls
// run concurrently, so responses may arrive out of order; match them by id.
//
// Subscriptions are multiplexed on the same connection:
//
//	-> {"jsonrpc":"2.0","id":"s1","method":"subscription.start","params":{"path":"pings"}}
//	<- {"jsonrpc":"2.0","id":"s1","result":{"id":"s1"}}
//	<- {"jsonrpc":"2.0","method":"subscription.event","params":{"id":"s1","data":5}}
//	-> {"jsonrpc":"2.0","id":2,"method":"subscription.stop","params":{"id":"s1"}}
//	<- {"jsonrpc":"2.0","id":2,"result":true}
//
// The request id of subscription.start becomes the subscription id. A stream
// that ends on its own, or fails, is followed by a subscription.end
// notification carrying the id and, on failure, the error. Closing the
// connection closes every subscription it opened.
package wsrpc
