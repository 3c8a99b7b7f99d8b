// Package ledger correlates asynchronous responses with outstanding
// requests.
//
// The hub and the provisioning service answer requests on a shared response
// topic, tagging each response with the request id ($rid) of the request
// it answers. A caller creates a Request, publishes with Request.ID, and
// waits on Request.Response while the inbound dispatch loop hands every
// response to Ledger.Match.
package ledger
