/*
Package client is the typed Go client for the drover coordinator API.

It wraps every endpoint the API server exposes with context-honoring
methods, decodes the JSON envelopes, and converts non-2xx responses into
*APIError. IsNotFound and IsConflict classify the two statuses callers
branch on: a 404 when polling a task that was dead-lettered away, and a 409
when a completion report loses the race against a cancellation or timeout.

The agent package is the primary consumer; operators use it through the
drover CLI. StreamEvents upgrades to the WebSocket event stream and delivers
events on a channel until the context is cancelled.
*/
package client
