// Package api exposes the accessory bridge to application runtimes over
// HTTP and WebSocket.
//
// REST routes live under /api/v1 and map one-to-one onto bridge operations:
// cache queries, refresh, characteristic read/write, identify and the
// characteristic change journal. Bridge errors are translated to HTTP status
// codes in errors.go.
//
// The WebSocket endpoint (/api/v1/ws) lets a client subscribe to individual
// characteristics. Each (client, characteristic) pair holds one bridge
// subscription, released on unsubscribe or disconnect. Readiness and
// structural events are pushed to every connected client.
//
// When security.jwt.secret is set, every route except /health requires an
// HS256 bearer token. Browsers that cannot set headers on the WebSocket
// handshake may pass the token as the access_token query parameter.
//
//	srv, err := api.New(deps)
//	if err != nil {
//	    return err
//	}
//	if err := srv.Start(ctx); err != nil {
//	    return err
//	}
//	defer srv.Close()
package api
