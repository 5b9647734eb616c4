// Package transport implements the signaling transports used by the
// session manager.
//
// [WebSocketTransport] connects to the relay with gorilla/websocket. It
// authenticates with a bearer token, keeps the link alive with ping/pong,
// caps inbound frames at [limits.MaxSignalingFrame] and drops malformed
// frames with a warning instead of surfacing them.
//
//	ws := transport.NewWebSocketTransport(transport.WebSocketOptions{Token: token})
//	if err := ws.Connect(ctx, "wss://relay.example/ws/"+sessionID+"?code="+code); err != nil {
//	    return err
//	}
//	defer ws.Disconnect()
//
// [MemoryTransport] pairs two in-process endpoints. Every message passes
// through the wire codec, and a delivery log plus drop and error hooks make
// it suitable for deterministic tests and offline demos:
//
//	a, b := transport.NewMemoryPair(64)
//	_ = a.Send(ctx, signaling.Heartbeat{Header: signaling.NewHeader("s1")})
//	msg := <-b.Messages()
package transport
