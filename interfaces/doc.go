// Package interfaces defines the collaborator contracts the session core
// drives: the signaling transport, the peer transport and its data
// channels, and the quality target that receives controller decisions.
//
// # Core Interfaces
//
// [SignalingTransport] moves [signaling.Message] values between the two
// devices through a relay. Implementations live in the transport package:
//
//	ws := transport.NewWebSocketTransport(transport.WebSocketOptions{Token: token})
//	if err := ws.Connect(ctx, "wss://relay.example/ws/"+sessionID); err != nil {
//	    return err
//	}
//	for msg := range ws.Messages() {
//	    handle(msg)
//	}
//
// [PeerTransport] is the opaque media transport. The session manager only
// creates and applies descriptions, forwards candidates and watches the
// connection-state signal; it never inspects negotiation internals. The
// peer package provides a pion/webrtc implementation.
//
// [QualityTarget] is implemented by peer transports that can re-encode at
// a new [av.QualityPreset].
//
// # Configuration
//
// [PeerConfig] holds settings for peer transport implementations:
//
//	cfg := &interfaces.PeerConfig{
//	    ICEServers:    []interfaces.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
//	    GatherTimeout: 10 * time.Second,
//	}
//	if err := cfg.Validate(); err != nil {
//	    log.Fatalf("invalid config: %v", err)
//	}
//
// # Thread Safety
//
// All implementations must be safe for concurrent use. The channels
// returned by Messages, ConnectionStates and LocalCandidates are closed
// when the implementation shuts down.
package interfaces
