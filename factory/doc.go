// Package factory builds the transports a remote-assistance device needs
// from configuration.
//
// A [TransportFactory] creates the signaling transport (a websocket client
// for the relay, or an in-process memory link) and the peer factory that
// session managers call once per session:
//
//	f, err := factory.NewTransportFactory(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	sig, err := f.CreateSignaling()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	manager, err := session.NewManager(sig, f.PeerFactory(), cfg.SessionConfig())
//
// # Memory mode
//
// In memory mode two consecutive CreateSignaling calls return the two ends
// of one link, so two managers in the same process can negotiate without a
// relay. SwitchToMemory and SwitchToWebSocket change the mode at runtime.
package factory
