// Package remoteassist negotiates remote-assistance sessions between two
// devices and adapts the video operating point to network conditions.
//
// The [Assistant] is the entry point. It owns a session manager, which runs
// the lifecycle of one session at a time over a signaling transport, and an
// adaptive quality controller, which walks a ladder of video presets as
// network samples arrive.
//
// # Getting Started
//
//	cfg, err := config.Load("assist.json")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	cfg.ApplyEnv()
//
//	f, err := factory.NewTransportFactory(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	sig, err := f.CreateSignaling()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := sig.Connect(ctx, cfg.Signaling.URL); err != nil {
//	    log.Fatal(err)
//	}
//
//	assistant, err := remoteassist.New(cfg, sig, f.PeerFactory())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := assistant.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer assistant.Close()
//
//	assistant.CallbackStateChange(func(change session.StateChange) {
//	    fmt.Println(change)
//	})
//	id, err := assistant.CreateSession(ctx, "helpdesk-42")
//
// # Quality adaptation
//
// When a session becomes Active the controller starts from the preset the
// measured bandwidth supports, or from the configured initial preset when
// no measurement is available. Peer transports that report statistics feed
// the controller until the session ends. Each preset the controller settles
// on is applied to the peer transport and announced to the remote side with
// a quality_adjustment message unless Quality.NotifyRemote is off.
//
// # Packages
//
//   - session: session lifecycle state machine
//   - av: quality ladder and adaptive controller
//   - signaling: message model and JSON wire codec
//   - transport: websocket and in-memory signaling transports
//   - peer: WebRTC peer transport
//   - relay: signaling relay server
//   - config, factory: configuration and transport construction
//   - cmd/assist: command-line relay, share and connect
package remoteassist
