// Package webcall drives a browser-style voice call with a remote
// conversational agent.
//
// A call goes through a short lifecycle: the Registrar exchanges the agent id
// for a single-use access token at the backend's /create-web-call endpoint,
// a RemoteClient (see the realtime and webrtc packages) connects with that
// token, and the Controller tracks the session from the events the client
// emits until the call ends or fails.
//
// Key Features:
//   - Pure transition function (Next) over a closed set of states and inputs
//   - Single-use tokens, cleared when a call ends and never reused
//   - Stale registration results discarded after a cancel
//   - Bounded transcript of the most recent utterances
//   - Levelled structured logging and typed, matchable errors
//
// Basic Usage:
//
//	cfg, err := webcall.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//	reg, _ := webcall.NewRegistrar(cfg)
//	remote, _ := realtime.New(realtime.Config{Endpoint: "wss://voice.example.com/call"})
//	ctrl, err := webcall.NewController(cfg, reg, remote)
//	if err != nil {
//		log.Fatal(err)
//	}
//	ctrl.OnChange(func(s webcall.Snapshot) { fmt.Println(s.State) })
//	if err := ctrl.Toggle(ctx); err != nil {
//		log.Println("call failed:", err)
//	}
//
// Toggle starts a call when none is active and hangs up otherwise; Stop
// also cancels an attempt that is still connecting.
package webcall
