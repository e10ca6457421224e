// Package spec provides a client for SPEC instrument-control servers from
// Certified Scientific Software, speaking the SPEC server protocol defined in
// package sv.
//
// The Client is the entry point. It owns a single TCP connection whose
// receive loop correlates replies to in-flight requests by serial number and
// fans unsolicited property-change events out to subscribers:
//
//	client, err := spec.Connect(ctx, "localhost", 6510)
//	if err != nil { ... }
//	defer client.Close()
//
//	reply, output, err := client.Run(ctx, "wa")
//
//	v, err := client.Var("SCAN_N")
//	n, err := v.Float64(ctx)
//
//	m, err := client.Motor(ctx, "tth")
//	err = m.MoveTo(ctx, 90.0)
//
// Var, ArrayVar and Motor mirror server state locally: reads are served from
// a cache kept fresh by the server's change events, writes go through to the
// server and update the cache only once acknowledged.
//
// All blocking operations take a context.Context; timeouts and cancellation
// compose with the connection's configured reply timeout.
package spec
