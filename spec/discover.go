package spec

import (
	"context"
	"fmt"
)

// Discover scans the conventional SPEC port range on host and returns a
// session on the first server that completes the hello handshake. A machine
// runs one server per port, starting at the base port, so the scan finds the
// lowest-numbered instance.
//
// Use WithPortRange to narrow the scan and WithProbeTimeout to tune how long
// each port may take.
func Discover(ctx context.Context, host string, opts ...ConnOption) (*Client, error) {
	baseCfg, err := NewConnectionConfig(host, DefaultFirstPort, opts...)
	if err != nil {
		return nil, err
	}

	// resolve the host once; the per-port configs get the resolved address
	host = baseCfg.host

	for port := baseCfg.firstPort; port <= baseCfg.lastPort; port++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		cfg, err := NewConnectionConfig(host, port, opts...)
		if err != nil {
			return nil, err
		}

		// probe with the short per-port timeout, run the session with the
		// configured one
		connectTimeout := cfg.connectTimeout
		cfg.connectTimeout = cfg.probeTimeout

		client, err := connectWithConfig(ctx, cfg)
		if err == nil {
			cfg.connectTimeout = connectTimeout
			return client, nil
		}

		baseCfg.logger.Debug("no SPEC server", "host", host, "port", port, "error", err)
	}

	return nil, fmt.Errorf("%w: %s ports %d-%d", ErrNoServerFound, host, baseCfg.firstPort, baseCfg.lastPort)
}
