// Package api serves the gateway's local read-only status endpoints.
//
// Routes:
//
//	GET /api/v1/health          200 while the session is running, 503 otherwise
//	GET /api/v1/status          session snapshot, device configs, recent cycles,
//	                            relay counters and producer state
//	GET /api/v1/devices/configs latest configuration per device
//	GET /api/v1/cycles          recent session cycles, newest first
//	GET /metrics                Prometheus exposition
//
// The server binds to loopback by default and has no authentication.
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api
