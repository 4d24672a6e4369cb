// Package cluster holds the wire types workers and the hub exchange, and the
// small JSON-over-HTTP helpers workers use to talk to the hub.
//
// # Overview
//
// Workers join the grid by posting a registration to the hub and keep their
// place with periodic heartbeats:
//
//	┌──────────────┐   POST /grid/register     ┌──────────────┐
//	│    Worker    │ ────────────────────────▶ │     Hub      │
//	│              │   GET /grid/api/proxy     │              │
//	│ remoteHost   │ ────────────────────────▶ │ node pool    │
//	│ capabilities │   GET /grid/unregister    │ liveness     │
//	└──────────────┘ ────────────────────────▶ └──────────────┘
//
// # Communication Protocol
//
// Node Registration (POST /grid/register):
//   - JSON body with configuration.remoteHost and capabilities[]
//   - Re-registering the same address replaces its capabilities
//   - Returns "OK - Welcome", or 400 "Invalid parameters"
//
// Heartbeat (GET /grid/api/proxy?id=http://host:port):
//   - Refreshes the worker's last-seen time
//   - Always 200 with a ProxyStatus JSON body
//
// Unregistration (GET /grid/unregister?id=http://host:port):
//   - Removes the worker and its sessions
//   - Returns "OK - Bye"
//
// Workers that miss heartbeats for longer than the node timeout are removed
// by the hub's liveness sweep.
//
// # Usage Example
//
//	req := cluster.NewRegisterRequest("http://10.0.0.5:5555", caps)
//	if err := cluster.PostJSON(ctx, hubURL+"/grid/register", req, nil); err != nil {
//	    log.Fatalf("register: %v", err)
//	}
//
//	var status cluster.ProxyStatus
//	err := cluster.GetJSON(ctx, hubURL+"/grid/api/proxy?id=http://10.0.0.5:5555", &status)
package cluster
