// Package httpserver provides the HTTP status API of the macnet binaries.
//
// The chunk server itself speaks a line protocol over TCP; this package is the
// side door operators and dashboards use to watch it. BaseServer carries the
// health and drain endpoints, request logging and optional CORS, and each
// component contributes its own routes through RouteRegistrar.
//
// # Key Components
//
//   - BaseServer: chi router with /livez, /readyz, /drain and /undrain
//   - ServerHandler: /server/stats, /server/sessions and POST /server/shutdown
//     for a running server.Server
//   - ResultsHandler: /results and /results/fairness over a services.ResultStore
//
// # Readiness
//
// /readyz fails while the server is drained or while the optional Ready hook
// returns false. The server command wires Ready to server.Server.Ready, so a
// chunk server that stopped accepting connections reports not ready.
//
// # Usage Example
//
//	cfg := httpserver.DefaultHTTPServerConfig(":9091")
//	cfg.Ready = srv.Ready
//	status, err := httpserver.New(cfg, httpserver.NewServerHandler(srv))
//	if err != nil {
//	    return err
//	}
//	if err := status.RunInBackground(); err != nil {
//	    return err
//	}
//	defer status.Shutdown(context.Background())
package httpserver
