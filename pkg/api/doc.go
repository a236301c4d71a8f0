/*
Package api exposes the geofence engine over HTTP and the gRPC health protocol.

# HTTP routes

The HTTP server is a chi router. Sample ingress is rate limited per client IP
with httprate; the operator routes are not.

	POST /v1/samples                   submit a location sample (202, or 200 for a known id)
	GET  /v1/geofences                 list stored geofences
	PUT  /v1/geofences                 apply a geofence set (JSON or YAML manifest)
	POST /v1/geofences/invalidate      drop the cached geofence set
	GET  /v1/stats?window=24h          transition and delivery counts
	GET  /v1/events                    list events (user_id, geofence_code, status, since, limit)
	GET  /v1/events/{id}               one event
	POST /v1/events/{id}/redispatch    deliver an event again

	GET  /health /ready /live          health checks
	GET  /metrics                      Prometheus metrics

Errors are returned as {"error": "...", "field": "..."} with the status code
following the error kind:

	*types.ValidationError      400
	*types.NotFoundError        404
	*types.ConcurrencyConflict  409
	*types.TransientStoreError  503
	anything else               500

# gRPC

GRPCServer registers grpc.health.v1.Health and reports SERVING while the
critical components tracked by pkg/metrics are ready. It carries no engine
operations of its own.

Usage:

	server := api.NewServer(e, api.Config{RateLimit: 600})
	go func() {
		if err := server.Start("127.0.0.1:8080"); err != nil {
			log.Logger.Fatal().Err(err).Msg("HTTP API failed")
		}
	}()
	defer server.Shutdown(context.Background())
*/
package api
