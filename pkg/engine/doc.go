/*
Package engine assembles the running geofence engine.

An Engine owns one storage backend and builds every component on top of it:

	ingress ──▶ SampleStore ──▶ Scheduler workers ──▶ Detector ──▶ EventLog
	                 ▲                                    │
	                 │                                    ▼
	            Reconciler ◀── lease expiry          events.Broker
	                 │                                    │
	                 └──────── re-dispatch ──▶ Dispatcher ◀┘

SubmitSample persists a sample before anything else happens, so a crash at
any point leaves work the Reconciler can finish. Transitions are recorded in
the same transaction as the membership flip, and delivery is only marked
sent once a recipient confirmed it.

Usage:

	cfg, err := config.Load("perimeter.yaml")
	if err != nil {
		return err
	}
	e, err := engine.New(ctx, cfg, engine.Options{})
	if err != nil {
		return err
	}
	if err := e.Start(ctx); err != nil {
		return err
	}
	defer e.Shutdown()

	res, err := e.SubmitSample(ctx, &types.LocationSample{
		UserID:     "u-1",
		Latitude:   25.650648,
		Longitude:  -100.373529,
		ObservedAt: time.Now(),
	})
*/
package engine
