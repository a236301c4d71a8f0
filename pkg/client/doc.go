/*
Package client provides a Go client for the Perimeter HTTP API.

The perimeter CLI uses it for every command that talks to a running engine.
Each call carries its own 10 second timeout. Non-2xx responses come back as
*APIError with the server's message and, for validation failures, the
offending field.

Usage:

	c, err := client.NewClient("127.0.0.1:8080")
	if err != nil {
		return err
	}

	res, err := c.SubmitSample(&types.LocationSample{
		UserID:     "u-1",
		Latitude:   25.650648,
		Longitude:  -100.373529,
		ObservedAt: time.Now(),
	})

	failed, err := c.ListEvents(types.EventFilter{Status: types.DeliveryStatusFailed})
	for _, event := range failed {
		if _, err := c.Redispatch(event.ID); err != nil {
			return err
		}
	}

CheckGRPCHealth probes the gRPC health service directly and does not need a
Client.
*/
package client
