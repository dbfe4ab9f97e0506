// Package natsclient manages the single NATS connection behind the NATS link
// transport.
//
// Connect retries the initial dial with exponential backoff. Reconnects are
// disabled by default, so a lost server closes the client permanently and
// Closed() fires; the link layer turns that into a link failure.
//
//	c, err := natsclient.NewClient(url, natsclient.WithName("kernelbridge"))
//	if err != nil {
//	    return err
//	}
//	if err := c.Connect(ctx); err != nil {
//	    return err
//	}
//	defer c.Close(context.Background())
//	_ = c.Subscribe("kernelbridge.main", deliver)
package natsclient
