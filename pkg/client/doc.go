/*
Package client is a Go client for the drover controller's HTTP API.

	c, err := client.NewClient("drover.drover-system:8080")
	if err != nil {
		return err
	}
	defer c.Close()

	rec, err := c.StartJob(types.JobResourceRequest{JobID: "etl", Parallelism: 4})
	if errdefs.IsNotFound(err) {
		// ...
	}

Every call is bounded by DefaultTimeout. Non-2xx replies are returned as
*Error; a 404 unwraps to errdefs.ErrNotFound.
*/
package client
