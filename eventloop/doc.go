// Package eventloop provides the single logical thread the bridge runs on.
//
// Guest code and every bridge operation execute as tasks of one Loop. Host
// I/O runs on its own goroutines and reports back by submitting a task:
//
//	loop := eventloop.New()
//	eventloop.Go(loop, func() (*http.Response, error) {
//		return client.Do(req)
//	}, func(resp *http.Response, err error) {
//		// runs on the loop
//	})
//	err := loop.RunUntilIdle(ctx)
//
// Chain serializes the asynchronous operations of one object, the way a
// browser serializes the operations of a peer connection.
package eventloop
