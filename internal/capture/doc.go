// Package capture records outbound HTTP requests made by the running process.
//
// An Interceptor hooks the request primitive and reports five lifecycle
// events per request: open, request header, headers received, send and
// response. The Inspector turns those events into a bounded, newest-first
// log of Request records and notifies subscribers with snapshots.
//
// # Notifications
//
// Mutations do not notify synchronously. Each qualifying event restarts a
// quiet period (Options.RefreshRate); when it elapses, subscribers receive a
// single snapshot if any record changed since the previous delivery. Bursts
// of activity therefore produce one notification.
//
// # Filtering
//
// Requests are matched against the ignore policy once, when they are opened.
// An ignored request never creates a record, and every later callback for
// its Handle is a no-op.
//
// # Capabilities
//
// The package consumes two capabilities: an Interceptor, which is required,
// and a BodyDecoder for non-text response payloads, which falls back to
// NopBodyDecoder. Default resolves both from registered providers.
//
//	in, err := capture.Default()
//	if err != nil {
//	    return err
//	}
//	in.Start(&capture.Options{MaxRequests: 200, IgnoredHosts: []string{"telemetry.local"}})
//	unsubscribe := in.Subscribe(func(reqs []*capture.Request) { render(reqs) })
//	defer unsubscribe()
package capture
