package capture

import "sync"

type namedInterceptor struct {
	name string
	p    InterceptorProvider
}

type namedDecoder struct {
	name string
	p    BodyDecoderProvider
}

var (
	providersMu          sync.Mutex
	interceptorProviders []namedInterceptor
	decoderProviders     []namedDecoder

	defaultMu        sync.Mutex
	defaultInspector *Inspector
)

// RegisterInterceptor adds an interception provider tried by Default.
// Providers are tried in registration order; registering an existing name
// replaces it in place.
func RegisterInterceptor(name string, p InterceptorProvider) {
	providersMu.Lock()
	defer providersMu.Unlock()
	for i := range interceptorProviders {
		if interceptorProviders[i].name == name {
			interceptorProviders[i].p = p
			return
		}
	}
	interceptorProviders = append(interceptorProviders, namedInterceptor{name: name, p: p})
}

// RegisterBodyDecoder adds a body decoding provider tried by Default.
func RegisterBodyDecoder(name string, p BodyDecoderProvider) {
	providersMu.Lock()
	defer providersMu.Unlock()
	for i := range decoderProviders {
		if decoderProviders[i].name == name {
			decoderProviders[i].p = p
			return
		}
	}
	decoderProviders = append(decoderProviders, namedDecoder{name: name, p: p})
}

// Default returns the process-wide Inspector, creating it on first use from
// the registered providers. It fails with ErrNoInterceptor if no interception
// provider resolves; a missing body decoder falls back to NopBodyDecoder.
func Default() (*Inspector, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultInspector != nil {
		return defaultInspector, nil
	}

	providersMu.Lock()
	ips := make([]InterceptorProvider, 0, len(interceptorProviders))
	for _, n := range interceptorProviders {
		ips = append(ips, n.p)
	}
	dps := make([]BodyDecoderProvider, 0, len(decoderProviders))
	for _, n := range decoderProviders {
		dps = append(dps, n.p)
	}
	providersMu.Unlock()

	ic, err := ResolveInterceptor(ips...)
	if err != nil {
		return nil, err
	}
	defaultInspector = NewInspector(ic, ResolveBodyDecoder(dps...))
	return defaultInspector, nil
}

// ResetDefault stops and discards the process-wide Inspector so the next
// Default call builds a fresh one.
func ResetDefault() {
	defaultMu.Lock()
	in := defaultInspector
	defaultInspector = nil
	defaultMu.Unlock()
	if in != nil {
		in.Stop()
	}
}
