package transport

import (
	"errors"
	"net/http"
	"sync"

	"github.com/adamdrake/go_netinspect/internal/capture"
)

// ErrNotInstalled is returned by Installed when http.DefaultTransport has
// not been wrapped.
var ErrNotInstalled = errors.New("transport: interceptor not installed on http.DefaultTransport")

var installMu sync.Mutex

// Installed returns the Interceptor already wrapping http.DefaultTransport.
func Installed() (capture.Interceptor, error) {
	installMu.Lock()
	defer installMu.Unlock()
	if ic, ok := http.DefaultTransport.(*Interceptor); ok {
		return ic, nil
	}
	return nil, ErrNotInstalled
}

// Install wraps http.DefaultTransport with an Interceptor, so every client
// using the default transport is observed. It is idempotent.
func Install(config Config) *Interceptor {
	installMu.Lock()
	defer installMu.Unlock()
	if ic, ok := http.DefaultTransport.(*Interceptor); ok {
		return ic
	}
	ic := New(http.DefaultTransport, config)
	http.DefaultTransport = ic
	return ic
}

// Uninstall restores the transport wrapped by Install.
func Uninstall() {
	installMu.Lock()
	defer installMu.Unlock()
	if ic, ok := http.DefaultTransport.(*Interceptor); ok {
		http.DefaultTransport = ic.base
	}
}

func init() {
	capture.RegisterInterceptor("installed", Installed)
	capture.RegisterInterceptor("default-transport", func() (capture.Interceptor, error) {
		return Install(DefaultConfig()), nil
	})
}
