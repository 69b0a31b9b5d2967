package proxy

import (
	"io"
	"net"
	"net/http"
	"time"
)

// handleConnect handles HTTPS CONNECT tunneling.
// Tunneled bytes are encrypted end to end and never reach the intercepting
// transport, so tunnels are logged but not captured.
func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	host := r.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		// No port specified, default to 443 for HTTPS
		host = net.JoinHostPort(host, "443")
	}

	targetConn, err := net.DialTimeout("tcp", host, 30*time.Second)
	if err != nil {
		h.logger.Warn("tunnel dial failed", "host", host, "error", err)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	defer targetConn.Close()

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		h.logger.Error("hijacking not supported")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		h.logger.Error("hijack failed", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	defer clientConn.Close()

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		h.logger.Warn("tunnel handshake failed", "host", host, "error", err)
		return
	}

	h.logger.Debug("tunnel established", "host", r.Host)

	done := make(chan struct{}, 2)

	go func() {
		io.Copy(targetConn, clientConn)
		done <- struct{}{}
	}()

	go func() {
		io.Copy(clientConn, targetConn)
		done <- struct{}{}
	}()

	// Wait for either direction to finish
	<-done

	h.logger.Info("tunnel closed", "host", r.Host, "duration_ms", time.Since(startTime).Milliseconds())
}
