package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/adamdrake/go_netinspect/internal/capture"
	"github.com/adamdrake/go_netinspect/internal/config"
	"github.com/adamdrake/go_netinspect/internal/transport"
)

type fetchFlags struct {
	method   string
	headers  []string
	data     string
	showCurl bool
	showBody bool
	timeout  time.Duration
}

func newFetchCmd(flags *rootFlags) *cobra.Command {
	ff := &fetchFlags{}

	cmd := &cobra.Command{
		Use:   "fetch <url>...",
		Short: "Send requests through the interceptor and print what was captured",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			return runFetch(cmd.Context(), cfg, ff, args, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&ff.method, "request", "X", http.MethodGet, "HTTP method")
	cmd.Flags().StringArrayVarP(&ff.headers, "header", "H", nil, `Request header as "Name: value" (repeatable)`)
	cmd.Flags().StringVarP(&ff.data, "data", "d", "", "Request body")
	cmd.Flags().BoolVar(&ff.showCurl, "curl", false, "Print the reconstructed curl command")
	cmd.Flags().BoolVar(&ff.showBody, "body", false, "Print the captured response body")
	cmd.Flags().DurationVar(&ff.timeout, "timeout", 30*time.Second, "Per-request timeout")

	return cmd
}

func runFetch(ctx context.Context, cfg *config.Config, ff *fetchFlags, urls []string, out io.Writer) error {
	logger, closer := newLogger(cfg)
	defer closer.Close()

	opts, err := cfg.InspectorOptions()
	if err != nil {
		return err
	}

	ic := transport.Install(transport.Config{MaxBodySize: cfg.MaxBodySize})
	ic.SetLogger(logger)
	defer transport.Uninstall()

	inspector, err := capture.Default()
	if err != nil {
		return fmt.Errorf("create inspector: %w", err)
	}
	inspector.SetLogger(logger)

	settled := make(chan struct{}, 1)
	unsubscribe := inspector.Subscribe(func(reqs []*capture.Request) {
		if len(reqs) > 0 && allCompleted(reqs) {
			select {
			case settled <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	inspector.Start(opts)
	defer capture.ResetDefault()

	client := &http.Client{Timeout: ff.timeout}
	for _, u := range urls {
		if err := ff.send(ctx, client, u); err != nil {
			logger.Warn("request failed", "url", u, "error", err)
		}
	}

	// Completed records are delivered after the refresh quiet period.
	if inspector.Count() > 0 {
		select {
		case <-settled:
		case <-time.After(2 * time.Second):
			logger.Debug("no settled notification before timeout")
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	reqs := inspector.Requests()
	slices.Reverse(reqs)
	for _, req := range reqs {
		printRequest(ctx, out, req, ff)
	}
	return nil
}

func (ff *fetchFlags) send(ctx context.Context, client *http.Client, url string) error {
	var body io.Reader
	if ff.data != "" {
		body = strings.NewReader(ff.data)
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(ff.method), url, body)
	if err != nil {
		return err
	}
	for _, h := range ff.headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return fmt.Errorf("invalid header %q", h)
		}
		req.Header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.Copy(io.Discard, resp.Body)
	return err
}

func allCompleted(reqs []*capture.Request) bool {
	for _, r := range reqs {
		if r.Status() == capture.StatusUnset {
			return false
		}
	}
	return true
}

func printRequest(ctx context.Context, out io.Writer, req *capture.Request, ff *fetchFlags) {
	st := req.State()
	status := fmt.Sprint(st.Status)
	if st.Status == 0 {
		status = "error"
	}
	fmt.Fprintf(out, "#%s %s %s -> %s (%s, %d bytes)\n",
		req.ID(), req.Method(), req.URL(), status, req.Duration().Round(time.Millisecond), st.ResponseSize)

	if ff.showCurl {
		fmt.Fprintf(out, "  %s\n", req.CurlRequest())
	}
	if ff.showBody {
		body, err := req.ResponseBody(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "  body unavailable: %v\n", err)
			return
		}
		fmt.Fprintln(out, body)
	}
}
