package client

import (
	"net/http"
	"net/url"
	"time"

	"stbmux/work/config"
)

// HeaderSettingClient wraps http.Client to automatically present the STB
// emulator headers upstream portals expect. Per-portal proxies are handled
// by ForProxy which clones the client with a proxied transport.
type HeaderSettingClient struct {
	Client *http.Client
	config *config.Config
}

// CustomResponseWriter wraps http.ResponseWriter for streaming handlers: it
// records whether the header went out (so error responses are suppressed
// once bytes have flowed), applies the streaming defaults on the first
// write, and forwards Flush.
type CustomResponseWriter struct {
	http.ResponseWriter
	WroteHeader bool
	statusCode  int
}

func NewHeaderSettingClient(config *config.Config) *HeaderSettingClient {
	client := &http.Client{
		Timeout: 0, // No overall timeout for streaming
		Transport: &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			DisableKeepAlives:     false,
			ResponseHeaderTimeout: 30 * time.Second, // Only timeout for headers
		},
	}

	return &HeaderSettingClient{
		Client: client,
		config: config,
	}
}

// ForProxy returns a client routed through the given proxy URL, or the
// receiver itself when proxyURL is empty or unparsable.
func (hsc *HeaderSettingClient) ForProxy(proxyURL string) *HeaderSettingClient {
	if proxyURL == "" {
		return hsc
	}

	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return hsc
	}

	client := &http.Client{
		Timeout: 0,
		Transport: &http.Transport{
			Proxy:                 http.ProxyURL(parsed),
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			DisableKeepAlives:     false,
			ResponseHeaderTimeout: 30 * time.Second,
		},
	}

	return &HeaderSettingClient{
		Client: client,
		config: hsc.config,
	}
}

func (hsc *HeaderSettingClient) Do(req *http.Request) (*http.Response, error) {
	hsc.setHeaders(req)
	return hsc.Client.Do(req)
}

func (hsc *HeaderSettingClient) setHeaders(req *http.Request) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", hsc.config.UserAgent)
	}
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Accept", "*/*")
}

func NewCustomResponseWriter(w http.ResponseWriter) *CustomResponseWriter {
	return &CustomResponseWriter{
		ResponseWriter: w,
	}
}

// WriteHeader sends the header exactly once; later calls are ignored so a
// handler error path cannot clobber an in-flight stream.
func (crw *CustomResponseWriter) WriteHeader(statusCode int) {
	if crw.WroteHeader {
		return
	}

	crw.Header().Set("Connection", "keep-alive")
	crw.Header().Set("Cache-Control", "no-cache")

	crw.statusCode = statusCode
	crw.ResponseWriter.WriteHeader(statusCode)
	crw.WroteHeader = true
}

func (crw *CustomResponseWriter) Write(b []byte) (int, error) {
	if !crw.WroteHeader {
		crw.WriteHeader(http.StatusOK)
	}
	return crw.ResponseWriter.Write(b)
}

// Flush forwards to the underlying writer when it supports flushing, so
// chunked stream delivery starts immediately.
func (crw *CustomResponseWriter) Flush() {
	if flusher, ok := crw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
