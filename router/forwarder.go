// Copyright 2024 The llmrouter Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package router

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Hop-by-hop headers, removed from requests going upstream and from
// responses coming back. http://www.w3.org/Protocols/rfc2616/rfc2616-sec13.html
var hopHeaders = []string{
	"Alt-Svc",
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te", // canonicalized version of "TE"
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func stripHopHeaders(h http.Header) {
	if c := h.Get("Connection"); c != "" {
		for _, f := range strings.Split(c, ",") {
			if f = strings.TrimSpace(f); f != "" {
				h.Del(f)
			}
		}
	}
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

// Forwarder is the per-request pipeline: select an upstream, proxy
// the HTTP transaction, relay streamed bodies, record the outcome,
// and retry on the next upstream while the attempt is retriable.
type Forwarder struct {
	fleet   *Fleet
	health  *HealthPolicy
	client  *http.Client
	logger  *zap.Logger
	metrics *Instrumentation
}

// NewForwarder wires the forwarding pipeline. client is the shared
// outbound client; its transport pool is shared with the tick tasks.
func NewForwarder(fleet *Fleet, health *HealthPolicy, client *http.Client, logger *zap.Logger, metrics *Instrumentation) *Forwarder {
	return &Forwarder{
		fleet:   fleet,
		health:  health,
		client:  client,
		logger:  logger,
		metrics: metrics,
	}
}

// ServeHTTP forwards one OpenAI-compatible request to the fleet.
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snap := f.fleet.Current()
	tuning := snap.Tuning
	requestID := uuid.New().String()

	body, raw, err := newBufferedBody(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	modelID := peekModel(raw)

	logger := f.logger.With(
		zap.String("request_id", requestID),
		zap.String("path", r.URL.Path),
	)
	if modelID != "" {
		logger = logger.With(zap.String("model", modelID))
	}

	maxAttempts := tuning.MaxRetries + 1
	tried := make(map[string]struct{})
	var lastErr error
	var lastURL string

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		up, selErr := Select(snap, modelID, tried)
		if up == nil {
			if attempt == 1 {
				// the fleet genuinely has nothing for this request
				switch e := selErr.(type) {
				case *ModelNotServedError:
					f.metrics.RequestsTotal.WithLabelValues(r.URL.Path, "model_not_served").Inc()
					writeJSONError(w, http.StatusNotFound, e.Error())
				default:
					f.metrics.RequestsTotal.WithLabelValues(r.URL.Path, "no_healthy_upstream").Inc()
					writeJSONError(w, http.StatusServiceUnavailable, ErrNoHealthyUpstream.Error())
				}
				return
			}
			// retries exhausted the candidate set
			break
		}
		if errors.Is(selErr, ErrAllAtCapacity) {
			logger.Debug("all upstreams at capacity, attempting anyway",
				zap.String("upstream", up.URL))
		}

		tried[up.URL] = struct{}{}
		lastURL = up.URL
		if attempt > 1 {
			f.metrics.RetriesTotal.Inc()
		}

		done, attemptErr := f.attempt(w, r, up, body, requestID, tuning, logger)
		if done {
			f.metrics.RequestsTotal.WithLabelValues(r.URL.Path, "forwarded").Inc()
			return
		}
		if attemptErr == errClientGone {
			// client went away; nobody is listening for a response
			logger.Debug("client disconnected, abandoning request")
			f.metrics.RequestsTotal.WithLabelValues(r.URL.Path, "client_disconnected").Inc()
			return
		}
		lastErr = attemptErr
		logger.Warn("attempt failed",
			zap.Int("attempt", attempt),
			zap.String("upstream", up.URL),
			zap.Error(attemptErr))

		if attempt < maxAttempts {
			select {
			case <-time.After(tuning.RetryDelay):
			case <-r.Context().Done():
				f.metrics.RequestsTotal.WithLabelValues(r.URL.Path, "client_disconnected").Inc()
				return
			}
		}
	}

	f.metrics.RequestsTotal.WithLabelValues(r.URL.Path, "upstream_unavailable").Inc()
	uerr := &UpstreamUnavailableError{Attempts: len(tried), LastURL: lastURL, Last: lastErr}
	logger.Error("all attempts failed", zap.Error(uerr))
	writeJSONError(w, http.StatusBadGateway, uerr.Error())
}

// errClientGone marks an attempt aborted by client disconnect. It is
// never recorded against the upstream.
var errClientGone = errors.New("client disconnected")

// attempt performs one forwarding attempt against up. It returns
// done=true when a response (success or relayed client error) has
// been delivered, or an error describing why the attempt failed.
// Once any response byte has reached the client the attempt always
// reports done; a partial stream is closed, never retried.
func (f *Forwarder) attempt(w http.ResponseWriter, r *http.Request, up *Upstream, body *bufferedBody, requestID string, tuning Tuning, logger *zap.Logger) (bool, error) {
	if err := body.rewind(); err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(r.Context(), tuning.RequestTimeout)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		reqBody = body
	}
	outreq, err := http.NewRequestWithContext(ctx, r.Method, up.URL+r.URL.RequestURI(), reqBody)
	if err != nil {
		return false, err
	}
	copyHeader(outreq.Header, r.Header)
	stripHopHeaders(outreq.Header)
	outreq.Header.Set("X-Request-Id", requestID)
	if clientIP, _, splitErr := net.SplitHostPort(r.RemoteAddr); splitErr == nil {
		if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
			clientIP = prior + ", " + clientIP
		}
		outreq.Header.Set("X-Forwarded-For", clientIP)
	}
	if body != nil {
		outreq.ContentLength = int64(body.Len())
	}

	start := time.Now()
	resp, err := f.client.Do(outreq)
	if err != nil {
		if r.Context().Err() != nil {
			return false, errClientGone
		}
		f.recordFailure(up, tuning)
		f.metrics.AttemptsTotal.WithLabelValues(up.URL, "error").Inc()
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		// the upstream's fault; drain and try elsewhere
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		f.recordFailure(up, tuning)
		f.metrics.AttemptsTotal.WithLabelValues(up.URL, "server_error").Inc()
		return false, &UpstreamStatusError{URL: up.URL, StatusCode: resp.StatusCode}
	}

	// 2xx and 4xx are relayed verbatim; client errors are not the
	// upstream's fault
	up.RecordRequestSuccess()
	f.metrics.AttemptsTotal.WithLabelValues(up.URL, "ok").Inc()

	hdr := w.Header()
	respHeader := resp.Header.Clone()
	stripHopHeaders(respHeader)
	copyHeader(hdr, respHeader)
	w.WriteHeader(resp.StatusCode)

	if err := relayBody(w, resp.Body); err != nil {
		// bytes already left for the client; no retry is possible,
		// just close out with whatever was delivered
		logger.Debug("response relay interrupted",
			zap.String("upstream", up.URL),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
	}
	return true, nil
}

func (f *Forwarder) recordFailure(up *Upstream, tuning Tuning) {
	if up.RecordRequestFailure(tuning.FailureThreshold) {
		f.health.TripPassive(up)
	}
}

// UpstreamStatusError reports a 5xx from an upstream.
type UpstreamStatusError struct {
	URL        string
	StatusCode int
}

func (e *UpstreamStatusError) Error() string {
	return "upstream " + e.URL + " returned " + http.StatusText(e.StatusCode)
}

// relayBody copies the response body to the client, flushing on
// every chunk boundary so streamed responses (SSE, chunked JSON) pass
// through with no added buffering.
func relayBody(w http.ResponseWriter, src io.Reader) error {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return writeErr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			return readErr
		}
	}
}
