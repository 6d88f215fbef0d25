package pool

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/mw-labs/mwnode/core"
	"github.com/mw-labs/mwnode/errors"
	"github.com/mw-labs/mwnode/settings"
	"github.com/mw-labs/mwnode/ulogger"
	"github.com/quic-go/quic-go/http3"
)

// Relay forwards stem transactions to a single next-hop peer over QUIC
// (§4.7 "stem phase: forward the tx to a single random peer"). The
// transport itself stays outside this package's concern per the module's
// narrow Adapter boundary; Relay only knows how to POST a stem tx body
// to a peer address and interpret the result.
type Relay struct {
	logger     ulogger.Logger
	httpClient *http.Client
	attempts   int
	backoff    time.Duration
}

// RelayOption configures a Relay at construction time.
type RelayOption func(*Relay)

func WithRelayAttempts(n int) RelayOption {
	return func(r *Relay) { r.attempts = n }
}

func WithRelayBackoff(d time.Duration) RelayOption {
	return func(r *Relay) { r.backoff = d }
}

// NewRelay builds a Relay whose RoundTripper dials peers over QUIC/HTTP3.
// Stem relaying is best-effort between mutually trusting node operators,
// so the TLS verification the teacher's load-test harness skips stays
// skipped here for the same reason: there is no peer CA to validate
// against on a permissionless Dandelion relay mesh.
func NewRelay(logger ulogger.Logger, p2pSettings *settings.P2PSettings, opts ...RelayOption) *Relay {
	tlsConf := &tls.Config{
		InsecureSkipVerify: true, //nolint:gosec // no peer CA on a permissionless relay mesh
		NextProtos:         []string{"mwnode-stem"},
	}

	client := &http.Client{
		Transport: &http3.RoundTripper{TLSClientConfig: tlsConf},
		Timeout:   p2pSettings.StemRelayDialTimeout,
	}

	r := &Relay{
		logger:     logger,
		httpClient: client,
		attempts:   1,
		backoff:    0,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SendStem POSTs tx's wire encoding to peerAddr's stem endpoint, retrying
// up to r.attempts times with r.backoff between attempts. The caller
// (the Dandelion state machine) decides what to do on failure — §4.7
// says a forwarding failure should fall back to immediate fluff.
func (r *Relay) SendStem(ctx context.Context, peerAddr string, tx *core.Transaction) error {
	var buf bytes.Buffer
	if err := tx.Encode(&buf, core.WireV2); err != nil {
		return errors.New(errors.ERR_BAD_DATA, "encode stem transaction", err)
	}
	payload := buf.Bytes()

	url := fmt.Sprintf("%s/stem", peerAddr)

	var lastErr error
	for attempt := 0; attempt < r.attempts; attempt++ {
		if attempt > 0 && r.backoff > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.backoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			lastErr = err
			continue
		}
		req.Header.Set("Content-Type", "application/octet-stream")

		resp, err := r.httpClient.Do(req)
		if err != nil {
			lastErr = err
			r.logger.Warnf("stem relay to %s failed (attempt %d/%d): %v", peerAddr, attempt+1, r.attempts, err)
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = errors.New(errors.ERR_STORE, "stem relay to %s returned status %d", peerAddr, resp.StatusCode)
	}

	return errors.New(errors.ERR_STORE, "stem relay to %s exhausted %d attempts", peerAddr, r.attempts, lastErr)
}

// Close releases idle QUIC connections.
func (r *Relay) Close() {
	r.httpClient.CloseIdleConnections()
}
