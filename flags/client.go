package flags

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// maxResponseBytes caps the flags endpoint response. The payload is two
// fields; anything larger is a misbehaving upstream.
const maxResponseBytes = 256 * 1024

// wirePayload mirrors the endpoint response. Both fields are optional on the
// wire; normalization fills the gaps.
type wirePayload struct {
	Enabled  *bool    `json:"enabled"`
	Features []string `json:"features"`
}

func (p wirePayload) normalize() Snapshot {
	snap := emptySnapshot()
	if p.Enabled != nil {
		snap.Enabled = *p.Enabled
	}
	if len(p.Features) > 0 {
		snap.Features = p.Features
	}
	return snap
}

// fetch performs one GET against the flags endpoint. Read-only: it never
// mutates remote state.
func (r *Resolver) fetch(ctx context.Context, actor Actor) (Snapshot, error) {
	q := url.Values{}
	switch actor.kind {
	case KindUser:
		q.Set("user_id", actor.id)
	case KindMovement:
		q.Set("movement_id", actor.id)
	}
	u := r.base + "/research-flags?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("flags: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.opts.HTTPClient.Do(req)
	if err != nil {
		return Snapshot{}, &FetchError{URL: u, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain so the connection can be reused.
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return Snapshot{}, &FetchError{Status: resp.StatusCode, URL: u}
	}

	var payload wirePayload
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&payload); err != nil {
		return Snapshot{}, &FetchError{URL: u, Cause: fmt.Errorf("decode: %w", err)}
	}
	return payload.normalize(), nil
}
