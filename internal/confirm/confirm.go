// Package confirm implements the preview and confirmation step required
// before destructive capabilities run. A preview describes what will be
// affected; confirming it yields a single-use token that dispatch demands
// for every destructive execution.
package confirm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sweepkit/broker/internal/catalog"
	"github.com/sweepkit/broker/internal/executor"
	"github.com/sweepkit/broker/internal/logging"
)

var log = logging.L("confirm")

// NoPreviewAvailable is the single item shown for destructive capabilities
// without a preview template. The user still confirms, just without a
// detailed account.
const NoPreviewAvailable = "no preview available"

// Preview is one generated, not-yet-confirmed preview.
type Preview struct {
	Token          string    `json:"token"`
	CapabilityID   string    `json:"capabilityId"`
	Items          []string  `json:"items,omitempty"`
	EstimatedBytes int64     `json:"estimatedBytes,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	ExpiresAt      time.Time `json:"expiresAt"`

	fingerprint string
}

// previewRunner runs a preview command. Satisfied by the user backend.
type previewRunner interface {
	Execute(ctx context.Context, req executor.Request, onProgress executor.Progress) (*executor.Result, error)
}

// Controller issues and redeems preview tokens. Tokens are single use,
// expire after the configured TTL, and are superseded when a newer preview
// for the same capability and bindings is generated.
type Controller struct {
	runner previewRunner
	ttl    time.Duration

	mu       sync.Mutex
	previews map[string]*Preview
}

// NewController creates a confirmation controller. runner executes preview
// commands in the user tier; previews never run privileged.
func NewController(runner previewRunner, ttl time.Duration) *Controller {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Controller{
		runner:   runner,
		ttl:      ttl,
		previews: make(map[string]*Preview),
	}
}

// Generate produces a preview for a capability with the given bindings.
// Capabilities without a preview template get a placeholder preview so the
// confirmation step is never skipped.
func (c *Controller) Generate(ctx context.Context, cap *catalog.Capability, bindings map[string]string) (*Preview, error) {
	p := &Preview{
		Token:        uuid.NewString(),
		CapabilityID: cap.ID,
		CreatedAt:    time.Now().UTC(),
		fingerprint:  fingerprint(cap.ID, bindings),
	}
	p.ExpiresAt = p.CreatedAt.Add(c.ttl)

	if cap.SupportsPreview() {
		argv, err := cap.BindPreviewArgs(bindings)
		if err != nil {
			return nil, err
		}
		res, err := c.runner.Execute(ctx, executor.Request{
			CorrelationID: "preview-" + p.Token,
			Capability:    cap,
			Argv:          argv,
			Bindings:      bindings,
		}, nil)
		if err != nil {
			return nil, fmt.Errorf("confirm: preview command failed: %w", err)
		}
		p.Items, p.EstimatedBytes = summarize(res.Stdout)
	} else {
		p.Items = []string{NoPreviewAvailable}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// A fresh preview supersedes any outstanding one for the same
	// capability and bindings; the old token can no longer confirm.
	for token, old := range c.previews {
		if old.fingerprint == p.fingerprint {
			delete(c.previews, token)
		}
	}
	c.previews[p.Token] = p

	log.Debug("preview generated", "capabilityId", cap.ID, "items", len(p.Items))
	return p, nil
}

// Redeem consumes a confirmation token for one execution. The token must
// exist, be unexpired, and match the capability and bindings it was
// generated for. Success removes it; a token never confirms twice.
func (c *Controller) Redeem(token string, cap *catalog.Capability, bindings map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.previews[token]
	if !ok {
		return fmt.Errorf("confirm: unknown or already used confirmation token")
	}
	if time.Now().UTC().After(p.ExpiresAt) {
		delete(c.previews, token)
		return fmt.Errorf("confirm: confirmation token expired, generate a new preview")
	}
	if p.fingerprint != fingerprint(cap.ID, bindings) {
		return fmt.Errorf("confirm: confirmation token does not match this request")
	}

	delete(c.previews, token)
	return nil
}

// Invalidate drops every outstanding preview. Called when the catalog or
// permission state changes underneath pending confirmations.
func (c *Controller) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.previews = make(map[string]*Preview)
}

// Pending returns the number of outstanding previews, expired ones
// excluded.
func (c *Controller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()
	n := 0
	for token, p := range c.previews {
		if now.After(p.ExpiresAt) {
			delete(c.previews, token)
			continue
		}
		n++
	}
	return n
}

// fingerprint binds a preview to exact capability and argument values.
func fingerprint(capabilityID string, bindings map[string]string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d:%s", len(capabilityID), capabilityID)

	names := make([]string, 0, len(bindings))
	for name := range bindings {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(h, "%d:%s%d:%s", len(name), name, len(bindings[name]), bindings[name])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// summarize turns preview command output into display items, recognizing
// `du -k` style "<kbytes>\t<path>" rows for the size estimate.
func summarize(stdout string) ([]string, int64) {
	var items []string
	var total int64

	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		items = append(items, line)

		fields := strings.Fields(line)
		if len(fields) >= 2 {
			if kb, err := strconv.ParseInt(fields[0], 10, 64); err == nil {
				total += kb * 1024
			}
		}
	}
	return items, total
}
