// Package sweepers defines the sweeper contract and the driver that runs
// the registry sweepers in sequence.
package sweepers

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/nasa-pds/registry-sweepers/internal/registry"
)

// Sweeper is one batch job over the registry: it scans product documents,
// derives cross-document metadata, and writes it back.
type Sweeper interface {
	Name() string
	Run(ctx context.Context, env *Env) error
}

// Env carries the shared state a sweeper needs. The tenant node id is
// threaded explicitly rather than read from the process environment at
// call sites.
type Env struct {
	Client *registry.Client
	// TenantNodeID prefixes logical index names in multi-tenant
	// deployments. Empty for single-tenant.
	TenantNodeID string
	// WorkDir hosts transient per-run state such as spill databases.
	WorkDir string
	// Remotes lists cross-cluster search remotes whose copies of the
	// registry indices are included in scans.
	Remotes []string
	Log     *slog.Logger
}

// IndexName resolves a logical index name for this tenant.
func (e *Env) IndexName(logical string) (string, error) {
	return registry.ResolveMultitenantIndexName(e.TenantNodeID, logical)
}

// ScanFunc streams the hits of a paged scan to fn. Implementations wrap
// the scan engine; tests substitute canned hit sequences.
type ScanFunc func(ctx context.Context, opts registry.ScanOptions, fn func(registry.Hit) error) error

// WriteFunc consumes a lazy stream of updates and persists them.
type WriteFunc func(ctx context.Context, index string, updates iter.Seq[registry.Update]) (registry.BulkStats, error)

// ScrollScan returns a ScanFunc backed by scroll-mode paging.
func ScrollScan(client *registry.Client) ScanFunc {
	return func(ctx context.Context, opts registry.ScanOptions, fn func(registry.Hit) error) error {
		it := registry.ScrollSearch(client, opts)
		defer it.Close(ctx)
		return drain(ctx, it, fn)
	}
}

// SearchAfterScan returns a ScanFunc backed by search-after paging,
// yielding hits in sort order.
func SearchAfterScan(client *registry.Client) ScanFunc {
	return func(ctx context.Context, opts registry.ScanOptions, fn func(registry.Hit) error) error {
		it := registry.SearchAfterSearch(client, opts)
		defer it.Close(ctx)
		return drain(ctx, it, fn)
	}
}

func drain(ctx context.Context, it *registry.HitIterator, fn func(registry.Hit) error) error {
	for {
		hit, ok := it.Next(ctx)
		if !ok {
			return it.Err()
		}
		if err := fn(hit); err != nil {
			return err
		}
	}
}

// BulkWrite returns a WriteFunc backed by the bulk-update engine.
func BulkWrite(client *registry.Client) WriteFunc {
	return func(ctx context.Context, index string, updates iter.Seq[registry.Update]) (registry.BulkStats, error) {
		return registry.WriteUpdatedDocs(ctx, client, index, updates)
	}
}

// Run executes the given sweepers in order, stopping at the first failure.
// Completed work is stamped per document, so an aborted run resumes
// cleanly when re-run.
func Run(ctx context.Context, env *Env, jobs []Sweeper) error {
	for _, job := range jobs {
		started := time.Now()
		env.Log.Info("starting sweeper", "sweeper", job.Name())
		if err := job.Run(ctx, env); err != nil {
			return fmt.Errorf("sweeper %s failed: %w", job.Name(), err)
		}
		env.Log.Info("sweeper complete", "sweeper", job.Name(), "elapsed", humanElapsed(started))
	}
	return nil
}

// humanElapsed formats a duration since begin as "1h2m3s"-style text with
// zero hour and minute components omitted (so 1h0m5s prints as "1h5s").
func humanElapsed(begin time.Time) string {
	elapsed := time.Since(begin)
	h := int(elapsed.Hours())
	m := int(elapsed.Minutes()) % 60
	s := int(elapsed.Seconds()) % 60
	out := ""
	if h > 0 {
		out += fmt.Sprintf("%dh", h)
	}
	if m > 0 {
		out += fmt.Sprintf("%dm", m)
	}
	return out + fmt.Sprintf("%ds", s)
}
