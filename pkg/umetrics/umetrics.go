// Package umetrics holds the process-wide tally registry. Packages take
// sub-scopes by name; before Initialize every scope is a no-op.
package umetrics

import (
	"io"
	"sync"
	"time"

	"github.com/uber-go/tally/v4"
)

var (
	globalRegistry *registry
	once           sync.Once
)

func init() {
	// NoopScope by default to avoid nil checks at call sites.
	globalRegistry = &registry{scope: tally.NoopScope}
}

type registry struct {
	scope tally.Scope
}

// Options for configuring the metrics registry.
type Options struct {
	Prefix         string
	Reporter       tally.CachedStatsReporter
	ReportInterval time.Duration
	CommonTags     map[string]string
	InitTime       time.Time
}

// Initialize the global metrics registry. Calling it twice is a no-op.
func Initialize(opts Options) (io.Closer, error) {
	var closer io.Closer

	if globalRegistry.scope != tally.NoopScope {
		return nil, nil
	}
	if opts.InitTime.IsZero() {
		opts.InitTime = time.Now().UTC()
	}

	once.Do(func() {
		if opts.CommonTags == nil {
			opts.CommonTags = make(map[string]string)
		}
		scope, scopeCloser := tally.NewRootScope(tally.ScopeOptions{
			Prefix:         opts.Prefix,
			Tags:           opts.CommonTags,
			CachedReporter: opts.Reporter,
			Separator:      "_",
		}, opts.ReportInterval)

		scope.Gauge("process_start_time_seconds").Update(float64(opts.InitTime.Unix()))
		globalRegistry = &registry{scope: scope}
		closer = scopeCloser
	})

	return closer, nil
}

// Scope returns a scoped metrics collector for a specific package.
//
//nolint:ireturn
func Scope(packageName string) tally.Scope {
	return globalRegistry.scope.SubScope(packageName)
}

// TaggedScope returns a scoped metrics collector with additional tags.
//
//nolint:ireturn
func TaggedScope(packageName string, tags map[string]string) tally.Scope {
	return Scope(packageName).Tagged(tags)
}
