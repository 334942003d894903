package engine

import (
	"recstore/pkg/metrics"
	"recstore/pkg/operation"
	"recstore/pkg/storage/disk"
)

// Option customizes Open.
type Option func(*options)

type options struct {
	fs      disk.FileSystem
	ops     []operation.Operation
	metrics *metrics.Collector
}

// WithFS makes the engine do all file I/O through fs. Tests use it to inject
// failing disks.
func WithFS(fs disk.FileSystem) Option {
	return func(o *options) { o.fs = fs }
}

// WithOperation registers an operation kind beyond the built-in ones.
// Recovery needs the same registrations, so pass it on every Open.
func WithOperation(op operation.Operation) Option {
	return func(o *options) { o.ops = append(o.ops, op) }
}

// WithMetrics reports engine metrics to m.
func WithMetrics(m *metrics.Collector) Option {
	return func(o *options) { o.metrics = m }
}
