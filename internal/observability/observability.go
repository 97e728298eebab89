// Package observability wires metrics and tracing for the streaming server.
package observability

// Config gathers the observability sections of the server configuration.
type Config struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// Observability bundles the collectors handed to the streaming components.
// A zero value (or nil pointers inside) disables everything gracefully.
type Observability struct {
	Metrics *StreamingMetrics
	Tracer  *TracerProvider
}

// New builds the observability stack from config.
func New(cfg Config) (*Observability, error) {
	metrics, err := NewStreamingMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}
	tracer, err := NewTracerProvider(cfg.Tracing)
	if err != nil {
		return nil, err
	}
	return &Observability{Metrics: metrics, Tracer: tracer}, nil
}

// Shutdown flushes and stops all collectors.
func (o *Observability) Shutdown() {
	if o == nil {
		return
	}
	if o.Metrics != nil {
		o.Metrics.Shutdown()
	}
	if o.Tracer != nil {
		o.Tracer.Shutdown()
	}
}
