// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package observability wires OpenTelemetry tracing and Prometheus-backed
// metrics for the agent runtime. Everything degrades to no-ops when
// disabled, so callers never branch on configuration.
package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/kadirpekel/hive/pkg/config"
)

// Manager owns the tracer and meter providers for one process.
type Manager struct {
	config         config.ObservabilityConfig
	tracerProvider trace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	registry       *prometheus.Registry
	metrics        *Metrics
}

// NewManager builds an uninitialized manager. Init must run before use.
func NewManager(cfg config.ObservabilityConfig) *Manager {
	return &Manager{config: cfg}
}

// NoopManager returns a manager with everything disabled, already usable.
func NoopManager() *Manager {
	m := NewManager(config.ObservabilityConfig{})
	_ = m.Init(context.Background())
	return m
}

// Init builds the providers according to the config. Tracing exports to the
// configured OTLP gRPC collector, or to stdout when no endpoint is set.
func (m *Manager) Init(ctx context.Context) error {
	tp, err := m.initTracing(ctx)
	if err != nil {
		return err
	}
	m.tracerProvider = tp

	if err := m.initMetrics(); err != nil {
		return err
	}
	return nil
}

func (m *Manager) initTracing(ctx context.Context) (trace.TracerProvider, error) {
	if !m.config.Tracing.Enabled {
		return noop.NewTracerProvider(), nil
	}

	var exporter sdktrace.SpanExporter
	var err error
	if m.config.Tracing.Endpoint != "" {
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(m.config.Tracing.Endpoint),
			otlptracegrpc.WithInsecure(),
		)
	} else {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	if err != nil {
		return nil, fmt.Errorf("observability: create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(m.config.Tracing.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

func (m *Manager) initMetrics() error {
	if !m.config.Metrics.Enabled {
		m.metrics = &Metrics{}
		return nil
	}

	m.registry = prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(m.registry))
	if err != nil {
		return fmt.Errorf("observability: create prometheus exporter: %w", err)
	}
	m.meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))

	metrics, err := newMetrics(m.meterProvider.Meter("hive"))
	if err != nil {
		return err
	}
	m.metrics = metrics
	return nil
}

// Tracer returns a named tracer from the active provider.
func (m *Manager) Tracer(name string) trace.Tracer {
	if m.tracerProvider == nil {
		return noop.NewTracerProvider().Tracer(name)
	}
	return m.tracerProvider.Tracer(name)
}

// Metrics returns the process metrics. Never nil after Init.
func (m *Manager) Metrics() *Metrics {
	return m.metrics
}

// Handler serves the Prometheus scrape endpoint. When metrics are disabled
// it answers 503.
func (m *Manager) Handler() http.Handler {
	if m.registry == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics not enabled", http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops both providers.
func (m *Manager) Shutdown(ctx context.Context) error {
	var errs []error
	if sp, ok := m.tracerProvider.(interface{ Shutdown(context.Context) error }); ok {
		if err := sp.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if m.meterProvider != nil {
		if err := m.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("observability: shutdown: %v", errs)
	}
	return nil
}
