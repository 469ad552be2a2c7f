package telemetry

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/newrelic/infra-integrations-sdk/v3/data/attribute"
	"github.com/newrelic/infra-integrations-sdk/v3/data/metric"
	"github.com/newrelic/infra-integrations-sdk/v3/integration"
	"github.com/newrelic/infra-integrations-sdk/v3/log"
)

const (
	// EntityType is the entity the published samples are attached to.
	EntityType = "perfmon-service"
	// MetricSetLimit is the number of metric sets buffered before the integration is flushed.
	MetricSetLimit = 100
)

// Batch is a group of models published under one event type. Models are structs (or
// pointers to structs) whose fields carry metric_name and source_type tags.
type Batch struct {
	EventName string
	Models    []interface{}
}

// BatchSource produces the batches of one publish cycle.
type BatchSource interface {
	TelemetryBatches(ctx context.Context) []Batch
}

// Publisher periodically emits snapshots through the infrastructure integration protocol.
type Publisher struct {
	integration *integration.Integration
	entityName  string
	source      BatchSource
}

func NewPublisher(i *integration.Integration, entityName string, source BatchSource) *Publisher {
	return &Publisher{integration: i, entityName: entityName, source: source}
}

// Run publishes every interval until ctx is done.
func (p *Publisher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.PublishOnce(ctx); err != nil {
				log.Error("Error publishing metrics: %v", err)
			}
		}
	}
}

// PublishOnce collects the batches of one cycle and flushes them.
func (p *Publisher) PublishOnce(ctx context.Context) error {
	start := time.Now()
	for _, batch := range p.source.TelemetryBatches(ctx) {
		if err := p.IngestMetric(batch.Models, batch.EventName); err != nil {
			return err
		}
	}
	log.Debug("Completed publishing metric sets in %v", time.Since(start))
	return nil
}

func (p *Publisher) entity() (*integration.Entity, error) {
	if p.entityName == "" {
		return p.integration.LocalEntity(), nil
	}
	return p.integration.Entity(p.entityName, EntityType)
}

// IngestMetric turns each model into a metric set of eventName and publishes them in
// chunks of MetricSetLimit.
func (p *Publisher) IngestMetric(models []interface{}, eventName string) error {
	entity, err := p.entity()
	if err != nil {
		return fmt.Errorf("error creating entity: %w", err)
	}

	count := 0
	for _, model := range models {
		value := reflect.ValueOf(model)
		if value.Kind() == reflect.Ptr {
			if value.IsNil() {
				continue
			}
			value = value.Elem()
		}
		if !value.IsValid() || value.Kind() != reflect.Struct {
			continue
		}

		ms := entity.NewMetricSet(eventName, attribute.Attr("eventSource", "perfmon"))
		setFields(ms, value)
		count++

		if count >= MetricSetLimit {
			count = 0
			if err := p.integration.Publish(); err != nil {
				return fmt.Errorf("error publishing metrics: %w", err)
			}
			if entity, err = p.entity(); err != nil {
				return fmt.Errorf("error creating entity: %w", err)
			}
		}
	}

	if count > 0 {
		if err := p.integration.Publish(); err != nil {
			return fmt.Errorf("error publishing metrics: %w", err)
		}
	}
	return nil
}

func setFields(ms *metric.Set, value reflect.Value) {
	typ := value.Type()
	for i := 0; i < value.NumField(); i++ {
		fieldType := typ.Field(i)
		name := fieldType.Tag.Get("metric_name")
		if name == "" || name == "-" {
			continue
		}
		field := value.Field(i)
		if field.Kind() == reflect.Ptr {
			if field.IsNil() {
				continue
			}
			field = field.Elem()
		}
		SetMetric(ms, name, field.Interface(), fieldType.Tag.Get("source_type"))
	}
}

// SetMetric sets a metric in the given metric set. Attributes are stored as strings and
// booleans as 0/1 gauges.
func SetMetric(ms *metric.Set, name string, value interface{}, sourceType string) {
	switch sourceType {
	case "attribute":
		if err := ms.SetMetric(name, fmt.Sprint(value), metric.ATTRIBUTE); err != nil {
			log.Warn("Error setting attribute metric %s: %v", name, err)
		}
	default:
		if b, ok := value.(bool); ok {
			value = 0
			if b {
				value = 1
			}
		}
		if err := ms.SetMetric(name, value, metric.GAUGE); err != nil {
			log.Warn("Error setting gauge metric %s: %v", name, err)
		}
	}
}
