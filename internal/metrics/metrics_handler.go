package metrics

import (
	"sort"
	"sync"
	"time"

	"marketfeed/logger"
)

const (
	TypeCounter = "counter"
	TypeGauge   = "gauge"
)

// Metric represents a structured metric event emitted within the application.
type Metric struct {
	Timestamp time.Time     `json:"timestamp"`
	Component string        `json:"component"`
	Name      string        `json:"name"`
	Value     interface{}   `json:"value"`
	Type      string        `json:"type"`
	Fields    logger.Fields `json:"fields,omitempty"`
}

// MetricHandler consumes structured metric events for downstream processing.
type MetricHandler func(Metric)

// MetricHandlerID uniquely identifies a registered metric handler.
type MetricHandlerID uint64

var (
	metricHandlersMu    sync.RWMutex
	metricHandlers      = make(map[MetricHandlerID]MetricHandler)
	nextMetricHandlerID MetricHandlerID
)

// RegisterMetricHandler registers a handler that will receive every emitted metric.
// A zero identifier is returned when the provided handler is nil.
func RegisterMetricHandler(handler MetricHandler) MetricHandlerID {
	if handler == nil {
		return 0
	}

	metricHandlersMu.Lock()
	defer metricHandlersMu.Unlock()

	nextMetricHandlerID++
	id := nextMetricHandlerID
	metricHandlers[id] = handler
	return id
}

// UnregisterMetricHandler removes the handler associated with the given identifier.
func UnregisterMetricHandler(id MetricHandlerID) {
	if id == 0 {
		return
	}

	metricHandlersMu.Lock()
	delete(metricHandlers, id)
	metricHandlersMu.Unlock()
}

func recordMetric(log *logger.Log, component, name string, value interface{}, metricType string, fields logger.Fields) (Metric, bool) {
	if name == "" {
		return Metric{}, false
	}

	if metricType == "" {
		metricType = TypeCounter
	}

	userFields := cloneFields(fields)

	if log == nil {
		log = logger.GetLogger()
	}

	log.Metric(component, name, value, metricType, userFields).Debug("metric")

	metric := Metric{
		Timestamp: timeNow(),
		Component: component,
		Name:      name,
		Value:     value,
		Type:      metricType,
		Fields:    userFields,
	}

	dispatchMetric(metric)
	return metric, true
}

func dispatchMetric(metric Metric) {
	metricHandlersMu.RLock()
	if len(metricHandlers) == 0 {
		metricHandlersMu.RUnlock()
		return
	}

	handlers := make([]MetricHandler, 0, len(metricHandlers))
	for _, handler := range metricHandlers {
		if handler != nil {
			handlers = append(handlers, handler)
		}
	}
	metricHandlersMu.RUnlock()

	for _, handler := range handlers {
		handler(metric)
	}
}

func cloneFields(fields logger.Fields) logger.Fields {
	if len(fields) == 0 {
		return logger.Fields{}
	}

	copied := make(logger.Fields, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return copied
}

// Recorder keeps the latest value of every metric it sees. Register its
// Handle method to back an HTTP view of current metrics.
type Recorder struct {
	mu     sync.RWMutex
	latest map[string]Metric
}

func NewRecorder() *Recorder {
	return &Recorder{latest: make(map[string]Metric)}
}

func (r *Recorder) Handle(m Metric) {
	r.mu.Lock()
	r.latest[m.Component+"."+m.Name] = m
	r.mu.Unlock()
}

// Snapshot returns the recorded metrics sorted by component then name.
func (r *Recorder) Snapshot() []Metric {
	r.mu.RLock()
	out := make([]Metric, 0, len(r.latest))
	for _, m := range r.latest {
		out = append(out, m)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Component != out[j].Component {
			return out[i].Component < out[j].Component
		}
		return out[i].Name < out[j].Name
	})
	return out
}
