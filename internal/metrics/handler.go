package metrics

import (
	"sync"
	"time"

	"pricewatch/logger"
)

// Metric is a structured metric event.
type Metric struct {
	Timestamp time.Time
	Component string
	Name      string
	Value     interface{}
	Type      string
	Fields    logger.Fields
}

// MetricHandler consumes emitted metrics, e.g. the dashboard's history buffer.
type MetricHandler func(Metric)

// MetricHandlerID identifies a registered handler. Zero is never issued.
type MetricHandlerID uint64

var (
	handlersMu    sync.RWMutex
	handlers      = make(map[MetricHandlerID]MetricHandler)
	nextHandlerID MetricHandlerID
)

// RegisterMetricHandler subscribes h to every metric emitted afterwards.
func RegisterMetricHandler(h MetricHandler) MetricHandlerID {
	if h == nil {
		return 0
	}
	handlersMu.Lock()
	defer handlersMu.Unlock()
	nextHandlerID++
	handlers[nextHandlerID] = h
	return nextHandlerID
}

func UnregisterMetricHandler(id MetricHandlerID) {
	if id == 0 {
		return
	}
	handlersMu.Lock()
	delete(handlers, id)
	handlersMu.Unlock()
}

// record logs the metric and hands a copy to every handler.
func record(log *logger.Log, component, name string, value interface{}, metricType string, fields logger.Fields) (Metric, bool) {
	if name == "" {
		return Metric{}, false
	}
	if metricType == "" {
		metricType = "counter"
	}
	if log == nil {
		log = logger.GetLogger()
	}

	own := make(logger.Fields, len(fields))
	for k, v := range fields {
		own[k] = v
	}
	log.LogMetric(component, name, value, metricType, own)

	m := Metric{
		Timestamp: timeNow(),
		Component: component,
		Name:      name,
		Value:     value,
		Type:      metricType,
		Fields:    own,
	}
	dispatch(m)
	return m, true
}

func dispatch(m Metric) {
	handlersMu.RLock()
	hs := make([]MetricHandler, 0, len(handlers))
	for _, h := range handlers {
		hs = append(hs, h)
	}
	handlersMu.RUnlock()

	for _, h := range hs {
		h(m)
	}
}
