package stats

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "iota"

// Stats agent 运行指标。每次激活使用独立的 prometheus.Registry，便于测试和重复激活
type Stats struct {
	registry *prometheus.Registry

	measureRequests prometheus.Counter
	deviceCreation  prometheus.Counter
	deviceRemoval   prometheus.Counter
	brokerRequests  *prometheus.CounterVec
	brokerLatency   *prometheus.HistogramVec
	alarms          *prometheus.GaugeVec
	commands        *prometheus.CounterVec
}

// New 创建并注册全部指标
func New() *Stats {
	s := &Stats{
		registry: prometheus.NewRegistry(),
		measureRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "measure_requests_total",
			Help:      "Number of south-bound measure updates sent to the Context Broker.",
		}),
		deviceCreation: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_creation_requests_total",
			Help:      "Number of device provisioning requests.",
		}),
		deviceRemoval: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_removal_requests_total",
			Help:      "Number of device removal requests.",
		}),
		brokerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_requests_total",
			Help:      "Requests sent to the Context Broker by operation and status code.",
		}, []string{"operation", "code"}),
		brokerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "broker_request_duration_seconds",
			Help:      "Latency of Context Broker requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		alarms: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "alarm_active",
			Help:      "1 while the named alarm is raised.",
		}, []string{"alarm"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands handled by outcome (queued, pushed, expired).",
		}, []string{"outcome"}),
	}
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		s.measureRequests,
		s.deviceCreation,
		s.deviceRemoval,
		s.brokerRequests,
		s.brokerLatency,
		s.alarms,
		s.commands,
	)
	return s
}

// 以下方法允许 nil 接收者，未启用指标时调用方无需判空

func (s *Stats) IncMeasureRequests() {
	if s != nil {
		s.measureRequests.Inc()
	}
}

func (s *Stats) IncDeviceCreation() {
	if s != nil {
		s.deviceCreation.Inc()
	}
}

func (s *Stats) IncDeviceRemoval() {
	if s != nil {
		s.deviceRemoval.Inc()
	}
}

// IncCommand outcome 取 queued / pushed / expired
func (s *Stats) IncCommand(outcome string) {
	if s != nil {
		s.commands.WithLabelValues(outcome).Inc()
	}
}

// ObserveBroker 记录一次 broker 请求；code 为 0 表示传输失败
func (s *Stats) ObserveBroker(operation string, code int, elapsed time.Duration) {
	if s == nil {
		return
	}
	s.brokerRequests.WithLabelValues(operation, strconv.Itoa(code)).Inc()
	s.brokerLatency.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// SetAlarm 更新告警状态
func (s *Stats) SetAlarm(name string, active bool) {
	if s == nil {
		return
	}
	v := 0.0
	if active {
		v = 1
	}
	s.alarms.WithLabelValues(name).Set(v)
}

// Registry 暴露底层 registry，供测试读取指标
func (s *Stats) Registry() *prometheus.Registry {
	return s.registry
}

// Handler /metrics 处理器，支持 OpenMetrics 协商
func (s *Stats) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
