package objects

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the object gateway.
type Metrics struct {
	RequestsTotal *prometheus.CounterVec // streetstage_object_requests_total{operation,status}
	BytesStreamed prometheus.Counter     // streetstage_object_bytes_streamed_total
	StreamAborts  prometheus.Counter     // streetstage_object_stream_aborts_total
	UploadGrants  *prometheus.CounterVec // streetstage_upload_grants_total{kind}
}

// NewMetrics creates the gateway collectors and registers them with
// registry. A nil registry leaves them unregistered.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streetstage_object_requests_total",
			Help: "Object requests by operation and response status",
		}, []string{"operation", "status"}),

		BytesStreamed: factory.NewCounter(prometheus.CounterOpts{
			Name: "streetstage_object_bytes_streamed_total",
			Help: "Object body bytes written to clients",
		}),

		StreamAborts: factory.NewCounter(prometheus.CounterOpts{
			Name: "streetstage_object_stream_aborts_total",
			Help: "Object responses aborted after headers were sent",
		}),

		UploadGrants: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streetstage_upload_grants_total",
			Help: "Upload capabilities issued by kind",
		}, []string{"kind"}),
	}
}

// RecordRequest counts one object response.
func (m *Metrics) RecordRequest(operation string, status int) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(operation, strconv.Itoa(status)).Inc()
}

func (m *Metrics) recordBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesStreamed.Add(float64(n))
}

func (m *Metrics) recordAbort() {
	if m == nil {
		return
	}
	m.StreamAborts.Inc()
	m.RequestsTotal.WithLabelValues("download", "aborted").Inc()
}

func (m *Metrics) recordGrant(kind UploadKind) {
	if m == nil {
		return
	}
	m.UploadGrants.WithLabelValues(string(kind)).Inc()
}
