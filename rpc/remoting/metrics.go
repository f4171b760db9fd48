package remoting

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ValentinKolb/dRemoting/rpc/common"
	"github.com/VictoriaMetrics/metrics"
)

// clientMetrics holds the metrics of a single client. Each client owns its own set,
// so several clients can live in one process.
type clientMetrics struct {
	set *metrics.Set

	syncRequests   *metrics.Counter
	asyncRequests  *metrics.Counter
	onewayRequests *metrics.Counter

	connectErrors *metrics.Counter
	sendErrors    *metrics.Counter
	timeouts      *metrics.Counter
	rejected      *metrics.Counter

	syncLatency *metrics.Histogram
}

func newClientMetrics(clientID string, pending, connections func() float64) *clientMetrics {
	set := metrics.NewSet()
	name := func(metric string, labels ...string) string {
		l := fmt.Sprintf(`client=%q`, clientID)
		for i := 0; i+1 < len(labels); i += 2 {
			l += fmt.Sprintf(`,%s=%q`, labels[i], labels[i+1])
		}
		return metric + "{" + l + "}"
	}

	m := &clientMetrics{
		set:            set,
		syncRequests:   set.NewCounter(name("remoting_requests_total", "mode", "sync")),
		asyncRequests:  set.NewCounter(name("remoting_requests_total", "mode", "async")),
		onewayRequests: set.NewCounter(name("remoting_requests_total", "mode", "oneway")),
		connectErrors:  set.NewCounter(name("remoting_errors_total", "kind", "connect")),
		sendErrors:     set.NewCounter(name("remoting_errors_total", "kind", "send")),
		timeouts:       set.NewCounter(name("remoting_errors_total", "kind", "timeout")),
		rejected:       set.NewCounter(name("remoting_errors_total", "kind", "too_many_requests")),
		syncLatency:    set.NewHistogram(name("remoting_sync_request_duration_seconds")),
	}
	set.NewGauge(name("remoting_pending_responses"), pending)
	set.NewGauge(name("remoting_pool_connections"), connections)
	return m
}

// recordError counts err by its kind
func (m *clientMetrics) recordError(err error) {
	switch {
	case err == nil:
	case errors.Is(err, common.ErrConnect):
		m.connectErrors.Inc()
	case errors.Is(err, common.ErrSendRequest):
		m.sendErrors.Inc()
	case errors.Is(err, common.ErrTimeout):
		m.timeouts.Inc()
	case errors.Is(err, common.ErrTooManyRequests):
		m.rejected.Inc()
	}
}

func (m *clientMetrics) observeSync(start time.Time) {
	m.syncLatency.UpdateDuration(start)
}

func (m *clientMetrics) writePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}
