package metrics

import (
	"encoding/json"
	"math/big"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"honeypot/internal/be256"
)

// RequestHeader summarizes one finished request for the recent ring.
type RequestHeader struct {
	Kind       string `json:"kind"`
	InputIndex uint64 `json:"input_index,omitempty"`
	Status     string `json:"status"`
	Accepted   bool   `json:"accepted"`
}

type Snapshot struct {
	GeneratedAt    time.Time         `json:"generated_at"`
	Requests       map[string]uint64 `json:"requests"`
	Statuses       map[string]uint64 `json:"statuses"`
	Accepted       uint64            `json:"accepted"`
	Rejected       uint64            `json:"rejected"`
	Vouchers       uint64            `json:"vouchers"`
	DeviceErrors   map[string]uint64 `json:"device_errors"`
	Balance        string            `json:"balance"`
	RecentRequests []RequestHeader   `json:"recent"`
}

// Metrics mirrors every counter into a Prometheus registry and keeps plain
// copies for the JSON snapshot.
type Metrics struct {
	reg *prometheus.Registry

	requests     *prometheus.CounterVec
	statuses     *prometheus.CounterVec
	finished     *prometheus.CounterVec
	vouchers     prometheus.Counter
	deviceErrors *prometheus.CounterVec
	balance      prometheus.Gauge

	mu      sync.Mutex
	counts  Snapshot
	recent  *RequestRecent
	balText string
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "honeypot",
			Name:      "requests_total",
			Help:      "Requests received from the rollup device, by kind.",
		}, []string{"kind"}),
		statuses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "honeypot",
			Name:      "advance_status_total",
			Help:      "Status reports emitted, by status.",
		}, []string{"status"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "honeypot",
			Name:      "finished_total",
			Help:      "Requests finished, by outcome.",
		}, []string{"outcome"}),
		vouchers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "honeypot",
			Name:      "vouchers_total",
			Help:      "Withdrawal vouchers emitted.",
		}),
		deviceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "honeypot",
			Name:      "device_errors_total",
			Help:      "Rollup device call failures, by operation.",
		}, []string{"op"}),
		balance: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "honeypot",
			Name:      "balance",
			Help:      "Current ledger balance (approximate above 2^53).",
		}),
		counts: Snapshot{
			Requests:     make(map[string]uint64),
			Statuses:     make(map[string]uint64),
			DeviceErrors: make(map[string]uint64),
		},
		recent:  NewRequestRecent(64),
		balText: "0",
	}
	m.reg.MustRegister(m.requests, m.statuses, m.finished, m.vouchers, m.deviceErrors, m.balance)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

func (m *Metrics) Recent() *RequestRecent {
	return m.recent
}

func (m *Metrics) IncRequest(kind string) {
	m.requests.WithLabelValues(kind).Inc()
	m.mu.Lock()
	m.counts.Requests[kind]++
	m.mu.Unlock()
}

func (m *Metrics) IncStatus(status string) {
	m.statuses.WithLabelValues(status).Inc()
	m.mu.Lock()
	m.counts.Statuses[status]++
	m.mu.Unlock()
}

func (m *Metrics) IncVoucher() {
	m.vouchers.Inc()
	m.mu.Lock()
	m.counts.Vouchers++
	m.mu.Unlock()
}

func (m *Metrics) IncDeviceError(op string) {
	m.deviceErrors.WithLabelValues(op).Inc()
	m.mu.Lock()
	m.counts.DeviceErrors[op]++
	m.mu.Unlock()
}

// Finished records the outcome of a request and appends it to the ring.
func (m *Metrics) Finished(h RequestHeader) {
	outcome := "rejected"
	if h.Accepted {
		outcome = "accepted"
	}
	m.finished.WithLabelValues(outcome).Inc()
	m.mu.Lock()
	if h.Accepted {
		m.counts.Accepted++
	} else {
		m.counts.Rejected++
	}
	m.mu.Unlock()
	m.recent.Add(h)
}

// SetBalance exports b; the gauge is rounded to the nearest float64.
func (m *Metrics) SetBalance(b be256.Amount) {
	approx, _ := new(big.Float).SetInt(b.Uint256().ToBig()).Float64()
	m.balance.Set(approx)
	m.mu.Lock()
	m.balText = b.String()
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		GeneratedAt:    time.Now().UTC(),
		Requests:       copyCounts(m.counts.Requests),
		Statuses:       copyCounts(m.counts.Statuses),
		Accepted:       m.counts.Accepted,
		Rejected:       m.counts.Rejected,
		Vouchers:       m.counts.Vouchers,
		DeviceErrors:   copyCounts(m.counts.DeviceErrors),
		Balance:        m.balText,
		RecentRequests: m.recent.List(),
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func copyCounts(src map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

type RequestRecent struct {
	mu   sync.Mutex
	cap  int
	list []RequestHeader
}

func NewRequestRecent(capacity int) *RequestRecent {
	if capacity <= 0 {
		capacity = 64
	}
	return &RequestRecent{cap: capacity}
}

func (r *RequestRecent) Add(h RequestHeader) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = h
		return
	}
	r.list = append(r.list, h)
}

func (r *RequestRecent) List() []RequestHeader {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RequestHeader, len(r.list))
	copy(out, r.list)
	return out
}
