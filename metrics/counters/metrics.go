package counters

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var sessionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "simulator",
	Name:      "sessions_active",
	Help:      "Number of registered simulated sessions",
})

var connectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "simulator",
	Name:      "connections_active",
	Help:      "Number of open ws connections",
})

var transactionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "ocpp",
	Name:      "transactions_active",
	Help:      "Number of running transactions",
})

var callsSent = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ocpp",
	Name:      "calls_sent_total",
	Help:      "Total number of CALL messages sent.",
}, []string{"action"})

var callTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ocpp",
	Name:      "call_timeouts_total",
	Help:      "Total number of calls that timed out waiting for a result.",
}, []string{"action"})

var callErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ocpp",
	Name:      "call_errors_total",
	Help:      "Total number of CALLERROR frames received.",
}, []string{"action", "code"})

var powerGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "ocpp",
	Name:      "charging_power_kw",
	Help:      "Simulated charging power per charge point.",
}, []string{"charge_point_id"})

var energyCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ocpp",
	Name:      "energy_delivered_kwh",
	Help:      "Simulated energy delivered per charge point.",
}, []string{"charge_point_id"})

func ObserveSessions(count int) {
	sessionsGauge.Set(float64(count))
}

func ObserveConnections(count int) {
	connectionsGauge.Set(float64(count))
}

func ObserveTransactions(count int) {
	transactionsGauge.Set(float64(count))
}

func CountCall(action string) {
	if len(action) == 0 {
		return
	}
	callsSent.With(prometheus.Labels{"action": action}).Inc()
}

func CountCallTimeout(action string) {
	if len(action) == 0 {
		return
	}
	callTimeouts.With(prometheus.Labels{"action": action}).Inc()
}

func CountCallError(action, code string) {
	if len(action) == 0 {
		action = "unknown"
	}
	if len(code) == 0 {
		code = "unknown"
	}
	callErrors.With(prometheus.Labels{"action": action, "code": code}).Inc()
}

func ObservePower(chargePointId string, powerKw float64) {
	if len(chargePointId) == 0 {
		return
	}
	powerGauge.With(prometheus.Labels{"charge_point_id": chargePointId}).Set(powerKw)
}

func CountEnergy(chargePointId string, energyKwh float64) {
	if len(chargePointId) == 0 || energyKwh <= 0 {
		return
	}
	energyCounter.With(prometheus.Labels{"charge_point_id": chargePointId}).Add(energyKwh)
}
