package metrics

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var chargeTotal = &Metric{
	ID:          "chargeTotal",
	Name:        "charge_total",
	Description: "Gateway charges partitioned by gateway, kind and result.",
	Type:        "counter_vec",
	Args:        []string{"gateway", "kind", "result"},
}

var chargeSkipped = &Metric{
	ID:          "chargeSkipped",
	Name:        "charge_skipped_total",
	Description: "Due subscriptions skipped by the recurring billing scan.",
	Type:        "counter_vec",
	Args:        []string{"reason"},
}

var subscriptionEnded = &Metric{
	ID:          "subscriptionEnded",
	Name:        "subscription_ended_total",
	Description: "Subscriptions ended, partitioned by end reason.",
	Type:        "counter_vec",
	Args:        []string{"reason"},
}

var emailSent = &Metric{
	ID:          "emailSent",
	Name:        "email_total",
	Description: "Template emails partitioned by template and status.",
	Type:        "counter_vec",
	Args:        []string{"template", "status"},
}

var jobRuns = &Metric{
	ID:          "jobRuns",
	Name:        "job_runs_total",
	Description: "Scheduled job runs partitioned by job and result.",
	Type:        "counter_vec",
	Args:        []string{"job", "result"},
}

var notifications = &Metric{
	ID:          "notifications",
	Name:        "gateway_notifications_total",
	Description: "Gateway server notifications partitioned by gateway and status.",
	Type:        "counter_vec",
	Args:        []string{"gateway", "status"},
}

// Billing holds business counters. A nil *Billing is valid and records nothing.
type Billing struct {
	charges *prometheus.CounterVec
	skipped *prometheus.CounterVec
	ended   *prometheus.CounterVec
	emails  *prometheus.CounterVec
	jobs    *prometheus.CounterVec
	notifs  *prometheus.CounterVec
}

var (
	billingOnce sync.Once
	billing     *Billing
)

// NewBilling registers the billing counters with the default registry once per process.
func NewBilling() *Billing {
	billingOnce.Do(func() {
		billing = &Billing{
			charges: register(chargeTotal, "billing").(*prometheus.CounterVec),
			skipped: register(chargeSkipped, "billing").(*prometheus.CounterVec),
			ended:   register(subscriptionEnded, "billing").(*prometheus.CounterVec),
			emails:  register(emailSent, "billing").(*prometheus.CounterVec),
			jobs:    register(jobRuns, "billing").(*prometheus.CounterVec),
			notifs:  register(notifications, "billing").(*prometheus.CounterVec),
		}
	})
	return billing
}

// register adds m to the default registry, reusing the collector a previous
// registration left there.
func register(m *Metric, subsystem string) prometheus.Collector {
	c := NewMetric(m, subsystem)
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			c = are.ExistingCollector
		}
	}
	m.MetricCollector = c
	return c
}

func (b *Billing) ObserveCharge(gateway, kind string, ok bool) {
	if b == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failed"
	}
	b.charges.WithLabelValues(gateway, kind, result).Inc()
}

func (b *Billing) ObserveSkip(reason string) {
	if b == nil {
		return
	}
	b.skipped.WithLabelValues(reason).Inc()
}

func (b *Billing) ObserveEnd(reason string) {
	if b == nil {
		return
	}
	b.ended.WithLabelValues(reason).Inc()
}

func (b *Billing) ObserveEmail(template, status string) {
	if b == nil {
		return
	}
	b.emails.WithLabelValues(template, status).Inc()
}

func (b *Billing) ObserveJob(job, result string) {
	if b == nil {
		return
	}
	b.jobs.WithLabelValues(job, result).Inc()
}

func (b *Billing) ObserveNotification(gateway, status string) {
	if b == nil {
		return
	}
	b.notifs.WithLabelValues(gateway, status).Inc()
}
