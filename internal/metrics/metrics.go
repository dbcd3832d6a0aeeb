package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/flowpbx/flowphone/internal/push"
	"github.com/prometheus/client_golang/prometheus"
)

// CallCounter exposes the number of live calls.
type CallCounter interface {
	Count() int
}

// PendingActionCounter exposes the number of outstanding telephony-UI
// actions.
type PendingActionCounter interface {
	PendingActions() int
}

// DialogCounter exposes the number of SIP dialogs in progress.
type DialogCounter interface {
	ActiveDialogs() int
}

// PushStatsProvider exposes push outcome counters.
type PushStatsProvider interface {
	Stats() push.Stats
}

// Flag reports a boolean condition such as SIP registration or UI
// connectivity.
type Flag func() bool

// CallHistoryCounter returns logged call counts grouped by end category.
type CallHistoryCounter interface {
	CountByCategory(ctx context.Context) (map[string]int64, error)
}

// Sources are the collaborators queried at scrape time. Any may be nil.
type Sources struct {
	Calls         CallCounter
	Actions       PendingActionCounter
	Dialogs       DialogCounter
	Push          PushStatsProvider
	History       CallHistoryCounter
	Registered    Flag
	UIConnected   Flag
	Authenticated Flag
	AudioActive   Flag
}

// Collector is a prometheus.Collector that gathers flowphone metrics at
// scrape time.
type Collector struct {
	src       Sources
	startTime time.Time

	activeCallsDesc    *prometheus.Desc
	pendingActionsDesc *prometheus.Desc
	dialogsDesc        *prometheus.Desc
	pushesDesc         *prometheus.Desc
	callsTotalDesc     *prometheus.Desc
	registeredDesc     *prometheus.Desc
	uiConnectedDesc    *prometheus.Desc
	authenticatedDesc  *prometheus.Desc
	audioActiveDesc    *prometheus.Desc
	uptimeDesc         *prometheus.Desc
}

// NewCollector creates a new metrics collector.
func NewCollector(src Sources, startTime time.Time) *Collector {
	return &Collector{
		src:       src,
		startTime: startTime,

		activeCallsDesc: prometheus.NewDesc(
			"flowphone_active_calls",
			"Number of calls that have not ended",
			nil, nil,
		),
		pendingActionsDesc: prometheus.NewDesc(
			"flowphone_pending_actions",
			"Number of telephony UI actions awaiting an outcome",
			nil, nil,
		),
		dialogsDesc: prometheus.NewDesc(
			"flowphone_sip_dialogs",
			"Number of SIP dialogs in progress",
			nil, nil,
		),
		pushesDesc: prometheus.NewDesc(
			"flowphone_pushes_total",
			"VoIP pushes handled, by outcome",
			[]string{"outcome"}, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"flowphone_calls_total",
			"Calls recorded in history, by end category",
			[]string{"category"}, nil,
		),
		registeredDesc: prometheus.NewDesc(
			"flowphone_sip_registered",
			"Whether the SIP registration is active (1) or not (0)",
			nil, nil,
		),
		uiConnectedDesc: prometheus.NewDesc(
			"flowphone_ui_connected",
			"Whether the telephony UI is connected (1) or not (0)",
			nil, nil,
		),
		authenticatedDesc: prometheus.NewDesc(
			"flowphone_authenticated",
			"Whether an authenticated identity is established (1) or not (0)",
			nil, nil,
		),
		audioActiveDesc: prometheus.NewDesc(
			"flowphone_audio_active",
			"Whether the telephony UI has handed over the audio session (1) or not (0)",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"flowphone_uptime_seconds",
			"Seconds since the flowphone process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.pendingActionsDesc
	ch <- c.dialogsDesc
	ch <- c.pushesDesc
	ch <- c.callsTotalDesc
	ch <- c.registeredDesc
	ch <- c.uiConnectedDesc
	ch <- c.authenticatedDesc
	ch <- c.audioActiveDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all sources at scrape
// time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.src.Calls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.src.Calls.Count()),
		)
	}

	if c.src.Actions != nil {
		ch <- prometheus.MustNewConstMetric(
			c.pendingActionsDesc, prometheus.GaugeValue,
			float64(c.src.Actions.PendingActions()),
		)
	}

	if c.src.Dialogs != nil {
		ch <- prometheus.MustNewConstMetric(
			c.dialogsDesc, prometheus.GaugeValue,
			float64(c.src.Dialogs.ActiveDialogs()),
		)
	}

	if c.src.Push != nil {
		st := c.src.Push.Stats()
		outcomes := []struct {
			outcome push.Outcome
			n       uint64
		}{
			{push.OutcomeResolved, st.Resolved},
			{push.OutcomeUnresolvable, st.Unresolvable},
			{push.OutcomeIgnored, st.Ignored},
		}
		for _, o := range outcomes {
			ch <- prometheus.MustNewConstMetric(
				c.pushesDesc, prometheus.CounterValue,
				float64(o.n), string(o.outcome),
			)
		}
	}

	// Call volume by category.
	if c.src.History != nil {
		counts, err := c.src.History.CountByCategory(ctx)
		if err != nil {
			slog.Error("metrics: failed to count calls by category", "error", err)
		} else {
			for category, n := range counts {
				ch <- prometheus.MustNewConstMetric(
					c.callsTotalDesc, prometheus.CounterValue,
					float64(n), category,
				)
			}
		}
	}

	c.collectFlag(ch, c.registeredDesc, c.src.Registered)
	c.collectFlag(ch, c.uiConnectedDesc, c.src.UIConnected)
	c.collectFlag(ch, c.authenticatedDesc, c.src.Authenticated)
	c.collectFlag(ch, c.audioActiveDesc, c.src.AudioActive)

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}

func (c *Collector) collectFlag(ch chan<- prometheus.Metric, desc *prometheus.Desc, f Flag) {
	if f == nil {
		return
	}
	v := 0.0
	if f() {
		v = 1
	}
	ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v)
}
