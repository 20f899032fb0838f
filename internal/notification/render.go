package notification

import (
	"fmt"
	"strings"
	"time"

	"signalrelay/internal/models"
)

type Renderer struct {
	// Product is the name shown in subjects.
	Product string
}

func (r Renderer) product() string {
	if r.Product == "" {
		return "Signal Relay"
	}
	return r.Product
}

func (r Renderer) Signal(job models.NotificationJob, sig models.Signal) Message {
	action := strings.ToUpper(sig.Action)
	short := fmt.Sprintf("%s %s @ %s (%s)", action, sig.Ticker, sig.Price.String(), sig.Timeframe)

	var b strings.Builder
	fmt.Fprintf(&b, "%s signal for %s\n\n", action, sig.Ticker)
	fmt.Fprintf(&b, "Price: %s\n", sig.Price.String())
	fmt.Fprintf(&b, "Timeframe: %s\n", sig.Timeframe)
	fmt.Fprintf(&b, "Time: %s\n", sig.OccurredAt.UTC().Format(time.RFC3339))
	if sig.Strategy != nil && *sig.Strategy != "" {
		fmt.Fprintf(&b, "Strategy: %s\n", *sig.Strategy)
	}
	if sig.Note != nil && *sig.Note != "" {
		fmt.Fprintf(&b, "\n%s\n", *sig.Note)
	}

	return Message{
		JobID:   job.ID,
		Channel: job.Channel,
		Address: job.Address,
		Subject: fmt.Sprintf("[%s] %s", r.product(), short),
		Body:    b.String(),
		Short:   short,
		Data: map[string]string{
			"type":      "signal",
			"signalId":  sig.ID,
			"ticker":    sig.Ticker,
			"action":    sig.Action,
			"price":     sig.Price.String(),
			"timeframe": sig.Timeframe,
		},
	}
}

func (r Renderer) Digest(job models.NotificationJob, frequency string, signals []models.Signal) Message {
	title := "Daily"
	if frequency == models.FrequencyWeekly {
		title = "Weekly"
	}
	short := fmt.Sprintf("%s digest: %d signal(s)", title, len(signals))

	var b strings.Builder
	fmt.Fprintf(&b, "%s digest, %d signal(s)\n\n", title, len(signals))
	for _, sig := range signals {
		fmt.Fprintf(&b, "%s  %-4s %s @ %s (%s)\n",
			sig.OccurredAt.UTC().Format("2006-01-02 15:04"),
			strings.ToUpper(sig.Action), sig.Ticker, sig.Price.String(), sig.Timeframe)
	}
	subject := fmt.Sprintf("[%s] %s", r.product(), short)
	if n := len(signals); n > 0 {
		last := signals[n-1]
		short = fmt.Sprintf("%s, latest %s %s", short, strings.ToUpper(last.Action), last.Ticker)
	}

	return Message{
		JobID:   job.ID,
		Channel: job.Channel,
		Address: job.Address,
		Subject: subject,
		Body:    b.String(),
		Short:   short,
		Data: map[string]string{
			"type":      "digest",
			"frequency": frequency,
			"count":     fmt.Sprintf("%d", len(signals)),
		},
	}
}
