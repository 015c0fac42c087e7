package alert

import (
	"context"
	"errors"

	"github.com/Gobusters/ectologger"

	"github.com/danhnguyen123/data-engineering-outsource/pkg/metrics"
)

// Channel is one alert destination.
type Channel interface {
	Name() string
	Notify(ctx context.Context, message string) error
}

// Notifier fans a message out to every channel.
type Notifier struct {
	channels []Channel
	logger   ectologger.Logger
}

func NewNotifier(logger ectologger.Logger, channels ...Channel) *Notifier {
	return &Notifier{channels: channels, logger: logger}
}

func (n *Notifier) Add(ch Channel) {
	n.channels = append(n.channels, ch)
}

func (n *Notifier) Len() int {
	return len(n.channels)
}

// Notify tries every channel and joins the failures.
func (n *Notifier) Notify(ctx context.Context, message string) error {
	var errs []error
	for _, ch := range n.channels {
		if err := ch.Notify(ctx, message); err != nil {
			metrics.RecordAlert(ch.Name(), "failed")
			n.logger.WithContext(ctx).WithError(err).Warnf("Failed to send alert via %s", ch.Name())
			errs = append(errs, err)
			continue
		}
		metrics.RecordAlert(ch.Name(), "sent")
	}
	return errors.Join(errs...)
}
