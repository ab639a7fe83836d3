package push

import (
	"context"
	"fmt"
	"strings"

	logx "chatpush/pkg/logx"
)

// InvalidPrefix marks endpoints the log provider treats as unregistered.
const InvalidPrefix = "invalid:"

// LogProvider writes deliveries to the log instead of a real service.
type LogProvider struct {
	log logx.Logger
}

func NewLogProvider(log logx.Logger) *LogProvider {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogProvider{log: log}
}

func (p *LogProvider) Name() string { return "log" }

func (p *LogProvider) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.HasPrefix(msg.Endpoint, InvalidPrefix) {
		return fmt.Errorf("%w: %s", ErrInvalidEndpoint, Mask(msg.Endpoint))
	}
	p.log.Info("push delivered",
		logx.String("endpoint", Mask(msg.Endpoint)),
		logx.String("title", msg.Notification.Title),
		logx.Int("data_keys", len(msg.Data)),
	)
	return nil
}

func (p *LogProvider) Validate(ctx context.Context, endpoint string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.HasPrefix(endpoint, InvalidPrefix) {
		return fmt.Errorf("%w: %s", ErrInvalidEndpoint, Mask(endpoint))
	}
	return nil
}
