package worker

import (
	webhookdomain "github.com/smallbiznis/creditline/internal/webhook/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("webhook.worker",
	fx.Provide(
		NewQueue,
		func(q *Queue) webhookdomain.Enqueuer { return q },
		NewPool,
	),
	fx.Invoke(registerPool),
)
