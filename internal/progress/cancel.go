package progress

import (
	"context"
	"errors"

	"github.com/popoloni/multi-agent-researcher-sub004/internal/llm"
)

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, llm.ErrStopped)
}
