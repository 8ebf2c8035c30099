package types

import (
	"context"
	"time"
)

type Probe_loaders interface {
	Close()
	Run(context.Context, time.Duration) <-chan CallCounts
}
