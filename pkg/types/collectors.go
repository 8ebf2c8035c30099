package types

import (
	"context"
)

type Nexus_collectors interface {
	Update(ev any)
	Flush() *Batch
	Run(context.Context) <-chan *Batch
}
