// Package channel defines the interface for chat front-ends that drive the
// engine in-process.
package channel

import (
	"context"

	"github.com/jxucoder/microcase/engine"
	"github.com/jxucoder/microcase/model"
)

// Channel is a long-running front-end such as a chat bot.
type Channel interface {
	// Name identifies the channel in logs.
	Name() string
	// Run blocks until ctx is done or the channel fails.
	Run(ctx context.Context) error
}

// Gateway is the part of the engine a chat channel drives.
// *engine.Engine satisfies it.
type Gateway interface {
	CreateSession(ctx context.Context, requesterID, sourceReference string) (*model.Session, error)
	Stream(ctx context.Context, sessionID string) (<-chan *model.Event, error)
	CheckMicrocase(ctx context.Context, req engine.CheckRequest) (*engine.CheckResult, error)
	EvaluateReview(ctx context.Context, req engine.EvaluateRequest) (*engine.Evaluation, error)
}

var _ Gateway = (*engine.Engine)(nil)
