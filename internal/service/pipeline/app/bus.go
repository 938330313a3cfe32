package app

import (
	"context"

	"github.com/Lukas-ElEss/HL7v2-FHIR-Pipeline/internal/service/pipeline/app/commands"
	"github.com/Lukas-ElEss/HL7v2-FHIR-Pipeline/internal/service/pipeline/app/queries"
)

type CommandBus interface {
	ProcessMessage(ctx context.Context, cmd commands.ProcessMessageCommand) (commands.ProcessMessageResult, error)
}

type QueryBus interface {
	GetPipelineStatus(ctx context.Context, q queries.GetPipelineStatusQuery) (queries.GetPipelineStatusResult, error)
}

type commandBus struct {
	processMessage commands.ProcessMessageHandler
}

type queryBus struct {
	getPipelineStatus queries.GetPipelineStatusQueryHandler
}

func NewCommandBus(
	process commands.ProcessMessageHandler,
) CommandBus {
	return &commandBus{
		processMessage: process,
	}
}

func NewQueryBus(
	status queries.GetPipelineStatusQueryHandler,
) QueryBus {
	return &queryBus{
		getPipelineStatus: status,
	}
}

func (b *commandBus) ProcessMessage(ctx context.Context, cmd commands.ProcessMessageCommand) (commands.ProcessMessageResult, error) {
	return b.processMessage.Handle(ctx, cmd)
}

func (b *queryBus) GetPipelineStatus(ctx context.Context, q queries.GetPipelineStatusQuery) (queries.GetPipelineStatusResult, error) {
	return b.getPipelineStatus.Handle(ctx, q)
}
