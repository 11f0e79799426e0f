package keeper

import (
	"context"
	"log/slog"

	"AgentMarket-Chain/internal/chain"
	xerrors "AgentMarket-Chain/internal/errors"
	"AgentMarket-Chain/pkg/logger"
)

// 作业结果
const (
	OutcomeDone    = "done"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// Handle 执行一条作业。目标已被其他调用者处理（时间窗口、状态或不存在）
// 的作业视为跳过；只有可重试的失败会返回错误，由队列重新投递。
func (k *Keeper) Handle(ctx context.Context, raw string) error {
	job, err := ParseJob(raw)
	if err != nil {
		k.failed.Add(1)
		k.log.Warn("丢弃无法解析的作业", slog.String("job", raw), slog.Any("error", err))
		return nil
	}
	err = k.execute(ctx, job)
	switch outcome := classify(err); outcome {
	case OutcomeDone:
		k.release(raw)
		k.done.Add(1)
		k.record(job.Action, outcome)
		logger.Audit().Info("keeper 作业完成",
			slog.String("job", raw),
			slog.String("keeper", k.addr.Hex()),
		)
		return nil
	case OutcomeSkipped:
		k.release(raw)
		k.skipped.Add(1)
		k.record(job.Action, outcome)
		k.log.Debug("跳过作业", slog.String("job", raw), slog.String("code", string(xerrors.CodeOf(err))))
		return nil
	default:
		k.failed.Add(1)
		k.record(job.Action, outcome)
		k.log.Error("作业执行失败",
			slog.String("job", raw),
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.Any("error", err),
		)
		if xerrors.RetryableError(err) {
			return err
		}
		return nil
	}
}

func (k *Keeper) execute(ctx context.Context, job Job) error {
	call := chain.CallFrom(k.addr)
	switch job.Action {
	case ActionSelectWinner:
		if k.tasks == nil {
			return xerrors.New(CodeBadJob, "未配置任务拍卖").With("job", job.String())
		}
		_, err := k.tasks.SelectWinner(ctx, call, job.ID)
		return err
	case ActionFailExpired:
		if k.tasks == nil {
			return xerrors.New(CodeBadJob, "未配置任务拍卖").With("job", job.String())
		}
		return k.tasks.FailExpiredTask(ctx, call, job.ID)
	case ActionCloseAuction:
		if k.intents == nil {
			return xerrors.New(CodeBadJob, "未配置意图拍卖").With("job", job.String())
		}
		_, err := k.intents.CloseAuction(ctx, call, job.ID)
		return err
	}
	return xerrors.New(CodeBadJob, "unknown keeper action").With("job", job.String())
}

func classify(err error) string {
	if err == nil {
		return OutcomeDone
	}
	switch xerrors.KindOf(err) {
	case xerrors.KindTemporal, xerrors.KindInvalidState, xerrors.KindNotFound:
		return OutcomeSkipped
	}
	return OutcomeFailed
}
