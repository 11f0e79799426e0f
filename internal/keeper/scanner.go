package keeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	xerrors "AgentMarket-Chain/internal/errors"
	"AgentMarket-Chain/internal/observability/alerting"
)

// Scan 找出当前时刻所有到期的拍卖并投递作业，返回本次投递的数量。
// 在 republishAfter 之内投递过且尚未处理完的作业不会重复投递。
func (k *Keeper) Scan(ctx context.Context) (int, error) {
	k.scans.Add(1)
	now := k.clock.Now()
	jobs := k.dueJobs(now)

	published := 0
	var errs []error
	for _, job := range jobs {
		key := job.String()
		if !k.claim(key, now) {
			continue
		}
		if err := k.queue.Publish(ctx, key); err != nil {
			k.release(key)
			wrapped := xerrors.Wrap(CodePublishFailed, err, "投递作业失败").With("job", key)
			errs = append(errs, wrapped)
			k.alert(ctx, job, wrapped)
			continue
		}
		published++
		k.published.Add(1)
	}
	if published > 0 {
		k.log.Debug("已投递到期作业", slog.Int("count", published), slog.Time("now", now))
	}
	return published, errors.Join(errs...)
}

func (k *Keeper) dueJobs(now time.Time) []Job {
	var jobs []Job
	if k.tasks != nil {
		selectable, expired := k.tasks.Due(now)
		for _, id := range selectable {
			jobs = append(jobs, Job{Action: ActionSelectWinner, ID: id})
		}
		for _, id := range expired {
			jobs = append(jobs, Job{Action: ActionFailExpired, ID: id})
		}
	}
	if k.intents != nil {
		for _, id := range k.intents.Due(now) {
			jobs = append(jobs, Job{Action: ActionCloseAuction, ID: id})
		}
	}
	return jobs
}

func (k *Keeper) claim(key string, now time.Time) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if at, ok := k.inflight[key]; ok && now.Sub(at) < k.republishAfter {
		return false
	}
	k.inflight[key] = now
	return true
}

func (k *Keeper) release(key string) {
	k.mu.Lock()
	delete(k.inflight, key)
	k.mu.Unlock()
}

func (k *Keeper) alert(ctx context.Context, job Job, err error) {
	if k.alerter == nil {
		return
	}
	evt := alerting.FromError("keeper."+string(job.Action), err)
	evt.EntityID = job.ID
	if notifyErr := k.alerter.Notify(context.WithoutCancel(ctx), evt); notifyErr != nil {
		k.log.Error("告警通知失败", slog.Any("error", notifyErr), slog.String("job", job.String()))
	}
}
