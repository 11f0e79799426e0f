// Package keeper 是一个普通的外部调用者：定期扫描已到期的拍卖，
// 把待执行的动作投递到队列，再由工作协程以 keeper 地址提交对应操作。
package keeper

import (
	"fmt"
	"strconv"
	"strings"

	xerrors "AgentMarket-Chain/internal/errors"
)

// Action 是 keeper 可以触发的操作。
type Action string

const (
	ActionSelectWinner Action = "select_winner"
	ActionFailExpired  Action = "fail_expired"
	ActionCloseAuction Action = "close_auction"
)

// Job 是队列中的一条消息，编码为 "<action>:<id>"。
type Job struct {
	Action Action
	ID     uint64
}

func (j Job) String() string {
	return fmt.Sprintf("%s:%d", j.Action, j.ID)
}

const (
	CodeBadJob        xerrors.Code = "KEEPER_BAD_JOB"
	CodePublishFailed xerrors.Code = "KEEPER_PUBLISH_FAILED"
)

func init() {
	xerrors.Register(CodeBadJob, xerrors.Attributes{
		Message:  "malformed keeper job",
		Kind:     xerrors.KindValue,
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodePublishFailed, xerrors.Attributes{
		Message:   "failed to publish keeper job",
		Kind:      xerrors.KindInternal,
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

// ParseJob 解析队列消息。
func ParseJob(raw string) (Job, error) {
	action, id, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return Job{}, xerrors.New(CodeBadJob, "job must be <action>:<id>").With("job", raw)
	}
	switch Action(action) {
	case ActionSelectWinner, ActionFailExpired, ActionCloseAuction:
	default:
		return Job{}, xerrors.New(CodeBadJob, "unknown keeper action").With("job", raw)
	}
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil || n == 0 {
		return Job{}, xerrors.New(CodeBadJob, "job id must be a positive integer").With("job", raw)
	}
	return Job{Action: Action(action), ID: n}, nil
}
