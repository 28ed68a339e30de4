package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrCounterOverflow 当天该专科的号码已达上限。
	ErrCounterOverflow = errors.New("queue: ticket counter overflow")
	// ErrIssueAborted 出号过程中 context 被取消或超时。
	ErrIssueAborted = errors.New("queue: issuance aborted")
	// ErrQueueEmpty 没有等待中的号码可叫。
	ErrQueueEmpty = errors.New("queue: no waiting tickets")
	// ErrUnknownDay 查询的运营日没有队列数据。
	ErrUnknownDay = errors.New("queue: unknown day")
	// ErrActiveDay 当前运营日不能归档。
	ErrActiveDay = errors.New("queue: cannot archive the active day")
)

// IssueError 一次出号失败。出号失败不会留下半个号码，调用方可以直接重试。
type IssueError struct {
	Specialty string
	Err       error
}

func (e *IssueError) Error() string {
	return fmt.Sprintf("issue ticket for %s: %v", e.Specialty, e.Err)
}

func (e *IssueError) Unwrap() error { return e.Err }

// Retryable 出号失败总是可重试。
func (e *IssueError) Retryable() bool { return true }

// IsRetryable 判断错误链上是否有可重试的错误。
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	return errors.As(err, &r) && r.Retryable()
}
