package keypool

import (
	"fmt"
	"time"
)

// NoCredentialError 池中无可用凭证，属正常结果而非故障；
// RetryAfter 为所有被检查候选中最短的恢复等待
type NoCredentialError struct {
	RetryAfter time.Duration
}

func (e *NoCredentialError) Error() string {
	return fmt.Sprintf("no credential available, retry after %s", e.RetryAfter)
}

// 并发占满时无精确 TTL，给一个固定的短等待
const concurrencyRetryAfter = time.Second
