package classifier

import (
	"context"
	"errors"
	"sync"

	"triage-assistant/server/internal/model"
)

// ErrStubFailure 是 MockClassifier 在 ShouldFail 时返回的错误。
var ErrStubFailure = errors.New("classifier: stub failure")

// MockClassifier 用于测试的确定性分类器
type MockClassifier struct {
	mu sync.Mutex

	// Responses 依次返回；用完后重复最后一个。
	Responses []model.Prediction
	// ShouldFail 控制是否返回错误
	ShouldFail bool
	CallCount  int
	Texts      []string
}

// NewMockClassifier 创建返回固定结果的 Mock 分类器
func NewMockClassifier(responses ...model.Prediction) *MockClassifier {
	return &MockClassifier{Responses: responses}
}

// Predict 记录调用并返回预设结果
func (m *MockClassifier) Predict(ctx context.Context, text string) (model.Prediction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallCount++
	m.Texts = append(m.Texts, text)

	if m.ShouldFail {
		return model.Prediction{}, ErrStubFailure
	}
	if len(m.Responses) == 0 {
		return model.Prediction{}, nil
	}
	i := m.CallCount - 1
	if i >= len(m.Responses) {
		i = len(m.Responses) - 1
	}
	return m.Responses[i], nil
}

// Calls 返回调用次数（并发安全）。
func (m *MockClassifier) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCount
}
