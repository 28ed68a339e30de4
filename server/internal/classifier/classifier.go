package classifier

import (
	"context"
	"errors"
	"fmt"
	"math"

	"triage-assistant/server/internal/config"
	"triage-assistant/server/internal/domain"
	"triage-assistant/server/internal/model"
)

// ErrMalformedOutput 分类器返回的分数不合法（越界、NaN 或单选分布之和超过 1）。
var ErrMalformedOutput = errors.New("classifier: malformed output")

// Classifier 是多任务分类能力：给定文本，返回三个标签空间的概率分布。
// 核心把它视为纯函数，但它可能很慢，也可能失败。
type Classifier interface {
	Predict(ctx context.Context, text string) (model.Prediction, error)
}

// New 根据配置创建分类器
func New(cfg config.ClassifierConfig, catalog *domain.Catalog) (Classifier, error) {
	switch cfg.Mode {
	case "http":
		return NewHTTPClient(cfg), nil
	case "keyword", "":
		return NewKeywordClassifier(catalog), nil
	default:
		return nil, fmt.Errorf("unsupported classifier mode: %s", cfg.Mode)
	}
}

// sumTolerance 单选分布允许的浮点误差。
const sumTolerance = 1e-6

// Validate 检查一次预测的分数范围；specialty 空间按单选分布检查总和。
func Validate(p model.Prediction) error {
	var sum float64
	for id, v := range p.Specialty {
		if err := checkScore("specialty", id, v); err != nil {
			return err
		}
		sum += v
	}
	if sum > 1+sumTolerance {
		return fmt.Errorf("%w: specialty scores sum to %.4f", ErrMalformedOutput, sum)
	}
	for id, v := range p.Symptom {
		if err := checkScore("symptom", id, v); err != nil {
			return err
		}
	}
	for id, v := range p.Treatment {
		if err := checkScore("treatment", id, v); err != nil {
			return err
		}
	}
	return nil
}

func checkScore(space, id string, v float64) error {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return fmt.Errorf("%w: %s score for %q out of range: %v", ErrMalformedOutput, space, id, v)
	}
	return nil
}
