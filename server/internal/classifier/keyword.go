package classifier

import (
	"context"

	"triage-assistant/server/internal/domain"
	"triage-assistant/server/internal/model"
)

// KeywordClassifier 基于目录关键词的确定性分类器。
// 用于离线演示与模型服务不可用的环境；输出形状与模型服务一致。
type KeywordClassifier struct {
	catalog *domain.Catalog
	// Smoothing 专科分布的加性平滑系数，越大越保守。
	Smoothing float64
	// SymptomScore 文本中明确提到的症状分数。
	SymptomScore float64
}

func NewKeywordClassifier(catalog *domain.Catalog) *KeywordClassifier {
	return &KeywordClassifier{
		catalog:      catalog,
		Smoothing:    0.1,
		SymptomScore: 0.9,
	}
}

// Predict 统计提到的症状，按症状关联的专科分配票数，再做平滑归一。
func (k *KeywordClassifier) Predict(ctx context.Context, text string) (model.Prediction, error) {
	if err := ctx.Err(); err != nil {
		return model.Prediction{}, err
	}

	p := model.Prediction{
		Specialty: make(map[string]float64),
		Symptom:   make(map[string]float64),
		Treatment: make(map[string]float64),
	}

	votes := make(map[string]float64)
	var total float64
	for _, id := range k.catalog.Symptoms.Mentions(text) {
		p.Symptom[id] = k.SymptomScore
		label, _ := k.catalog.Symptoms.Get(id)
		if len(label.Specialties) == 0 {
			continue
		}
		w := 1 / float64(len(label.Specialties))
		for _, sp := range label.Specialties {
			votes[sp] += w
		}
		total++
	}

	n := float64(len(k.catalog.Specialties.Labels))
	denom := total + k.Smoothing*n
	for _, sp := range k.catalog.Specialties.IDs() {
		if denom == 0 {
			p.Specialty[sp] = 1 / n
			continue
		}
		p.Specialty[sp] = (votes[sp] + k.Smoothing) / denom
	}

	for _, t := range k.catalog.Treatments.Labels {
		var best float64
		for _, sp := range t.Specialties {
			if v := p.Specialty[sp]; v > best {
				best = v
			}
		}
		if best > 0 {
			p.Treatment[t.ID] = best
		}
	}
	return p, nil
}
