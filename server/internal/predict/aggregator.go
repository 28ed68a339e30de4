package predict

import (
	"math"
	"sort"

	"triage-assistant/server/internal/config"
	"triage-assistant/server/internal/domain"
	"triage-assistant/server/internal/model"
)

// Aggregator 把逐轮的分类器输出合并为会话级信念。
//
// 单选空间（专科）：指数滑动平均，新一轮权重为 EMAWeight；
// 多选空间（症状、治疗）：逐元素取最大值，治疗低于阈值的被剪掉。
// Merge 是纯函数，不修改 prior。
type Aggregator struct {
	catalog *domain.Catalog
	cfg     config.PredictionConfig
}

func NewAggregator(catalog *domain.Catalog, cfg config.PredictionConfig) *Aggregator {
	return &Aggregator{catalog: catalog, cfg: cfg}
}

// Merge 合并一次新预测。第一次合并（prior.Turns == 0）直接采用新向量。
func (a *Aggregator) Merge(prior model.Beliefs, next model.Prediction) model.Beliefs {
	out := model.Beliefs{Turns: prior.Turns + 1}

	specialty := clean(&a.catalog.Specialties, next.Specialty)
	if prior.Turns > 0 {
		w := a.cfg.EMAWeight
		old := toMap(prior.Specialties)
		merged := make(map[string]float64, len(specialty)+len(old))
		for id := range union(specialty, old) {
			merged[id] = w*specialty[id] + (1-w)*old[id]
		}
		specialty = merged
	}
	out.Specialties = rank(&a.catalog.Specialties, specialty, 0)

	out.Symptoms = rank(&a.catalog.Symptoms, maxMerge(toMap(prior.Symptoms), clean(&a.catalog.Symptoms, next.Symptom)), 0)
	out.Treatments = rank(&a.catalog.Treatments, maxMerge(toMap(prior.Treatments), clean(&a.catalog.Treatments, next.Treatment)), a.cfg.TreatmentThreshold)
	return out
}

// TopK 返回前 n 个未被排除的标签。输入必须已排序。
func TopK(list []model.LabelScore, n int, excluded []string) []model.LabelScore {
	if n <= 0 {
		return nil
	}
	skip := make(map[string]bool, len(excluded))
	for _, id := range excluded {
		skip[id] = true
	}
	out := make([]model.LabelScore, 0, n)
	for _, ls := range list {
		if skip[ls.ID] {
			continue
		}
		out = append(out, ls)
		if len(out) == n {
			break
		}
	}
	return out
}

// Top 返回第一个未被排除的标签。
func Top(list []model.LabelScore, excluded []string) (model.LabelScore, bool) {
	top := TopK(list, 1, excluded)
	if len(top) == 0 {
		return model.LabelScore{}, false
	}
	return top[0], true
}

// clean 丢弃目录外的 ID，并把分数截断到 [0,1]。
func clean(space *domain.LabelSpace, scores map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(scores))
	for id, v := range scores {
		if !space.Contains(id) {
			continue
		}
		switch {
		case math.IsNaN(v) || v < 0:
			v = 0
		case v > 1:
			v = 1
		}
		out[id] = v
	}
	return out
}

func maxMerge(prior, next map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(prior)+len(next))
	for id := range union(prior, next) {
		v := prior[id]
		if next[id] > v {
			v = next[id]
		}
		out[id] = v
	}
	return out
}

func union(a, b map[string]float64) map[string]struct{} {
	out := make(map[string]struct{}, len(a)+len(b))
	for id := range a {
		out[id] = struct{}{}
	}
	for id := range b {
		out[id] = struct{}{}
	}
	return out
}

func toMap(list []model.LabelScore) map[string]float64 {
	out := make(map[string]float64, len(list))
	for _, ls := range list {
		out[ls.ID] = ls.Confidence
	}
	return out
}

// rank 按置信度降序、目录顺序升序排列；低于 threshold 的被丢弃。
// 零分标签不进入列表。
func rank(space *domain.LabelSpace, scores map[string]float64, threshold float64) []model.LabelScore {
	out := make([]model.LabelScore, 0, len(scores))
	for id, v := range scores {
		if v <= 0 || v < threshold {
			continue
		}
		out = append(out, model.LabelScore{ID: id, Confidence: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		ii, _ := space.Index(out[i].ID)
		jj, _ := space.Index(out[j].ID)
		return ii < jj
	})
	return out
}
