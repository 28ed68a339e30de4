package predict

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"triage-assistant/server/internal/config"
	"triage-assistant/server/internal/domain"
	"triage-assistant/server/internal/model"
)

func newTestAggregator() *Aggregator {
	return NewAggregator(domain.DefaultCatalog(), config.PredictionConfig{
		TopK:                   3,
		TreatmentThreshold:     0.5,
		ClarificationThreshold: 0.7,
		EMAWeight:              0.6,
	})
}

func TestMergeFirstTurnCopiesPrediction(t *testing.T) {
	a := newTestAggregator()
	got := a.Merge(model.Beliefs{}, model.Prediction{
		Specialty: map[string]float64{"Thần kinh": 0.5, "Tim mạch": 0.3, "khoa lạ": 0.2},
		Symptom:   map[string]float64{"đau đầu": 0.9, "chóng mặt": 0.2},
		Treatment: map[string]float64{"Chụp MRI sọ não": 0.6, "Điện tâm đồ": 0.4},
	})

	want := model.Beliefs{
		Specialties: []model.LabelScore{{ID: "Thần kinh", Confidence: 0.5}, {ID: "Tim mạch", Confidence: 0.3}},
		Symptoms:    []model.LabelScore{{ID: "đau đầu", Confidence: 0.9}, {ID: "chóng mặt", Confidence: 0.2}},
		Treatments:  []model.LabelScore{{ID: "Chụp MRI sọ não", Confidence: 0.6}},
		Turns:       1,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected beliefs (-want +got):\n%s", diff)
	}
}

// TestMergeEMAResistsSingleNoisyTurn 验证单选空间按 EMA 合并，一次噪声不会翻转领先专科。
func TestMergeEMAResistsSingleNoisyTurn(t *testing.T) {
	a := newTestAggregator()
	b := a.Merge(model.Beliefs{}, model.Prediction{Specialty: map[string]float64{"Thần kinh": 0.8, "Tim mạch": 0.1}})
	b = a.Merge(b, model.Prediction{Specialty: map[string]float64{"Thần kinh": 0.4, "Tim mạch": 0.5}})

	// Thần kinh: 0.6*0.4 + 0.4*0.8 = 0.56; Tim mạch: 0.6*0.5 + 0.4*0.1 = 0.34
	if b.Specialties[0].ID != "Thần kinh" {
		t.Fatalf("expected leading specialty kept, got %+v", b.Specialties)
	}
	if math.Abs(b.Specialties[0].Confidence-0.56) > 1e-9 || math.Abs(b.Specialties[1].Confidence-0.34) > 1e-9 {
		t.Fatalf("unexpected EMA values: %+v", b.Specialties)
	}
}

// TestMergeIdempotent 验证重复合并同一预测：多选空间 top-k 不变，单选空间收敛。
func TestMergeIdempotent(t *testing.T) {
	a := newTestAggregator()
	p := model.Prediction{
		Specialty: map[string]float64{"Thần kinh": 0.85, "Tim mạch": 0.1},
		Symptom:   map[string]float64{"đau đầu": 0.9},
		Treatment: map[string]float64{"Chụp MRI sọ não": 0.7, "Thuốc giảm đau": 0.55},
	}
	once := a.Merge(model.Beliefs{}, p)
	twice := a.Merge(once, p)

	if diff := cmp.Diff(TopK(once.Symptoms, 3, nil), TopK(twice.Symptoms, 3, nil)); diff != "" {
		t.Fatalf("symptom top-k changed:\n%s", diff)
	}
	if diff := cmp.Diff(TopK(once.Treatments, 3, nil), TopK(twice.Treatments, 3, nil)); diff != "" {
		t.Fatalf("treatment top-k changed:\n%s", diff)
	}
	if diff := cmp.Diff(once.Specialties, twice.Specialties, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Fatalf("specialty should be a fixed point of repeated merge:\n%s", diff)
	}

	// 从不同的先验出发，重复合并应单调逼近目标值。
	b := a.Merge(model.Beliefs{}, model.Prediction{Specialty: map[string]float64{"Thần kinh": 0.2}})
	prevGap := math.Abs(b.Specialties[0].Confidence - 0.85)
	for i := 0; i < 5; i++ {
		b = a.Merge(b, p)
		top, _ := Top(b.Specialties, nil)
		gap := math.Abs(top.Confidence - 0.85)
		if gap > prevGap {
			t.Fatalf("round %d: EMA diverged, gap %v > %v", i, gap, prevGap)
		}
		prevGap = gap
	}
}

func TestMergeMultiSelectKeepsMaxAndPrunesTreatments(t *testing.T) {
	a := newTestAggregator()
	b := a.Merge(model.Beliefs{}, model.Prediction{
		Symptom:   map[string]float64{"đau đầu": 0.9, "mất ngủ": 0.1},
		Treatment: map[string]float64{"Chụp MRI sọ não": 0.7},
	})
	b = a.Merge(b, model.Prediction{
		Symptom:   map[string]float64{"đau đầu": 0.3, "mất ngủ": 0.05},
		Treatment: map[string]float64{"Chụp MRI sọ não": 0.2, "Điện não đồ": 0.49},
	})

	want := []model.LabelScore{{ID: "đau đầu", Confidence: 0.9}, {ID: "mất ngủ", Confidence: 0.1}}
	if diff := cmp.Diff(want, b.Symptoms); diff != "" {
		t.Fatalf("symptoms should keep max and never be pruned:\n%s", diff)
	}
	wantT := []model.LabelScore{{ID: "Chụp MRI sọ não", Confidence: 0.7}}
	if diff := cmp.Diff(wantT, b.Treatments); diff != "" {
		t.Fatalf("treatments below threshold should be pruned:\n%s", diff)
	}
}

func TestMergeClampsScores(t *testing.T) {
	a := newTestAggregator()
	b := a.Merge(model.Beliefs{}, model.Prediction{
		Symptom: map[string]float64{"đau đầu": 1.7, "ho": -0.2, "sốt": math.NaN()},
	})
	want := []model.LabelScore{{ID: "đau đầu", Confidence: 1}}
	if diff := cmp.Diff(want, b.Symptoms); diff != "" {
		t.Fatalf("unexpected clamped symptoms:\n%s", diff)
	}
}

func TestRankTieBreaksByCatalogOrder(t *testing.T) {
	a := newTestAggregator()
	b := a.Merge(model.Beliefs{}, model.Prediction{
		Specialty: map[string]float64{"Nội tiết": 0.25, "Tim mạch": 0.25, "Da liễu": 0.25, "Thần kinh": 0.25},
	})
	var got []string
	for _, ls := range b.Specialties {
		got = append(got, ls.ID)
	}
	want := []string{"Thần kinh", "Tim mạch", "Da liễu", "Nội tiết"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ties should follow catalog order:\n%s", diff)
	}
}

func TestTopK(t *testing.T) {
	list := []model.LabelScore{
		{ID: "Thần kinh", Confidence: 0.9},
		{ID: "Tim mạch", Confidence: 0.5},
		{ID: "Tiêu hóa", Confidence: 0.3},
		{ID: "Hô hấp", Confidence: 0.1},
	}
	tests := []struct {
		name     string
		n        int
		excluded []string
		want     []string
	}{
		{"at most n", 3, nil, []string{"Thần kinh", "Tim mạch", "Tiêu hóa"}},
		{"fewer than n", 10, nil, []string{"Thần kinh", "Tim mạch", "Tiêu hóa", "Hô hấp"}},
		{"excluded highest", 2, []string{"Thần kinh"}, []string{"Tim mạch", "Tiêu hóa"}},
		{"zero", 0, nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, ls := range TopK(list, tt.n, tt.excluded) {
				got = append(got, ls.ID)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("unexpected top-k:\n%s", diff)
			}
		})
	}

	if _, ok := Top(list, []string{"Thần kinh", "Tim mạch", "Tiêu hóa", "Hô hấp"}); ok {
		t.Fatalf("expected no top when everything is excluded")
	}
}
