package record

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/google/uuid"

	"triage-assistant/server/internal/config"
	"triage-assistant/server/internal/domain"
	"triage-assistant/server/internal/model"
	"triage-assistant/server/internal/predict"
)

// ErrIncompleteSession 生成病历时会话缺少必要信息。
// 状态机保证这种情况不会发生，出现即为内部不变量被破坏。
var ErrIncompleteSession = errors.New("record: incomplete session")

// DefaultSummaryTemplate 诊断摘要模板
const DefaultSummaryTemplate = `Bệnh nhân có các triệu chứng: {{.Symptoms}}. Chuyên khoa đề xuất: {{.Specialty}} (độ tin cậy {{.Percent}}).` +
	`{{if .Duration}} Thời gian xuất hiện: {{.Duration}}.{{end}}` +
	`{{if .Severity}} Mức độ: {{.Severity}}.{{end}}` +
	`{{if .History}} Tiền sử bệnh: {{.History}}.{{end}}`

// recordNamespace 病历 ID 的 UUID 命名空间
var recordNamespace = uuid.MustParse("5b0c1f8e-2f5e-4d7a-9a43-7d1c6e0a9b21")

type summaryData struct {
	Symptoms  string
	Specialty string
	Percent   string
	Duration  string
	Severity  string
	Location  string
	History   string
	Patient   model.PersonalInfo
}

// Generator 把会话的最终状态组装为病历。
type Generator struct {
	catalog *domain.Catalog
	topK    int
	tmpl    *template.Template
}

// NewGenerator 创建病历生成器。summaryTemplate 为空时使用默认模板。
func NewGenerator(catalog *domain.Catalog, pred config.PredictionConfig, rec config.RecordConfig) (*Generator, error) {
	text := rec.SummaryTemplate
	if text == "" {
		text = DefaultSummaryTemplate
	}
	tmpl, err := template.New("summary").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse summary template: %w", err)
	}
	topK := pred.TopK
	if topK <= 0 {
		topK = 3
	}
	return &Generator{catalog: catalog, topK: topK, tmpl: tmpl}, nil
}

// RecordID 返回会话第 version 版病历的 ID（基于名字的 UUID，可重复计算）。
func RecordID(sessionID string, version int) string {
	return uuid.NewSHA1(recordNamespace, []byte(fmt.Sprintf("%s#%d", sessionID, version))).String()
}

// Generate 生成第一版病历。相同的会话状态总是得到相同的病历。
func (g *Generator) Generate(s *model.Session) (*model.MedicalRecord, error) {
	return g.build(s, 1, "")
}

// Amend 基于更新后的会话生成更正版本，PriorID 指向上一版。
func (g *Generator) Amend(prior *model.MedicalRecord, s *model.Session) (*model.MedicalRecord, error) {
	if prior == nil {
		return nil, fmt.Errorf("%w: no prior record", ErrIncompleteSession)
	}
	if prior.SessionID != s.ID {
		return nil, fmt.Errorf("amend record %s: session mismatch (%s != %s)", prior.ID, prior.SessionID, s.ID)
	}
	return g.build(s, prior.Version+1, prior.ID)
}

func (g *Generator) build(s *model.Session, version int, priorID string) (*model.MedicalRecord, error) {
	if strings.TrimSpace(s.Info.Complaint) == "" {
		return nil, fmt.Errorf("%w: session %s has no complaint", ErrIncompleteSession, s.ID)
	}
	if missing := s.Info.MissingRequired(); len(missing) > 0 {
		return nil, fmt.Errorf("%w: session %s is missing %s", ErrIncompleteSession, s.ID, strings.Join(missing, ", "))
	}
	top, ok := predict.Top(s.Predictions.Specialties, s.Excluded)
	if !ok {
		return nil, fmt.Errorf("%w: session %s has no specialty prediction", ErrIncompleteSession, s.ID)
	}

	// 已确认出号时以挂号专科为准
	rec := model.Recommendations{Specialty: top}
	if s.Ticket != nil && !s.Ticket.Voided {
		rec.Specialty = model.LabelScore{ID: s.Ticket.SpecialtyID, Confidence: confidenceOf(s.Predictions.Specialties, s.Ticket.SpecialtyID)}
	}
	rec.Treatments = g.treatmentsFor(rec.Specialty.ID, s.Predictions.Treatments)

	preds := model.Beliefs{
		Specialties: predict.TopK(s.Predictions.Specialties, g.topK, s.Excluded),
		Symptoms:    predict.TopK(s.Predictions.Symptoms, g.topK, nil),
		Treatments:  predict.TopK(s.Predictions.Treatments, g.topK, nil),
		Turns:       s.Predictions.Turns,
	}

	summary, err := g.summary(s, rec.Specialty)
	if err != nil {
		return nil, err
	}

	r := &model.MedicalRecord{
		ID:               RecordID(s.ID, version),
		Version:          version,
		PriorID:          priorID,
		PatientID:        s.PatientID,
		SessionID:        s.ID,
		Info:             snapshotInfo(s.Info),
		Predictions:      preds,
		DiagnosisSummary: summary,
		Recommendations:  rec,
		CreatedAt:        s.UpdatedAt,
	}
	if s.Ticket != nil {
		t := *s.Ticket
		r.Ticket = &t
	}
	return r, nil
}

// treatmentsFor 从已合并（已按阈值剪枝）的治疗中挑出与专科相关的前 k 个。
func (g *Generator) treatmentsFor(specialty string, treatments []model.LabelScore) []model.LabelScore {
	out := make([]model.LabelScore, 0, g.topK)
	for _, t := range treatments {
		label, ok := g.catalog.Treatments.Get(t.ID)
		if !ok || !relates(label, specialty) {
			continue
		}
		out = append(out, t)
		if len(out) == g.topK {
			break
		}
	}
	return out
}

func (g *Generator) summary(s *model.Session, specialty model.LabelScore) (string, error) {
	symptoms := s.Info.Symptoms
	if len(symptoms) == 0 {
		for _, ls := range predict.TopK(s.Predictions.Symptoms, g.topK, nil) {
			symptoms = append(symptoms, ls.ID)
		}
	}
	desc := strings.Join(symptoms, ", ")
	if desc == "" {
		desc = s.Info.Complaint
	}

	var buf bytes.Buffer
	err := g.tmpl.Execute(&buf, summaryData{
		Symptoms:  desc,
		Specialty: specialty.ID,
		Percent:   fmt.Sprintf("%.0f%%", specialty.Confidence*100),
		Duration:  s.Info.Duration,
		Severity:  s.Info.Severity,
		Location:  s.Info.Location,
		History:   s.Info.MedicalHistory,
		Patient:   s.Info.Personal,
	})
	if err != nil {
		return "", fmt.Errorf("render summary: %w", err)
	}
	return buf.String(), nil
}

// TreatmentKind 返回治疗的类别（test | medication | therapy）。
func (g *Generator) TreatmentKind(id string) string {
	label, _ := g.catalog.Treatments.Get(id)
	return label.Kind
}

func relates(l domain.Label, specialty string) bool {
	for _, sp := range l.Specialties {
		if sp == specialty {
			return true
		}
	}
	return false
}

func confidenceOf(list []model.LabelScore, id string) float64 {
	for _, ls := range list {
		if ls.ID == id {
			return ls.Confidence
		}
	}
	return 0
}

func snapshotInfo(in model.CollectedInfo) model.CollectedInfo {
	out := in
	out.Symptoms = append([]string(nil), in.Symptoms...)
	out.SkippedSlots = append([]string(nil), in.SkippedSlots...)
	return out
}
