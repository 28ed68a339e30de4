package model

import "time"

// State 是问诊会话状态机的状态。
type State string

const (
	StateGreeting               State = "GREETING"
	StateCollectingPersonalInfo State = "COLLECTING_PERSONAL_INFO"
	StateCollectingSymptoms     State = "COLLECTING_SYMPTOMS"
	StateAwaitingClarification  State = "AWAITING_CLARIFICATION"
	StateSpecialtySuggested     State = "SPECIALTY_SUGGESTED"
	StateQueueConfirmed         State = "QUEUE_CONFIRMED"
	StateRecordGenerated        State = "RECORD_GENERATED"
	StateCancelled              State = "CANCELLED"
)

// Terminal 终止状态：会话到达后即归档。
func (s State) Terminal() bool {
	return s == StateRecordGenerated || s == StateCancelled
}

// Turn 表示对话中的一个轮次。
type Turn struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	TS   time.Time `json:"ts"`
}

// Transition 记录一次命名的状态迁移。
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// PersonalInfo 病人的基本信息。
type PersonalInfo struct {
	Name   string `json:"name,omitempty"`
	Age    int    `json:"age,omitempty"`
	Gender string `json:"gender,omitempty"`
	// Contact 电话或邮箱
	Contact string `json:"contact,omitempty"`
}

// Missing 按 name, age, gender, contact 的顺序返回尚未填写的字段。
func (p PersonalInfo) Missing() []string {
	var out []string
	if p.Name == "" {
		out = append(out, "name")
	}
	if p.Age == 0 {
		out = append(out, "age")
	}
	if p.Gender == "" {
		out = append(out, "gender")
	}
	if p.Contact == "" {
		out = append(out, "contact")
	}
	return out
}

// Complete 所有字段均已填写。
func (p PersonalInfo) Complete() bool {
	return len(p.Missing()) == 0
}

// CollectedInfo 是会话中已收集的结构化信息。
// 字段都是显式命名的可选字段，缺失检查不依赖运行时的 map 查找。
type CollectedInfo struct {
	Personal PersonalInfo `json:"personal_info"`
	// Symptoms 用户自述的症状 ID，按首次提及顺序去重。
	Symptoms []string `json:"symptoms"`
	// Complaint 累积的自由文本主诉。
	Complaint string `json:"complaint"`

	Duration string `json:"duration,omitempty"`
	Severity string `json:"severity,omitempty"`
	Location string `json:"location,omitempty"`
	// MedicalHistory 既往史（慢性病、手术等），没有时为 "Không có"。
	MedicalHistory string `json:"medical_history,omitempty"`

	SkippedSlots []string `json:"skipped_slots,omitempty"`
}

// HasSymptom 判断症状是否已记录。
func (c *CollectedInfo) HasSymptom(id string) bool {
	for _, s := range c.Symptoms {
		if s == id {
			return true
		}
	}
	return false
}

// AddSymptom 追加症状（去重），返回是否为新症状。
func (c *CollectedInfo) AddSymptom(id string) bool {
	if c.HasSymptom(id) {
		return false
	}
	c.Symptoms = append(c.Symptoms, id)
	return true
}

// RequiredFields 推荐专科之前必须收集（或明确跳过）的字段，按提问顺序排列。
var RequiredFields = []string{"name", "age", "gender", "contact", "history"}

// MissingRequired 返回尚未填写且未被跳过的必填字段。
func (c *CollectedInfo) MissingRequired() []string {
	var out []string
	for _, f := range RequiredFields {
		if c.Slot(f) == "" && !c.SlotSkipped(f) {
			out = append(out, f)
		}
	}
	return out
}

// Slot 返回槽位的值；个人信息字段取自 Personal。
func (c *CollectedInfo) Slot(name string) string {
	switch name {
	case "duration":
		return c.Duration
	case "severity":
		return c.Severity
	case "location":
		return c.Location
	case "name":
		return c.Personal.Name
	case "gender":
		return c.Personal.Gender
	case "contact":
		return c.Personal.Contact
	case "history":
		return c.MedicalHistory
	case "age":
		if c.Personal.Age > 0 {
			return "set"
		}
	}
	return ""
}

// SlotSkipped 槽位是否已被跳过（重复提问后仍无法解析）。
func (c *CollectedInfo) SlotSkipped(name string) bool {
	for _, s := range c.SkippedSlots {
		if s == name {
			return true
		}
	}
	return false
}

// LabelScore 是某个标签及其置信度。
type LabelScore struct {
	ID         string  `json:"id"`
	Confidence float64 `json:"confidence"`
}

// Beliefs 是会话级的预测信念状态：三个独立的排序列表。
// 列表按置信度降序、目录定义顺序升序排列。
type Beliefs struct {
	Specialties []LabelScore `json:"specialties"`
	Symptoms    []LabelScore `json:"symptoms"`
	Treatments  []LabelScore `json:"treatments"`
	// Turns 已合并的分类器输出次数。
	Turns int `json:"turns"`
}

// Prediction 是一次分类器调用的输出，按轮次产生、立即被合并，不单独存储。
type Prediction struct {
	Specialty map[string]float64 `json:"specialty_scores"`
	Symptom   map[string]float64 `json:"symptom_scores"`
	Treatment map[string]float64 `json:"treatment_scores"`
}

// QueueTicket 是某个专科的排队号。创建后不再修改（作废除外）。
type QueueTicket struct {
	ID          string    `json:"id"`
	SpecialtyID string    `json:"specialty_id"`
	Number      int64     `json:"ticket_number"`
	Day         string    `json:"day"`
	PatientID   string    `json:"patient_id,omitempty"`
	IssuedAt    time.Time `json:"issued_at"`
	Voided      bool      `json:"voided,omitempty"`
}

// Session 是一次问诊对话实例。
type Session struct {
	ID        string `json:"id"`
	PatientID string `json:"patient_id"`
	State     State  `json:"state"`

	History     []Turn        `json:"message_history"`
	Info        CollectedInfo `json:"collected_info"`
	Predictions Beliefs       `json:"predictions"`

	// ClarificationRounds 已完成的澄清轮数。
	ClarificationRounds int `json:"clarification_rounds"`
	// Excluded 用户拒绝过的专科，本会话内不再参与 top-k。
	Excluded []string `json:"excluded,omitempty"`
	// Reprompts 当前步骤已重复提问的次数。
	Reprompts int `json:"reprompts,omitempty"`
	// PendingSlot 上一个追问针对的槽位。
	PendingSlot string `json:"pending_slot,omitempty"`
	// LastPrompt 最近一次助手输出，空输入时原样重发。
	LastPrompt string `json:"last_prompt,omitempty"`
	Returning  bool   `json:"returning,omitempty"`

	Ticket   *QueueTicket `json:"ticket,omitempty"`
	RecordID string       `json:"record_id,omitempty"`

	Transitions []Transition `json:"transitions"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// IsExcluded 专科是否已被用户拒绝。
func (s *Session) IsExcluded(id string) bool {
	for _, e := range s.Excluded {
		if e == id {
			return true
		}
	}
	return false
}

// Recommendations 是病历中的建议部分。
type Recommendations struct {
	Specialty  LabelScore   `json:"specialty"`
	Treatments []LabelScore `json:"treatments"`
}

// MedicalRecord 是会话完成后的终态产物，创建后不可变。
// 更正会生成新版本，PriorID 指向上一版。
type MedicalRecord struct {
	ID               string          `json:"id"`
	Version          int             `json:"version"`
	PriorID          string          `json:"prior_id,omitempty"`
	PatientID        string          `json:"patient_id"`
	SessionID        string          `json:"session_id"`
	Info             CollectedInfo   `json:"collected_info"`
	Predictions      Beliefs         `json:"predictions"`
	DiagnosisSummary string          `json:"diagnosis_summary"`
	Recommendations  Recommendations `json:"recommendations"`
	Ticket           *QueueTicket    `json:"ticket,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Event 表示时间线中的一个事件。
type Event struct {
	// Seq 由后端分配的单调序号，用于回放与幂等。
	Seq int64 `json:"seq,omitempty"`
	// SessionID 由编排器补齐。
	SessionID string `json:"session_id,omitempty"`
	// EventID 用于去重与重试幂等。
	EventID string `json:"event_id,omitempty"`

	// Type 表示事件类型（user_message/assistant_text/transition/prediction/classifier_error/ticket_issued/record_generated/cancelled）。
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	From State `json:"from,omitempty"`
	To   State `json:"to,omitempty"`

	Ticket   *QueueTicket `json:"ticket,omitempty"`
	RecordID string       `json:"record_id,omitempty"`
	Error    string       `json:"error,omitempty"`

	ServerTS time.Time `json:"server_ts,omitempty"`
}

// InboundMessage 是核心接收的消息契约。
type InboundMessage struct {
	Text      string `json:"text"`
	PatientID string `json:"patient_id"`
}

// Reply 是一次消息处理的结果。
type Reply struct {
	Response  string         `json:"response"`
	PatientID string         `json:"patient_id"`
	SessionID string         `json:"session_id"`
	State     State          `json:"state"`
	Degraded  bool           `json:"degraded,omitempty"`
	Ticket    *QueueTicket   `json:"ticket,omitempty"`
	Record    *MedicalRecord `json:"medical_record,omitempty"`
	TopK      []LabelScore   `json:"top_specialties,omitempty"`
}

// QueueStatus 是队列状态查询的返回契约。
type QueueStatus struct {
	SpecialtyID    string `json:"specialty"`
	CurrentNumber  int64  `json:"current_number"`
	LastIssued     int64  `json:"last_issued"`
	WaitingMinutes int    `json:"waiting_minutes"`
	Day            string `json:"day"`
}

// Clone 深拷贝会话，存储层用它隔离调用方的修改。
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	cp.History = append([]Turn(nil), s.History...)
	cp.Info.Symptoms = append([]string(nil), s.Info.Symptoms...)
	cp.Info.SkippedSlots = append([]string(nil), s.Info.SkippedSlots...)
	cp.Predictions = Beliefs{
		Specialties: append([]LabelScore(nil), s.Predictions.Specialties...),
		Symptoms:    append([]LabelScore(nil), s.Predictions.Symptoms...),
		Treatments:  append([]LabelScore(nil), s.Predictions.Treatments...),
		Turns:       s.Predictions.Turns,
	}
	cp.Excluded = append([]string(nil), s.Excluded...)
	cp.Transitions = append([]Transition(nil), s.Transitions...)
	if s.Ticket != nil {
		t := *s.Ticket
		cp.Ticket = &t
	}
	return &cp
}
