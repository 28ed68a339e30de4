package director

import (
	"regexp"
	"strconv"
	"strings"

	"triage-assistant/server/internal/config"
	"triage-assistant/server/internal/domain"
	"triage-assistant/server/internal/model"
)

// SlotDetail 所有槽位都已回答但置信度仍不足时使用的通用追问。
const SlotDetail = "detail"

// noHistory 病人否认既往史时记录的值
const noHistory = "Không có"

// Intent 用户回复的意图
type Intent int

const (
	IntentNone Intent = iota
	IntentConfirm
	IntentReject
	IntentCancel
)

func (i Intent) String() string {
	switch i {
	case IntentConfirm:
		return "confirm"
	case IntentReject:
		return "reject"
	case IntentCancel:
		return "cancel"
	default:
		return "none"
	}
}

var (
	// 明确的取消词，任何语境下都生效
	hardCancelWords = []string{"hủy", "huỷ", "cancel", "hủy bỏ"}
	// 较弱的取消词，只有在没有临床内容时才当作取消
	softCancelWords = []string{"thôi", "dừng lại", "không khám nữa"}

	rejectWords  = []string{"không", "ko", "no", "khoa khác", "không muốn", "không đồng ý"}
	confirmWords = []string{"có", "đồng ý", "ok", "okay", "vâng", "yes", "được", "dạ", "ừ"}

	// 主诉短语：即使不在症状目录中，也说明用户在描述病情
	complaintWords = []string{"bị", "đau", "mệt", "nhức", "khó chịu", "triệu chứng", "ốm", "bệnh"}
)

// maxReplyWords 带临床内容时仍被当作是/否答复的最大词数
const maxReplyWords = 4

// Director 规则引擎：从文本中抽取结构化信息、识别意图、选择下一个追问。
// 它不持有会话状态，所有方法都作用在调用方传入的数据上。
type Director struct {
	catalog      *domain.Catalog
	slotPriority []string
}

// NewDirector 创建规则引擎
func NewDirector(catalog *domain.Catalog, cfg config.ConversationConfig) *Director {
	priority := cfg.SlotPriority
	if len(priority) == 0 {
		priority = []string{"duration", "severity", "location", "name", "age", "gender", "contact", "history"}
	}
	return &Director{
		catalog:      catalog,
		slotPriority: priority,
	}
}

// DetectIntent 识别意图。取消优先；拒绝与确认同时出现时以先出现的为准，
// 例如 "Có, không sao" 是确认，"Không, cảm ơn" 是拒绝。
func (d *Director) DetectIntent(text string) Intent {
	if domain.ContainsAny(text, hardCancelWords) {
		return IntentCancel
	}
	if domain.ContainsAny(text, softCancelWords) && !d.HasClinicalContent(text) {
		return IntentCancel
	}
	// 较长的病情描述里常出现 "có"、"không"，不当作答复
	if d.HasClinicalContent(text) && len(strings.Fields(text)) > maxReplyWords {
		return IntentNone
	}
	reject := domain.IndexAny(text, rejectWords)
	confirm := domain.IndexAny(text, confirmWords)
	switch {
	case reject >= 0 && (confirm < 0 || reject <= confirm):
		return IntentReject
	case confirm >= 0:
		return IntentConfirm
	}
	return IntentNone
}

// IsCancel 是否为取消意图
func (d *Director) IsCancel(text string) bool {
	return d.DetectIntent(text) == IntentCancel
}

// HasClinicalContent 文本是否在描述病情：提到目录中的症状，或包含主诉短语。
func (d *Director) HasClinicalContent(text string) bool {
	if len(d.catalog.Symptoms.Mentions(text)) > 0 {
		return true
	}
	return domain.ContainsAny(text, complaintWords)
}

var (
	nameRe      = regexp.MustCompile(`(?i)(?:tên(?: của)? (?:tôi|em|mình|cháu) là|tên là|tôi tên|em tên|mình tên|tôi là)\s+([^\d,.;!?]+)`)
	ageRe       = regexp.MustCompile(`(?i)(\d{1,3})\s*tuổi`)
	ageAnswerRe = regexp.MustCompile(`^\D*(\d{1,3})\D*$`)
	genderRe    = regexp.MustCompile(`(?i)giới tính(?: là|:)?\s*(nam|nữ|khác)`)
	phoneRe     = regexp.MustCompile(`(?:\+84|0)(?:[\s.-]?\d){9,10}`)
	emailRe     = regexp.MustCompile(`[\w.+-]+@[\w-]+(?:\.[\w-]+)+`)
	historyRe   = regexp.MustCompile(`(?:(không|chưa)\s+(?:có\s+)?)?tiền sử\s*(?:bệnh(?:\s+lý)?)?\s*(?:là|:)?\s*([^,.;!?]*)`)
)

// 否认既往史的回答
var noHistoryWords = []string{"không", "không có", "chưa", "chưa có", "không bị gì", "bình thường"}

// 自我介绍后常跟着的连接词，名字在这里截断
var nameStopWords = map[string]bool{"và": true, "năm": true, "nay": true, "bị": true, "đang": true, "hay": true, "thường": true, "số": true, "sđt": true, "email": true}

// ExtractPersonal 从自由文本中抽取姓名、年龄、性别、联系方式，只填写尚未填写的字段。
// 返回本次新填写的字段。
func (d *Director) ExtractPersonal(text string, p *model.PersonalInfo) []string {
	var filled []string
	norm := domain.Normalize(text)

	if p.Name == "" {
		if m := nameRe.FindStringSubmatch(strings.TrimSpace(text)); m != nil {
			if name := cleanName(m[1]); name != "" {
				p.Name = name
				filled = append(filled, "name")
			}
		}
	}
	if p.Age == 0 {
		if m := ageRe.FindStringSubmatch(norm); m != nil {
			if age, ok := parseAge(m[1]); ok {
				p.Age = age
				filled = append(filled, "age")
			}
		}
	}
	if p.Gender == "" {
		if g := extractGender(norm); g != "" {
			p.Gender = g
			filled = append(filled, "gender")
		}
	}
	if p.Contact == "" {
		if c := extractContact(text); c != "" {
			p.Contact = c
			filled = append(filled, "contact")
		}
	}
	return filled
}

// AnswerPersonal 把文本当作对 field 的直接回答来解析。
// 姓名直接采用整段文本（目录中有症状或主诉短语时除外）。
func (d *Director) AnswerPersonal(field, text string, p *model.PersonalInfo) bool {
	text = strings.TrimSpace(text)
	norm := domain.Normalize(text)
	switch field {
	case "name":
		if d.HasClinicalContent(text) {
			return false
		}
		if m := nameRe.FindStringSubmatch(text); m != nil {
			text = m[1]
		}
		if name := cleanName(text); name != "" && !containsDigit(name) {
			p.Name = name
			return true
		}
	case "age":
		m := ageRe.FindStringSubmatch(norm)
		if m == nil {
			m = ageAnswerRe.FindStringSubmatch(norm)
		}
		if m != nil {
			if age, ok := parseAge(m[1]); ok {
				p.Age = age
				return true
			}
		}
	case "gender":
		if g := extractGender(norm); g != "" {
			p.Gender = g
			return true
		}
		switch norm {
		case "nam", "nữ", "khác":
			p.Gender = genderLabel(norm)
			return true
		}
	case "contact":
		if c := extractContact(text); c != "" {
			p.Contact = c
			return true
		}
	}
	return false
}

// Absorb 把一段病情描述合并到已收集信息中：追加主诉、记录提到的症状、抽取槽位。
func (d *Director) Absorb(text string, info *model.CollectedInfo) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if info.Complaint == "" {
		info.Complaint = text
	} else {
		info.Complaint += ". " + text
	}
	for _, id := range d.catalog.Symptoms.Mentions(text) {
		info.AddSymptom(id)
	}
	norm := domain.Normalize(text)
	if info.Duration == "" {
		info.Duration = extractDuration(norm)
	}
	if info.Severity == "" {
		info.Severity = extractSeverity(norm)
	}
	if info.Location == "" {
		info.Location = extractLocation(norm)
	}
	if info.MedicalHistory == "" {
		info.MedicalHistory = extractHistory(norm)
	}
	d.ExtractPersonal(text, &info.Personal)
}

// AnswerSlot 把文本当作对 slot 的直接回答。
// 症状槽位和既往史在抽取失败时保留原文；个人信息无法解析时标记为跳过，避免反复追问。
func (d *Director) AnswerSlot(slot, text string, info *model.CollectedInfo) {
	text = strings.TrimSpace(text)
	if text == "" || info.Slot(slot) != "" {
		return
	}
	switch slot {
	case "duration":
		info.Duration = text
	case "severity":
		info.Severity = text
	case "location":
		info.Location = text
	case "history":
		info.MedicalHistory = historyAnswer(text)
	case "age", "gender", "name", "contact":
		if !d.AnswerPersonal(slot, text, &info.Personal) {
			info.SkippedSlots = append(info.SkippedSlots, slot)
		}
	}
}

// NextSlot 按优先级返回第一个未回答且未被跳过的槽位；全部回答后返回 SlotDetail。
func (d *Director) NextSlot(info *model.CollectedInfo) string {
	for _, slot := range d.slotPriority {
		if info.Slot(slot) == "" && !info.SlotSkipped(slot) {
			return slot
		}
	}
	return SlotDetail
}

// NextRequired 返回第一个尚缺的必填字段（个人信息、既往史），都已收集或跳过时返回空串。
func NextRequired(info *model.CollectedInfo) string {
	if missing := info.MissingRequired(); len(missing) > 0 {
		return missing[0]
	}
	return ""
}

// IsRequired 字段是否为必填字段，回答它不属于病情描述。
func IsRequired(slot string) bool {
	for _, f := range model.RequiredFields {
		if f == slot {
			return true
		}
	}
	return false
}

func cleanName(s string) string {
	var words []string
	for _, w := range strings.Fields(s) {
		if nameStopWords[domain.Normalize(w)] {
			break
		}
		words = append(words, strings.Trim(w, "\"'"))
	}
	if len(words) == 0 || len(words) > 6 {
		return ""
	}
	return strings.Join(words, " ")
}

func containsDigit(s string) bool {
	return strings.ContainsAny(s, "0123456789")
}

func parseAge(s string) (int, bool) {
	age, err := strconv.Atoi(s)
	if err != nil || age <= 0 || age > 120 {
		return 0, false
	}
	return age, true
}

func extractGender(norm string) string {
	if m := genderRe.FindStringSubmatch(norm); m != nil {
		return genderLabel(m[1])
	}
	switch {
	case domain.ContainsAny(norm, []string{"đàn ông", "con trai", "nam giới"}):
		return "Nam"
	case domain.ContainsAny(norm, []string{"phụ nữ", "con gái", "nữ giới"}):
		return "Nữ"
	}
	return ""
}

func genderLabel(g string) string {
	switch g {
	case "nam":
		return "Nam"
	case "nữ":
		return "Nữ"
	default:
		return "Khác"
	}
}

var (
	durationRe = regexp.MustCompile(`(?:\d+|một|hai|ba|bốn|năm|vài|mấy|nửa)\s*(?:ngày|tuần|tháng|năm|giờ|tiếng|hôm)(?:\s*nay)?`)
	severityRe = regexp.MustCompile(`\b(\d{1,2})\s*/\s*10\b`)
)

var durationWords = []string{"hôm qua", "hôm nay", "sáng nay", "tối qua", "đêm qua", "lâu rồi", "mới bị"}

var severityWords = []string{"rất nặng", "dữ dội", "nặng", "vừa phải", "vừa", "nhẹ", "âm ỉ", "rất đau"}

var locationWords = []string{
	"bên trái", "bên phải", "thái dương", "sau gáy", "trán", "đỉnh đầu",
	"đầu", "ngực", "bụng", "lưng", "họng", "cổ", "tay", "chân", "khớp", "gối", "mũi", "tai", "da", "mắt",
}

func extractDuration(norm string) string {
	if m := durationRe.FindString(norm); m != "" && durationWordBoundary(norm, m) {
		return strings.TrimSpace(m)
	}
	for _, w := range durationWords {
		if domain.ContainsWord(norm, w) {
			return w
		}
	}
	return ""
}

// 命中必须是整词，"khai ngày" 这类片段不算。
func durationWordBoundary(norm, m string) bool {
	return domain.ContainsWord(norm, strings.TrimSpace(m))
}

func extractSeverity(norm string) string {
	if m := severityRe.FindStringSubmatch(norm); m != nil {
		return m[1] + "/10"
	}
	for _, w := range severityWords {
		if domain.ContainsWord(norm, w) {
			return w
		}
	}
	return ""
}

func extractContact(text string) string {
	if m := emailRe.FindString(text); m != "" {
		return m
	}
	if m := phoneRe.FindString(text); m != "" {
		return strings.NewReplacer(" ", "", ".", "", "-", "").Replace(m)
	}
	return ""
}

// extractHistory 从 "không có tiền sử bệnh"、"có tiền sử tiểu đường" 这类短语中抽取既往史。
func extractHistory(norm string) string {
	m := historyRe.FindStringSubmatch(norm)
	if m == nil {
		return ""
	}
	if m[1] != "" {
		return noHistory
	}
	detail := strings.TrimSpace(m[2])
	switch detail {
	case "", "gì", "nào", "gì cả":
		return ""
	}
	return detail
}

func historyAnswer(text string) string {
	norm := domain.Normalize(text)
	if h := extractHistory(norm); h != "" {
		return h
	}
	for _, w := range noHistoryWords {
		if norm == w || strings.HasPrefix(norm, w+" ") || strings.HasPrefix(norm, w+",") {
			return noHistory
		}
	}
	return text
}

func extractLocation(norm string) string {
	for _, w := range locationWords {
		if domain.ContainsWord(norm, w) {
			return w
		}
	}
	return ""
}
