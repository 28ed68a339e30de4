package director

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"triage-assistant/server/internal/config"
	"triage-assistant/server/internal/domain"
	"triage-assistant/server/internal/model"
)

func newTestDirector() *Director {
	return NewDirector(domain.DefaultCatalog(), config.ConversationConfig{})
}

func TestDetectIntent(t *testing.T) {
	d := newTestDirector()
	tests := []struct {
		text string
		want Intent
	}{
		{"Có", IntentConfirm},
		{"đồng ý", IntentConfirm},
		{"OK", IntentConfirm},
		{"Vâng ạ", IntentConfirm},
		{"không", IntentReject},
		{"Tôi muốn khoa khác", IntentReject},
		{"Có, không sao", IntentConfirm},
		{"Không, cảm ơn", IntentReject},
		{"được, không vấn đề gì", IntentConfirm},
		{"không, có lẽ khoa khác", IntentReject},
		{"hủy", IntentCancel},
		{"Thôi, dừng lại", IntentCancel},
		{"Tôi có bị đau đầu và chóng mặt từ hôm qua", IntentNone},
		{"đau đầu không dừng lại được", IntentNone},
		{"hmm", IntentNone},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			if got := d.DetectIntent(tt.text); got != tt.want {
				t.Fatalf("DetectIntent(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestHasClinicalContent(t *testing.T) {
	d := newTestDirector()
	if !d.HasClinicalContent("Tôi bị đau đầu") {
		t.Fatalf("expected clinical content")
	}
	if !d.HasClinicalContent("dạo này hay khó ngủ") {
		t.Fatalf("expected catalog keyword to count as clinical content")
	}
	if d.HasClinicalContent("Xin chào") {
		t.Fatalf("greeting should not be clinical content")
	}
}

// TestExtractPersonal 验证从自我介绍中抽取个人信息，且不覆盖已有字段。
func TestExtractPersonal(t *testing.T) {
	d := newTestDirector()

	var p model.PersonalInfo
	filled := d.ExtractPersonal("Tôi tên Nguyễn Văn An, 35 tuổi, giới tính nam", &p)
	want := model.PersonalInfo{Name: "Nguyễn Văn An", Age: 35, Gender: "Nam"}
	if diff := cmp.Diff(want, p); diff != "" {
		t.Fatalf("unexpected personal info (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"name", "age", "gender"}, filled); diff != "" {
		t.Fatalf("unexpected filled fields:\n%s", diff)
	}

	d.ExtractPersonal("tôi 40 tuổi", &p)
	if p.Age != 35 {
		t.Fatalf("existing age should not be overwritten, got %d", p.Age)
	}

	var q model.PersonalInfo
	d.ExtractPersonal("Tên tôi là Lan và tôi bị ho", &q)
	if q.Name != "Lan" {
		t.Fatalf("expected name truncated at conjunction, got %q", q.Name)
	}

	var c model.PersonalInfo
	filled = d.ExtractPersonal("Tôi tên Hoa số điện thoại 090.123.4567", &c)
	if c.Name != "Hoa" || c.Contact != "0901234567" {
		t.Fatalf("expected name and normalised phone, got %+v", c)
	}
	if diff := cmp.Diff([]string{"name", "contact"}, filled); diff != "" {
		t.Fatalf("unexpected filled fields:\n%s", diff)
	}
	var e model.PersonalInfo
	d.ExtractPersonal("email của tôi là hoa.tran@example.vn", &e)
	if e.Contact != "hoa.tran@example.vn" {
		t.Fatalf("expected email contact, got %q", e.Contact)
	}
}

func TestAnswerPersonal(t *testing.T) {
	d := newTestDirector()
	tests := []struct {
		field string
		text  string
		ok    bool
	}{
		{"name", "Trần Thị Bình", true},
		{"name", "Tôi bị đau bụng", false},
		{"age", "42", true},
		{"age", "năm nay 42 tuổi", true},
		{"age", "không nhớ", false},
		{"age", "300", false},
		{"gender", "Nữ", true},
		{"gender", "giới tính: khác", true},
		{"gender", "bí mật", false},
		{"contact", "+84 912 345 678", true},
		{"contact", "không muốn cho", false},
	}
	for _, tt := range tests {
		t.Run(tt.field+"/"+tt.text, func(t *testing.T) {
			var p model.PersonalInfo
			if got := d.AnswerPersonal(tt.field, tt.text, &p); got != tt.ok {
				t.Fatalf("AnswerPersonal(%s, %q) = %v, want %v (info %+v)", tt.field, tt.text, got, tt.ok, p)
			}
		})
	}
}

// TestAbsorbCollectsSymptomsAndSlots 验证病情描述合并：主诉累积、症状去重、槽位抽取。
func TestAbsorbCollectsSymptomsAndSlots(t *testing.T) {
	d := newTestDirector()
	var info model.CollectedInfo

	d.Absorb("Tôi bị đau đầu", &info)
	d.Absorb("đau đầu 3 ngày nay, mức độ 7/10, kèm chóng mặt", &info)

	if info.Complaint != "Tôi bị đau đầu. đau đầu 3 ngày nay, mức độ 7/10, kèm chóng mặt" {
		t.Fatalf("unexpected complaint: %q", info.Complaint)
	}
	if diff := cmp.Diff([]string{"đau đầu", "chóng mặt"}, info.Symptoms); diff != "" {
		t.Fatalf("unexpected symptoms:\n%s", diff)
	}
	if info.Duration != "3 ngày nay" {
		t.Fatalf("unexpected duration %q", info.Duration)
	}
	if info.Severity != "7/10" {
		t.Fatalf("unexpected severity %q", info.Severity)
	}
	if info.Location != "đầu" {
		t.Fatalf("unexpected location %q", info.Location)
	}
	if info.MedicalHistory != "" {
		t.Fatalf("history should stay empty until mentioned, got %q", info.MedicalHistory)
	}

	d.Absorb("có tiền sử tiểu đường", &info)
	if info.MedicalHistory != "tiểu đường" {
		t.Fatalf("unexpected history %q", info.MedicalHistory)
	}
}

// TestHistoryAnswers 验证既往史的回答：否认统一记为 "Không có"，其余保留原文。
func TestHistoryAnswers(t *testing.T) {
	d := newTestDirector()
	tests := []struct {
		text string
		want string
	}{
		{"Không có", noHistory},
		{"chưa, không bị gì", noHistory},
		{"không có tiền sử bệnh", noHistory},
		{"tiền sử: hen suyễn", "hen suyễn"},
		{"Từng mổ ruột thừa năm 2019", "Từng mổ ruột thừa năm 2019"},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			var info model.CollectedInfo
			d.AnswerSlot("history", tt.text, &info)
			if info.MedicalHistory != tt.want {
				t.Fatalf("AnswerSlot(history, %q) = %q, want %q", tt.text, info.MedicalHistory, tt.want)
			}
		})
	}
}

// TestNextRequired 验证必填字段的顺序，以及跳过的字段不再阻塞。
func TestNextRequired(t *testing.T) {
	var info model.CollectedInfo
	info.Duration = "3 ngày"
	if got := NextRequired(&info); got != "name" {
		t.Fatalf("expected name first, got %q", got)
	}
	info.Personal = model.PersonalInfo{Name: "An", Age: 30, Gender: "Nam"}
	info.SkippedSlots = []string{"contact"}
	if got := NextRequired(&info); got != "history" {
		t.Fatalf("expected history after skipped contact, got %q", got)
	}
	info.MedicalHistory = noHistory
	if got := NextRequired(&info); got != "" {
		t.Fatalf("expected nothing missing, got %q", got)
	}
	if !IsRequired("contact") || IsRequired("severity") || IsRequired(SlotDetail) {
		t.Fatalf("unexpected required fields")
	}
}

func TestNextSlotFollowsPriority(t *testing.T) {
	d := newTestDirector()
	var info model.CollectedInfo

	if got := d.NextSlot(&info); got != "duration" {
		t.Fatalf("expected duration first, got %s", got)
	}
	info.Duration = "2 tuần"
	info.Severity = "nhẹ"
	if got := d.NextSlot(&info); got != "location" {
		t.Fatalf("expected location, got %s", got)
	}
	info.Location = "bụng"
	if got := d.NextSlot(&info); got != "name" {
		t.Fatalf("expected name after symptom slots, got %s", got)
	}
	info.Personal.Name = "Bình"
	d.AnswerSlot("age", "không rõ", &info)
	if !info.SlotSkipped("age") {
		t.Fatalf("unparseable age should be skipped")
	}
	if got := d.NextSlot(&info); got != "gender" {
		t.Fatalf("expected gender after skipped age, got %s", got)
	}
	info.Personal.Gender = "Nữ"
	if got := d.NextSlot(&info); got != "contact" {
		t.Fatalf("expected contact, got %s", got)
	}
	info.Personal.Contact = "0901234567"
	if got := d.NextSlot(&info); got != "history" {
		t.Fatalf("expected history, got %s", got)
	}
	d.AnswerSlot("history", "không", &info)
	if got := d.NextSlot(&info); got != SlotDetail {
		t.Fatalf("expected detail question once all slots are known, got %s", got)
	}
}

func TestCustomSlotPriority(t *testing.T) {
	d := NewDirector(domain.DefaultCatalog(), config.ConversationConfig{SlotPriority: []string{"location", "duration"}})
	var info model.CollectedInfo
	if got := d.NextSlot(&info); got != "location" {
		t.Fatalf("expected configured priority, got %s", got)
	}
}

func TestPrompts(t *testing.T) {
	if Greeting(true) == Greeting(false) {
		t.Fatalf("returning patients should get a different greeting")
	}
	if Question("unknown") != Question(SlotDetail) {
		t.Fatalf("unknown slot should fall back to the detail question")
	}
	s := Suggest(model.LabelScore{ID: "Thần kinh", Confidence: 0.85}, false)
	if want := "khoa Thần kinh (độ tin cậy 85%)"; !strings.Contains(s, want) {
		t.Fatalf("suggestion %q should contain %q", s, want)
	}
	msg := TicketIssued(&model.QueueTicket{SpecialtyID: "Thần kinh", Number: 45}, 30)
	if !strings.Contains(msg, "Số thứ tự: 45") || !strings.Contains(msg, "khoảng 30 phút") {
		t.Fatalf("unexpected ticket message: %q", msg)
	}
}
