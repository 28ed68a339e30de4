package director

import (
	"fmt"
	"strings"

	"triage-assistant/server/internal/model"
)

const (
	greetingNew       = "Xin chào! Tôi là trợ lý y tế ảo. Tôi sẽ giúp bạn tìm hiểu về tình trạng sức khỏe và đề xuất chuyên khoa phù hợp."
	greetingReturning = "Xin chào! Rất vui được gặp lại bạn."

	askSymptoms = "Xin hãy mô tả các triệu chứng bạn đang gặp phải?"
	thanksInfo  = "Cảm ơn thông tin của bạn."

	degradedPrompt = "Xin lỗi, tôi chưa phân tích được thông tin vừa rồi. Bạn có thể nói rõ hơn về triệu chứng được không?"
	cancelledText  = "Đã hủy phiên tư vấn. Nếu cần hỗ trợ thêm, hãy quay lại khi cần nhé!"
	recordDoneText = "Hồ sơ khám của bạn đã được tạo. Xin vui lòng đến đúng khoa để được khám. Cảm ơn bạn đã sử dụng dịch vụ!"
	ticketErrText  = "Xin lỗi, hệ thống lấy số đang bận. Bạn vui lòng trả lời \"Có\" để thử lại."
)

var personalQuestions = map[string]string{
	"name":    "Trước tiên, xin cho biết họ tên đầy đủ của bạn?",
	"age":     "Xin cho biết tuổi của bạn?",
	"gender":  "Xin cho biết giới tính của bạn (Nam/Nữ/Khác)?",
	"contact": "Vui lòng cho biết số điện thoại hoặc email để liên hệ?",
}

var personalReprompts = map[string]string{
	"name":    "Xin lỗi, tôi chưa nghe rõ. Vui lòng cho biết họ tên của bạn?",
	"age":     "Xin lỗi, vui lòng nhập tuổi bằng số.",
	"gender":  "Vui lòng chọn giới tính: Nam, Nữ hoặc Khác.",
	"contact": "Xin lỗi, vui lòng nhập số điện thoại (ví dụ 0901234567) hoặc email.",
}

var slotQuestions = map[string]string{
	"duration": "Bạn bị như vậy bao lâu rồi?",
	"severity": "Mức độ khó chịu thế nào (nhẹ, vừa, nặng, hoặc từ 1 đến 10)?",
	"location": "Bạn cảm thấy khó chịu ở vị trí nào trên cơ thể?",
	"name":     "Xin cho biết họ tên đầy đủ của bạn?",
	"age":      "Xin cho biết tuổi của bạn?",
	"gender":   "Xin cho biết giới tính của bạn (Nam/Nữ/Khác)?",
	"contact":  "Vui lòng cho biết số điện thoại hoặc email để liên hệ?",
	"history":  "Bạn có tiền sử bệnh lý nào không? (ví dụ: bệnh mãn tính, phẫu thuật...)",
	SlotDetail: "Bạn có thể mô tả thêm các triệu chứng khác hoặc hoàn cảnh xuất hiện không?",
}

// Greeting 开场白。returning 为老病人。
func Greeting(returning bool) string {
	if returning {
		return greetingReturning
	}
	return greetingNew
}

// AskPersonal 询问个人信息字段；reprompt 为无法解析后的重问。
func AskPersonal(field string, reprompt bool) string {
	if reprompt {
		return personalReprompts[field]
	}
	return personalQuestions[field]
}

// AskSymptoms 个人信息收集完毕后请用户描述症状。
func AskSymptoms(afterInfo bool) string {
	if afterInfo {
		return thanksInfo + " " + askSymptoms
	}
	return askSymptoms
}

// Question 返回某个澄清槽位的追问。
func Question(slot string) string {
	if q, ok := slotQuestions[slot]; ok {
		return q
	}
	return slotQuestions[SlotDetail]
}

// Suggest 推荐专科并请求确认。
func Suggest(specialty model.LabelScore, reprompt bool) string {
	if reprompt {
		return fmt.Sprintf("Vui lòng trả lời Có hoặc Không: bạn có muốn khám tại khoa %s không?", specialty.ID)
	}
	return fmt.Sprintf("Dựa trên thông tin bạn cung cấp, tôi đề xuất bạn nên khám tại khoa %s (độ tin cậy %.0f%%). Bạn có muốn lấy số thứ tự không? (Có/Không)",
		specialty.ID, specialty.Confidence*100)
}

// TicketIssued 出号成功后的回复。
func TicketIssued(t *model.QueueTicket, waitingMinutes int) string {
	var b strings.Builder
	b.WriteString("Đã đặt lịch khám thành công!\n")
	fmt.Fprintf(&b, "- Khoa: %s\n", t.SpecialtyID)
	fmt.Fprintf(&b, "- Số thứ tự: %d\n", t.Number)
	fmt.Fprintf(&b, "- Thời gian chờ dự kiến: khoảng %d phút\n", waitingMinutes)
	b.WriteString("Bạn có muốn bổ sung thông tin gì trước khi hoàn tất hồ sơ không?")
	return b.String()
}

// TicketRetry 出号失败（可重试）时的回复。
func TicketRetry() string { return ticketErrText }

// RecordDone 病历生成后的结束语。
func RecordDone() string { return recordDoneText }

// Cancelled 会话取消后的回复。
func Cancelled() string { return cancelledText }

// Degraded 分类器不可用时的通用追问。
func Degraded() string { return degradedPrompt }

// Prefix 在回复前加上一句话（例如开场白）。
func Prefix(lead, text string) string {
	if lead == "" {
		return text
	}
	return lead + " " + text
}
