package record

import (
	"bytes"
	"fmt"
	"time"

	"github.com/signintech/gopdf"

	"triage-assistant/server/internal/model"
)

// DefaultFontPaths 常见的 DejaVuSans 安装位置（支持越南语字符）
var DefaultFontPaths = []string{
	"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
	"/usr/share/fonts/dejavu/DejaVuSans.ttf",
	"/usr/share/fonts/ttf-dejavu/DejaVuSans.ttf",
}

const (
	fontName  = "DejaVu"
	textWidth = 500
)

// PDFRenderer 把病历渲染为 A4 PDF，供前台打印。
type PDFRenderer struct {
	fontPaths []string
	// kind 返回治疗类别，可为空
	kind func(id string) string
	loc  *time.Location
}

// NewPDFRenderer fontPath 为空时依次尝试 DefaultFontPaths。
func NewPDFRenderer(fontPath string, kind func(id string) string) *PDFRenderer {
	paths := DefaultFontPaths
	if fontPath != "" {
		paths = append([]string{fontPath}, DefaultFontPaths...)
	}
	return &PDFRenderer{fontPaths: paths, kind: kind, loc: time.Local}
}

// Render 生成 PDF 字节
func (p *PDFRenderer) Render(r *model.MedicalRecord) ([]byte, error) {
	pdf := gopdf.GoPdf{}
	pdf.Start(gopdf.Config{PageSize: *gopdf.PageSizeA4})
	pdf.AddPage()

	var fontErr error
	loaded := false
	for _, path := range p.fontPaths {
		if err := pdf.AddTTFFont(fontName, path); err == nil {
			loaded = true
			break
		} else {
			fontErr = err
		}
	}
	if !loaded {
		return nil, fmt.Errorf("load pdf font (install DejaVuSans or set record.pdf_font): %w", fontErr)
	}

	w := &pdfWriter{pdf: &pdf}
	w.heading(18, "PHIẾU KHÁM BỆNH")
	w.br(10)

	w.font(11)
	w.line(fmt.Sprintf("Mã hồ sơ: %s (phiên bản %d)", r.ID, r.Version))
	if r.PriorID != "" {
		w.line(fmt.Sprintf("Thay thế hồ sơ: %s", r.PriorID))
	}
	w.line(fmt.Sprintf("Ngày tạo: %s", r.CreatedAt.In(p.loc).Format("02/01/2006 15:04")))
	w.line(fmt.Sprintf("Mã bệnh nhân: %s", r.PatientID))
	pi := r.Info.Personal
	if pi.Name != "" {
		w.line(fmt.Sprintf("Họ tên: %s", pi.Name))
	}
	if pi.Age > 0 {
		w.line(fmt.Sprintf("Tuổi: %d", pi.Age))
	}
	if pi.Gender != "" {
		w.line(fmt.Sprintf("Giới tính: %s", pi.Gender))
	}
	if pi.Contact != "" {
		w.line(fmt.Sprintf("Liên hệ: %s", pi.Contact))
	}
	w.br(10)

	w.heading(13, "Lý do khám")
	w.font(11)
	w.wrap(r.Info.Complaint)
	w.br(10)

	if r.Info.MedicalHistory != "" {
		w.heading(13, "Tiền sử bệnh")
		w.font(11)
		w.wrap(r.Info.MedicalHistory)
		w.br(10)
	}

	w.heading(13, "Tóm tắt")
	w.font(11)
	w.wrap(r.DiagnosisSummary)
	w.br(10)

	w.heading(13, "Đề xuất")
	w.font(11)
	w.line(fmt.Sprintf("Chuyên khoa: %s (%.0f%%)", r.Recommendations.Specialty.ID, r.Recommendations.Specialty.Confidence*100))
	for _, t := range r.Recommendations.Treatments {
		label := t.ID
		if p.kind != nil {
			if k := kindLabel(p.kind(t.ID)); k != "" {
				label = fmt.Sprintf("[%s] %s", k, t.ID)
			}
		}
		w.line(fmt.Sprintf("- %s (%.0f%%)", label, t.Confidence*100))
	}
	if r.Ticket != nil {
		w.br(10)
		w.heading(13, "Số thứ tự")
		w.font(11)
		w.line(fmt.Sprintf("Khoa %s - số %d - ngày %s", r.Ticket.SpecialtyID, r.Ticket.Number, r.Ticket.Day))
	}

	if w.err != nil {
		return nil, w.err
	}
	var buf bytes.Buffer
	if _, err := pdf.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func kindLabel(kind string) string {
	switch kind {
	case "test":
		return "Xét nghiệm"
	case "medication":
		return "Thuốc"
	case "therapy":
		return "Trị liệu"
	}
	return ""
}

// pdfWriter 记录第一个错误，避免每一行都检查
type pdfWriter struct {
	pdf *gopdf.GoPdf
	err error
}

func (w *pdfWriter) font(size float64) {
	if w.err != nil {
		return
	}
	w.err = w.pdf.SetFont(fontName, "", size)
}

func (w *pdfWriter) heading(size float64, text string) {
	w.font(size)
	w.line(text)
}

func (w *pdfWriter) line(text string) {
	if w.err != nil {
		return
	}
	w.err = w.pdf.Cell(nil, text)
	w.pdf.Br(16)
}

func (w *pdfWriter) wrap(text string) {
	if w.err != nil || text == "" {
		return
	}
	lines, err := w.pdf.SplitText(text, textWidth)
	if err != nil {
		w.err = err
		return
	}
	for _, l := range lines {
		w.line(l)
	}
}

func (w *pdfWriter) br(h float64) {
	w.pdf.Br(h)
}
