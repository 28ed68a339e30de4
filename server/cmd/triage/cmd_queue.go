package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"triage-assistant/server/internal/model"
)

var serverURL string

var queueFlags struct {
	markdown bool
	advance  string
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show today's queue for every specialty",
	RunE:  runQueue,
}

var recordFlags struct {
	output string
}

var recordCmd = &cobra.Command{
	Use:   "record <record-id>",
	Short: "Show a medical record, or save it as PDF with -o",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecord,
}

func init() {
	for _, c := range []*cobra.Command{queueCmd, recordCmd} {
		c.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "triage server base URL")
	}
	queueCmd.Flags().BoolVar(&queueFlags.markdown, "markdown", false, "render as a Markdown table")
	queueCmd.Flags().StringVar(&queueFlags.advance, "advance", "", "call the next ticket of this specialty first")
	recordCmd.Flags().StringVarP(&recordFlags.output, "output", "o", "", "write the record PDF to this file")
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

// fetch 调用服务端 API，非 2xx 时返回服务端的错误信息。
func fetch(method, path string, out any) error {
	req, err := http.NewRequest(method, strings.TrimRight(serverURL, "/")+path, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return fmt.Errorf("%s %s: %s (%s)", method, path, resp.Status, body.Error)
	}
	if w, ok := out.(io.Writer); ok {
		_, err = io.Copy(w, resp.Body)
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func runQueue(cmd *cobra.Command, _ []string) error {
	if queueFlags.advance != "" {
		var st model.QueueStatus
		if err := fetch(http.MethodPost, "/api/queue/"+url.PathEscape(queueFlags.advance)+"/advance", &st); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s now serving #%d\n", st.SpecialtyID, st.CurrentNumber)
	}

	var statuses []model.QueueStatus
	if err := fetch(http.MethodGet, "/api/queue", &statuses); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderQueue(statuses, queueFlags.markdown))
	return nil
}

// renderQueue 把队列状态渲染为表格
func renderQueue(statuses []model.QueueStatus, markdown bool) string {
	w := table.NewWriter()
	w.SetStyle(table.StyleLight)
	w.AppendHeader(table.Row{"Specialty", "Serving", "Last issued", "Waiting", "Wait (min)"})
	w.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight},
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
	})

	var waiting int64
	for _, st := range statuses {
		n := st.LastIssued - st.CurrentNumber
		if n < 0 {
			n = 0
		}
		waiting += n
		w.AppendRow(table.Row{st.SpecialtyID, st.CurrentNumber, st.LastIssued, n, st.WaitingMinutes})
	}
	w.AppendFooter(table.Row{"Total", "", "", waiting, ""})

	if markdown {
		return w.RenderMarkdown()
	}
	return w.Render()
}

func runRecord(cmd *cobra.Command, args []string) error {
	id := url.PathEscape(args[0])
	if recordFlags.output != "" {
		f, err := os.Create(recordFlags.output)
		if err != nil {
			return err
		}
		if err := fetch(http.MethodGet, "/api/records/"+id+"/pdf", f); err != nil {
			f.Close()
			_ = os.Remove(recordFlags.output)
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Saved: %s\n", recordFlags.output)
		return nil
	}

	var r model.MedicalRecord
	if err := fetch(http.MethodGet, "/api/records/"+id, &r); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderRecord(&r))
	return nil
}

func renderRecord(r *model.MedicalRecord) string {
	var b strings.Builder
	fmt.Fprintln(&b, assistantStyle.Render("Hồ sơ "+r.ID))
	fmt.Fprintf(&b, "Bệnh nhân: %s  (v%d, %s)\n", r.PatientID, r.Version, r.CreatedAt.Format("2006-01-02 15:04"))
	if pi := r.Info.Personal; pi.Name != "" {
		fmt.Fprintf(&b, "%s, %d tuổi, %s  %s\n", pi.Name, pi.Age, pi.Gender, pi.Contact)
	}
	if r.Info.MedicalHistory != "" {
		fmt.Fprintf(&b, "Tiền sử: %s\n", r.Info.MedicalHistory)
	}
	fmt.Fprintln(&b, r.DiagnosisSummary)

	w := table.NewWriter()
	w.SetStyle(table.StyleLight)
	w.AppendHeader(table.Row{"Đề xuất", "Độ tin cậy"})
	sp := r.Recommendations.Specialty
	w.AppendRow(table.Row{sp.ID, fmt.Sprintf("%.0f%%", sp.Confidence*100)})
	for _, t := range r.Recommendations.Treatments {
		w.AppendRow(table.Row{t.ID, fmt.Sprintf("%.0f%%", t.Confidence*100)})
	}
	b.WriteString(w.Render())
	if r.Ticket != nil {
		b.WriteString("\n" + ticketStyle.Render(fmt.Sprintf("%s  #%d", r.Ticket.SpecialtyID, r.Ticket.Number)))
	}
	return b.String()
}
