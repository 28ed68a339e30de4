package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"triage-assistant/server/internal/model"
)

var (
	// Styles
	patientStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("42"))

	assistantStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	stateStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)

	ticketStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("220")).
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("203"))
)

var chatFlags struct {
	patientID string
	verbose   bool
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the assistant in the terminal",
	Long: `Runs the conversation in-process, without the HTTP server. Useful for
trying the catalog and prompts. Type /quit to leave or /cancel to cancel
the session.`,
	RunE: runChat,
}

func init() {
	f := chatCmd.Flags()
	f.StringVar(&chatFlags.patientID, "patient", "", "patient id (random when empty)")
	f.BoolVarP(&chatFlags.verbose, "verbose", "v", false, "show server logs")
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd.Flags().Changed("config"))
	if err != nil {
		return err
	}
	logger := quietLogger()
	if chatFlags.verbose {
		logger = nil
	}
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.queue.Restore(cmd.Context()); err != nil {
		return err
	}

	patientID := chatFlags.patientID
	if patientID == "" {
		patientID = "cli-" + uuid.NewString()[:8]
	}
	return chatLoop(cmd, a, patientID, cmd.InOrStdin(), cmd.OutOrStdout())
}

func chatLoop(cmd *cobra.Command, a *app, patientID string, in io.Reader, out io.Writer) error {
	ctx := cmd.Context()
	fmt.Fprintln(out, stateStyle.Render("patient "+patientID+" (/quit để thoát, /cancel để hủy)"))

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, patientStyle.Render("Bạn › "))
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())

		var (
			reply *model.Reply
			err   error
		)
		switch line {
		case "/quit", "/exit":
			return nil
		case "/cancel":
			reply, err = a.dispatcher.Cancel(ctx, patientID)
		default:
			reply, err = a.dispatcher.HandleMessage(ctx, model.InboundMessage{Text: line, PatientID: patientID})
		}
		if err != nil {
			fmt.Fprintln(out, warnStyle.Render("lỗi: "+err.Error()))
			continue
		}
		printReply(out, reply)
		if reply.State.Terminal() {
			return nil
		}
	}
}

func printReply(out io.Writer, r *model.Reply) {
	fmt.Fprintln(out, assistantStyle.Render("Trợ lý ›")+" "+r.Response)
	if r.Degraded {
		fmt.Fprintln(out, warnStyle.Render("(bộ phân loại tạm thời không khả dụng)"))
	}
	if r.Ticket != nil && r.State == model.StateQueueConfirmed {
		fmt.Fprintln(out, ticketStyle.Render(fmt.Sprintf("%s  #%d", r.Ticket.SpecialtyID, r.Ticket.Number)))
	}
	if r.Record != nil {
		fmt.Fprintln(out, stateStyle.Render("record "+r.Record.ID))
	}
	fmt.Fprintln(out, stateStyle.Render("["+string(r.State)+"]"))
}
