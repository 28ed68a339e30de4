package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"triage-assistant/server/internal/classifier"
	"triage-assistant/server/internal/director"
	"triage-assistant/server/internal/model"
	"triage-assistant/server/internal/predict"
	"triage-assistant/server/internal/queue"
	"triage-assistant/server/internal/record"
	"triage-assistant/server/internal/timeline"
)

// ErrIllegalTransition 状态机试图走一条不存在的边
var ErrIllegalTransition = errors.New("orchestrator: illegal transition")

// edges 状态机的全部边。任何非终止状态都可以取消。
var edges = map[model.State][]model.State{
	model.StateGreeting:               {model.StateCollectingPersonalInfo, model.StateCollectingSymptoms},
	model.StateCollectingPersonalInfo: {model.StateCollectingSymptoms},
	model.StateCollectingSymptoms:     {model.StateAwaitingClarification, model.StateSpecialtySuggested},
	model.StateAwaitingClarification:  {model.StateCollectingSymptoms},
	model.StateSpecialtySuggested:     {model.StateQueueConfirmed, model.StateCollectingSymptoms},
	model.StateQueueConfirmed:         {model.StateRecordGenerated},
}

// CanTransition 判断 from -> to 是否是状态机中的一条边。
func CanTransition(from, to model.State) bool {
	if from.Terminal() {
		return false
	}
	if to == model.StateCancelled {
		return true
	}
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// turn 一次消息处理的上下文
type turn struct {
	ctx context.Context
	s   *model.Session
	now time.Time

	// lead 放在回复最前面的一句（开场白）
	lead     string
	text     string
	response string
	degraded bool
	record   *model.MedicalRecord

	// events 本轮产生的事件，会话保存成功后才写入时间线
	events []model.Event
}

func (o *Orchestrator) newTurn(ctx context.Context, s *model.Session) *turn {
	return &turn{ctx: ctx, s: s, now: o.now()}
}

func (t *turn) say(text string) {
	t.text = text
}

// step 是状态机的唯一入口：根据会话当前状态处理一条消息，原地修改会话。
// 调用方负责会话的加载与 commit；同一会话的 step 不能并发调用。
func (o *Orchestrator) step(ctx context.Context, s *model.Session, text string) (*turn, error) {
	if s.State.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrSessionClosed, s.ID)
	}
	t := o.newTurn(ctx, s)

	text = strings.TrimSpace(text)
	if text == "" {
		// 空输入：状态不变，重发上一次的提示
		prompt := s.LastPrompt
		if prompt == "" {
			prompt = director.Prefix(director.Greeting(s.Returning), director.AskPersonal("name", false))
		}
		t.response = prompt
		return t, nil
	}

	o.emit(t, model.Event{Type: timeline.EventUserMessage, Text: text})

	var err error
	if o.director.IsCancel(text) {
		err = o.cancel(t)
	} else {
		err = o.dispatch(t, text)
	}
	if err != nil {
		return nil, err
	}
	o.finish(t)
	return t, nil
}

func (o *Orchestrator) dispatch(t *turn, text string) error {
	s := t.s
	switch s.State {
	case model.StateGreeting:
		return o.onGreeting(t, text)
	case model.StateCollectingPersonalInfo:
		return o.onPersonalInfo(t, text)
	case model.StateCollectingSymptoms:
		return o.collect(t, text)
	case model.StateAwaitingClarification:
		return o.onClarification(t, text)
	case model.StateSpecialtySuggested:
		return o.onSuggested(t, text)
	case model.StateQueueConfirmed:
		if o.director.HasClinicalContent(text) {
			o.director.Absorb(text, &s.Info)
		}
		return o.generateRecord(t)
	default:
		return fmt.Errorf("orchestrator: unknown state %q", s.State)
	}
}

func (o *Orchestrator) onGreeting(t *turn, text string) error {
	t.lead = director.Greeting(t.s.Returning)
	filled := o.director.ExtractPersonal(text, &t.s.Info.Personal)

	if o.director.HasClinicalContent(text) {
		if err := o.transition(t, model.StateCollectingSymptoms); err != nil {
			return err
		}
		return o.collect(t, text)
	}
	return o.askPersonalOrSymptoms(t, len(filled) > 0)
}

func (o *Orchestrator) onPersonalInfo(t *turn, text string) error {
	s := t.s
	p := &s.Info.Personal

	// 用户直接开始讲病情：剩下的年龄、性别之后作为澄清槽位再问
	if o.director.HasClinicalContent(text) {
		o.director.ExtractPersonal(text, p)
		s.PendingSlot = ""
		if err := o.transition(t, model.StateCollectingSymptoms); err != nil {
			return err
		}
		return o.collect(t, text)
	}

	pending := s.PendingSlot
	answered := len(o.director.ExtractPersonal(text, p)) > 0
	if !answered && pending != "" && isMissing(*p, pending) {
		answered = o.director.AnswerPersonal(pending, text, p)
	}
	if !answered && pending != "" {
		s.Reprompts++
		if s.Reprompts <= o.cfg.Conversation.MaxReprompts {
			t.say(director.AskPersonal(pending, true))
			return nil
		}
		// 重问后仍无法解析：跳过该字段
		s.Info.SkippedSlots = append(s.Info.SkippedSlots, pending)
	}
	return o.askPersonalOrSymptoms(t, true)
}

// askPersonalOrSymptoms 还有个人信息没填就继续问，否则请用户描述症状。
func (o *Orchestrator) askPersonalOrSymptoms(t *turn, afterInfo bool) error {
	s := t.s
	for _, field := range s.Info.Personal.Missing() {
		if s.Info.SlotSkipped(field) {
			continue
		}
		if err := o.transition(t, model.StateCollectingPersonalInfo); err != nil {
			return err
		}
		setPending(s, field)
		t.say(director.AskPersonal(field, false))
		return nil
	}

	if err := o.transition(t, model.StateCollectingSymptoms); err != nil {
		return err
	}
	setPending(s, "")
	t.say(director.AskSymptoms(afterInfo))
	return nil
}

// onClarification 把回答并入主诉和待答槽位，回到症状收集并在本轮重新评估。
// 个人信息、既往史的回答只填写对应字段，不并入主诉（回答里同时描述了病情时除外）；
// 主诉没有变化时沿用已合并的预测，不再调用分类器。
func (o *Orchestrator) onClarification(t *turn, text string) error {
	s := t.s
	slot := s.PendingSlot
	complaint := s.Info.Complaint

	if director.IsRequired(slot) && !o.director.HasClinicalContent(text) {
		o.director.ExtractPersonal(text, &s.Info.Personal)
	} else {
		o.director.Absorb(text, &s.Info)
	}
	if slot != "" && slot != director.SlotDetail {
		o.director.AnswerSlot(slot, text, &s.Info)
	}
	s.ClarificationRounds++
	s.PendingSlot = ""

	if err := o.transition(t, model.StateCollectingSymptoms); err != nil {
		return err
	}
	if s.Info.Complaint == complaint && len(s.Predictions.Specialties) > 0 {
		return o.decide(t)
	}
	return o.evaluate(t)
}

func (o *Orchestrator) onSuggested(t *turn, text string) error {
	s := t.s
	top, ok := predict.Top(s.Predictions.Specialties, s.Excluded)
	if !ok {
		if err := o.transition(t, model.StateCollectingSymptoms); err != nil {
			return err
		}
		return o.collect(t, text)
	}

	switch o.director.DetectIntent(text) {
	case director.IntentConfirm:
		return o.confirm(t, top)
	case director.IntentReject:
		s.Excluded = append(s.Excluded, top.ID)
		o.logger.Printf("[Orchestrator] session %s rejected specialty %s", s.ID, top.ID)
		if err := o.transition(t, model.StateCollectingSymptoms); err != nil {
			return err
		}
		return o.decide(t)
	}

	s.Reprompts++
	if s.Reprompts <= o.cfg.Conversation.MaxReprompts {
		t.say(director.Suggest(top, true))
		return nil
	}
	// 仍然不是是/否：当作补充的病情描述
	if err := o.transition(t, model.StateCollectingSymptoms); err != nil {
		return err
	}
	return o.collect(t, text)
}

// collect 合并一段病情描述，然后调用分类器重新评估。
func (o *Orchestrator) collect(t *turn, text string) error {
	o.director.Absorb(text, &t.s.Info)
	return o.evaluate(t)
}

func (o *Orchestrator) evaluate(t *turn) error {
	s := t.s
	pred, err := o.classify(t)
	if err != nil {
		// 分类器失败不终止会话：本轮给出通用追问，状态停留在症状收集
		o.classifierFailed(t, err)
		setPending(s, "")
		t.say(director.Degraded())
		return nil
	}

	s.Predictions = o.aggregator.Merge(s.Predictions, pred)
	o.emit(t, model.Event{Type: timeline.EventPrediction, Text: describe(s.Predictions.Specialties, o.cfg.Prediction.TopK)})
	return o.decide(t)
}

// decide 置信度足够（且至少澄清过一轮）并且必填信息齐全时推荐专科；
// 置信度足够但还缺个人信息或既往史时先补问这些字段，否则按优先级追问下一个槽位。
func (o *Orchestrator) decide(t *turn) error {
	s := t.s
	slot := o.director.NextSlot(&s.Info)
	top, ok := predict.Top(s.Predictions.Specialties, s.Excluded)
	if ok && o.readyToSuggest(s, top) {
		slot = director.NextRequired(&s.Info)
		if slot == "" {
			if err := o.transition(t, model.StateSpecialtySuggested); err != nil {
				return err
			}
			setPending(s, "")
			t.say(director.Suggest(top, false))
			return nil
		}
	}

	if err := o.transition(t, model.StateAwaitingClarification); err != nil {
		return err
	}
	setPending(s, slot)
	t.say(director.Question(slot))
	return nil
}

func (o *Orchestrator) readyToSuggest(s *model.Session, top model.LabelScore) bool {
	if top.Confidence <= 0 {
		return false
	}
	if s.ClarificationRounds >= o.cfg.Conversation.MaxClarificationRounds {
		return true
	}
	return s.ClarificationRounds >= 1 && top.Confidence >= o.cfg.Prediction.ClarificationThreshold
}

// confirm 出号与进入 QUEUE_CONFIRMED 是一个整体：之后任何一步失败，
// HandleMessage 都会作废这个号码并丢弃本轮修改。
func (o *Orchestrator) confirm(t *turn, top model.LabelScore) error {
	s := t.s
	ticket, err := o.queue.IssueTicket(t.ctx, top.ID, s.PatientID)
	if err != nil {
		if queue.IsRetryable(err) {
			o.logger.Printf("[Orchestrator] issue ticket for session %s failed, asking to retry: %v", s.ID, err)
			t.say(director.TicketRetry())
			return nil
		}
		return fmt.Errorf("issue ticket: %w", err)
	}
	s.Ticket = ticket

	o.emit(t, model.Event{Type: timeline.EventTicketIssued, Ticket: ticket})
	if err := o.transition(t, model.StateQueueConfirmed); err != nil {
		return err
	}
	t.say(director.TicketIssued(ticket, o.queue.WaitingMinutes(ticket)))
	return nil
}

func (o *Orchestrator) generateRecord(t *turn) error {
	s := t.s
	s.UpdatedAt = t.now

	r, err := o.generator.Generate(s)
	if err != nil {
		return fmt.Errorf("generate record: %w", err)
	}
	if err := o.records.Save(t.ctx, r); err != nil && !errors.Is(err, record.ErrExists) {
		return fmt.Errorf("save record: %w", err)
	}
	o.emit(t, model.Event{Type: timeline.EventRecordGenerated, RecordID: r.ID})
	if err := o.transition(t, model.StateRecordGenerated); err != nil {
		return err
	}
	t.record = r
	t.say(director.RecordDone())
	o.logger.Printf("[Orchestrator] record %s generated for session %s", r.ID, s.ID)
	return nil
}

// cancel 进入 CANCELLED；已发出的号码一并作废。
func (o *Orchestrator) cancel(t *turn) error {
	s := t.s
	if s.Ticket != nil && !s.Ticket.Voided {
		if err := o.queue.Void(t.ctx, s.Ticket); err != nil {
			return fmt.Errorf("void ticket: %w", err)
		}
		o.emit(t, model.Event{Type: timeline.EventTicketVoided, Ticket: s.Ticket})
	}
	o.emit(t, model.Event{Type: timeline.EventCancelled})
	if err := o.transition(t, model.StateCancelled); err != nil {
		return err
	}
	s.PendingSlot = ""
	t.say(director.Cancelled())
	return nil
}

func (o *Orchestrator) classify(t *turn) (model.Prediction, error) {
	ctx := t.ctx
	if d := o.cfg.Classifier.Timeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	pred, err := o.classifier.Predict(ctx, t.s.Info.Complaint)
	if err != nil {
		return model.Prediction{}, err
	}
	if err := classifier.Validate(pred); err != nil {
		return model.Prediction{}, err
	}
	return pred, nil
}

func (o *Orchestrator) classifierFailed(t *turn, cause error) {
	t.degraded = true
	o.logger.Printf("[Orchestrator] classifier failed for session %s: %v", t.s.ID, cause)
	if o.onClassifierError != nil {
		o.onClassifierError(t.s.ID, cause)
	}
	o.emit(t, model.Event{Type: timeline.EventClassifierError, Error: cause.Error()})
}

// transition 走一条命名的边并写入时间线。
func (o *Orchestrator) transition(t *turn, to model.State) error {
	from := t.s.State
	if from == to {
		return nil
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	o.emit(t, model.Event{Type: timeline.EventTransition, From: from, To: to})
	t.s.Reprompts = 0
	if o.cfg.Debug() {
		o.logger.Printf("[Orchestrator] session %s: %s -> %s", t.s.ID, from, to)
	}
	return nil
}

// emit 把事件归约到会话副本并记入本轮。会话只通过事件改变，
// 因此本轮的事件序列与快照的变化一一对应，commit 时一起落盘。
func (o *Orchestrator) emit(t *turn, evt model.Event) {
	evt.SessionID = t.s.ID
	evt.ServerTS = t.now
	Reduce(t.s, evt, t.now)
	t.events = append(t.events, evt)
}

// finish 写出本轮的助手回复。
func (o *Orchestrator) finish(t *turn) {
	t.response = director.Prefix(t.lead, t.text)
	if t.response != "" {
		o.emit(t, model.Event{Type: timeline.EventAssistantText, Text: t.response})
	}
}

func (o *Orchestrator) reply(t *turn) *model.Reply {
	s := t.s
	r := &model.Reply{
		Response:  t.response,
		PatientID: s.PatientID,
		SessionID: s.ID,
		State:     s.State,
		Degraded:  t.degraded,
		Record:    t.record,
		TopK:      predict.TopK(s.Predictions.Specialties, o.cfg.Prediction.TopK, s.Excluded),
	}
	if s.Ticket != nil {
		tk := *s.Ticket
		r.Ticket = &tk
	}
	return r
}

func setPending(s *model.Session, slot string) {
	if s.PendingSlot != slot {
		s.Reprompts = 0
	}
	s.PendingSlot = slot
}

func isMissing(p model.PersonalInfo, field string) bool {
	for _, f := range p.Missing() {
		if f == field {
			return true
		}
	}
	return false
}

func describe(list []model.LabelScore, k int) string {
	parts := make([]string, 0, k)
	for _, ls := range predict.TopK(list, k, nil) {
		parts = append(parts, fmt.Sprintf("%s=%.2f", ls.ID, ls.Confidence))
	}
	return strings.Join(parts, ", ")
}
