package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"triage-assistant/server/internal/classifier"
	"triage-assistant/server/internal/config"
	"triage-assistant/server/internal/director"
	"triage-assistant/server/internal/domain"
	"triage-assistant/server/internal/model"
	"triage-assistant/server/internal/predict"
	"triage-assistant/server/internal/record"
	"triage-assistant/server/internal/session"
	"triage-assistant/server/internal/timeline"
)

var (
	// ErrMissingPatientID 入站消息没有 patient_id
	ErrMissingPatientID = errors.New("orchestrator: patient_id is required")
	// ErrSessionClosed 会话已到达终止状态，不再接受消息
	ErrSessionClosed = errors.New("orchestrator: session is closed")
)

// Queue 是编排器需要的排队能力：出号、估算等待、作废。
type Queue interface {
	IssueTicket(ctx context.Context, specialty, patientID string) (*model.QueueTicket, error)
	WaitingMinutes(t *model.QueueTicket) int
	Void(ctx context.Context, t *model.QueueTicket) error
	Reinstate(ctx context.Context, t *model.QueueTicket) error
}

// Deps 编排器依赖的协作者。Archive、Records、Timeline 为空时使用内存实现。
type Deps struct {
	Sessions   session.Store
	Archive    session.Archive
	Timeline   timeline.Store
	Classifier classifier.Classifier
	Queue      Queue
	Records    record.Store
	Catalog    *domain.Catalog
}

// Orchestrator 负责会话的编排：找到或创建会话、驱动状态机、持久化与归档。
//
// 职责与契约：
// - 事件溯源：每条输入、每次迁移、每条回复都是一个事件，归约到会话快照；
//   快照保存成功后本轮事件一次写入 Timeline，回放 Timeline 可以重建快照。
// - 决策集中：意图识别、信息抽取、分类、出号、生成病历都只在这里触发。
// - 原子性：一次消息处理在会话副本上进行，失败时不保存、不写时间线，
//   本轮发出的号码作废，本轮作废的号码恢复。
type Orchestrator struct {
	cfg        *config.Config
	sessions   session.Store
	archive    session.Archive
	timeline   timeline.Store
	classifier classifier.Classifier
	queue      Queue
	records    record.Store
	catalog    *domain.Catalog
	aggregator *predict.Aggregator
	director   *director.Director
	generator  *record.Generator

	now    func() time.Time
	logger *log.Logger

	// onClassifierError 分类器失败时的回调（监控用），可为空
	onClassifierError func(sessionID string, err error)
}

// Option 配置 Orchestrator
type Option func(*Orchestrator)

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func WithLogger(l *log.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// OnClassifierError 注册分类器失败回调
func OnClassifierError(fn func(sessionID string, err error)) Option {
	return func(o *Orchestrator) { o.onClassifierError = fn }
}

// New 创建编排器
func New(cfg *config.Config, deps Deps, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if deps.Sessions == nil || deps.Classifier == nil || deps.Queue == nil {
		return nil, fmt.Errorf("orchestrator: sessions, classifier and queue are required")
	}
	if deps.Catalog == nil {
		deps.Catalog = domain.DefaultCatalog()
	}
	if deps.Archive == nil {
		deps.Archive = session.NewInMemoryArchive()
	}
	if deps.Timeline == nil {
		deps.Timeline = timeline.NewInMemoryStore()
	}
	if deps.Records == nil {
		deps.Records = record.NewInMemoryStore()
	}

	gen, err := record.NewGenerator(deps.Catalog, cfg.Prediction, cfg.Record)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:        cfg,
		sessions:   deps.Sessions,
		archive:    deps.Archive,
		timeline:   deps.Timeline,
		classifier: deps.Classifier,
		queue:      deps.Queue,
		records:    deps.Records,
		catalog:    deps.Catalog,
		aggregator: predict.NewAggregator(deps.Catalog, cfg.Prediction),
		director:   director.NewDirector(deps.Catalog, cfg.Conversation),
		generator:  gen,
		now:        time.Now,
		logger:     log.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// HandleMessage 处理一条入站消息：按 patient_id 找到进行中的会话（没有则新建），
// 驱动状态机，保存结果；会话结束时归档。
func (o *Orchestrator) HandleMessage(ctx context.Context, msg model.InboundMessage) (*model.Reply, error) {
	patientID := strings.TrimSpace(msg.PatientID)
	if patientID == "" {
		return nil, ErrMissingPatientID
	}

	current, err := o.sessions.Get(ctx, patientID)
	if errors.Is(err, session.ErrNotFound) {
		current, err = o.newSession(ctx, patientID)
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	work := current.Clone()
	t, err := o.step(ctx, work, msg.Text)
	if err != nil {
		o.rollback(ctx, current, work)
		return nil, err
	}
	if err := o.commit(ctx, current, t); err != nil {
		return nil, err
	}
	return o.reply(t), nil
}

// Cancel 取消病人进行中的会话（例如前台人工取消）。
func (o *Orchestrator) Cancel(ctx context.Context, patientID string) (*model.Reply, error) {
	current, err := o.sessions.Get(ctx, patientID)
	if err != nil {
		return nil, err
	}
	work := current.Clone()
	t := o.newTurn(ctx, work)
	if err := o.cancel(t); err != nil {
		o.rollback(ctx, current, work)
		return nil, err
	}
	o.finish(t)
	if err := o.commit(ctx, current, t); err != nil {
		return nil, err
	}
	return o.reply(t), nil
}

// Session 返回病人进行中的会话。
func (o *Orchestrator) Session(ctx context.Context, patientID string) (*model.Session, error) {
	return o.sessions.Get(ctx, patientID)
}

// FindSession 按会话 ID 查找，进行中的会话优先，其次是归档。
func (o *Orchestrator) FindSession(ctx context.Context, sessionID string) (*model.Session, error) {
	s, err := o.sessions.Find(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return o.archive.GetArchived(ctx, sessionID)
	}
	return s, err
}

// Events 返回会话时间线中 seq 大于 afterSeq 的事件。
func (o *Orchestrator) Events(ctx context.Context, sessionID string, afterSeq int64) ([]model.Event, error) {
	return o.timeline.Since(ctx, sessionID, afterSeq)
}

// IdleSessions 返回超过 inactivity_timeout 没有消息的病人 ID。
func (o *Orchestrator) IdleSessions(ctx context.Context) ([]string, error) {
	idle, err := o.sessions.ListIdle(ctx, o.now().Add(-o.cfg.Conversation.InactivityTimeout))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(idle))
	for _, s := range idle {
		ids = append(ids, s.PatientID)
	}
	return ids, nil
}

// Expire 结束一个空闲会话：已确认出号的会话生成病历，其余取消。
// 调用时会话可能刚收到新消息，因此会再检查一次空闲时间。
func (o *Orchestrator) Expire(ctx context.Context, patientID string) (bool, error) {
	current, err := o.sessions.Get(ctx, patientID)
	if errors.Is(err, session.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if o.now().Sub(current.UpdatedAt) < o.cfg.Conversation.InactivityTimeout {
		return false, nil
	}

	work := current.Clone()
	t := o.newTurn(ctx, work)
	if work.State == model.StateQueueConfirmed {
		err = o.generateRecord(t)
	} else {
		err = o.cancel(t)
	}
	if err != nil {
		o.rollback(ctx, current, work)
		return false, fmt.Errorf("expire session %s: %w", current.ID, err)
	}
	o.finish(t)
	if err := o.commit(ctx, current, t); err != nil {
		return false, fmt.Errorf("expire session %s: %w", current.ID, err)
	}
	o.logger.Printf("[Orchestrator] expired idle session %s patient=%s state=%s", work.ID, patientID, work.State)
	return true, nil
}

// SweepIdle 依次结束所有空闲会话，返回结束的数量。
// 与消息处理并发运行时，应通过 gateway.Dispatcher 按病人串行调用 Expire。
func (o *Orchestrator) SweepIdle(ctx context.Context) (int, error) {
	ids, err := o.IdleSessions(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	var errs []error
	for _, id := range ids {
		ok, err := o.Expire(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			n++
		}
	}
	return n, errors.Join(errs...)
}

func (o *Orchestrator) newSession(ctx context.Context, patientID string) (*model.Session, error) {
	returning := false
	if n, err := o.archive.CountArchived(ctx, patientID); err != nil {
		o.logger.Printf("[Orchestrator] count archived sessions for %s: %v", patientID, err)
	} else {
		returning = n > 0
	}

	now := o.now()
	s := &model.Session{
		ID:        uuid.NewString(),
		PatientID: patientID,
		State:     model.StateGreeting,
		Returning: returning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	o.logger.Printf("[Orchestrator] new session %s patient=%s returning=%v", s.ID, patientID, returning)
	return s, nil
}

// persist 终止状态的会话移入归档，其余保存快照。
func (o *Orchestrator) persist(ctx context.Context, s *model.Session) error {
	if !s.State.Terminal() {
		if err := o.sessions.Save(ctx, s); err != nil {
			return fmt.Errorf("save session: %w", err)
		}
		return nil
	}
	if err := o.archive.ArchiveSession(ctx, s); err != nil {
		return fmt.Errorf("archive session: %w", err)
	}
	if err := o.sessions.Delete(ctx, s.PatientID); err != nil && !errors.Is(err, session.ErrNotFound) {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// commit 保存本轮的会话快照，再把本轮事件一次写入时间线。
// 保存失败时时间线上不留下这一轮；写时间线失败时恢复原来的快照。
func (o *Orchestrator) commit(ctx context.Context, before *model.Session, t *turn) error {
	if err := o.persist(ctx, t.s); err != nil {
		o.rollback(ctx, before, t.s)
		return err
	}
	if len(t.events) == 0 {
		return nil
	}
	if err := o.timeline.AppendAll(ctx, t.s.ID, t.events); err != nil {
		o.rollback(ctx, before, t.s)
		if err := o.sessions.Save(context.WithoutCancel(ctx), before); err != nil {
			o.logger.Printf("[Orchestrator] restore session %s after failed append: %v", before.ID, err)
		}
		return fmt.Errorf("append events: %w", err)
	}
	return nil
}

// rollback 本轮处理失败时补偿队列上的副作用：本轮新发出的号码作废，
// 本轮作废的号码恢复。会话快照由调用方保持原样。
func (o *Orchestrator) rollback(ctx context.Context, before, after *model.Session) {
	ctx = context.WithoutCancel(ctx)
	ticket := after.Ticket
	switch {
	case ticket == nil:
	case before.Ticket == nil || before.Ticket.ID != ticket.ID:
		if ticket.Voided {
			return
		}
		if err := o.queue.Void(ctx, ticket); err != nil {
			o.logger.Printf("[Orchestrator] void ticket %s after failed turn: %v", ticket.ID, err)
			return
		}
		o.logger.Printf("[Orchestrator] voided ticket %s #%d after failed turn", ticket.SpecialtyID, ticket.Number)
	case ticket.Voided && !before.Ticket.Voided:
		if err := o.queue.Reinstate(ctx, ticket); err != nil {
			o.logger.Printf("[Orchestrator] reinstate ticket %s after failed turn: %v", ticket.ID, err)
			return
		}
		o.logger.Printf("[Orchestrator] reinstated ticket %s #%d after failed turn", ticket.SpecialtyID, ticket.Number)
	}
}
