package queue

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"triage-assistant/server/internal/config"
	"triage-assistant/server/internal/model"
)

// DayLayout 运营日的键格式
const DayLayout = "2006-01-02"

// rollingAlpha 滚动平均服务时长中新样本的权重
const rollingAlpha = 0.2

// Counter 是按专科的原子计数器。它是各会话之间唯一共享的可变状态。
type Counter interface {
	// Issue 取下一个号码：同一专科并发调用得到连续、不重复的整数。
	Issue(ctx context.Context, specialty string) (int64, error)
	// Peek 当前运营日最近一次发出的号码，没有则为 0。
	Peek(specialty string) int64
}

// Ledger 持久化已发出的号码和叫号进度。写入失败时本次出号（叫号）整体失败。
type Ledger interface {
	SaveTicket(ctx context.Context, t model.QueueTicket) error
	VoidTicket(ctx context.Context, id string) error
	// ReinstateTicket 撤销作废（作废所在的那一轮失败回滚时使用）
	ReinstateTicket(ctx context.Context, id string) error
	ListTickets(ctx context.Context, day string) ([]model.QueueTicket, error)

	// SaveServing 记录某运营日某专科正在就诊的号码
	SaveServing(ctx context.Context, day, specialty string, number int64) error
	// ListServing 返回某运营日各专科正在就诊的号码
	ListServing(ctx context.Context, day string) (map[string]int64, error)
}

// lane 是某个运营日某个专科的一条队列。
type lane struct {
	mu sync.Mutex

	specialty  string
	day        string
	lastIssued int64
	serving    int64
	// servingSince 当前号码开始就诊的时间，用于滚动平均
	servingSince time.Time
	avgMinutes   float64
	voided       map[int64]bool
}

type laneKey struct {
	day       string
	specialty string
}

// Manager 按专科发号并估算等待时间。
//
// 每条 lane 有自己的锁，不同专科之间互不阻塞；
// 状态查询在 lane 锁内拷贝快照，可以与出号并发。
type Manager struct {
	cfg       config.QueueConfig
	loc       *time.Location
	resetAt   time.Duration
	ledger    Ledger
	now       func() time.Time
	logger    *log.Logger
	maxNumber int64

	mu    sync.RWMutex
	lanes map[laneKey]*lane
}

// Option 配置 Manager
type Option func(*Manager)

// WithLedger 出号时同步写入账本
func WithLedger(l Ledger) Option {
	return func(m *Manager) { m.ledger = l }
}

// WithClock 注入时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger 设置日志
func WithLogger(l *log.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager 创建队列管理器
func NewManager(cfg config.QueueConfig, opts ...Option) (*Manager, error) {
	tz := cfg.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}
	resetAt := cfg.ResetAt
	if resetAt == "" {
		resetAt = "00:00"
	}
	t, err := time.Parse("15:04", resetAt)
	if err != nil {
		return nil, fmt.Errorf("parse reset_at: %w", err)
	}
	if cfg.DefaultServiceMinutes <= 0 {
		cfg.DefaultServiceMinutes = 6
	}

	m := &Manager{
		cfg:       cfg,
		loc:       loc,
		resetAt:   time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute,
		now:       time.Now,
		logger:    log.Default(),
		maxNumber: cfg.MaxTicketNumber,
		lanes:     make(map[laneKey]*lane),
	}
	if m.maxNumber <= 0 {
		m.maxNumber = math.MaxInt64
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Day 返回 t 所在的运营日。reset_at 之前的时刻属于前一天。
func (m *Manager) Day(t time.Time) string {
	return t.In(m.loc).Add(-m.resetAt).Format(DayLayout)
}

// Today 当前运营日
func (m *Manager) Today() string {
	return m.Day(m.now())
}

// ServiceMinutes 返回专科的平均服务时长配置
func (m *Manager) ServiceMinutes(specialty string) float64 {
	if v, ok := m.cfg.ServiceMinutes[specialty]; ok && v > 0 {
		return v
	}
	return m.cfg.DefaultServiceMinutes
}

func (m *Manager) lane(day, specialty string, create bool) *lane {
	key := laneKey{day: day, specialty: specialty}

	m.mu.RLock()
	l, ok := m.lanes[key]
	m.mu.RUnlock()
	if ok || !create {
		return l
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.lanes[key]; ok {
		return l
	}
	l = &lane{
		specialty:  specialty,
		day:        day,
		avgMinutes: m.ServiceMinutes(specialty),
		voided:     make(map[int64]bool),
	}
	m.lanes[key] = l
	return l
}

// Issue 实现 Counter
func (m *Manager) Issue(ctx context.Context, specialty string) (int64, error) {
	t, err := m.IssueTicket(ctx, specialty, "")
	if err != nil {
		return 0, err
	}
	return t.Number, nil
}

// Peek 实现 Counter
func (m *Manager) Peek(specialty string) int64 {
	l := m.lane(m.Today(), specialty, false)
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastIssued
}

// IssueTicket 发出下一个号码。
// 号码只有在账本写入成功后才提交，失败时计数器保持不变，
// 因此不会出现跳号或重号。
func (m *Manager) IssueTicket(ctx context.Context, specialty, patientID string) (*model.QueueTicket, error) {
	if err := ctx.Err(); err != nil {
		return nil, &IssueError{Specialty: specialty, Err: fmt.Errorf("%w: %v", ErrIssueAborted, err)}
	}

	now := m.now()
	day := m.Day(now)
	l := m.lane(day, specialty, true)

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, &IssueError{Specialty: specialty, Err: fmt.Errorf("%w: %v", ErrIssueAborted, err)}
	}
	if l.lastIssued >= m.maxNumber {
		return nil, &IssueError{Specialty: specialty, Err: ErrCounterOverflow}
	}

	t := model.QueueTicket{
		ID:          uuid.NewString(),
		SpecialtyID: specialty,
		Number:      l.lastIssued + 1,
		Day:         day,
		PatientID:   patientID,
		IssuedAt:    now,
	}
	if m.ledger != nil {
		if err := m.ledger.SaveTicket(ctx, t); err != nil {
			m.logger.Printf("[Queue] ledger write failed for %s #%d: %v", specialty, t.Number, err)
			return nil, &IssueError{Specialty: specialty, Err: fmt.Errorf("save ticket: %w", err)}
		}
	}
	l.lastIssued = t.Number
	if l.servingSince.IsZero() {
		l.servingSince = now
	}

	m.logger.Printf("[Queue] issued %s #%d day=%s patient=%s", specialty, t.Number, day, patientID)
	return &t, nil
}

// Status 当前运营日的队列状态：正在就诊的号码，以及最近发出号码的预计等待时间。
func (m *Manager) Status(specialty string) model.QueueStatus {
	st, _ := m.StatusOn(m.Today(), specialty)
	return st
}

// StatusOn 查询指定运营日的队列状态。当天尚未发号时返回零值状态。
func (m *Manager) StatusOn(day, specialty string) (model.QueueStatus, error) {
	l := m.lane(day, specialty, false)
	if l == nil {
		if day != m.Today() {
			return model.QueueStatus{}, fmt.Errorf("%w: %s", ErrUnknownDay, day)
		}
		return model.QueueStatus{SpecialtyID: specialty, Day: day}, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return model.QueueStatus{
		SpecialtyID:    specialty,
		CurrentNumber:  l.serving,
		LastIssued:     l.lastIssued,
		WaitingMinutes: waitMinutes(l.lastIssued, l.serving, l.avgMinutes),
		Day:            day,
	}, nil
}

// TicketStatus 按号码估算等待时间；已叫过或已作废的号码等待时间为 0。
func (m *Manager) TicketStatus(t *model.QueueTicket) (model.QueueStatus, error) {
	l := m.lane(t.Day, t.SpecialtyID, false)
	if l == nil {
		return model.QueueStatus{}, fmt.Errorf("%w: %s", ErrUnknownDay, t.Day)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	st := model.QueueStatus{
		SpecialtyID:   t.SpecialtyID,
		CurrentNumber: l.serving,
		LastIssued:    l.lastIssued,
		Day:           t.Day,
	}
	if !t.Voided && !l.voided[t.Number] {
		st.WaitingMinutes = waitMinutes(t.Number, l.serving, l.avgMinutes)
	}
	return st, nil
}

// WaitingMinutes 只返回号码的预计等待分钟数。
func (m *Manager) WaitingMinutes(t *model.QueueTicket) int {
	st, err := m.TicketStatus(t)
	if err != nil {
		return 0
	}
	return st.WaitingMinutes
}

// Advance 叫下一个号（跳过作废的号码），返回新的正在就诊号码。
// 叫号进度先写账本，写入失败时不前进。
// 开启 rolling_service_time 时，用上一个号码的实际就诊时长更新平均值。
func (m *Manager) Advance(ctx context.Context, specialty string) (int64, error) {
	now := m.now()
	day := m.Day(now)
	l := m.lane(day, specialty, false)
	if l == nil {
		return 0, ErrQueueEmpty
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.serving + 1
	for next <= l.lastIssued && l.voided[next] {
		next++
	}
	if next > l.lastIssued {
		return l.serving, ErrQueueEmpty
	}
	if m.ledger != nil {
		if err := m.ledger.SaveServing(ctx, day, specialty, next); err != nil {
			m.logger.Printf("[Queue] ledger write failed for %s serving #%d: %v", specialty, next, err)
			return l.serving, fmt.Errorf("save serving: %w", err)
		}
	}

	if m.cfg.RollingServiceTime && l.serving > 0 && !l.servingSince.IsZero() {
		measured := now.Sub(l.servingSince).Minutes()
		if measured > 0 {
			l.avgMinutes = (1-rollingAlpha)*l.avgMinutes + rollingAlpha*measured
		}
	}
	l.serving = next
	l.servingSince = now

	m.logger.Printf("[Queue] %s now serving #%d (avg %.1f min)", specialty, next, l.avgMinutes)
	return next, nil
}

// Void 作废一个号码。号码不会被重新发出。
func (m *Manager) Void(ctx context.Context, t *model.QueueTicket) error {
	if t == nil {
		return nil
	}
	// 先写账本：写失败时内存里的号码保持有效
	if m.ledger != nil {
		if err := m.ledger.VoidTicket(ctx, t.ID); err != nil {
			return fmt.Errorf("void ticket: %w", err)
		}
	}
	l := m.lane(t.Day, t.SpecialtyID, true)
	l.mu.Lock()
	l.voided[t.Number] = true
	l.mu.Unlock()
	t.Voided = true
	m.logger.Printf("[Queue] voided %s #%d day=%s", t.SpecialtyID, t.Number, t.Day)
	return nil
}

// Reinstate 撤销 Void，号码重新参与叫号。只用于补偿失败的一轮处理。
func (m *Manager) Reinstate(ctx context.Context, t *model.QueueTicket) error {
	if t == nil {
		return nil
	}
	if m.ledger != nil {
		if err := m.ledger.ReinstateTicket(ctx, t.ID); err != nil {
			return fmt.Errorf("reinstate ticket: %w", err)
		}
	}
	if l := m.lane(t.Day, t.SpecialtyID, false); l != nil {
		l.mu.Lock()
		delete(l.voided, t.Number)
		l.mu.Unlock()
	}
	t.Voided = false
	m.logger.Printf("[Queue] reinstated %s #%d day=%s", t.SpecialtyID, t.Number, t.Day)
	return nil
}

// Snapshot 返回当前运营日所有已开号专科的状态，按专科名排序。
func (m *Manager) Snapshot() []model.QueueStatus {
	today := m.Today()

	m.mu.RLock()
	var specialties []string
	for key := range m.lanes {
		if key.day == today {
			specialties = append(specialties, key.specialty)
		}
	}
	m.mu.RUnlock()

	sort.Strings(specialties)
	out := make([]model.QueueStatus, 0, len(specialties))
	for _, sp := range specialties {
		out = append(out, m.Status(sp))
	}
	return out
}

// Days 返回仍在内存中的运营日，升序。
func (m *Manager) Days() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	var days []string
	for key := range m.lanes {
		if !seen[key.day] {
			seen[key.day] = true
			days = append(days, key.day)
		}
	}
	sort.Strings(days)
	return days
}

// Archive 丢弃某个已结束运营日的队列，返回其最终状态。
func (m *Manager) Archive(day string) ([]model.QueueStatus, error) {
	if day == m.Today() {
		return nil, ErrActiveDay
	}

	m.mu.Lock()
	var lanes []*lane
	for key, l := range m.lanes {
		if key.day == day {
			lanes = append(lanes, l)
			delete(m.lanes, key)
		}
	}
	m.mu.Unlock()

	if len(lanes) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDay, day)
	}
	sort.Slice(lanes, func(i, j int) bool { return lanes[i].specialty < lanes[j].specialty })

	out := make([]model.QueueStatus, 0, len(lanes))
	for _, l := range lanes {
		l.mu.Lock()
		out = append(out, model.QueueStatus{
			SpecialtyID:   l.specialty,
			CurrentNumber: l.serving,
			LastIssued:    l.lastIssued,
			Day:           day,
		})
		l.mu.Unlock()
	}
	m.logger.Printf("[Queue] archived day %s (%d specialties)", day, len(out))
	return out, nil
}

// ArchiveOlderThan 归档早于 retentionDays 天前的运营日，返回归档的天数。
// retentionDays 为 0 时只保留当前运营日。
func (m *Manager) ArchiveOlderThan(retentionDays int) int {
	today, _ := time.Parse(DayLayout, m.Today())
	cutoff := today.AddDate(0, 0, -retentionDays).Format(DayLayout)
	n := 0
	for _, day := range m.Days() {
		if day < cutoff {
			if _, err := m.Archive(day); err == nil {
				n++
			}
		}
	}
	return n
}

// Restore 从账本恢复当前运营日的计数器和叫号进度，重启后不会重复发号、重复叫号。
func (m *Manager) Restore(ctx context.Context) error {
	if m.ledger == nil {
		return nil
	}
	day := m.Today()
	tickets, err := m.ledger.ListTickets(ctx, day)
	if err != nil {
		return fmt.Errorf("list tickets: %w", err)
	}
	serving, err := m.ledger.ListServing(ctx, day)
	if err != nil {
		return fmt.Errorf("list serving: %w", err)
	}
	now := m.now()
	for specialty, number := range serving {
		l := m.lane(day, specialty, true)
		l.mu.Lock()
		l.serving = number
		l.servingSince = now
		if number > l.lastIssued {
			l.lastIssued = number
		}
		l.mu.Unlock()
	}
	for _, t := range tickets {
		l := m.lane(day, t.SpecialtyID, true)
		l.mu.Lock()
		if t.Number > l.lastIssued {
			l.lastIssued = t.Number
		}
		if t.Voided {
			l.voided[t.Number] = true
		}
		l.mu.Unlock()
	}
	m.logger.Printf("[Queue] restored %d tickets, %d serving lanes for day %s", len(tickets), len(serving), day)
	return nil
}

// SetServing 直接设置正在就诊的号码，不写账本（测试用）。
func (m *Manager) SetServing(specialty string, number int64) {
	l := m.lane(m.Today(), specialty, true)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.serving = number
	if number > l.lastIssued {
		l.lastIssued = number
	}
	l.servingSince = m.now()
}

func waitMinutes(number, serving int64, avg float64) int {
	if number <= serving {
		return 0
	}
	return int(math.Round(float64(number-serving) * avg))
}
