package queue

import (
	"context"
	"errors"
	"io"
	"log"
	"sort"
	"sync"
	"testing"
	"time"

	"triage-assistant/server/internal/config"
	"triage-assistant/server/internal/model"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// memLedger 用于测试的账本，FailNext 控制下一次写入失败
type memLedger struct {
	mu       sync.Mutex
	tickets  map[string]model.QueueTicket
	serving  map[laneKey]int64
	FailNext bool
}

func newMemLedger() *memLedger {
	return &memLedger{tickets: make(map[string]model.QueueTicket), serving: make(map[laneKey]int64)}
}

func (l *memLedger) SaveTicket(ctx context.Context, t model.QueueTicket) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FailNext {
		l.FailNext = false
		return errors.New("disk full")
	}
	l.tickets[t.ID] = t
	return nil
}

func (l *memLedger) VoidTicket(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.tickets[id]
	t.Voided = true
	l.tickets[id] = t
	return nil
}

func (l *memLedger) ReinstateTicket(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.tickets[id]
	t.Voided = false
	l.tickets[id] = t
	return nil
}

func (l *memLedger) SaveServing(ctx context.Context, day, specialty string, number int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FailNext {
		l.FailNext = false
		return errors.New("disk full")
	}
	l.serving[laneKey{day: day, specialty: specialty}] = number
	return nil
}

func (l *memLedger) ListServing(ctx context.Context, day string) (map[string]int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int64)
	for k, n := range l.serving {
		if k.day == day {
			out[k.specialty] = n
		}
	}
	return out, nil
}

func (l *memLedger) ListTickets(ctx context.Context, day string) ([]model.QueueTicket, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.QueueTicket
	for _, t := range l.tickets {
		if t.Day == day {
			out = append(out, t)
		}
	}
	return out, nil
}

func newTestManager(t *testing.T, cfg config.QueueConfig, opts ...Option) (*Manager, *fakeClock) {
	t.Helper()
	loc, _ := time.LoadLocation("Asia/Ho_Chi_Minh")
	clock := &fakeClock{t: time.Date(2026, 3, 10, 9, 0, 0, 0, loc)}
	if cfg.Timezone == "" {
		cfg.Timezone = "Asia/Ho_Chi_Minh"
	}
	if cfg.DefaultServiceMinutes == 0 {
		cfg.DefaultServiceMinutes = 6
	}
	opts = append([]Option{WithClock(clock.Now), WithLogger(log.New(io.Discard, "", 0))}, opts...)
	m, err := NewManager(cfg, opts...)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m, clock
}

// TestConcurrentIssueIsConsecutive 验证并发出号得到连续且不重复的号码。
// 场景：200 个 goroutine 同时为同一专科取号。
func TestConcurrentIssueIsConsecutive(t *testing.T) {
	m, _ := newTestManager(t, config.QueueConfig{})

	const n = 200
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		numbers []int64
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			num, err := m.Issue(context.Background(), "Thần kinh")
			if err != nil {
				t.Errorf("issue: %v", err)
				return
			}
			mu.Lock()
			numbers = append(numbers, num)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	if len(numbers) != n {
		t.Fatalf("expected %d numbers, got %d", n, len(numbers))
	}
	for i, num := range numbers {
		if num != int64(i+1) {
			t.Fatalf("expected consecutive numbers, position %d has %d", i, num)
		}
	}
	if m.Peek("Thần kinh") != n {
		t.Fatalf("expected peek %d, got %d", n, m.Peek("Thần kinh"))
	}
	if m.Peek("Tim mạch") != 0 {
		t.Fatalf("other specialties must be independent")
	}
}

// TestStatusWaitingMinutes 验证等待时间估算。
// 场景：正在就诊 40 号，最近发出 45 号，平均 6 分钟 → 等待 30 分钟。
func TestStatusWaitingMinutes(t *testing.T) {
	m, _ := newTestManager(t, config.QueueConfig{})

	m.SetServing("Thần kinh", 40)
	var last *model.QueueTicket
	for i := 0; i < 5; i++ {
		tk, err := m.IssueTicket(context.Background(), "Thần kinh", "P1")
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		last = tk
	}
	if last.Number != 45 {
		t.Fatalf("expected ticket 45, got %d", last.Number)
	}

	st := m.Status("Thần kinh")
	if st.CurrentNumber != 40 || st.WaitingMinutes != 30 {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestPerSpecialtyServiceMinutes(t *testing.T) {
	m, _ := newTestManager(t, config.QueueConfig{ServiceMinutes: map[string]float64{"Da liễu": 5}})

	for i := 0; i < 3; i++ {
		m.Issue(context.Background(), "Da liễu")
		m.Issue(context.Background(), "Tim mạch")
	}
	if got := m.Status("Da liễu").WaitingMinutes; got != 15 {
		t.Fatalf("expected 15 minutes for Da liễu, got %d", got)
	}
	if got := m.Status("Tim mạch").WaitingMinutes; got != 18 {
		t.Fatalf("expected default 18 minutes for Tim mạch, got %d", got)
	}
}

// TestWaitMonotonicAsQueueAdvances 验证固定号码的等待时间随叫号单调不增。
func TestWaitMonotonicAsQueueAdvances(t *testing.T) {
	m, _ := newTestManager(t, config.QueueConfig{})

	var mine *model.QueueTicket
	for i := 0; i < 10; i++ {
		tk, _ := m.IssueTicket(context.Background(), "Tiêu hóa", "")
		if i == 7 {
			mine = tk
		}
	}

	prev := m.WaitingMinutes(mine)
	for {
		if _, err := m.Advance(context.Background(), "Tiêu hóa"); errors.Is(err, ErrQueueEmpty) {
			break
		}
		w := m.WaitingMinutes(mine)
		if w > prev {
			t.Fatalf("wait increased from %d to %d", prev, w)
		}
		prev = w
	}
	if prev != 0 {
		t.Fatalf("expected zero wait once served, got %d", prev)
	}
}

func TestAdvanceSkipsVoidedTickets(t *testing.T) {
	m, _ := newTestManager(t, config.QueueConfig{})
	ctx := context.Background()

	t1, _ := m.IssueTicket(ctx, "Hô hấp", "P1")
	t2, _ := m.IssueTicket(ctx, "Hô hấp", "P2")
	t3, _ := m.IssueTicket(ctx, "Hô hấp", "P3")

	if err := m.Void(ctx, t2); err != nil {
		t.Fatalf("void: %v", err)
	}
	if m.WaitingMinutes(t2) != 0 {
		t.Fatalf("voided ticket should not wait")
	}
	if n, _ := m.Advance(context.Background(), "Hô hấp"); n != t1.Number {
		t.Fatalf("expected %d, got %d", t1.Number, n)
	}
	if n, _ := m.Advance(context.Background(), "Hô hấp"); n != t3.Number {
		t.Fatalf("expected voided ticket skipped, got %d", n)
	}
	if _, err := m.Advance(context.Background(), "Hô hấp"); !errors.Is(err, ErrQueueEmpty) {
		t.Fatalf("expected ErrQueueEmpty, got %v", err)
	}

	// 作废不会让号码被重新发出
	t4, _ := m.IssueTicket(ctx, "Hô hấp", "P4")
	if t4.Number != 4 {
		t.Fatalf("expected next number 4, got %d", t4.Number)
	}
}

func TestRollingServiceTime(t *testing.T) {
	m, clock := newTestManager(t, config.QueueConfig{RollingServiceTime: true})

	for i := 0; i < 5; i++ {
		m.Issue(context.Background(), "Nội tiết")
	}
	m.Advance(context.Background(), "Nội tiết")
	clock.Advance(16 * time.Minute)
	m.Advance(context.Background(), "Nội tiết")

	// avg = 0.8*6 + 0.2*16 = 8；剩余 3 个号 → 24 分钟
	if got := m.Status("Nội tiết").WaitingMinutes; got != 24 {
		t.Fatalf("expected rolling average applied, got %d", got)
	}
}

// TestDailyReset 验证运营日在 reset_at 切换，前一天的队列在归档前仍可查询。
func TestDailyReset(t *testing.T) {
	m, clock := newTestManager(t, config.QueueConfig{ResetAt: "06:00"})
	ctx := context.Background()

	yesterday := m.Today()
	old, _ := m.IssueTicket(ctx, "Thần kinh", "P1")
	m.IssueTicket(ctx, "Thần kinh", "P2")

	// 次日 05:00 仍属于前一个运营日
	clock.Advance(20 * time.Hour)
	if m.Today() != yesterday {
		t.Fatalf("expected same operational day before reset time, got %s", m.Today())
	}
	clock.Advance(time.Hour + time.Minute)
	if m.Today() == yesterday {
		t.Fatalf("expected new operational day after reset time")
	}

	tk, err := m.IssueTicket(ctx, "Thần kinh", "P3")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if tk.Number != 1 {
		t.Fatalf("expected counter reset to 1, got %d", tk.Number)
	}

	prev, err := m.StatusOn(yesterday, "Thần kinh")
	if err != nil || prev.LastIssued != 2 {
		t.Fatalf("previous day should stay queryable: %+v, %v", prev, err)
	}
	if _, err := m.TicketStatus(old); err != nil {
		t.Fatalf("ticket status of previous day: %v", err)
	}

	if _, err := m.Archive(m.Today()); !errors.Is(err, ErrActiveDay) {
		t.Fatalf("expected ErrActiveDay, got %v", err)
	}
	// 保留一天：昨天仍可查询
	if n := m.ArchiveOlderThan(1); n != 0 {
		t.Fatalf("yesterday is within retention, archived %d", n)
	}
	if _, err := m.TicketStatus(old); err != nil {
		t.Fatalf("retained day should stay queryable: %v", err)
	}
	if n := m.ArchiveOlderThan(0); n != 1 {
		t.Fatalf("expected one archived day, got %d", n)
	}
	if _, err := m.StatusOn(yesterday, "Thần kinh"); !errors.Is(err, ErrUnknownDay) {
		t.Fatalf("expected archived day to be gone, got %v", err)
	}
	if days := m.Days(); len(days) != 1 || days[0] != m.Today() {
		t.Fatalf("unexpected days: %v", days)
	}
}

func TestIssueErrorsAreRetryable(t *testing.T) {
	m, _ := newTestManager(t, config.QueueConfig{MaxTicketNumber: 2})

	m.Issue(context.Background(), "Da liễu")
	m.Issue(context.Background(), "Da liễu")
	_, err := m.Issue(context.Background(), "Da liễu")
	if !errors.Is(err, ErrCounterOverflow) || !IsRetryable(err) {
		t.Fatalf("expected retryable overflow, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Issue(ctx, "Tim mạch")
	if !errors.Is(err, ErrIssueAborted) || !IsRetryable(err) {
		t.Fatalf("expected retryable abort, got %v", err)
	}
	if m.Peek("Tim mạch") != 0 {
		t.Fatalf("aborted issuance must not consume a number")
	}
}

// TestLedgerFailureDoesNotSkipNumbers 验证账本写入失败时号码不被消耗。
func TestLedgerFailureDoesNotSkipNumbers(t *testing.T) {
	ledger := newMemLedger()
	m, _ := newTestManager(t, config.QueueConfig{}, WithLedger(ledger))
	ctx := context.Background()

	m.Issue(ctx, "Thần kinh")
	ledger.FailNext = true
	if _, err := m.Issue(ctx, "Thần kinh"); !IsRetryable(err) {
		t.Fatalf("expected retryable ledger error, got %v", err)
	}
	n, err := m.Issue(ctx, "Thần kinh")
	if err != nil || n != 2 {
		t.Fatalf("expected number 2 after failed write, got %d (%v)", n, err)
	}
}

// TestRestoreFromLedger 验证重启后从账本恢复发号与叫号进度。
// 场景：发出 3 个号、叫到 2 号后重启，下一个号是 4，下一次叫号是 3。
func TestRestoreFromLedger(t *testing.T) {
	ledger := newMemLedger()
	m, clock := newTestManager(t, config.QueueConfig{}, WithLedger(ledger))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		m.Issue(ctx, "Cơ xương khớp")
	}
	m.Advance(ctx, "Cơ xương khớp")
	m.Advance(ctx, "Cơ xương khớp")

	restarted, err := NewManager(config.QueueConfig{Timezone: "Asia/Ho_Chi_Minh"},
		WithClock(clock.Now), WithLedger(ledger), WithLogger(log.New(io.Discard, "", 0)))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := restarted.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	st := restarted.Status("Cơ xương khớp")
	if st.CurrentNumber != 2 || st.WaitingMinutes != 6 {
		t.Fatalf("serving number should survive a restart: %+v", st)
	}
	n, _ := restarted.Issue(ctx, "Cơ xương khớp")
	if n != 4 {
		t.Fatalf("expected numbering to continue at 4, got %d", n)
	}
	if next, err := restarted.Advance(ctx, "Cơ xương khớp"); err != nil || next != 3 {
		t.Fatalf("expected to call #3 next, got %d (%v)", next, err)
	}
}

func TestAdvanceLedgerFailureKeepsServing(t *testing.T) {
	ledger := newMemLedger()
	m, _ := newTestManager(t, config.QueueConfig{}, WithLedger(ledger))
	ctx := context.Background()
	m.Issue(ctx, "Tim mạch")

	ledger.FailNext = true
	if _, err := m.Advance(ctx, "Tim mạch"); err == nil {
		t.Fatalf("expected ledger error")
	}
	if st := m.Status("Tim mạch"); st.CurrentNumber != 0 {
		t.Fatalf("serving must not move when the ledger write fails: %+v", st)
	}
}

// TestReinstateUndoesVoid 验证撤销作废：号码重新参与叫号，账本同步更新。
func TestReinstateUndoesVoid(t *testing.T) {
	ledger := newMemLedger()
	m, _ := newTestManager(t, config.QueueConfig{}, WithLedger(ledger))
	ctx := context.Background()

	tk, _ := m.IssueTicket(ctx, "Hô hấp", "P1")
	if err := m.Void(ctx, tk); err != nil {
		t.Fatalf("void: %v", err)
	}
	if err := m.Reinstate(ctx, tk); err != nil {
		t.Fatalf("reinstate: %v", err)
	}
	if tk.Voided || ledger.tickets[tk.ID].Voided {
		t.Fatalf("ticket should be live again: %+v / %+v", tk, ledger.tickets[tk.ID])
	}
	if n, err := m.Advance(ctx, "Hô hấp"); err != nil || n != tk.Number {
		t.Fatalf("reinstated ticket should be called, got %d (%v)", n, err)
	}
}
