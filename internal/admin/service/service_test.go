package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	accountdomain "forward-relay/internal/account/domain"
)

type memAccountRepo struct {
	accounts map[int64]*accountdomain.Account
	verified []int64
}

func (m *memAccountRepo) GetByID(_ context.Context, userID int64) (*accountdomain.Account, error) {
	return m.accounts[userID], nil
}

func (m *memAccountRepo) ListVerifiedIDs(context.Context) ([]int64, error) {
	return m.verified, nil
}

func (m *memAccountRepo) CountAll(context.Context) (int64, error) {
	return int64(len(m.accounts)), nil
}

func (m *memAccountRepo) CountVerified(context.Context) (int64, error) {
	return int64(len(m.verified)), nil
}

func (m *memAccountRepo) CountActiveSince(_ context.Context, since time.Time) (int64, error) {
	var n int64
	for _, a := range m.accounts {
		if a.LastActive.After(since) {
			n++
		}
	}
	return n, nil
}

type staticRuleRepo struct {
	total, active int64
	userTotal     int64
	userActive    int
}

func (s *staticRuleRepo) CountAll(context.Context) (int64, error)       { return s.total, nil }
func (s *staticRuleRepo) CountActiveAll(context.Context) (int64, error) { return s.active, nil }
func (s *staticRuleRepo) CountByUser(context.Context, int64) (int64, error) {
	return s.userTotal, nil
}
func (s *staticRuleRepo) CountActiveByUser(context.Context, int64) (int, error) {
	return s.userActive, nil
}

type staticRecordRepo struct {
	total, userTotal int64
}

func (s *staticRecordRepo) CountAll(context.Context) (int64, error) { return s.total, nil }
func (s *staticRecordRepo) CountByUser(context.Context, int64) (int64, error) {
	return s.userTotal, nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	sent    []int64
	failFor map[int64]bool
}

func (f *fakeNotifier) SendText(_ context.Context, userID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[userID] {
		return errors.New("blocked the bot")
	}
	f.sent = append(f.sent, userID)
	return nil
}

func TestAdminService_Stats(t *testing.T) {
	now := time.Now()
	accounts := &memAccountRepo{
		accounts: map[int64]*accountdomain.Account{
			1: {UserID: 1, LastActive: now.Add(-1 * time.Hour)},
			2: {UserID: 2, LastActive: now.Add(-48 * time.Hour)},
			3: {UserID: 3, LastActive: now.Add(-2 * time.Hour)},
		},
		verified: []int64{1, 3},
	}
	s := NewAdminService(accounts, &staticRuleRepo{total: 5, active: 4},
		&staticRecordRepo{total: 120}, &fakeNotifier{}, nil, time.Millisecond)

	stats, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalUsers != 3 || stats.VerifiedUsers != 2 {
		t.Errorf("users = %d/%d, want 3/2", stats.TotalUsers, stats.VerifiedUsers)
	}
	if stats.ActiveToday != 2 {
		t.Errorf("active today = %d, want 2", stats.ActiveToday)
	}
	if stats.TotalRules != 5 || stats.ActiveRules != 4 {
		t.Errorf("rules = %d/%d, want 5/4", stats.TotalRules, stats.ActiveRules)
	}
	if stats.ForwardedMessages != 120 {
		t.Errorf("forwarded = %d, want 120", stats.ForwardedMessages)
	}
}

func TestAdminService_UserStats(t *testing.T) {
	joined := time.Now().Add(-72 * time.Hour)
	accounts := &memAccountRepo{
		accounts: map[int64]*accountdomain.Account{
			7: {UserID: 7, Phone: "+14155552671", Verified: true, CreatedAt: joined},
		},
	}
	s := NewAdminService(accounts, &staticRuleRepo{userTotal: 3, userActive: 2},
		&staticRecordRepo{userTotal: 44}, &fakeNotifier{}, nil, time.Millisecond)

	stats, err := s.UserStats(context.Background(), 7)
	if err != nil {
		t.Fatalf("UserStats: %v", err)
	}
	if stats.Phone != "+14155552671" || !stats.Verified {
		t.Errorf("stats = %+v", stats)
	}
	if !stats.Joined.Equal(joined) {
		t.Errorf("joined = %v, want %v", stats.Joined, joined)
	}
	if stats.TotalRules != 3 || stats.ActiveRules != 2 || stats.ForwardedMessages != 44 {
		t.Errorf("totals = %d/%d/%d, want 3/2/44", stats.TotalRules, stats.ActiveRules, stats.ForwardedMessages)
	}
}

func TestAdminService_UserStats_NotFound(t *testing.T) {
	s := NewAdminService(&memAccountRepo{accounts: map[int64]*accountdomain.Account{}},
		&staticRuleRepo{}, &staticRecordRepo{}, &fakeNotifier{}, nil, time.Millisecond)

	if _, err := s.UserStats(context.Background(), 99); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("err = %v, want ErrUserNotFound", err)
	}
}

func TestAdminService_Broadcast_DeliversToAllVerified(t *testing.T) {
	ids := make([]int64, 25)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	notifier := &fakeNotifier{}
	s := NewAdminService(&memAccountRepo{verified: ids}, &staticRuleRepo{},
		&staticRecordRepo{}, notifier, nil, time.Millisecond)

	var progress []int
	report, err := s.Broadcast(context.Background(), "maintenance tonight", func(sent, total int) {
		progress = append(progress, sent)
	})
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if report.Recipients != 25 || report.Delivered != 25 || report.Failed != 0 {
		t.Errorf("report = %+v", report)
	}
	// Progress at 10, 20, and completion.
	want := []int{10, 20, 25}
	if len(progress) != len(want) {
		t.Fatalf("progress calls = %v, want %v", progress, want)
	}
	for i := range want {
		if progress[i] != want[i] {
			t.Errorf("progress[%d] = %d, want %d", i, progress[i], want[i])
		}
	}
}

func TestAdminService_Broadcast_ToleratesFailures(t *testing.T) {
	notifier := &fakeNotifier{failFor: map[int64]bool{2: true}}
	s := NewAdminService(&memAccountRepo{verified: []int64{1, 2, 3}}, &staticRuleRepo{},
		&staticRecordRepo{}, notifier, nil, time.Millisecond)

	report, err := s.Broadcast(context.Background(), "hello", nil)
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if report.Delivered != 2 || report.Failed != 1 {
		t.Errorf("report = %+v, want 2 delivered, 1 failed", report)
	}
	if len(notifier.sent) != 2 {
		t.Errorf("sent = %v", notifier.sent)
	}
}

func TestAdminService_Broadcast_StopsOnCancel(t *testing.T) {
	ids := make([]int64, 50)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	notifier := &fakeNotifier{}
	s := NewAdminService(&memAccountRepo{verified: ids}, &staticRuleRepo{},
		&staticRecordRepo{}, notifier, nil, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(35 * time.Millisecond)
		cancel()
	}()
	report, err := s.Broadcast(ctx, "never finishes", nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if report == nil || report.Delivered == 0 || report.Delivered == 50 {
		t.Errorf("report = %+v, want partial delivery", report)
	}
}
