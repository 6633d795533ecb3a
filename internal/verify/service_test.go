package verify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	accountdomain "forward-relay/internal/account/domain"
	otpdomain "forward-relay/internal/otp/domain"
	"forward-relay/internal/security"
	"forward-relay/internal/transport"
)

type memAccountRepo struct {
	mu       sync.Mutex
	accounts map[int64]*accountdomain.Account
}

func newMemAccountRepo() *memAccountRepo {
	return &memAccountRepo{accounts: make(map[int64]*accountdomain.Account)}
}

func (m *memAccountRepo) GetByPhone(_ context.Context, phone string) (*accountdomain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.Phone == phone {
			return a, nil
		}
	}
	return nil, nil
}

func (m *memAccountRepo) Upsert(_ context.Context, userID int64, phone string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[userID]
	if !ok {
		a = &accountdomain.Account{UserID: userID, CreatedAt: time.Now()}
		m.accounts[userID] = a
	}
	if phone != "" {
		a.Phone = phone
	}
	return nil
}

func (m *memAccountRepo) SetVerified(_ context.Context, userID int64, verified bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[userID]; ok {
		a.Verified = verified
	}
	return nil
}

func (m *memAccountRepo) SetSessionSealed(_ context.Context, userID int64, sealed []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[userID]; ok {
		a.SessionSealed = sealed
	}
	return nil
}

func (m *memAccountRepo) get(userID int64) *accountdomain.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accounts[userID]
}

type memChallengeRepo struct {
	mu         sync.Mutex
	challenges []*otpdomain.Challenge
}

func (m *memChallengeRepo) Create(_ context.Context, c *otpdomain.Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.challenges = append(m.challenges, &cp)
	return nil
}

func (m *memChallengeRepo) LatestUnconsumed(_ context.Context, userID int64) (*otpdomain.Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.challenges) - 1; i >= 0; i-- {
		c := m.challenges[i]
		if c.UserID == userID && !c.Consumed {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memChallengeRepo) Consume(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.challenges {
		if c.ID == id {
			c.Consumed = true
			return nil
		}
	}
	return nil
}

type fakeSender struct {
	mu    sync.Mutex
	err   error
	sends []string
}

func (f *fakeSender) SendOTP(_ context.Context, phone, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sends = append(f.sends, phone+":"+code)
	return nil
}

type fakeClient struct {
	closed bool
}

func (f *fakeClient) Me(context.Context) (transport.User, error) {
	return transport.User{ID: 1, Username: "relay"}, nil
}
func (f *fakeClient) ProbeRead(context.Context, string) error { return nil }
func (f *fakeClient) SendText(context.Context, string, string) (int64, error) {
	return 0, nil
}
func (f *fakeClient) SendMedia(context.Context, string, string, transport.Media) (int64, error) {
	return 0, nil
}
func (f *fakeClient) DeleteMessage(context.Context, string, int64) error { return nil }
func (f *fakeClient) Subscribe(context.Context, string) (<-chan transport.Message, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeClient) Close() error { f.closed = true; return nil }

type fakeDialer struct {
	provisionErr error
	credential   []byte
	provisioned  []string
	client       *fakeClient
}

func (f *fakeDialer) Provision(_ context.Context, phone, code string) (transport.Client, []byte, error) {
	f.provisioned = append(f.provisioned, phone+":"+code)
	if f.provisionErr != nil {
		return nil, nil, f.provisionErr
	}
	f.client = &fakeClient{}
	return f.client, f.credential, nil
}

func (f *fakeDialer) Restore(context.Context, []byte) (transport.Client, error) {
	return nil, errors.New("not implemented")
}

type fakeSink struct {
	mu      sync.Mutex
	entries map[int64]transport.Client
}

func (f *fakeSink) Put(userID int64, client transport.Client) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.entries == nil {
		f.entries = make(map[int64]transport.Client)
	}
	f.entries[userID] = client
}

type fixture struct {
	service    *Service
	accounts   *memAccountRepo
	challenges *memChallengeRepo
	sender     *fakeSender
	dialer     *fakeDialer
	sink       *fakeSink
	sealer     *security.Sealer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = 9
	}
	sealer, err := security.NewSealer(key)
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	f := &fixture{
		accounts:   newMemAccountRepo(),
		challenges: &memChallengeRepo{},
		sender:     &fakeSender{},
		dialer:     &fakeDialer{credential: []byte("session-blob")},
		sink:       &fakeSink{},
		sealer:     sealer,
	}
	f.service = NewService(f.accounts, f.challenges, f.sender, f.dialer, sealer, f.sink, 10*time.Minute)
	return f
}

func TestService_SubmitPhone_InvalidNumber(t *testing.T) {
	f := newFixture(t)
	f.service.Begin(7)

	if _, err := f.service.SubmitPhone(context.Background(), 7, "not a phone"); !errors.Is(err, ErrInvalidPhone) {
		t.Errorf("err = %v, want ErrInvalidPhone", err)
	}
	if _, err := f.service.SubmitPhone(context.Background(), 7, "12345"); !errors.Is(err, ErrInvalidPhone) {
		t.Errorf("err = %v, want ErrInvalidPhone", err)
	}
}

func TestService_SubmitPhone_Conflict(t *testing.T) {
	f := newFixture(t)
	f.accounts.accounts[1] = &accountdomain.Account{UserID: 1, Phone: "+14155552671", Verified: true}
	f.service.Begin(7)

	if _, err := f.service.SubmitPhone(context.Background(), 7, "+14155552671"); !errors.Is(err, ErrPhoneConflict) {
		t.Errorf("err = %v, want ErrPhoneConflict", err)
	}
}

func TestService_SubmitPhone_ConflictWithUnverifiedHolder(t *testing.T) {
	f := newFixture(t)
	f.service.Begin(77)
	if _, err := f.service.SubmitPhone(context.Background(), 77, "+14155552671"); err != nil {
		t.Fatalf("SubmitPhone: %v", err)
	}

	// The first holder never completed verification, but the number is still
	// bound to their account and must not transfer.
	f.service.Begin(88)
	if _, err := f.service.SubmitPhone(context.Background(), 88, "+14155552671"); !errors.Is(err, ErrPhoneConflict) {
		t.Errorf("err = %v, want ErrPhoneConflict", err)
	}
	if account := f.accounts.get(88); account != nil && account.Phone == "+14155552671" {
		t.Error("second account must not take over the phone number")
	}
}

func TestService_SubmitPhone_SameUserReverifies(t *testing.T) {
	f := newFixture(t)
	f.accounts.accounts[7] = &accountdomain.Account{UserID: 7, Phone: "+14155552671", Verified: true}
	f.service.Begin(7)

	if _, err := f.service.SubmitPhone(context.Background(), 7, "+14155552671"); err != nil {
		t.Fatalf("re-verifying own number should not conflict: %v", err)
	}
}

func TestService_SubmitPhone_DeliversViaSMS(t *testing.T) {
	f := newFixture(t)
	f.service.Begin(7)

	result, err := f.service.SubmitPhone(context.Background(), 7, "+1 (415) 555-2671")
	if err != nil {
		t.Fatalf("SubmitPhone: %v", err)
	}
	if result.Phone != "+14155552671" {
		t.Errorf("phone = %q, want E.164 +14155552671", result.Phone)
	}
	if result.Channel != DeliveredSMS {
		t.Errorf("channel = %q, want sms", result.Channel)
	}
	if result.Code != "" {
		t.Error("code must not surface when delivered over SMS")
	}
	if len(f.sender.sends) != 1 {
		t.Fatalf("sms sends = %d, want 1", len(f.sender.sends))
	}
	if f.service.Stage(7) != StageCode {
		t.Errorf("stage = %v, want StageCode", f.service.Stage(7))
	}
}

func TestService_SubmitPhone_FallsBackInBand(t *testing.T) {
	f := newFixture(t)
	f.sender.err = errors.New("gateway down")
	f.service.Begin(7)

	result, err := f.service.SubmitPhone(context.Background(), 7, "+14155552671")
	if err != nil {
		t.Fatalf("SubmitPhone: %v", err)
	}
	if result.Channel != DeliveredInBand {
		t.Errorf("channel = %q, want in_band", result.Channel)
	}
	if len(result.Code) != 6 {
		t.Errorf("in-band code length = %d, want 6", len(result.Code))
	}
}

func TestService_SubmitCode_FullFlow(t *testing.T) {
	f := newFixture(t)
	f.sender.err = errors.New("no gateway")
	f.service.Begin(7)

	phoneResult, err := f.service.SubmitPhone(context.Background(), 7, "+14155552671")
	if err != nil {
		t.Fatalf("SubmitPhone: %v", err)
	}

	result, err := f.service.SubmitCode(context.Background(), 7, phoneResult.Code)
	if err != nil {
		t.Fatalf("SubmitCode: %v", err)
	}
	if result.Phone != "+14155552671" {
		t.Errorf("result phone = %q", result.Phone)
	}

	account := f.accounts.get(7)
	if account == nil || !account.Verified {
		t.Fatal("account should be verified")
	}
	opened, err := f.sealer.Open(account.SessionSealed)
	if err != nil {
		t.Fatalf("stored credential does not unseal: %v", err)
	}
	if string(opened) != "session-blob" {
		t.Errorf("unsealed credential = %q, want session-blob", opened)
	}
	if f.sink.entries[7] == nil {
		t.Error("live session was not registered")
	}
	if f.service.Stage(7) != StageNone {
		t.Errorf("stage after success = %v, want StageNone", f.service.Stage(7))
	}

	challenge, _ := f.challenges.LatestUnconsumed(context.Background(), 7)
	if challenge != nil {
		t.Error("challenge should be consumed")
	}
}

func TestService_SubmitCode_NotInProgress(t *testing.T) {
	f := newFixture(t)
	if _, err := f.service.SubmitCode(context.Background(), 7, "482913"); !errors.Is(err, ErrNotInProgress) {
		t.Errorf("err = %v, want ErrNotInProgress", err)
	}
}

func TestService_SubmitCode_Mismatch(t *testing.T) {
	f := newFixture(t)
	f.sender.err = errors.New("no gateway")
	f.service.Begin(7)
	if _, err := f.service.SubmitPhone(context.Background(), 7, "+14155552671"); err != nil {
		t.Fatalf("SubmitPhone: %v", err)
	}

	if _, err := f.service.SubmitCode(context.Background(), 7, "000000"); !errors.Is(err, ErrCodeMismatch) {
		t.Errorf("err = %v, want ErrCodeMismatch", err)
	}
	// Mismatch keeps the conversation at the code stage for a retry.
	if f.service.Stage(7) != StageCode {
		t.Errorf("stage after mismatch = %v, want StageCode", f.service.Stage(7))
	}
}

func TestService_SubmitCode_Expired(t *testing.T) {
	f := newFixture(t)
	f.sender.err = errors.New("no gateway")
	f.service.Begin(7)

	result, err := f.service.SubmitPhone(context.Background(), 7, "+14155552671")
	if err != nil {
		t.Fatalf("SubmitPhone: %v", err)
	}

	f.service.nowF = func() time.Time { return time.Now().Add(11 * time.Minute) }
	if _, err := f.service.SubmitCode(context.Background(), 7, result.Code); !errors.Is(err, ErrCodeExpired) {
		t.Errorf("err = %v, want ErrCodeExpired", err)
	}
	// Expiry resets the conversation so the user starts over from the phone.
	if f.service.Stage(7) != StageNone {
		t.Errorf("stage after expiry = %v, want StageNone", f.service.Stage(7))
	}
}

func TestService_SubmitCode_ProvisioningFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.sender.err = errors.New("no gateway")
	f.dialer.provisionErr = errors.New("network refused login")
	f.service.Begin(7)

	result, err := f.service.SubmitPhone(context.Background(), 7, "+14155552671")
	if err != nil {
		t.Fatalf("SubmitPhone: %v", err)
	}

	if _, err := f.service.SubmitCode(context.Background(), 7, result.Code); !errors.Is(err, ErrProvisioning) {
		t.Errorf("err = %v, want ErrProvisioning", err)
	}
	if account := f.accounts.get(7); account != nil && account.Verified {
		t.Error("verified flag should be rolled back after provisioning failure")
	}
	if f.service.Stage(7) != StageCode {
		t.Errorf("stage after provisioning failure = %v, want StageCode", f.service.Stage(7))
	}
}

func TestService_Cancel_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.service.Begin(7)
	f.service.Cancel(7)
	f.service.Cancel(7)
	if f.service.Stage(7) != StageNone {
		t.Errorf("stage after cancel = %v, want StageNone", f.service.Stage(7))
	}
}
