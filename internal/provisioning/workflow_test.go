package provisioning

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/aizily/internal/model"
	"github.com/hitoshi/aizily/internal/repository"
)

// --- モック ---

type mockSignUpper struct {
	signUpFn func(ctx context.Context, email, password string, attrs model.IdentityAttributes) (*model.Identity, error)
	calls    int
}

func (m *mockSignUpper) SignUp(ctx context.Context, email, password string, attrs model.IdentityAttributes) (*model.Identity, error) {
	m.calls++
	return m.signUpFn(ctx, email, password, attrs)
}

// fakeProfileRepo はusersテーブルの主キー制約を模したインメモリ実装。
type fakeProfileRepo struct {
	mu       sync.Mutex
	profiles map[string]*model.Profile
	insertFn func(ctx context.Context, p *model.Profile) error
	inserts  int
}

func newFakeProfileRepo() *fakeProfileRepo {
	return &fakeProfileRepo{profiles: make(map[string]*model.Profile)}
}

func (r *fakeProfileRepo) InsertProfile(ctx context.Context, p *model.Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inserts++
	if r.insertFn != nil {
		if err := r.insertFn(ctx, p); err != nil {
			return err
		}
	}
	if _, ok := r.profiles[p.UserID]; ok {
		return &model.AuthError{Kind: model.KindDuplicateResource, Code: "23505", Message: "duplicate key"}
	}
	cp := *p
	r.profiles[p.UserID] = &cp
	return nil
}

func (r *fakeProfileRepo) FindByID(ctx context.Context, userID string) (*model.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[userID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

type countingRecorder struct{ failures int }

func (r *countingRecorder) RecordProvisioningFailure() { r.failures++ }

// --- compile-time interface checks ---
var (
	_ SignUpper                    = (*mockSignUpper)(nil)
	_ repository.ProfileRepository = (*fakeProfileRepo)(nil)
	_ Recorder                     = (*countingRecorder)(nil)
)

var fixedNow = time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

func signUpReturning(userID string) *mockSignUpper {
	return &mockSignUpper{
		signUpFn: func(ctx context.Context, email, password string, attrs model.IdentityAttributes) (*model.Identity, error) {
			return &model.Identity{UserID: userID, Email: email}, nil
		},
	}
}

func parentRequest() SignUpRequest {
	return SignUpRequest{
		Email:     "a@x.com",
		Password:  "secret1",
		FirstName: "Alice",
		LastName:  "Smith",
		Role:      model.RoleParent,
	}
}

// --- テスト ---

func TestProvisionAccount_Success(t *testing.T) {
	signUp := signUpReturning("U1")
	repo := newFakeProfileRepo()
	w := NewWorkflow(signUp, repo, WithClock(func() time.Time { return fixedNow }))

	acc, err := w.ProvisionAccount(context.Background(), parentRequest())
	if err != nil {
		t.Fatalf("ProvisionAccount() error = %v", err)
	}
	if acc.Identity.UserID != "U1" {
		t.Errorf("Identity.UserID = %q, want %q", acc.Identity.UserID, "U1")
	}
	p := acc.Profile
	if p.UserID != "U1" || p.Email != "a@x.com" || p.FirstName != "Alice" || p.LastName != "Smith" {
		t.Errorf("Profile = %+v", p)
	}
	if p.Role != model.RoleParent || !p.OnboardingComplete {
		t.Errorf("Profile role/onboarding = %s/%v, want parent/true", p.Role, p.OnboardingComplete)
	}
	if !p.CreatedAt.Equal(fixedNow) || !p.UpdatedAt.Equal(fixedNow) {
		t.Errorf("timestamps = %v/%v, want %v", p.CreatedAt, p.UpdatedAt, fixedNow)
	}

	stored, _ := repo.FindByID(context.Background(), "U1")
	if stored == nil {
		t.Fatal("profile was not stored")
	}
}

func TestProvisionAccount_Student_OnboardingPending(t *testing.T) {
	w := NewWorkflow(signUpReturning("U2"), newFakeProfileRepo())
	req := parentRequest()
	req.Role = model.RoleStudent

	acc, err := w.ProvisionAccount(context.Background(), req)
	if err != nil {
		t.Fatalf("ProvisionAccount() error = %v", err)
	}
	if acc.Profile.OnboardingComplete {
		t.Error("student profile should start with onboarding incomplete")
	}
}

func TestProvisionAccount_EmptyNamesAccepted(t *testing.T) {
	w := NewWorkflow(signUpReturning("U1"), newFakeProfileRepo())
	req := parentRequest()
	req.FirstName = "  "
	req.LastName = ""

	acc, err := w.ProvisionAccount(context.Background(), req)
	if err != nil {
		t.Fatalf("ProvisionAccount() error = %v", err)
	}
	if acc.Profile.FirstName != "  " {
		t.Errorf("FirstName = %q, want names stored as-is", acc.Profile.FirstName)
	}
}

func TestProvisionAccount_InvalidRole_NoRemoteCall(t *testing.T) {
	signUp := signUpReturning("U1")
	repo := newFakeProfileRepo()
	w := NewWorkflow(signUp, repo)
	req := parentRequest()
	req.Role = "admin"

	_, err := w.ProvisionAccount(context.Background(), req)
	if !errors.Is(err, model.ErrValidation) {
		t.Fatalf("ProvisionAccount() error = %v, want ValidationError", err)
	}
	if signUp.calls != 0 {
		t.Errorf("SignUp calls = %d, want 0", signUp.calls)
	}
	if repo.inserts != 0 {
		t.Errorf("InsertProfile calls = %d, want 0", repo.inserts)
	}
}

func TestProvisionAccount_SignUpFails_NoProfileWrite(t *testing.T) {
	signUpErr := &model.AuthError{Kind: model.KindEmailAlreadyInUse, Message: "User already registered"}
	signUp := &mockSignUpper{
		signUpFn: func(ctx context.Context, email, password string, attrs model.IdentityAttributes) (*model.Identity, error) {
			return nil, signUpErr
		},
	}
	repo := newFakeProfileRepo()
	w := NewWorkflow(signUp, repo)

	_, err := w.ProvisionAccount(context.Background(), parentRequest())
	if !errors.Is(err, model.ErrEmailAlreadyInUse) {
		t.Fatalf("ProvisionAccount() error = %v, want EmailAlreadyInUse", err)
	}
	if repo.inserts != 0 {
		t.Errorf("InsertProfile calls = %d, want 0", repo.inserts)
	}
}

func TestProvisionAccount_PassesAttributesToSignUp(t *testing.T) {
	var got model.IdentityAttributes
	signUp := &mockSignUpper{
		signUpFn: func(ctx context.Context, email, password string, attrs model.IdentityAttributes) (*model.Identity, error) {
			got = attrs
			return &model.Identity{UserID: "U1", Email: email}, nil
		},
	}
	w := NewWorkflow(signUp, newFakeProfileRepo())

	if _, err := w.ProvisionAccount(context.Background(), parentRequest()); err != nil {
		t.Fatalf("ProvisionAccount() error = %v", err)
	}
	want := model.IdentityAttributes{FirstName: "Alice", LastName: "Smith", Role: model.RoleParent}
	if got != want {
		t.Errorf("attrs = %+v, want %+v", got, want)
	}
}

// TestProvisionAccount_ProfileCollision_ThenRetry はIdentity作成後のProfile作成失敗と
// 衝突解消後の再試行による回復を検証する。
func TestProvisionAccount_ProfileCollision_ThenRetry(t *testing.T) {
	ctx := context.Background()
	repo := newFakeProfileRepo()
	repo.insertFn = func(ctx context.Context, p *model.Profile) error {
		return &model.AuthError{Kind: model.KindDuplicateResource, Code: "23505", Message: "duplicate key value"}
	}
	recorder := &countingRecorder{}
	w := NewWorkflow(signUpReturning("U1"), repo, WithMetrics(recorder))

	_, err := w.ProvisionAccount(ctx, parentRequest())
	if !errors.Is(err, model.ErrProfileProvisioningFailed) {
		t.Fatalf("ProvisionAccount() error = %v, want ProfileProvisioningFailed", err)
	}
	if errors.Is(err, model.ErrValidation) {
		t.Error("partial failure must not look like a validation error")
	}
	var authErr *model.AuthError
	if !errors.As(err, &authErr) || authErr.UserID != "U1" {
		t.Fatalf("error should reference U1, got %v", err)
	}
	if model.KindOf(err) != model.KindProfileProvisioningFailed {
		t.Errorf("KindOf() = %s", model.KindOf(err))
	}
	if recorder.failures != 1 {
		t.Errorf("recorded failures = %d, want 1", recorder.failures)
	}

	// 衝突を解消して再試行
	repo.insertFn = nil
	acc, err := w.RetryProfile(ctx, "U1", ProfileRequest{
		FirstName: "Alice",
		LastName:  "Smith",
		Role:      model.RoleParent,
	})
	if err != nil {
		t.Fatalf("RetryProfile() error = %v", err)
	}
	if acc.Identity.UserID != "U1" || acc.Profile.UserID != "U1" {
		t.Errorf("account = %+v / %+v", acc.Identity, acc.Profile)
	}
	if acc.Profile.Email != "a@x.com" {
		t.Errorf("Profile.Email = %q, want the identity's email", acc.Profile.Email)
	}

	// 回復後は再試行の対象から外れる
	if _, err := w.RetryProfile(ctx, "U1", ProfileRequest{Role: model.RoleParent}); !errors.Is(err, model.ErrUserNotFound) {
		t.Errorf("second RetryProfile() error = %v, want UserNotFound", err)
	}
}

// failingProvision はProfile作成を失敗させてU1を再試行待ちにする。
func failingProvision(t *testing.T, w *Workflow, repo *fakeProfileRepo) {
	t.Helper()
	repo.insertFn = func(ctx context.Context, p *model.Profile) error {
		return errors.New("connection refused")
	}
	if _, err := w.ProvisionAccount(context.Background(), parentRequest()); !errors.Is(err, model.ErrProfileProvisioningFailed) {
		t.Fatalf("ProvisionAccount() error = %v, want ProfileProvisioningFailed", err)
	}
	repo.insertFn = nil
}

func TestRetryProfile_AlreadyExists_ReturnsExisting(t *testing.T) {
	ctx := context.Background()
	repo := newFakeProfileRepo()
	w := NewWorkflow(signUpReturning("U1"), repo)
	failingProvision(t, w, repo)

	// 失敗扱いだったが別経路で作成済みになったProfile
	repo.profiles["U1"] = &model.Profile{UserID: "U1", Email: "a@x.com", FirstName: "Alice", Role: model.RoleParent}

	acc, err := w.RetryProfile(ctx, "U1", ProfileRequest{Role: model.RoleParent})
	if err != nil {
		t.Fatalf("RetryProfile() error = %v", err)
	}
	if acc.Profile.FirstName != "Alice" {
		t.Errorf("FirstName = %q, want the existing profile", acc.Profile.FirstName)
	}
}

func TestRetryProfile_StoreFailure_ReturnsProvisioningFailed(t *testing.T) {
	repo := newFakeProfileRepo()
	w := NewWorkflow(signUpReturning("U1"), repo)
	failingProvision(t, w, repo)
	repo.insertFn = func(ctx context.Context, p *model.Profile) error {
		return errors.New("connection refused")
	}

	_, err := w.RetryProfile(context.Background(), "U1", ProfileRequest{Role: model.RoleStudent})
	if !errors.Is(err, model.ErrProfileProvisioningFailed) {
		t.Fatalf("RetryProfile() error = %v, want ProfileProvisioningFailed", err)
	}

	// 失敗が続く間は再試行の対象に残る
	repo.insertFn = nil
	if _, err := w.RetryProfile(context.Background(), "U1", ProfileRequest{Role: model.RoleStudent}); err != nil {
		t.Errorf("RetryProfile() after recovery error = %v", err)
	}
}

// TestRetryProfile_UnknownUser_NoProfileWrite はProfile作成に失敗していない
// ユーザーIDではProfileを書き込まないことを検証する。
func TestRetryProfile_UnknownUser_NoProfileWrite(t *testing.T) {
	repo := newFakeProfileRepo()
	w := NewWorkflow(signUpReturning("U1"), repo)

	_, err := w.RetryProfile(context.Background(), "3f2504e0-4f89-41d3-9a0c-0305e82c3301", ProfileRequest{Role: model.RoleParent})
	if !errors.Is(err, model.ErrUserNotFound) {
		t.Fatalf("RetryProfile() error = %v, want UserNotFound", err)
	}
	if repo.inserts != 0 {
		t.Errorf("InsertProfile calls = %d, want 0", repo.inserts)
	}
}

func TestRetryProfile_Validation(t *testing.T) {
	w := NewWorkflow(signUpReturning("U1"), newFakeProfileRepo())

	tests := []struct {
		name   string
		userID string
		role   model.Role
	}{
		{"empty user id", "", model.RoleParent},
		{"invalid role", "U1", "admin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := w.RetryProfile(context.Background(), tt.userID, ProfileRequest{Role: tt.role})
			if !errors.Is(err, model.ErrValidation) {
				t.Errorf("RetryProfile() error = %v, want ValidationError", err)
			}
		})
	}
}
