package credit

import (
	"errors"
	"testing"

	"github.com/vmartins/corrigeai/internal/model"
)

type fakeQuotaStore struct {
	calls    int
	consumed bool
	err      error
}

func (f *fakeQuotaStore) ConsumeCredit(userID int64) (bool, error) {
	f.calls++
	return f.consumed, f.err
}

func TestAuthorize(t *testing.T) {
	g := NewGate(&fakeQuotaStore{})

	tests := []struct {
		name    string
		user    model.User
		wantErr error
	}{
		{"standard with credits", model.User{Role: model.RoleStandard, Credits: 3}, nil},
		{"standard without credits", model.User{Role: model.RoleStandard, Credits: 0}, model.ErrInsufficientQuota},
		{"privileged without credits", model.User{Role: model.RolePrivileged, Credits: 0}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.Authorize(&tt.user)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Authorize() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCommitStandard(t *testing.T) {
	store := &fakeQuotaStore{consumed: true}
	g := NewGate(store)
	u := &model.User{ID: 7, Role: model.RoleStandard, Credits: 2}

	if err := g.Commit(u); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if store.calls != 1 {
		t.Errorf("ConsumeCredit calls = %d, want 1", store.calls)
	}
	if u.Credits != 1 {
		t.Errorf("Credits = %d, want 1", u.Credits)
	}
}

func TestCommitPrivilegedNeverTouchesStore(t *testing.T) {
	store := &fakeQuotaStore{}
	g := NewGate(store)
	u := &model.User{ID: 7, Role: model.RolePrivileged, Credits: 5}

	if err := g.Commit(u); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if store.calls != 0 {
		t.Errorf("ConsumeCredit calls = %d, want 0", store.calls)
	}
	if u.Credits != 5 {
		t.Errorf("Credits = %d, want unchanged 5", u.Credits)
	}
}

func TestCommitStoreFailure(t *testing.T) {
	store := &fakeQuotaStore{err: errors.New("disk on fire")}
	g := NewGate(store)
	u := &model.User{ID: 7, Role: model.RoleStandard, Credits: 2}

	err := g.Commit(u)
	if !errors.Is(err, model.ErrStoreUnavailable) {
		t.Errorf("Commit() = %v, want ErrStoreUnavailable", err)
	}
	if u.Credits != 2 {
		t.Errorf("Credits = %d, want unchanged 2 on failed commit", u.Credits)
	}
}

func TestCommitRacedToZero(t *testing.T) {
	store := &fakeQuotaStore{consumed: false}
	g := NewGate(store)
	u := &model.User{ID: 7, Role: model.RoleStandard, Credits: 1}

	err := g.Commit(u)
	if !errors.Is(err, ErrNothingToConsume) {
		t.Errorf("Commit() = %v, want ErrNothingToConsume", err)
	}
	if u.Credits != 1 {
		t.Errorf("Credits = %d, want unchanged when nothing consumed", u.Credits)
	}
}
