package users

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/gatehouse-hq/gatehouse/internal/platform/httpx"
)

type mockRepo struct {
	users  map[int64]User
	hashes map[int64]string
	nextID int64
}

func newMockRepo() *mockRepo {
	return &mockRepo{users: make(map[int64]User), hashes: make(map[int64]string), nextID: 1}
}

func (m *mockRepo) add(u User) User {
	u.ID = m.nextID
	m.nextID++
	m.users[u.ID] = u
	return u
}

func (m *mockRepo) ListUsers(ctx context.Context) ([]User, error) {
	out := make([]User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	return out, nil
}

func (m *mockRepo) GetUser(ctx context.Context, id int64) (User, error) {
	u, ok := m.users[id]
	if !ok {
		return User{}, httpx.ErrNotFound
	}
	return u, nil
}

func (m *mockRepo) CreateUser(ctx context.Context, email, fullName, passwordHash string, isActive bool) (int64, error) {
	for _, u := range m.users {
		if u.Email == email {
			return 0, httpx.ErrDuplicate
		}
	}
	u := m.add(User{
		Email:              email,
		FullName:           fullName,
		IsActive:           isActive,
		NeedsPasswordReset: true,
		CreatedAt:          time.Now(),
	})
	m.hashes[u.ID] = passwordHash
	return u.ID, nil
}

func (m *mockRepo) UpdateUser(ctx context.Context, id int64, fullName string) error {
	u, ok := m.users[id]
	if !ok {
		return httpx.ErrNotFound
	}
	u.FullName = fullName
	m.users[id] = u
	return nil
}

func (m *mockRepo) SetActive(ctx context.Context, id int64, active bool) error {
	u, ok := m.users[id]
	if !ok {
		return httpx.ErrNotFound
	}
	u.IsActive = active
	m.users[id] = u
	return nil
}

func (m *mockRepo) SetRoles(ctx context.Context, userID int64, roleIDs []int64) error {
	u, ok := m.users[userID]
	if !ok {
		return httpx.ErrNotFound
	}
	roles := make([]string, 0, len(roleIDs))
	for range roleIDs {
		roles = append(roles, "role")
	}
	u.Roles = roles
	m.users[userID] = u
	return nil
}

func (m *mockRepo) ResetPassword(ctx context.Context, id int64, passwordHash string) error {
	u, ok := m.users[id]
	if !ok {
		return httpx.ErrNotFound
	}
	u.NeedsPasswordReset = true
	m.users[id] = u
	m.hashes[id] = passwordHash
	return nil
}

type recordingInvalidator struct {
	ids []int64
}

func (r *recordingInvalidator) Invalidate(principalID int64) {
	r.ids = append(r.ids, principalID)
}

type recordingMailer struct {
	emails []string
}

func (r *recordingMailer) EnqueueRecoveryEmail(ctx context.Context, email, redirectURL string) error {
	r.emails = append(r.emails, email)
	return nil
}

func newService(repo *mockRepo) (*Service, *recordingInvalidator, *recordingMailer) {
	inv := &recordingInvalidator{}
	mailer := &recordingMailer{}
	return NewService(repo, inv, mailer, "https://portal.example.com/auth/password"), inv, mailer
}

func TestCreateUserNormalizesEmailAndForcesReset(t *testing.T) {
	repo := newMockRepo()
	svc, _, _ := newService(repo)

	user, err := svc.CreateUser(context.Background(), "  Casey@Example.COM ", " Casey Doe ", "initialpw1", true)
	require.NoError(t, err)
	require.Equal(t, "casey@example.com", user.Email)
	require.Equal(t, "Casey Doe", user.FullName)
	require.True(t, user.NeedsPasswordReset)

	hash := repo.hashes[user.ID]
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("initialpw1")))
}

func TestCreateUserRejectsShortPassword(t *testing.T) {
	svc, _, _ := newService(newMockRepo())

	_, err := svc.CreateUser(context.Background(), "casey@example.com", "Casey", "short", true)
	require.ErrorIs(t, err, httpx.ErrValidation)
}

func TestCreateUserDuplicateEmail(t *testing.T) {
	repo := newMockRepo()
	svc, _, _ := newService(repo)

	_, err := svc.CreateUser(context.Background(), "casey@example.com", "Casey", "initialpw1", true)
	require.NoError(t, err)

	_, err = svc.CreateUser(context.Background(), "casey@example.com", "Casey Again", "initialpw2", true)
	require.ErrorIs(t, err, httpx.ErrDuplicate)
}

func TestDeactivationInvalidatesSessions(t *testing.T) {
	repo := newMockRepo()
	svc, inv, _ := newService(repo)
	u := repo.add(User{Email: "casey@example.com", IsActive: true})

	require.NoError(t, svc.SetActive(context.Background(), u.ID, false))
	require.Equal(t, []int64{u.ID}, inv.ids)
	require.False(t, repo.users[u.ID].IsActive)
}

func TestSetRolesInvalidatesSessions(t *testing.T) {
	repo := newMockRepo()
	svc, inv, _ := newService(repo)
	u := repo.add(User{Email: "casey@example.com", IsActive: true})

	require.NoError(t, svc.SetRoles(context.Background(), u.ID, []int64{1, 2}))
	require.Equal(t, []int64{u.ID}, inv.ids)
}

func TestSetRolesMissingUserDoesNotInvalidate(t *testing.T) {
	svc, inv, _ := newService(newMockRepo())

	err := svc.SetRoles(context.Background(), 99, []int64{1})
	require.ErrorIs(t, err, httpx.ErrNotFound)
	require.Empty(t, inv.ids)
}

func TestResetPasswordForcesChangeAndInvalidates(t *testing.T) {
	repo := newMockRepo()
	svc, inv, _ := newService(repo)
	u := repo.add(User{Email: "casey@example.com", IsActive: true})

	require.NoError(t, svc.ResetPassword(context.Background(), u.ID, "temporary1"))
	require.True(t, repo.users[u.ID].NeedsPasswordReset)
	require.Equal(t, []int64{u.ID}, inv.ids)
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(repo.hashes[u.ID]), []byte("temporary1")))
}

func TestSendRecoveryUsesStoredEmail(t *testing.T) {
	repo := newMockRepo()
	svc, _, mailer := newService(repo)
	u := repo.add(User{Email: "casey@example.com", IsActive: true})

	require.NoError(t, svc.SendRecovery(context.Background(), u.ID))
	require.Equal(t, []string{"casey@example.com"}, mailer.emails)
}

func TestSendRecoveryMissingUser(t *testing.T) {
	svc, _, mailer := newService(newMockRepo())

	err := svc.SendRecovery(context.Background(), 404)
	require.ErrorIs(t, err, httpx.ErrNotFound)
	require.Empty(t, mailer.emails)
}
