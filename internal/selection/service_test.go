package selection

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ncol/publisher-service/internal/config"
	"github.com/ncol/publisher-service/internal/models"
	"github.com/ncol/publisher-service/internal/nonce"
	"github.com/ncol/publisher-service/internal/settings"
	"github.com/ncol/publisher-service/internal/storage"
)

// MockStorage is a mock implementation of the Storage interface
type MockStorage struct {
	mock.Mock
}

func (m *MockStorage) GetRequested(ctx context.Context, itemID string) (models.PlatformSet, error) {
	args := m.Called(ctx, itemID)
	return args.Get(0).(models.PlatformSet), args.Error(1)
}

func (m *MockStorage) SetRequested(ctx context.Context, itemID string, platforms models.PlatformSet) error {
	args := m.Called(ctx, itemID, platforms)
	return args.Error(0)
}

func (m *MockStorage) GetDispatched(ctx context.Context, itemID string) (models.PlatformSet, error) {
	args := m.Called(ctx, itemID)
	return args.Get(0).(models.PlatformSet), args.Error(1)
}

func (m *MockStorage) AddDispatched(ctx context.Context, itemID string, platforms models.PlatformSet) error {
	args := m.Called(ctx, itemID, platforms)
	return args.Error(0)
}

func (m *MockStorage) Close() error {
	args := m.Called()
	return args.Error(0)
}

var editor = &models.Actor{ID: "7", Capabilities: []string{"edit_posts", "edit_others_posts"}}

func newTestService(store storage.Storage) (*Service, *nonce.Issuer) {
	issuer := nonce.NewIssuer("secret", time.Hour)
	st := settings.NewStore(config.SettingsConfig{Enabled: []string{"facebook", "twitter", "threads"}})
	return NewService(store, st, issuer, nil), issuer
}

func TestService_Render(t *testing.T) {
	store := storage.NewMemoryStorage()
	require.NoError(t, store.SetRequested(context.Background(), "42", models.NewPlatformSet(models.PlatformTwitter, models.PlatformInstagram)))
	svc, issuer := newTestService(store)

	form, err := svc.Render(context.Background(), "42", editor)

	require.NoError(t, err)
	assert.Equal(t, []Option{
		{Platform: "facebook", Label: "Facebook", Checked: false},
		{Platform: "twitter", Label: "X", Checked: true},
		{Platform: "threads", Label: "Threads", Checked: false},
	}, form.Options)
	assert.True(t, issuer.Verify(form.Nonce, nonce.Action, "7", "42"))
}

func TestService_SaveStoresEnabledSelection(t *testing.T) {
	store := storage.NewMemoryStorage()
	svc, issuer := newTestService(store)

	err := svc.Save(context.Background(), SaveRequest{
		ItemID:   "42",
		Actor:    editor,
		Nonce:    issuer.Create(nonce.Action, "7", "42"),
		Selected: models.NewPlatformSet(models.PlatformFacebook, models.PlatformWhatsApp),
	})

	require.NoError(t, err)
	requested, _ := store.GetRequested(context.Background(), "42")
	assert.Equal(t, []string{"facebook"}, requested.Strings())
}

func TestService_SaveGuards(t *testing.T) {
	issuer := nonce.NewIssuer("secret", time.Hour)
	validNonce := issuer.Create(nonce.Action, "7", "42")

	tests := []struct {
		name string
		req  SaveRequest
		want error
	}{
		{"missing nonce", SaveRequest{ItemID: "42", Actor: editor}, ErrInvalidNonce},
		{"nonce for another item", SaveRequest{ItemID: "42", Actor: editor, Nonce: issuer.Create(nonce.Action, "7", "43")}, ErrInvalidNonce},
		{"autosave", SaveRequest{ItemID: "42", Actor: editor, Nonce: validNonce, Autosave: true}, ErrAutosave},
		{"no edit permission", SaveRequest{
			ItemID: "42",
			Actor:  &models.Actor{ID: "7", Capabilities: []string{"read"}},
			Nonce:  validNonce,
		}, ErrPermissionDenied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := new(MockStorage)
			st := settings.NewStore(config.SettingsConfig{Enabled: []string{"facebook"}})
			svc := NewService(store, st, issuer, nil)

			err := svc.Save(context.Background(), tt.req)

			assert.ErrorIs(t, err, tt.want)
			assert.True(t, IsGuardError(err))
			store.AssertNotCalled(t, "SetRequested", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestService_SaveStorageError(t *testing.T) {
	store := new(MockStorage)
	store.On("SetRequested", mock.Anything, "42", mock.AnythingOfType("models.PlatformSet")).Return(assert.AnError)
	svc, issuer := newTestService(store)

	err := svc.Save(context.Background(), SaveRequest{
		ItemID: "42",
		Actor:  editor,
		Nonce:  issuer.Create(nonce.Action, "7", "42"),
	})

	assert.Error(t, err)
	assert.False(t, IsGuardError(err))
	assert.Contains(t, err.Error(), "failed to save selection")
	store.AssertExpectations(t)
}

func TestService_RenderStorageError(t *testing.T) {
	store := new(MockStorage)
	store.On("GetRequested", mock.Anything, "42").Return(models.PlatformSet(nil), assert.AnError)
	svc, _ := newTestService(store)

	_, err := svc.Render(context.Background(), "42", editor)

	assert.Error(t, err)
}
