package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garyjia/trip-allowance/internal/application/port"
	"github.com/garyjia/trip-allowance/internal/domain/allowance"
	"github.com/garyjia/trip-allowance/internal/domain/entity"
	"github.com/garyjia/trip-allowance/internal/domain/workflow"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

func newSessionManager(t *testing.T, store *memStore, fx *fakeFx) (SessionManager, AmountService) {
	t.Helper()
	amounts := newAmountService(store, fx)
	m := NewSessionManager(amounts, store, roleAuthorizer{}, &mockLogger{})
	t.Cleanup(m.Shutdown)
	return m, amounts
}

func textPtr(s string) *allowance.Text {
	v := allowance.Text(s)
	return &v
}

func TestSessionManager_BeginRequiresEditor(t *testing.T) {
	store := newMemStore()
	seedTrip(store, "t1", nil)
	m, _ := newSessionManager(t, store, &fakeFx{})

	_, err := m.Begin(context.Background(), viewer, "t1")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = m.View(viewer, "t1")
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestSessionManager_BeginMissingTrip(t *testing.T) {
	m, _ := newSessionManager(t, newMemStore(), &fakeFx{})

	_, err := m.Begin(context.Background(), editor, "missing")
	assert.ErrorIs(t, err, port.ErrNotFound)

	_, err = m.View(editor, "missing")
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestSessionManager_EditAndSave(t *testing.T) {
	store := newMemStore()
	seedTrip(store, "t1", nil)
	m, _ := newSessionManager(t, store, &fakeFx{})
	ctx := context.Background()

	view, err := m.Begin(ctx, editor, "t1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StateEditing, view.State)
	assert.False(t, view.HasAmount)
	assert.ElementsMatch(t, []workflow.Trigger{workflow.TriggerSave, workflow.TriggerCancel}, view.Actions)

	form := literalForm()
	view, err = m.UpdateForm(editor, "t1", allowance.FormPatch{
		TransportMultiplier:      &form.TransportMultiplier,
		LocalTransportAllowance:  &form.LocalTransportAllowance,
		MealAllowance:            &form.MealAllowance,
		MealMultiplier:           &form.MealMultiplier,
		MealPercentage:           &form.MealPercentage,
		PocketAllowance:          &form.PocketAllowance,
		PocketMultiplier:         &form.PocketMultiplier,
		LocalTransportMultiplier: &form.LocalTransportMultiplier,
		LocalTransportPercentage: &form.LocalTransportPercentage,
	})
	require.NoError(t, err)
	assert.Equal(t, 560000.0, view.Live.TotalApprovedAmount)

	view, err = m.Save(ctx, editor, "t1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StateViewing, view.State)
	assert.True(t, view.HasAmount)
	assert.Empty(t, view.LastError)
	assert.NotNil(t, view.SavedAt)
	assert.Equal(t, []workflow.Trigger{workflow.TriggerEdit}, view.Actions)

	amount := storedAmount(store, "t1")
	assert.Equal(t, int64(560000), amount[allowance.KeyTotalApprovedAmount])
	assert.Equal(t, editor.UserID, amount[allowance.KeyUpdatedBy])

	// Begin on an open session re-enters EDITING with the saved values
	view, err = m.Begin(ctx, editor, "t1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StateEditing, view.State)
	assert.Equal(t, 560000.0, view.Live.TotalApprovedAmount)
}

func TestSessionManager_LoadsStoredAmount(t *testing.T) {
	store := newMemStore()
	seedTrip(store, "t1", nil)
	m, amounts := newSessionManager(t, store, &fakeFx{})
	ctx := context.Background()

	_, err := amounts.PersistAmount(ctx, otherEditor, "t1", literalForm().Normalize(), allowance.FxSnapshot{Mid: 16000})
	require.NoError(t, err)

	view, err := m.Begin(ctx, editor, "t1")
	require.NoError(t, err)
	assert.True(t, view.HasAmount)
	assert.Equal(t, allowance.Text("150000"), view.Form.LocalTransportAllowance)
	assert.Equal(t, allowance.Text("0.8"), view.Form.MealPercentage)
	assert.Equal(t, 560000.0, view.Live.TotalApprovedAmount)
	assert.Equal(t, 16000.0, view.Fx.Mid)
	assert.False(t, view.RemoteChanged)
}

func TestSessionManager_SaveFailureKeepsForm(t *testing.T) {
	store := newMemStore()
	seedTrip(store, "t1", nil)
	m, _ := newSessionManager(t, store, &fakeFx{})
	ctx := context.Background()

	_, err := m.Begin(ctx, editor, "t1")
	require.NoError(t, err)
	_, err = m.UpdateForm(editor, "t1", allowance.FormPatch{PocketAllowance: textPtr("123456")})
	require.NoError(t, err)

	store.setMergeFunc = func(ctx context.Context, collection, id string, data map[string]interface{}) error {
		return errors.New("permission denied")
	}

	view, err := m.Save(ctx, editor, "t1")
	require.Error(t, err)
	require.NotNil(t, view)
	assert.Equal(t, workflow.StateEditing, view.State)
	assert.Contains(t, view.LastError, "permission denied")
	assert.Equal(t, allowance.Text("123456"), view.Form.PocketAllowance)
	assert.Nil(t, storedAmount(store, "t1"))

	// Retry without re-entering anything
	store.setMergeFunc = nil
	view, err = m.Save(ctx, editor, "t1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StateViewing, view.State)
	assert.Empty(t, view.LastError)
	assert.Equal(t, int64(123456), storedAmount(store, "t1")[allowance.KeyTotalApprovedAmount])
}

func TestSessionManager_SaveRejectsInvalidInputs(t *testing.T) {
	store := newMemStore()
	seedTrip(store, "t1", nil)
	m, _ := newSessionManager(t, store, &fakeFx{})
	ctx := context.Background()

	_, err := m.Begin(ctx, editor, "t1")
	require.NoError(t, err)
	_, err = m.UpdateForm(editor, "t1", allowance.FormPatch{PocketAllowance: textPtr("-100")})
	require.NoError(t, err)

	_, err = m.Save(ctx, editor, "t1")
	assert.ErrorIs(t, err, ErrInvalidInputs)
	assert.Contains(t, err.Error(), allowance.KeyPocketAllowance)

	view, err := m.View(editor, "t1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StateEditing, view.State)
	assert.Zero(t, store.merges.Load())
}

func TestSessionManager_CancelDiscardsEdits(t *testing.T) {
	store := newMemStore()
	seedTrip(store, "t1", nil)
	m, amounts := newSessionManager(t, store, &fakeFx{})
	ctx := context.Background()

	_, err := amounts.PersistAmount(ctx, editor, "t1", literalForm().Normalize(), allowance.FxSnapshot{})
	require.NoError(t, err)

	_, err = m.Begin(ctx, editor, "t1")
	require.NoError(t, err)
	_, err = m.UpdateForm(editor, "t1", allowance.FormPatch{MealAllowance: textPtr("1")})
	require.NoError(t, err)

	view, err := m.Cancel(editor, "t1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StateViewing, view.State)
	assert.Equal(t, allowance.Text("200000"), view.Form.MealAllowance)

	_, err = m.UpdateForm(editor, "t1", allowance.FormPatch{MealAllowance: textPtr("2")})
	assert.ErrorIs(t, err, ErrNotEditing)

	_, err = m.Cancel(editor, "t1")
	assert.ErrorIs(t, err, workflow.ErrInvalidTransition)
}

func TestSessionManager_RemoteUpdateWhileEditing(t *testing.T) {
	store := newMemStore()
	seedTrip(store, "t1", nil)
	m, amounts := newSessionManager(t, store, &fakeFx{})
	ctx := context.Background()

	_, err := m.Begin(ctx, editor, "t1")
	require.NoError(t, err)
	_, err = m.UpdateForm(editor, "t1", allowance.FormPatch{MealAllowance: textPtr("111")})
	require.NoError(t, err)

	_, err = amounts.PersistAmount(ctx, otherEditor, "t1", literalForm().Normalize(), allowance.FxSnapshot{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		view, err := m.View(editor, "t1")
		return err == nil && view.RemoteChanged
	}, waitFor, tick)

	view, err := m.View(editor, "t1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StateEditing, view.State)
	assert.Equal(t, allowance.Text("111"), view.Form.MealAllowance, "remote updates must not overwrite local edits")

	// Cancelling adopts the remote state
	view, err = m.Cancel(editor, "t1")
	require.NoError(t, err)
	assert.False(t, view.RemoteChanged)
	assert.Equal(t, 560000.0, view.Live.TotalApprovedAmount)
}

func TestSessionManager_RemoteUpdateWhileViewing(t *testing.T) {
	store := newMemStore()
	seedTrip(store, "t1", nil)
	m, amounts := newSessionManager(t, store, &fakeFx{})
	ctx := context.Background()

	_, err := m.Begin(ctx, editor, "t1")
	require.NoError(t, err)
	_, err = m.Cancel(editor, "t1")
	require.NoError(t, err)

	_, err = amounts.PersistAmount(ctx, otherEditor, "t1", literalForm().Normalize(), allowance.FxSnapshot{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		view, err := m.View(editor, "t1")
		return err == nil && view.Live.TotalApprovedAmount == 560000 && view.HasAmount
	}, waitFor, tick)

	view, err := m.View(editor, "t1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StateViewing, view.State)
	assert.False(t, view.RemoteChanged)
}

func TestSessionManager_TripDeletedWhileEditing(t *testing.T) {
	store := newMemStore()
	seedTrip(store, "t1", nil)
	m, _ := newSessionManager(t, store, &fakeFx{})
	ctx := context.Background()

	_, err := m.Begin(ctx, editor, "t1")
	require.NoError(t, err)

	store.delete(entity.CollectionTrips, "t1")
	require.Eventually(t, func() bool {
		view, err := m.View(editor, "t1")
		return err == nil && view.TripDeleted
	}, waitFor, tick)

	view, err := m.Save(ctx, editor, "t1")
	assert.ErrorIs(t, err, port.ErrNotFound)
	assert.Equal(t, workflow.StateEditing, view.State)
	assert.True(t, view.RemoteChanged)
}

func TestSessionManager_SessionsAreIndependent(t *testing.T) {
	store := newMemStore()
	seedTrip(store, "t1", nil)
	m, _ := newSessionManager(t, store, &fakeFx{})
	ctx := context.Background()

	_, err := m.Begin(ctx, editor, "t1")
	require.NoError(t, err)
	_, err = m.Begin(ctx, otherEditor, "t1")
	require.NoError(t, err)

	_, err = m.UpdateForm(otherEditor, "t1", allowance.FormPatch{MealAllowance: textPtr("999")})
	require.NoError(t, err)
	_, err = m.UpdateForm(editor, "t1", allowance.FormPatch{PocketAllowance: textPtr("1000")})
	require.NoError(t, err)

	view, err := m.Save(ctx, editor, "t1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StateViewing, view.State)

	require.Eventually(t, func() bool {
		other, err := m.View(otherEditor, "t1")
		return err == nil && other.RemoteChanged
	}, waitFor, tick)

	other, err := m.View(otherEditor, "t1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StateEditing, other.State)
	assert.Equal(t, allowance.Text("999"), other.Form.MealAllowance)
	assert.Equal(t, allowance.Text(""), other.Form.PocketAllowance)
}

func TestSessionManager_AutoResolvesFx(t *testing.T) {
	store := newMemStore()
	seedTrip(store, "t1", nil)
	fx := &fakeFx{enabled: true}
	m, _ := newSessionManager(t, store, fx)

	_, err := m.Begin(context.Background(), editor, "t1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		view, err := m.View(editor, "t1")
		return err == nil && view.Fx.Mid == 16000
	}, waitFor, tick)

	view, err := m.View(editor, "t1")
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01", view.Fx.AsOf)
	assert.Equal(t, allowance.DefaultFxSource, view.Fx.Source)
}

func TestSessionManager_RefreshFxFailureIsAWarning(t *testing.T) {
	store := newMemStore()
	seedTrip(store, "t1", map[string]interface{}{
		entity.FieldAmount: map[string]interface{}{allowance.KeyFxMid: 15500.0},
	})
	fx := &fakeFx{enabled: true, fetch: func(ctx context.Context, date string) (allowance.FxSnapshot, error) {
		return allowance.FxSnapshot{}, errors.New("fx rate missing")
	}}
	m, _ := newSessionManager(t, store, fx)
	ctx := context.Background()

	_, err := m.Begin(ctx, editor, "t1")
	require.NoError(t, err)

	view, err := m.RefreshFx(ctx, editor, "t1", "2024-05-02")
	require.Error(t, err)
	require.NotNil(t, view)
	assert.Equal(t, workflow.StateEditing, view.State)
	assert.Contains(t, view.FxWarning, "fx rate missing")
	assert.Equal(t, 15500.0, view.Fx.Mid, "previous snapshot is kept")

	// Saving still works without fresh FX data
	_, err = m.Save(ctx, editor, "t1")
	require.NoError(t, err)
}

func TestSessionManager_RefreshFxAfterEditEndsIsDropped(t *testing.T) {
	tests := []struct {
		name      string
		endEdit   func(m SessionManager) error
		wantState workflow.State
	}{
		{
			name: "cancelled",
			endEdit: func(m SessionManager) error {
				_, err := m.Cancel(editor, "t1")
				return err
			},
			wantState: workflow.StateViewing,
		},
		{
			name: "cancelled and editing again",
			endEdit: func(m SessionManager) error {
				if _, err := m.Cancel(editor, "t1"); err != nil {
					return err
				}
				_, err := m.Begin(context.Background(), editor, "t1")
				return err
			},
			wantState: workflow.StateEditing,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			seedTrip(store, "t1", map[string]interface{}{
				entity.FieldAmount: map[string]interface{}{allowance.KeyFxMid: 15500.0},
			})
			started := make(chan struct{})
			release := make(chan struct{})
			fx := &fakeFx{enabled: true, fetch: func(ctx context.Context, date string) (allowance.FxSnapshot, error) {
				close(started)
				<-release
				return allowance.FxSnapshot{Mid: 17000, AsOf: date}, nil
			}}
			m, _ := newSessionManager(t, store, fx)
			ctx := context.Background()

			_, err := m.Begin(ctx, editor, "t1")
			require.NoError(t, err)

			refreshed := make(chan error, 1)
			go func() {
				_, err := m.RefreshFx(ctx, editor, "t1", "2024-05-02")
				refreshed <- err
			}()
			<-started

			require.NoError(t, tt.endEdit(m))
			close(release)

			select {
			case err := <-refreshed:
				assert.ErrorIs(t, err, ErrNotEditing)
			case <-time.After(waitFor):
				t.Fatal("refresh did not return")
			}

			view, err := m.View(editor, "t1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, view.State)
			assert.Equal(t, 15500.0, view.Fx.Mid, "the stored snapshot is still shown")
			assert.Empty(t, view.FxWarning)
		})
	}
}

func TestSessionManager_CloseDuringPersist(t *testing.T) {
	store := newMemStore()
	seedTrip(store, "t1", nil)
	seedTrip(store, "t2", nil)
	m, _ := newSessionManager(t, store, &fakeFx{})
	ctx := context.Background()

	_, err := m.Begin(ctx, editor, "t1")
	require.NoError(t, err)
	_, err = m.Begin(ctx, editor, "t2")
	require.NoError(t, err)
	_, err = m.UpdateForm(editor, "t2", allowance.FormPatch{MealAllowance: textPtr("42")})
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	store.setMergeFunc = func(ctx context.Context, collection, id string, data map[string]interface{}) error {
		if id == "t1" {
			close(entered)
			<-release
		}
		return nil
	}

	requestCtx, cancelRequest := context.WithCancel(ctx)
	saved := make(chan error, 1)
	go func() {
		_, err := m.Save(requestCtx, editor, "t1")
		saved <- err
	}()
	<-entered

	view, err := m.View(editor, "t1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatePersisting, view.State)

	_, err = m.UpdateForm(editor, "t1", allowance.FormPatch{MealAllowance: textPtr("1")})
	assert.ErrorIs(t, err, ErrNotEditing)

	cancelRequest()
	require.NoError(t, m.Close(editor, "t1"))
	close(release)

	select {
	case err := <-saved:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("save did not complete")
	}
	assert.NotNil(t, storedAmount(store, "t1"), "the in-flight write completes")

	other, err := m.View(editor, "t2")
	require.NoError(t, err)
	assert.Equal(t, workflow.StateEditing, other.State)
	assert.Equal(t, allowance.Text("42"), other.Form.MealAllowance)

	assert.ErrorIs(t, m.Close(editor, "t1"), ErrNoSession)
}

func TestValidateInputs(t *testing.T) {
	assert.NoError(t, ValidateInputs(literalForm().Normalize()))
	assert.NoError(t, ValidateInputs(allowance.FormInputs{}.Normalize()))

	err := ValidateInputs(allowance.FormInputs{MealAllowance: "-1", TransportMultiplier: "-2"}.Normalize())
	assert.ErrorIs(t, err, ErrInvalidInputs)
	assert.Contains(t, err.Error(), allowance.KeyMealAllowance)
	assert.Contains(t, err.Error(), allowance.KeyTransportMultiplier)
}
