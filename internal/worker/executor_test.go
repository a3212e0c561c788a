package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveCredential_MatchesEmailPasswordCVV(t *testing.T) {
	key, sensitive, ok := resolveCredential("the email address")
	require.True(t, ok)
	assert.Equal(t, "email", key)
	assert.False(t, sensitive)

	key, sensitive, ok = resolveCredential("Password")
	require.True(t, ok)
	assert.Equal(t, "password", key)
	assert.True(t, sensitive)

	key, sensitive, ok = resolveCredential("security code")
	require.True(t, ok)
	assert.Equal(t, "cvv", key)
	assert.True(t, sensitive)
}

func TestResolveCredential_NoMatchReturnsFalse(t *testing.T) {
	_, _, ok := resolveCredential("the continue button")
	assert.False(t, ok)
}

func TestInferCredentialFieldFromClick_FieldIndicatorRequired(t *testing.T) {
	key, ok := inferCredentialFieldFromClick("the email input field")
	require.True(t, ok)
	assert.Equal(t, "email", key)

	_, ok = inferCredentialFieldFromClick("the email address, displayed as text")
	assert.False(t, ok, "no field/input/box indicator present")
}

func TestInferCredentialFieldFromClick_ButtonsNeverMatch(t *testing.T) {
	_, ok := inferCredentialFieldFromClick("the password reset button")
	assert.False(t, ok)
}

func TestResolveOrAskCredential_UsesSuppliedValueWithoutCallback(t *testing.T) {
	e := &Executor{}
	creds := map[string]string{"cvv": "123"}
	job := &ActiveJob{JobID: "job-1"}

	value, err := e.resolveOrAskCredential(context.Background(), job, "netflix", "cvv", creds)
	require.NoError(t, err)
	assert.Equal(t, "123", value)
}

func TestResolveOrAskCredential_AsksOnceThenCaches(t *testing.T) {
	calls := 0
	e := &Executor{
		credCallback: func(ctx context.Context, jobID, service, credentialName string) (string, error) {
			calls++
			return "999", nil
		},
	}
	creds := map[string]string{}
	job := &ActiveJob{JobID: "job-1"}

	v1, err := e.resolveOrAskCredential(context.Background(), job, "netflix", "cvv", creds)
	require.NoError(t, err)
	assert.Equal(t, "999", v1)

	v2, err := e.resolveOrAskCredential(context.Background(), job, "netflix", "cvv", creds)
	require.NoError(t, err)
	assert.Equal(t, "999", v2)
	assert.Equal(t, 1, calls, "second lookup should hit the cache, not call back again")
}

func TestActiveJob_AwaitOTP_DeliveredBeforeDeadline(t *testing.T) {
	job := newActiveJob("job-1", "netflix", "cancel", "", "", "npub1", func() {})

	go func() {
		time.Sleep(10 * time.Millisecond)
		assert.True(t, job.deliverOTP("123456"))
	}()

	code, err := job.awaitOTP(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "123456", code)
}

func TestActiveJob_AwaitOTP_TimesOutWithoutDelivery(t *testing.T) {
	job := newActiveJob("job-1", "netflix", "cancel", "", "", "npub1", func() {})
	_, err := job.awaitOTP(context.Background(), 10*time.Millisecond)
	assert.Error(t, err)
}

func TestActiveJob_DeliverOTP_FalseWhenNothingPending(t *testing.T) {
	job := newActiveJob("job-1", "netflix", "cancel", "", "", "npub1", func() {})
	assert.False(t, job.deliverOTP("123456"))
}

func TestActiveJob_AwaitCredential_DeliveredBeforeDeadline(t *testing.T) {
	job := newActiveJob("job-1", "netflix", "cancel", "", "", "npub1", func() {})

	go func() {
		time.Sleep(10 * time.Millisecond)
		assert.True(t, job.deliverCredential(credentialDelivery{name: "cvv", value: "321"}))
	}()

	d, err := job.awaitCredential(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "321", d.value)
}
