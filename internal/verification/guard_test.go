package verification

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockSource struct {
	mock.Mock
}

func (m *mockSource) LatestMessage(ctx context.Context, phone string) (string, error) {
	args := m.Called(ctx, phone)
	return args.String(0), args.Error(1)
}

type memoryStore struct {
	codes map[int]string
}

func (s *memoryStore) PreviousCode(_ context.Context, id int) (string, error) {
	return s.codes[id], nil
}

func (s *memoryStore) SaveCode(_ context.Context, id int, code string) error {
	s.codes[id] = code
	return nil
}

func newGuard(src MessageSource, store *memoryStore) *Guard {
	return NewGuard(src, store, "+15550001111", Options{MaxPolls: 4}, zap.NewNop())
}

func TestParseCode(t *testing.T) {
	tests := []struct {
		msg  string
		code string
		ok   bool
	}{
		{"[TikTok] 4821 is your verification code, valid for 5 minutes.", "4821", true},
		{"Please use 912345 as your login code", "912345", true},
		{"Your code: 12 34", "", false},
		{"no digits here", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			code, ok := ParseCode(tt.msg)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestLatestCodeSkipsStaleCode(t *testing.T) {
	src := &mockSource{}
	src.On("LatestMessage", mock.Anything, "+15550001111").Return("[TikTok] 1111 is your code", nil).Twice()
	src.On("LatestMessage", mock.Anything, "+15550001111").Return("[TikTok] 2222 is your code", nil).Once()

	store := &memoryStore{codes: map[int]string{1: "1111"}}
	g := newGuard(src, store)

	code, err := g.LatestCode(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "2222", code)
	src.AssertNumberOfCalls(t, "LatestMessage", 3)

	require.NoError(t, g.Accept(context.Background(), 1, code))
	assert.Equal(t, "2222", store.codes[1])
}

func TestLatestCodeNeverReissuesCode(t *testing.T) {
	src := &mockSource{}
	src.On("LatestMessage", mock.Anything, mock.Anything).Return("[TikTok] 1111 is your code", nil).Times(3)
	src.On("LatestMessage", mock.Anything, mock.Anything).Return("[TikTok] 2222 is your code", nil).Once()

	store := &memoryStore{codes: map[int]string{}}
	g := newGuard(src, store)

	code, err := g.LatestCode(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "1111", code)
	assert.Equal(t, "1111", store.codes[1])

	// Код не принят платформой, но повторно он не выдаётся
	code, err = g.LatestCode(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "2222", code)
	assert.Equal(t, "2222", store.codes[1])
	src.AssertNumberOfCalls(t, "LatestMessage", 4)
}

func TestLatestCodeStopsOnCancel(t *testing.T) {
	src := &mockSource{}
	src.On("LatestMessage", mock.Anything, mock.Anything).Return("", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g := NewGuard(src, &memoryStore{codes: map[int]string{}}, "+15550001111", Options{MaxPolls: 4, PollInterval: time.Hour}, zap.NewNop())

	_, err := g.LatestCode(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
	src.AssertNumberOfCalls(t, "LatestMessage", 1)
}

func TestLatestCodeResendRequired(t *testing.T) {
	src := &mockSource{}
	src.On("LatestMessage", mock.Anything, mock.Anything).Return("your account was accessed", nil)

	_, err := newGuard(src, &memoryStore{codes: map[int]string{}}).LatestCode(context.Background(), 1)
	assert.ErrorIs(t, err, ErrResendRequired)
}

func TestLatestCodeUnavailableAfterPolls(t *testing.T) {
	src := &mockSource{}
	src.On("LatestMessage", mock.Anything, mock.Anything).Return("", nil).Times(2)
	src.On("LatestMessage", mock.Anything, mock.Anything).Return("", errors.New("gateway timeout"))

	_, err := newGuard(src, &memoryStore{codes: map[int]string{}}).LatestCode(context.Background(), 1)
	assert.ErrorIs(t, err, ErrCodeUnavailable)
	src.AssertNumberOfCalls(t, "LatestMessage", 4)
}

func TestPromptSource(t *testing.T) {
	var out strings.Builder
	src := NewPromptSource(strings.NewReader("\nUse 4821 as your login code\n"), &out)

	msg, err := src.LatestMessage(context.Background(), "+15550001111")
	require.NoError(t, err)
	assert.Empty(t, msg)

	msg, err = src.LatestMessage(context.Background(), "+15550001111")
	require.NoError(t, err)
	assert.Equal(t, "Use 4821 as your login code", msg)
	assert.NotContains(t, out.String(), "5550001111")

	_, err = src.LatestMessage(context.Background(), "+15550001111")
	assert.Error(t, err)
}
