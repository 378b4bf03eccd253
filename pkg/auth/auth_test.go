package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newValidator(t *testing.T, ttl time.Duration) *JWTValidator {
	t.Helper()
	v, err := NewJWTValidator(JWTConfig{
		SigningMethod: "HS256",
		SecretKey:     "test-secret",
		Issuer:        "graphcore",
		Audience:      []string{"graphcore-api"},
		TTL:           ttl,
	})
	require.NoError(t, err)
	return v
}

func TestJWTValidator_RoundTrip(t *testing.T) {
	v := newValidator(t, time.Minute)
	token, err := v.GenerateToken("user-1", "u@example.com", []string{"operator"})
	require.NoError(t, err)

	claims, err := v.ValidateToken("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, []string{"operator"}, claims.Roles)
}

func TestJWTValidator_Rejects(t *testing.T) {
	v := newValidator(t, time.Minute)

	expired, err := newValidator(t, -time.Minute).GenerateToken("user-1", "", nil)
	require.NoError(t, err)
	_, err = v.ValidateToken(expired)
	assert.ErrorIs(t, err, ErrExpiredToken)

	other, err := NewJWTValidator(JWTConfig{SecretKey: "other", Issuer: "graphcore", Audience: []string{"graphcore-api"}})
	require.NoError(t, err)
	forged, err := other.GenerateToken("user-1", "", nil)
	require.NoError(t, err)
	_, err = v.ValidateToken(forged)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	wrongAudience, err := NewJWTValidator(JWTConfig{SecretKey: "test-secret", Issuer: "graphcore", Audience: []string{"elsewhere"}})
	require.NoError(t, err)
	token, err := wrongAudience.GenerateToken("user-1", "", nil)
	require.NoError(t, err)
	_, err = v.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidClaims)

	_, err = v.ValidateToken("")
	assert.ErrorIs(t, err, ErrMissingToken)
	_, err = v.ValidateToken("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = NewJWTValidator(JWTConfig{SigningMethod: "HS256"})
	assert.Error(t, err)
	_, err = NewJWTValidator(JWTConfig{SigningMethod: "ES512", SecretKey: "x"})
	assert.Error(t, err)
}

func TestUserContext(t *testing.T) {
	_, err := GetUserFromContext(context.Background())
	assert.Error(t, err)

	ctx := SetUserInContext(context.Background(), &UserContext{UserID: "u", Roles: []string{"operator"}})
	user, err := GetUserFromContext(ctx)
	require.NoError(t, err)
	assert.True(t, user.HasRole("admin", "operator"))
	assert.False(t, user.HasRole("admin"))
}

func TestSlidingWindowLimiter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewSlidingWindowLimiter(2, time.Minute)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "a")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := l.Allow(ctx, "a")
	assert.False(t, ok)
	ok, _ = l.Allow(ctx, "b")
	assert.True(t, ok)

	now = now.Add(61 * time.Second)
	ok, _ = l.Allow(ctx, "a")
	assert.True(t, ok)

	require.NoError(t, l.Reset(ctx, "a"))
	now = now.Add(2 * time.Minute)
	l.Sweep()
	assert.Empty(t, l.windows)
}

type mockCounter struct {
	mock.Mock
}

func (m *mockCounter) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*dynamodb.UpdateItemOutput)
	return out, args.Error(1)
}

func (m *mockCounter) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*dynamodb.DeleteItemOutput)
	return out, args.Error(1)
}

func TestDistributedRateLimiter(t *testing.T) {
	client := &mockCounter{}
	l := NewDistributedRateLimiter(client, "events", 10, time.Minute, "IP")
	l.now = func() time.Time { return time.Unix(120, 0) }
	ctx := context.Background()

	forKey := mock.MatchedBy(func(in *dynamodb.UpdateItemInput) bool {
		pk := in.Key["PK"].(*types.AttributeValueMemberS).Value
		sk := in.Key["SK"].(*types.AttributeValueMemberS).Value
		return pk == "RATELIMIT#IP#1.2.3.4" && sk == "W#120"
	})
	client.On("UpdateItem", ctx, forKey).Return(&dynamodb.UpdateItemOutput{
		Attributes: map[string]types.AttributeValue{"Count": &types.AttributeValueMemberN{Value: "3"}},
	}, nil).Once()
	ok, err := l.Allow(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.True(t, ok)

	client.On("UpdateItem", ctx, forKey).Return(nil, &types.ConditionalCheckFailedException{}).Once()
	ok, err = l.Allow(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.False(t, ok)

	client.On("UpdateItem", ctx, forKey).Return(nil, errors.New("throttled")).Once()
	ok, err = l.Allow(ctx, "1.2.3.4")
	assert.Error(t, err)
	assert.True(t, ok)

	client.On("DeleteItem", ctx, mock.Anything).Return(&dynamodb.DeleteItemOutput{}, nil).Once()
	require.NoError(t, l.Reset(ctx, "1.2.3.4"))
	client.AssertExpectations(t)
}
