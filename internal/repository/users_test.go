package repository

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupUserRepo(t *testing.T) (*UserRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewUserRepository(db, zap.NewNop()), mock
}

func TestTokensForUser(t *testing.T) {
	repo, mock := setupUserRepo(t)

	mock.ExpectQuery("SELECT expo_push_tokens FROM users").
		WithArgs("U1").
		WillReturnRows(sqlmock.NewRows([]string{"expo_push_tokens"}).
			AddRow("{ExponentPushToken[a],ExponentPushToken[b]}"))

	tokens, err := repo.TokensForUser(context.Background(), "U1")

	require.NoError(t, err)
	assert.Equal(t, []string{"ExponentPushToken[a]", "ExponentPushToken[b]"}, tokens)
}

func TestTokensForUser_MissingUserMeansNoTokens(t *testing.T) {
	repo, mock := setupUserRepo(t)

	mock.ExpectQuery("SELECT expo_push_tokens FROM users").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"expo_push_tokens"}))

	tokens, err := repo.TokensForUser(context.Background(), "ghost")

	require.NoError(t, err)
	assert.Empty(t, tokens)
}

func TestRegisterToken_Upserts(t *testing.T) {
	repo, mock := setupUserRepo(t)

	mock.ExpectExec("INSERT INTO users").
		WithArgs("U1", "ExponentPushToken[abc]").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.RegisterToken(context.Background(), "U1", "ExponentPushToken[abc]")

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterToken_Validation(t *testing.T) {
	repo, _ := setupUserRepo(t)
	ctx := context.Background()

	assert.Error(t, repo.RegisterToken(ctx, "", "tok"))
	assert.Error(t, repo.RegisterToken(ctx, "U1", ""))
}
