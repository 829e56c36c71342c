package report

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reward_wallet/internal/database/dbtest"
	"reward_wallet/internal/ledger"
	"reward_wallet/internal/logger"
	"reward_wallet/internal/xerrors"
)

var day = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

// seed writes a consistent history for one user: 300 + 100 rewarded, 200 withdrawn.
func seed(t *testing.T, repo *ledger.RepositoryImpl, userID string, at time.Time) {
	ctx := context.Background()
	rows := []ledger.Entry{
		{Category: ledger.CategoryGameWin, Amount: 300, BalanceBefore: 0, BalanceAfter: 300},
		{Category: ledger.CategoryAdReward, Amount: 100, BalanceBefore: 300, BalanceAfter: 400},
		{Category: ledger.CategoryWithdrawalDebit, Amount: -200, BalanceBefore: 400, BalanceAfter: 200},
	}
	for i := range rows {
		rows[i].UserID = userID
		rows[i].CreatedAt = at
		_, err := repo.Append(ctx, nil, &rows[i])
		require.NoError(t, err)
	}
}

func TestBuildSummary(t *testing.T) {
	db := dbtest.Open(t, &ledger.Entry{})
	repo := ledger.NewRepository(db)
	userID := uuid.NewString()
	seed(t, repo, userID, day.Add(3*time.Hour))
	// Outside the range.
	_, err := repo.Append(context.Background(), nil, &ledger.Entry{
		UserID: userID, Category: ledger.CategoryGameWin, Amount: 5, BalanceBefore: 200, BalanceAfter: 205, CreatedAt: day.Add(25 * time.Hour),
	})
	require.NoError(t, err)

	s, err := NewBuilder(repo).Build(context.Background(), userID, day, day.AddDate(0, 0, 1))
	require.NoError(t, err)

	assert.Len(t, s.Categories, len(ledger.Categories()))
	assert.Equal(t, int64(2), s.Rewards)
	assert.Equal(t, int64(400), s.TotalCredited)
	assert.Equal(t, int64(200), s.TotalDebited)
	assert.True(t, decimal.NewFromInt(200).Equal(s.AverageReward))

	for _, c := range s.Categories {
		switch c.Category {
		case ledger.CategoryGameWin:
			assert.Equal(t, int64(300), c.Sum)
			assert.True(t, decimal.RequireFromString("0.75").Equal(c.Share), c.Share.String())
		case ledger.CategoryTaskReward:
			assert.Equal(t, int64(0), c.Count)
			assert.True(t, c.Share.IsZero())
		}
	}
}

func TestBuildRejectsEmptyRange(t *testing.T) {
	db := dbtest.Open(t, &ledger.Entry{})
	_, err := NewBuilder(ledger.NewRepository(db)).Build(context.Background(), "", day, day)
	assert.ErrorIs(t, err, xerrors.ErrInvalidInput)
}

type fakePutter struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.input = in
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.body = body
	return &s3.PutObjectOutput{}, nil
}

func TestDailyJobUploadsPreviousDay(t *testing.T) {
	db := dbtest.Open(t, &ledger.Entry{})
	repo := ledger.NewRepository(db)
	seed(t, repo, uuid.NewString(), day.Add(10*time.Hour))

	putter := &fakePutter{}
	job := NewDailyJob(NewBuilder(repo), NewS3Uploader(putter, "reports"), logger.Discard())
	job.now = func() time.Time { return day.AddDate(0, 0, 1).Add(5 * time.Minute) }

	require.NoError(t, job.Run(context.Background()))

	require.NotNil(t, putter.input)
	assert.Equal(t, "reports", aws.ToString(putter.input.Bucket))
	assert.Equal(t, "reports/daily/2026-05-01.json", aws.ToString(putter.input.Key))
	assert.Equal(t, "application/json", aws.ToString(putter.input.ContentType))

	var got Summary
	require.NoError(t, json.Unmarshal(putter.body, &got))
	assert.True(t, day.Equal(got.From))
	assert.GreaterOrEqual(t, got.TotalCredited, int64(400))
}

func TestDailyJobSurfacesUploadFailure(t *testing.T) {
	db := dbtest.Open(t, &ledger.Entry{})
	job := NewDailyJob(NewBuilder(ledger.NewRepository(db)), NewS3Uploader(&fakePutter{err: errors.New("denied")}, "reports"), logger.Discard())

	err := job.Run(context.Background())
	assert.ErrorContains(t, err, "denied")
}
