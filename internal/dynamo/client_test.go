package dynamo_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aelexs/wacrm/internal/dynamo"
)

func TestNewClientWithEndpoint(t *testing.T) {
	ctx := context.Background()

	client, err := dynamo.NewClient(ctx, dynamo.Config{
		Endpoint: "http://localhost:4566",
		Region:   "us-east-2",
		Timeout:  5 * time.Second,
	})

	require.NoError(t, err)
	require.NotNil(t, client)
	require.NotNil(t, client.DB)
}

func TestNewClientWithDefaultEndpoint(t *testing.T) {
	ctx := context.Background()

	client, err := dynamo.NewClient(ctx, dynamo.Config{
		Region:  "us-east-2",
		Timeout: 5 * time.Second,
	})

	require.NoError(t, err)
	require.NotNil(t, client)
	require.NotNil(t, client.DB)
}

func TestErrorHelpers(t *testing.T) {
	require.True(t, dynamo.IsConditionalCheckFailed(dynamo.ErrConditionalCheckFailed()))
	require.False(t, dynamo.IsConditionalCheckFailed(context.Canceled))

	reasons, ok := dynamo.IsTransactionCanceledException(dynamo.ErrTransactionCanceled("", "ConditionalCheckFailed"))
	require.True(t, ok)
	require.Equal(t, []string{"", "ConditionalCheckFailed"}, reasons)

	_, ok = dynamo.IsTransactionCanceledException(dynamo.ErrConditionalCheckFailed())
	require.False(t, ok)

	item := map[string]dynamo.AttributeValue{"record_key": &dynamo.AttributeValueMemberS{Value: "k"}}
	require.Equal(t, item, dynamo.ConditionalCheckFailedItem(dynamo.ErrConditionalCheckFailedWithItem(item)))
	require.Nil(t, dynamo.ConditionalCheckFailedItem(dynamo.ErrConditionalCheckFailed()))
	require.Nil(t, dynamo.ConditionalCheckFailedItem(context.Canceled))
}

func TestExpressionBuilder(t *testing.T) {
	expr, err := dynamo.NewExpressionBuilder().
		WithUpdate(dynamo.ExprSet(dynamo.ExprName("password_hash"), dynamo.ExprValue("h"))).
		WithCondition(dynamo.ExprAttributeExists(dynamo.ExprName("account_id"))).
		Build()
	require.NoError(t, err)
	require.NotNil(t, expr.Update())
	require.NotNil(t, expr.Condition())
	require.Len(t, expr.Names(), 2)
	require.Len(t, expr.Values(), 1)
}
