package adapter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelexs/wacrm/internal/domain"
	"github.com/aelexs/wacrm/internal/domain/domaintest"
	"github.com/aelexs/wacrm/internal/dynamo"
)

// ---------------------------------------------------------------------------
// Stub: implements accountDynamoDB for unit tests.
// ---------------------------------------------------------------------------

type stubAccountDynamo struct {
	getItemFn            func(ctx context.Context, params *dynamo.GetItemInput, optFns ...func(*dynamo.Options)) (*dynamo.GetItemOutput, error)
	queryFn              func(ctx context.Context, params *dynamo.QueryInput, optFns ...func(*dynamo.Options)) (*dynamo.QueryOutput, error)
	updateItemFn         func(ctx context.Context, params *dynamo.UpdateItemInput, optFns ...func(*dynamo.Options)) (*dynamo.UpdateItemOutput, error)
	transactWriteItemsFn func(ctx context.Context, params *dynamo.TransactWriteItemsInput, optFns ...func(*dynamo.Options)) (*dynamo.TransactWriteItemsOutput, error)
}

func (s *stubAccountDynamo) GetItem(ctx context.Context, params *dynamo.GetItemInput, optFns ...func(*dynamo.Options)) (*dynamo.GetItemOutput, error) {
	return s.getItemFn(ctx, params, optFns...)
}

func (s *stubAccountDynamo) Query(ctx context.Context, params *dynamo.QueryInput, optFns ...func(*dynamo.Options)) (*dynamo.QueryOutput, error) {
	return s.queryFn(ctx, params, optFns...)
}

func (s *stubAccountDynamo) UpdateItem(ctx context.Context, params *dynamo.UpdateItemInput, optFns ...func(*dynamo.Options)) (*dynamo.UpdateItemOutput, error) {
	return s.updateItemFn(ctx, params, optFns...)
}

func (s *stubAccountDynamo) TransactWriteItems(ctx context.Context, params *dynamo.TransactWriteItemsInput, optFns ...func(*dynamo.Options)) (*dynamo.TransactWriteItemsOutput, error) {
	return s.transactWriteItemsFn(ctx, params, optFns...)
}

var _ accountDynamoDB = (*stubAccountDynamo)(nil)

const accountsTable = "accounts"

var credStart = time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

func sampleAccount() domain.Account {
	return domain.Account{
		ID:           "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee",
		Email:        "a@b.com",
		Phone:        "+60123456789",
		Name:         "Test User",
		PasswordHash: "$2a$12$hash",
		Active:       true,
		CreatedAt:    credStart,
		UpdatedAt:    credStart,
	}
}

// tableStub serves GetItem from an in-memory map keyed by account_id.
func tableStub(t *testing.T, items map[string]any) func(context.Context, *dynamo.GetItemInput, ...func(*dynamo.Options)) (*dynamo.GetItemOutput, error) {
	return func(_ context.Context, params *dynamo.GetItemInput, _ ...func(*dynamo.Options)) (*dynamo.GetItemOutput, error) {
		assert.Equal(t, accountsTable, *params.TableName)
		require.NotNil(t, params.ConsistentRead)
		item, ok := items[attrS(t, params.Key, "account_id")]
		if !ok {
			return &dynamo.GetItemOutput{}, nil
		}
		av, err := dynamo.MarshalMap(item)
		require.NoError(t, err)
		return &dynamo.GetItemOutput{Item: av}, nil
	}
}

func TestDynamoCredentialStore_FindByEmail(t *testing.T) {
	acct := sampleAccount()
	items := map[string]any{acct.ID: itemFromAccount(acct)}

	t.Run("found via index", func(t *testing.T) {
		stub := &stubAccountDynamo{
			queryFn: func(_ context.Context, params *dynamo.QueryInput, _ ...func(*dynamo.Options)) (*dynamo.QueryOutput, error) {
				assert.Equal(t, "email-index", *params.IndexName)
				assert.Equal(t, "a@b.com", attrS(t, params.ExpressionAttributeValues, ":email"))
				av, err := dynamo.MarshalMap(map[string]string{"account_id": acct.ID})
				require.NoError(t, err)
				return &dynamo.QueryOutput{Items: []map[string]dynamo.AttributeValue{av}}, nil
			},
			getItemFn: tableStub(t, items),
		}
		store := NewDynamoCredentialStore(stub, accountsTable, domaintest.NewFakeClock(credStart))

		got, err := store.FindByEmail(context.Background(), "a@b.com")
		require.NoError(t, err)
		assert.Equal(t, acct, *got)
	})

	t.Run("no match", func(t *testing.T) {
		stub := &stubAccountDynamo{
			queryFn: func(context.Context, *dynamo.QueryInput, ...func(*dynamo.Options)) (*dynamo.QueryOutput, error) {
				return &dynamo.QueryOutput{}, nil
			},
		}
		store := NewDynamoCredentialStore(stub, accountsTable, domaintest.NewFakeClock(credStart))

		_, err := store.FindByEmail(context.Background(), "x@y.com")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("query failure", func(t *testing.T) {
		stub := &stubAccountDynamo{
			queryFn: func(context.Context, *dynamo.QueryInput, ...func(*dynamo.Options)) (*dynamo.QueryOutput, error) {
				return nil, errors.New("throttled")
			},
		}
		store := NewDynamoCredentialStore(stub, accountsTable, domaintest.NewFakeClock(credStart))

		_, err := store.FindByEmail(context.Background(), "a@b.com")
		assert.ErrorIs(t, err, domain.ErrUnavailable)
	})
}

func TestDynamoCredentialStore_FindByPhone(t *testing.T) {
	acct := sampleAccount()
	items := map[string]any{
		acct.ID:                         itemFromAccount(acct),
		phoneSentinelPrefix + acct.Phone: sentinelItem{AccountID: phoneSentinelPrefix + acct.Phone, OwnerID: acct.ID},
	}
	stub := &stubAccountDynamo{getItemFn: tableStub(t, items)}
	store := NewDynamoCredentialStore(stub, accountsTable, domaintest.NewFakeClock(credStart))

	got, err := store.FindByPhone(context.Background(), acct.Phone)
	require.NoError(t, err)
	assert.Equal(t, acct.ID, got.ID)

	_, err = store.FindByPhone(context.Background(), "+60198765432")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDynamoCredentialStore_UpdatePasswordHash(t *testing.T) {
	clock := domaintest.NewFakeClock(credStart)

	t.Run("sets hash and timestamp", func(t *testing.T) {
		stub := &stubAccountDynamo{
			updateItemFn: func(_ context.Context, params *dynamo.UpdateItemInput, _ ...func(*dynamo.Options)) (*dynamo.UpdateItemOutput, error) {
				assert.Equal(t, "acct-1", attrS(t, params.Key, "account_id"))
				require.NotNil(t, params.ConditionExpression)
				assert.Contains(t, *params.UpdateExpression, "SET")

				var values []string
				for _, v := range params.ExpressionAttributeValues {
					if s, ok := v.(*dynamo.AttributeValueMemberS); ok {
						values = append(values, s.Value)
					}
				}
				assert.ElementsMatch(t, []string{"$2a$new", "2026-10-01T09:00:00Z"}, values)
				return &dynamo.UpdateItemOutput{}, nil
			},
		}
		store := NewDynamoCredentialStore(stub, accountsTable, clock)
		require.NoError(t, store.UpdatePasswordHash(context.Background(), "acct-1", "$2a$new"))
	})

	t.Run("unknown account", func(t *testing.T) {
		stub := &stubAccountDynamo{
			updateItemFn: func(context.Context, *dynamo.UpdateItemInput, ...func(*dynamo.Options)) (*dynamo.UpdateItemOutput, error) {
				return nil, dynamo.ErrConditionalCheckFailed()
			},
		}
		store := NewDynamoCredentialStore(stub, accountsTable, clock)
		assert.ErrorIs(t, store.UpdatePasswordHash(context.Background(), "missing", "h"), domain.ErrNotFound)
	})
}

func TestDynamoCredentialStore_CreateAccount(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantErr   error
		errSubstr string
	}{
		{name: "success"},
		{"email taken", dynamo.ErrTransactionCanceled("None", "ConditionalCheckFailed", "None"), domain.ErrAlreadyExists, "email_sentinel"},
		{"phone taken", dynamo.ErrTransactionCanceled("None", "None", "ConditionalCheckFailed"), domain.ErrAlreadyExists, "phone_sentinel"},
		{"canceled for another reason", dynamo.ErrTransactionCanceled("ThrottlingError", "None", "None"), domain.ErrUnavailable, "transaction canceled"},
		{"sdk failure", errors.New("service unavailable"), domain.ErrUnavailable, "create account"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &stubAccountDynamo{
				transactWriteItemsFn: func(_ context.Context, params *dynamo.TransactWriteItemsInput, _ ...func(*dynamo.Options)) (*dynamo.TransactWriteItemsOutput, error) {
					require.Len(t, params.TransactItems, 3)
					var ids []string
					for _, item := range params.TransactItems {
						require.NotNil(t, item.Put)
						assert.Equal(t, "attribute_not_exists(account_id)", *item.Put.ConditionExpression)
						ids = append(ids, attrS(t, item.Put.Item, "account_id"))
					}
					assert.Equal(t, []string{
						"aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee",
						"EMAIL#a@b.com",
						"PHONE#+60123456789",
					}, ids)
					return &dynamo.TransactWriteItemsOutput{}, tt.err
				},
			}
			store := NewDynamoCredentialStore(stub, accountsTable, domaintest.NewFakeClock(credStart))

			err := store.CreateAccount(context.Background(), sampleAccount())
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Contains(t, err.Error(), tt.errSubstr)
		})
	}
}
