package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/aelexs/wacrm/internal/accounts/app"
	"github.com/aelexs/wacrm/internal/domain"
	"github.com/aelexs/wacrm/internal/dynamo"
)

var _ app.CredentialStore = (*DynamoCredentialStore)(nil)

// accountDynamoDB is a narrow, consumer-defined interface for the DynamoDB
// operations used by the credential store. *dynamodb.Client satisfies it.
type accountDynamoDB interface {
	GetItem(ctx context.Context, params *dynamo.GetItemInput, optFns ...func(*dynamo.Options)) (*dynamo.GetItemOutput, error)
	Query(ctx context.Context, params *dynamo.QueryInput, optFns ...func(*dynamo.Options)) (*dynamo.QueryOutput, error)
	UpdateItem(ctx context.Context, params *dynamo.UpdateItemInput, optFns ...func(*dynamo.Options)) (*dynamo.UpdateItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamo.TransactWriteItemsInput, optFns ...func(*dynamo.Options)) (*dynamo.TransactWriteItemsOutput, error)
}

const (
	emailSentinelPrefix = "EMAIL#"
	phoneSentinelPrefix = "PHONE#"
)

// accountItem is the item shape of the accounts table.
type accountItem struct {
	AccountID    string `dynamodbav:"account_id"`
	Email        string `dynamodbav:"email"`
	Phone        string `dynamodbav:"phone"`
	Name         string `dynamodbav:"name"`
	PasswordHash string `dynamodbav:"password_hash"`
	Active       bool   `dynamodbav:"active"`
	CreatedAt    string `dynamodbav:"created_at"`
	UpdatedAt    string `dynamodbav:"updated_at"`
}

// sentinelItem reserves a unique email or phone inside the accounts table.
// It carries no email attribute so it never appears in email-index.
type sentinelItem struct {
	AccountID string `dynamodbav:"account_id"`
	OwnerID   string `dynamodbav:"owner_id"`
}

// DynamoCredentialStore keeps accounts in DynamoDB. Email lookups go through
// the email-index GSI; phone lookups read the PHONE# sentinel, which is
// strongly consistent.
type DynamoCredentialStore struct {
	db        accountDynamoDB
	tableName string
	indexName string
	clock     domain.Clock
}

// NewDynamoCredentialStore creates a DynamoCredentialStore.
func NewDynamoCredentialStore(db accountDynamoDB, tableName string, clock domain.Clock) *DynamoCredentialStore {
	return &DynamoCredentialStore{
		db:        db,
		tableName: tableName,
		indexName: "email-index",
		clock:     clock,
	}
}

func (s *DynamoCredentialStore) getItem(ctx context.Context, id string, out any) (bool, error) {
	res, err := s.db.GetItem(ctx, &dynamo.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]dynamo.AttributeValue{
			"account_id": &dynamo.AttributeValueMemberS{Value: id},
		},
		ConsistentRead: dynamo.Bool(true),
	})
	if err != nil {
		return false, err
	}
	if res.Item == nil {
		return false, nil
	}
	if err := dynamo.UnmarshalMap(res.Item, out); err != nil {
		return false, fmt.Errorf("unmarshal item: %w", err)
	}
	return true, nil
}

func (s *DynamoCredentialStore) getByID(ctx context.Context, id string) (*domain.Account, error) {
	var item accountItem
	found, err := s.getItem(ctx, id, &item)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("get account: %w", domain.ErrNotFound)
	}
	return accountFromItem(item), nil
}

// FindByEmail queries email-index, then fetches the full item with a
// consistent read.
func (s *DynamoCredentialStore) FindByEmail(ctx context.Context, email string) (*domain.Account, error) {
	ctx, span := startDynamoSpan(ctx, "dynamo.accounts.find_by_email", "Query")
	defer span.End()

	keyExpr := "email = :email"
	out, err := s.db.Query(ctx, &dynamo.QueryInput{
		TableName:              &s.tableName,
		IndexName:              &s.indexName,
		KeyConditionExpression: &keyExpr,
		ExpressionAttributeValues: map[string]dynamo.AttributeValue{
			":email": &dynamo.AttributeValueMemberS{Value: email},
		},
	})
	if err != nil {
		return nil, dynamoFailure(span, "dynamo credentials: find by email", err)
	}
	if len(out.Items) == 0 {
		return nil, fmt.Errorf("dynamo credentials: find by email: %w", domain.ErrNotFound)
	}

	var projected struct {
		AccountID string `dynamodbav:"account_id"`
	}
	if err := dynamo.UnmarshalMap(out.Items[0], &projected); err != nil {
		return nil, fmt.Errorf("dynamo credentials: unmarshal gsi projection: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("dynamo credentials: find by email: %w", err)
	}

	acct, err := s.getByID(ctx, projected.AccountID)
	if err != nil {
		return nil, s.classify(span, "find by email", err)
	}
	return acct, nil
}

// FindByPhone resolves the PHONE# sentinel to its owner.
func (s *DynamoCredentialStore) FindByPhone(ctx context.Context, phone string) (*domain.Account, error) {
	ctx, span := startDynamoSpan(ctx, "dynamo.accounts.find_by_phone", "GetItem")
	defer span.End()

	var sentinel sentinelItem
	found, err := s.getItem(ctx, phoneSentinelPrefix+phone, &sentinel)
	if err != nil {
		return nil, s.classify(span, "find by phone", err)
	}
	if !found {
		return nil, fmt.Errorf("dynamo credentials: find by phone: %w", domain.ErrNotFound)
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("dynamo credentials: find by phone: %w", err)
	}

	acct, err := s.getByID(ctx, sentinel.OwnerID)
	if err != nil {
		return nil, s.classify(span, "find by phone", err)
	}
	return acct, nil
}

// UpdatePasswordHash replaces the stored hash of an existing account.
func (s *DynamoCredentialStore) UpdatePasswordHash(ctx context.Context, accountID, hash string) error {
	ctx, span := startDynamoSpan(ctx, "dynamo.accounts.update_password", "UpdateItem")
	defer span.End()

	now := s.clock.Now().UTC().Format(time.RFC3339)
	expr, err := dynamo.NewExpressionBuilder().
		WithUpdate(dynamo.ExprSet(dynamo.ExprName("password_hash"), dynamo.ExprValue(hash)).
			Set(dynamo.ExprName("updated_at"), dynamo.ExprValue(now))).
		WithCondition(dynamo.ExprAttributeExists(dynamo.ExprName("email"))).
		Build()
	if err != nil {
		return fmt.Errorf("dynamo credentials: build update: %w", err)
	}

	_, err = s.db.UpdateItem(ctx, &dynamo.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]dynamo.AttributeValue{
			"account_id": &dynamo.AttributeValueMemberS{Value: accountID},
		},
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		if dynamo.IsConditionalCheckFailed(err) {
			return fmt.Errorf("dynamo credentials: update password: %w", domain.ErrNotFound)
		}
		return dynamoFailure(span, "dynamo credentials: update password", err)
	}
	return nil
}

// CreateAccount writes the account together with its EMAIL# and PHONE#
// sentinels in one transaction. Any existing item fails the whole write with
// domain.ErrAlreadyExists.
func (s *DynamoCredentialStore) CreateAccount(ctx context.Context, a domain.Account) error {
	ctx, span := startDynamoSpan(ctx, "dynamo.tx.create_account", "TransactWriteItems")
	defer span.End()

	av, err := dynamo.MarshalMap(itemFromAccount(a))
	if err != nil {
		return fmt.Errorf("dynamo credentials: marshal account: %w", err)
	}
	emailAV, err := dynamo.MarshalMap(sentinelItem{AccountID: emailSentinelPrefix + a.Email, OwnerID: a.ID})
	if err != nil {
		return fmt.Errorf("dynamo credentials: marshal email sentinel: %w", err)
	}
	phoneAV, err := dynamo.MarshalMap(sentinelItem{AccountID: phoneSentinelPrefix + a.Phone, OwnerID: a.ID})
	if err != nil {
		return fmt.Errorf("dynamo credentials: marshal phone sentinel: %w", err)
	}

	notExists := "attribute_not_exists(account_id)"
	put := func(item map[string]dynamo.AttributeValue) dynamo.TransactWriteItem {
		return dynamo.TransactWriteItem{Put: &dynamo.Put{
			TableName:           &s.tableName,
			Item:                item,
			ConditionExpression: &notExists,
		}}
	}

	_, err = s.db.TransactWriteItems(ctx, &dynamo.TransactWriteItemsInput{
		TransactItems: []dynamo.TransactWriteItem{put(av), put(emailAV), put(phoneAV)},
	})
	if err != nil {
		txErr := classifyTxError(err, "create account", "account_put", "email_sentinel", "phone_sentinel")
		span.RecordError(txErr)
		return txErr
	}
	return nil
}

func (s *DynamoCredentialStore) classify(span trace.Span, op string, err error) error {
	if domain.IsNotFound(err) {
		return fmt.Errorf("dynamo credentials: %s: %w", op, err)
	}
	return dynamoFailure(span, "dynamo credentials: "+op, err)
}

// classifyTxError maps a TransactionCanceledException with a failed
// condition to domain.ErrAlreadyExists and names the offending item.
func classifyTxError(err error, op string, itemNames ...string) error {
	reasons, ok := dynamo.IsTransactionCanceledException(err)
	if !ok {
		return errors.Join(fmt.Errorf("transactor: %s: %w", op, err), domain.ErrUnavailable)
	}

	for i, reason := range reasons {
		if reason == "ConditionalCheckFailed" {
			name := "unknown"
			if i < len(itemNames) {
				name = itemNames[i]
			}
			return fmt.Errorf("transactor: %s: item %d (%s) condition failed: %w",
				op, i, name, domain.ErrAlreadyExists)
		}
	}

	return errors.Join(fmt.Errorf("transactor: %s: transaction canceled: %w", op, err), domain.ErrUnavailable)
}

func itemFromAccount(a domain.Account) accountItem {
	return accountItem{
		AccountID:    a.ID,
		Email:        a.Email,
		Phone:        a.Phone,
		Name:         a.Name,
		PasswordHash: a.PasswordHash,
		Active:       a.Active,
		CreatedAt:    a.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:    a.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func accountFromItem(i accountItem) *domain.Account {
	created, _ := time.Parse(time.RFC3339, i.CreatedAt)
	updated, _ := time.Parse(time.RFC3339, i.UpdatedAt)
	return &domain.Account{
		ID:           i.AccountID,
		Email:        i.Email,
		Phone:        i.Phone,
		Name:         i.Name,
		PasswordHash: i.PasswordHash,
		Active:       i.Active,
		CreatedAt:    created,
		UpdatedAt:    updated,
	}
}
