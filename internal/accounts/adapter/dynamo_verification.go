package adapter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aelexs/wacrm/internal/accounts/app"
	"github.com/aelexs/wacrm/internal/domain"
	"github.com/aelexs/wacrm/internal/dynamo"
	"github.com/aelexs/wacrm/internal/otp"
)

var _ app.VerificationStore = (*DynamoVerificationStore)(nil)

// verificationDynamoDB is a narrow, consumer-defined interface for the
// DynamoDB operations used by the verification store. *dynamodb.Client
// satisfies it.
type verificationDynamoDB interface {
	GetItem(ctx context.Context, params *dynamo.GetItemInput, optFns ...func(*dynamo.Options)) (*dynamo.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamo.PutItemInput, optFns ...func(*dynamo.Options)) (*dynamo.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamo.UpdateItemInput, optFns ...func(*dynamo.Options)) (*dynamo.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamo.DeleteItemInput, optFns ...func(*dynamo.Options)) (*dynamo.DeleteItemOutput, error)
}

// verificationItem is the item shape of the verification_codes table.
// record_key is the partition key and purpose the sort key. Times are epoch
// milliseconds; ttl is epoch seconds for DynamoDB TTL expiry.
type verificationItem struct {
	RecordKey         string `dynamodbav:"record_key"`
	Purpose           string `dynamodbav:"purpose"`
	Identity          string `dynamodbav:"identity"`
	CodeMAC           string `dynamodbav:"code_mac"`
	Destination       string `dynamodbav:"destination"`
	IssuedAt          int64  `dynamodbav:"issued_at"`
	ExpiresAt         int64  `dynamodbav:"expires_at"`
	AttemptsRemaining int    `dynamodbav:"attempts_remaining"`
	TTL               int64  `dynamodbav:"ttl"`
}

func itemFromRecord(rec otp.Record) verificationItem {
	return verificationItem{
		RecordKey:         rec.Key,
		Purpose:           string(rec.Purpose),
		Identity:          rec.Identity,
		CodeMAC:           rec.CodeMAC,
		Destination:       rec.Destination,
		IssuedAt:          rec.IssuedAt.UnixMilli(),
		ExpiresAt:         rec.ExpiresAt.UnixMilli(),
		AttemptsRemaining: rec.AttemptsRemaining,
		TTL:               rec.ExpiresAt.Unix() + 1,
	}
}

func (i verificationItem) record() *otp.Record {
	return &otp.Record{
		Key:               i.RecordKey,
		Identity:          i.Identity,
		Purpose:           domain.Purpose(i.Purpose),
		CodeMAC:           i.CodeMAC,
		Destination:       i.Destination,
		IssuedAt:          time.UnixMilli(i.IssuedAt).UTC(),
		ExpiresAt:         time.UnixMilli(i.ExpiresAt).UTC(),
		AttemptsRemaining: i.AttemptsRemaining,
	}
}

// DynamoVerificationStore persists verification records in DynamoDB.
// DynamoDB TTL removes expired items eventually; reads still check
// expires_at because TTL deletion lags.
type DynamoVerificationStore struct {
	db        verificationDynamoDB
	tableName string
}

// NewDynamoVerificationStore creates a DynamoVerificationStore.
func NewDynamoVerificationStore(db verificationDynamoDB, tableName string) *DynamoVerificationStore {
	return &DynamoVerificationStore{db: db, tableName: tableName}
}

func (s *DynamoVerificationStore) itemKey(key string, purpose domain.Purpose) map[string]dynamo.AttributeValue {
	return map[string]dynamo.AttributeValue{
		"record_key": &dynamo.AttributeValueMemberS{Value: key},
		"purpose":    &dynamo.AttributeValueMemberS{Value: string(purpose)},
	}
}

// Put upserts rec. A reissue replaces the previous record wholesale.
func (s *DynamoVerificationStore) Put(ctx context.Context, rec otp.Record) error {
	ctx, span := startDynamoSpan(ctx, "dynamo.otp.put", "PutItem")
	defer span.End()

	av, err := dynamo.MarshalMap(itemFromRecord(rec))
	if err != nil {
		return fmt.Errorf("dynamo otp store: marshal item: %w", err)
	}

	_, err = s.db.PutItem(ctx, &dynamo.PutItemInput{
		TableName: &s.tableName,
		Item:      av,
	})
	if err != nil {
		return dynamoFailure(span, "dynamo otp store: put", err)
	}
	return nil
}

// Get reads a record with a strongly consistent read.
func (s *DynamoVerificationStore) Get(ctx context.Context, key string, purpose domain.Purpose) (*otp.Record, error) {
	ctx, span := startDynamoSpan(ctx, "dynamo.otp.get", "GetItem")
	defer span.End()

	out, err := s.db.GetItem(ctx, &dynamo.GetItemInput{
		TableName:      &s.tableName,
		Key:            s.itemKey(key, purpose),
		ConsistentRead: dynamo.Bool(true),
	})
	if err != nil {
		return nil, dynamoFailure(span, "dynamo otp store: get", err)
	}
	if out.Item == nil {
		return nil, fmt.Errorf("dynamo otp store: get: %w", domain.ErrNotFound)
	}

	var item verificationItem
	if err := dynamo.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("dynamo otp store: unmarshal item: %w", err)
	}
	return item.record(), nil
}

func (s *DynamoVerificationStore) Delete(ctx context.Context, key string, purpose domain.Purpose) error {
	ctx, span := startDynamoSpan(ctx, "dynamo.otp.delete", "DeleteItem")
	defer span.End()

	_, err := s.db.DeleteItem(ctx, &dynamo.DeleteItemInput{
		TableName: &s.tableName,
		Key:       s.itemKey(key, purpose),
	})
	if err != nil {
		return dynamoFailure(span, "dynamo otp store: delete", err)
	}
	return nil
}

// ConsumeIfMatch deletes the record only while its MAC equals mac, it has
// not expired and it has attempts left. A failed condition is reported as
// false, not as an error.
func (s *DynamoVerificationStore) ConsumeIfMatch(ctx context.Context, key string, purpose domain.Purpose, mac string, now time.Time) (bool, error) {
	ctx, span := startDynamoSpan(ctx, "dynamo.otp.consume", "DeleteItem")
	defer span.End()

	cond := "code_mac = :mac AND expires_at > :now AND attempts_remaining > :zero"
	_, err := s.db.DeleteItem(ctx, &dynamo.DeleteItemInput{
		TableName:           &s.tableName,
		Key:                 s.itemKey(key, purpose),
		ConditionExpression: &cond,
		ExpressionAttributeValues: map[string]dynamo.AttributeValue{
			":mac":  &dynamo.AttributeValueMemberS{Value: mac},
			":now":  &dynamo.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixMilli(), 10)},
			":zero": &dynamo.AttributeValueMemberN{Value: "0"},
		},
	})
	if err != nil {
		if dynamo.IsConditionalCheckFailed(err) {
			return false, nil
		}
		return false, dynamoFailure(span, "dynamo otp store: consume", err)
	}
	return true, nil
}

// CheckCode spends an attempt with one conditional UpdateItem that only
// applies to a live record whose MAC differs from mac. When the condition
// fails, the returned old image tells a match apart from a dead record.
func (s *DynamoVerificationStore) CheckCode(ctx context.Context, key string, purpose domain.Purpose, mac string, now time.Time) (otp.CheckResult, error) {
	ctx, span := startDynamoSpan(ctx, "dynamo.otp.check_code", "UpdateItem")
	defer span.End()

	attempts := dynamo.ExprName("attempts_remaining")
	expr, err := dynamo.NewExpressionBuilder().
		WithUpdate(dynamo.ExprSet(attempts, attempts.Minus(dynamo.ExprValue(1)))).
		WithCondition(dynamo.ExprName("code_mac").NotEqual(dynamo.ExprValue(mac)).
			And(dynamo.ExprName("expires_at").GreaterThan(dynamo.ExprValue(now.UnixMilli()))).
			And(attempts.GreaterThan(dynamo.ExprValue(0)))).
		Build()
	if err != nil {
		return otp.CheckResult{}, fmt.Errorf("dynamo otp store: build update: %w", err)
	}

	out, err := s.db.UpdateItem(ctx, &dynamo.UpdateItemInput{
		TableName:                           &s.tableName,
		Key:                                 s.itemKey(key, purpose),
		UpdateExpression:                    expr.Update(),
		ConditionExpression:                 expr.Condition(),
		ExpressionAttributeNames:            expr.Names(),
		ExpressionAttributeValues:           expr.Values(),
		ReturnValues:                        dynamo.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: dynamo.ReturnOldOnConditionFailure,
	})
	if dynamo.IsConditionalCheckFailed(err) {
		return s.unchanged(dynamo.ConditionalCheckFailedItem(err), mac, now)
	}
	if err != nil {
		return otp.CheckResult{}, dynamoFailure(span, "dynamo otp store: check code", err)
	}

	var item verificationItem
	if err := dynamo.UnmarshalMap(out.Attributes, &item); err != nil {
		return otp.CheckResult{}, fmt.Errorf("dynamo otp store: unmarshal attributes: %w", err)
	}
	if item.AttemptsRemaining > 0 {
		return otp.CheckResult{AttemptsRemaining: item.AttemptsRemaining}, nil
	}

	// The record is already unusable at zero; deleting it is cleanup. The
	// condition leaves a concurrent reissue alone.
	cond := "attempts_remaining <= :zero"
	_, err = s.db.DeleteItem(ctx, &dynamo.DeleteItemInput{
		TableName:           &s.tableName,
		Key:                 s.itemKey(key, purpose),
		ConditionExpression: &cond,
		ExpressionAttributeValues: map[string]dynamo.AttributeValue{
			":zero": &dynamo.AttributeValueMemberN{Value: "0"},
		},
	})
	if err != nil && !dynamo.IsConditionalCheckFailed(err) {
		return otp.CheckResult{}, dynamoFailure(span, "dynamo otp store: burn exhausted record", err)
	}
	return otp.CheckResult{}, nil
}

// unchanged interprets the old image of a CheckCode whose condition failed.
func (s *DynamoVerificationStore) unchanged(old map[string]dynamo.AttributeValue, mac string, now time.Time) (otp.CheckResult, error) {
	if old == nil {
		return otp.CheckResult{}, fmt.Errorf("dynamo otp store: check code: %w", domain.ErrNotFound)
	}
	var item verificationItem
	if err := dynamo.UnmarshalMap(old, &item); err != nil {
		return otp.CheckResult{}, fmt.Errorf("dynamo otp store: unmarshal old image: %w", err)
	}
	rec := item.record()
	if rec.Expired(now) || rec.AttemptsRemaining <= 0 || !otp.EqualMAC(rec.CodeMAC, mac) {
		return otp.CheckResult{}, fmt.Errorf("dynamo otp store: check code: %w", domain.ErrNotFound)
	}
	return otp.CheckResult{Matched: true, AttemptsRemaining: rec.AttemptsRemaining}, nil
}

// dynamoFailure records err on span and marks it as a transport failure.
func dynamoFailure(span trace.Span, op string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return errors.Join(fmt.Errorf("%s: %w", op, err), domain.ErrUnavailable)
}

func startDynamoSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", op),
	)
	return ctx, span
}
