package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/creastat/usersync"
)

// Attribute names in the lock table. ExpireEpoch is meant to be configured as
// the table's native TTL attribute so abandoned records are also garbage
// collected server side; correctness only relies on ExpiresAt.
const (
	attrLockID      = "LockID"
	attrUserID      = "UserID"
	attrSessionID   = "SessionID"
	attrAcquiredAt  = "AcquiredAt"
	attrExpiresAt   = "ExpiresAt"
	attrExpireEpoch = "ExpireEpoch"
)

// DynamoDBAPI is the subset of *dynamodb.Client the locker needs.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoDBLocker implements Locker with DynamoDB conditional writes.
type DynamoDBLocker struct {
	client DynamoDBAPI
	table  string
	prefix string
	now    func() time.Time
}

// NewDynamoDBLocker creates a DynamoDB-backed locker on table.
func NewDynamoDBLocker(client DynamoDBAPI, table, prefix string) *DynamoDBLocker {
	if prefix == "" {
		prefix = lockKeyPrefix
	}
	return &DynamoDBLocker{
		client: client,
		table:  table,
		prefix: prefix,
		now:    time.Now,
	}
}

// Acquire implements Locker.
func (l *DynamoDBLocker) Acquire(ctx context.Context, userID, sessionID string, ttl time.Duration) (*Record, error) {
	now := l.now()
	r := &Record{
		UserID:     userID,
		SessionID:  sessionID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}

	item := map[string]dtypes.AttributeValue{
		attrLockID:      &dtypes.AttributeValueMemberS{Value: l.key(userID)},
		attrUserID:      &dtypes.AttributeValueMemberS{Value: userID},
		attrSessionID:   &dtypes.AttributeValueMemberS{Value: sessionID},
		attrAcquiredAt:  millisAttr(r.AcquiredAt),
		attrExpiresAt:   millisAttr(r.ExpiresAt),
		attrExpireEpoch: &dtypes.AttributeValueMemberN{Value: strconv.FormatInt(r.ExpiresAt.Unix(), 10)},
	}

	_, err := l.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(l.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(#id) OR #exp <= :now"),
		ExpressionAttributeNames: map[string]string{
			"#id":  attrLockID,
			"#exp": attrExpiresAt,
		},
		ExpressionAttributeValues: map[string]dtypes.AttributeValue{
			":now": millisAttr(now),
		},
		ReturnValuesOnConditionCheckFailure: dtypes.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var ccf *dtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil, heldError(userID, recordFromItem(ccf.Item), nil)
		}
		return nil, usersync.Unavailable(fmt.Errorf("failed to acquire lock: %w", err))
	}
	return r, nil
}

// Renew implements Locker.
func (l *DynamoDBLocker) Renew(ctx context.Context, userID, sessionID string, ttl time.Duration) (*Record, error) {
	now := l.now()
	expiresAt := now.Add(ttl)

	out, err := l.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(l.table),
		Key: map[string]dtypes.AttributeValue{
			attrLockID: &dtypes.AttributeValueMemberS{Value: l.key(userID)},
		},
		UpdateExpression:    aws.String("SET #exp = :exp, #epoch = :epoch"),
		ConditionExpression: aws.String("#sid = :sid AND #exp > :now"),
		ExpressionAttributeNames: map[string]string{
			"#exp":   attrExpiresAt,
			"#epoch": attrExpireEpoch,
			"#sid":   attrSessionID,
		},
		ExpressionAttributeValues: map[string]dtypes.AttributeValue{
			":exp":   millisAttr(expiresAt),
			":epoch": &dtypes.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt.Unix(), 10)},
			":sid":   &dtypes.AttributeValueMemberS{Value: sessionID},
			":now":   millisAttr(now),
		},
		ReturnValues: dtypes.ReturnValueAllNew,
	})
	if err != nil {
		var ccf *dtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil, usersync.ErrNotHolder
		}
		return nil, usersync.Unavailable(fmt.Errorf("failed to renew lock: %w", err))
	}

	r := recordFromItem(out.Attributes)
	if r == nil {
		r = &Record{UserID: userID, SessionID: sessionID, ExpiresAt: expiresAt}
	}
	return r, nil
}

// Release implements Locker.
func (l *DynamoDBLocker) Release(ctx context.Context, userID, sessionID string) error {
	_, err := l.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(l.table),
		Key: map[string]dtypes.AttributeValue{
			attrLockID: &dtypes.AttributeValueMemberS{Value: l.key(userID)},
		},
		ConditionExpression: aws.String("#sid = :sid"),
		ExpressionAttributeNames: map[string]string{
			"#sid": attrSessionID,
		},
		ExpressionAttributeValues: map[string]dtypes.AttributeValue{
			":sid": &dtypes.AttributeValueMemberS{Value: sessionID},
		},
	})
	if err != nil {
		var ccf *dtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return usersync.ErrNotHolder
		}
		return usersync.Unavailable(fmt.Errorf("failed to release lock: %w", err))
	}
	return nil
}

// Inspect implements Locker.
func (l *DynamoDBLocker) Inspect(ctx context.Context, userID string) (*Record, error) {
	out, err := l.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(l.table),
		Key: map[string]dtypes.AttributeValue{
			attrLockID: &dtypes.AttributeValueMemberS{Value: l.key(userID)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, usersync.Unavailable(fmt.Errorf("failed to inspect lock: %w", err))
	}

	r := recordFromItem(out.Item)
	if r == nil || r.Expired(l.now()) {
		return nil, usersync.ErrNotFound
	}
	return r, nil
}

// Close implements Locker.
func (l *DynamoDBLocker) Close() error {
	return nil
}

func (l *DynamoDBLocker) key(userID string) string {
	return l.prefix + userID
}

func millisAttr(t time.Time) *dtypes.AttributeValueMemberN {
	return &dtypes.AttributeValueMemberN{Value: strconv.FormatInt(t.UnixMilli(), 10)}
}

func recordFromItem(item map[string]dtypes.AttributeValue) *Record {
	if len(item) == 0 {
		return nil
	}
	str := func(name string) string {
		if v, ok := item[name].(*dtypes.AttributeValueMemberS); ok {
			return v.Value
		}
		return ""
	}
	num := func(name string) time.Time {
		if v, ok := item[name].(*dtypes.AttributeValueMemberN); ok {
			return parseMillis(v.Value)
		}
		return time.Time{}
	}
	return &Record{
		UserID:     str(attrUserID),
		SessionID:  str(attrSessionID),
		AcquiredAt: num(attrAcquiredAt),
		ExpiresAt:  num(attrExpiresAt),
	}
}

var _ Locker = (*DynamoDBLocker)(nil)
