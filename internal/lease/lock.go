package lease

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/jun/graphdrive/internal/model"
)

// DefaultTTL is how long a lease lives without a heartbeat. Holders renew
// it on a timer well inside this window.
const DefaultTTL = 2 * time.Minute

// DynamoDBAPI is the subset of the DynamoDB client used by LockManager.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// LockManager keeps destination leases in a DynamoDB table keyed by
// "destination", with "expires_at" as the table TTL attribute.
type LockManager struct {
	client      DynamoDBAPI
	tableName   string
	ttlDuration time.Duration
	now         func() time.Time
}

func NewLockManager(client DynamoDBAPI, tableName string) *LockManager {
	return &LockManager{
		client:      client,
		tableName:   tableName,
		ttlDuration: DefaultTTL,
		now:         time.Now,
	}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func unix(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func (m *LockManager) key(destination string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"destination": &types.AttributeValueMemberS{Value: destination},
	}
}

// AcquireLock succeeds if no lease exists, the existing one has expired
// (TTL deletion is lazy), or owner already holds it.
func (m *LockManager) AcquireLock(ctx context.Context, destination, owner string) (*model.UploadLease, error) {
	now := m.now().Unix()
	lease := model.UploadLease{
		Destination: destination,
		Owner:       owner,
		ExpiresAt:   now + int64(m.ttlDuration.Seconds()),
	}

	item, err := attributevalue.MarshalMap(lease)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lease: %w", err)
	}

	_, err = m.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(m.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(destination) OR expires_at < :now OR #owner = :owner"),
		ExpressionAttributeNames: map[string]string{
			"#owner": "owner",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now":   unix(now),
			":owner": &types.AttributeValueMemberS{Value: owner},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return nil, ErrHeld
		}
		return nil, fmt.Errorf("failed to acquire lease: %w", err)
	}
	return &lease, nil
}

func (m *LockManager) Heartbeat(ctx context.Context, destination, owner string) (*model.UploadLease, error) {
	expiresAt := m.now().Unix() + int64(m.ttlDuration.Seconds())

	out, err := m.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(m.tableName),
		Key:                 m.key(destination),
		UpdateExpression:    aws.String("SET expires_at = :expires_at"),
		ConditionExpression: aws.String("#owner = :owner"),
		ExpressionAttributeNames: map[string]string{
			"#owner": "owner",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expires_at": unix(expiresAt),
			":owner":      &types.AttributeValueMemberS{Value: owner},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		if isConditionFailed(err) {
			return nil, ErrNotOwner
		}
		return nil, fmt.Errorf("failed to send heartbeat: %w", err)
	}

	var lease model.UploadLease
	if err := attributevalue.UnmarshalMap(out.Attributes, &lease); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lease: %w", err)
	}
	return &lease, nil
}

func (m *LockManager) ReleaseLock(ctx context.Context, destination, owner string) error {
	_, err := m.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(m.tableName),
		Key:                 m.key(destination),
		ConditionExpression: aws.String("#owner = :owner"),
		ExpressionAttributeNames: map[string]string{
			"#owner": "owner",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner": &types.AttributeValueMemberS{Value: owner},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrNotOwner
		}
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

func (m *LockManager) GetLockStatus(ctx context.Context, destination string) (*model.UploadLease, error) {
	out, err := m.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(m.tableName),
		Key:            m.key(destination),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get lease status: %w", err)
	}
	if out.Item == nil {
		return nil, nil
	}

	var lease model.UploadLease
	if err := attributevalue.UnmarshalMap(out.Item, &lease); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lease: %w", err)
	}
	if lease.ExpiresAt < m.now().Unix() {
		return nil, nil // Expired
	}
	return &lease, nil
}
