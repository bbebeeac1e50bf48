package memory

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/jun/graphdrive/internal/adapter"
)

// DefaultTable is used when no file store table is configured.
const DefaultTable = "FileStore"

// itemTTL bounds how long demo files survive in DynamoDB.
const itemTTL = 60 * time.Minute

type FileItem struct {
	PK           string    `dynamodbav:"pk"`
	UserID       string    `dynamodbav:"user_id"`
	ID           string    `dynamodbav:"id"`
	Path         string    `dynamodbav:"path"`
	Name         string    `dynamodbav:"name"`
	MIMEType     string    `dynamodbav:"mime_type"`
	ModifiedTime time.Time `dynamodbav:"modified_time"`
	Size         int64     `dynamodbav:"size"`
	ETag         string    `dynamodbav:"etag"`
	WebURL       string    `dynamodbav:"web_url"`
	Content      []byte    `dynamodbav:"content"`
	TTL          int64     `dynamodbav:"ttl"`
}

func (it *FileItem) file() *adapter.File {
	return &adapter.File{
		FileMetadata: adapter.FileMetadata{
			ID:           it.ID,
			Name:         it.Name,
			Path:         it.Path,
			MIMEType:     it.MIMEType,
			ModifiedTime: it.ModifiedTime,
			Size:         it.Size,
			ETag:         it.ETag,
			WebURL:       it.WebURL,
		},
		Content: it.Content,
	}
}

func (m *MemoryAdapter) key(p string) string {
	return m.userID + "#" + p
}

func (m *MemoryAdapter) userFilter() *dynamodb.ScanInput {
	return &dynamodb.ScanInput{
		TableName:        aws.String(m.table),
		FilterExpression: aws.String("user_id = :uid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uid": &types.AttributeValueMemberS{Value: m.userID},
		},
	}
}

func (m *MemoryAdapter) get(ctx context.Context, p string) (*adapter.File, error) {
	if m.client == nil {
		m.mu.RLock()
		defer m.mu.RUnlock()
		f, ok := m.files[p]
		if !ok {
			return nil, adapter.ErrNotFound
		}
		cp := *f
		return &cp, nil
	}

	out, err := m.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(m.table),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: m.key(p)},
		},
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, adapter.ErrNotFound
	}
	var item FileItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, err
	}
	return item.file(), nil
}

func (m *MemoryAdapter) put(ctx context.Context, f *adapter.File) error {
	if m.client == nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.files[f.Path] = f
		return nil
	}

	item := FileItem{
		PK:           m.key(f.Path),
		UserID:       m.userID,
		ID:           f.ID,
		Path:         f.Path,
		Name:         f.Name,
		MIMEType:     f.MIMEType,
		ModifiedTime: f.ModifiedTime,
		Size:         f.Size,
		ETag:         f.ETag,
		WebURL:       f.WebURL,
		Content:      f.Content,
		TTL:          time.Now().Add(itemTTL).Unix(),
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return err
	}
	_, err = m.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(m.table),
		Item:      av,
	})
	return err
}

func (m *MemoryAdapter) remove(ctx context.Context, p string) error {
	if m.client == nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.files, p)
		return nil
	}

	_, err := m.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(m.table),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: m.key(p)},
		},
	})
	return err
}

// all returns every file of the user keyed by path.
func (m *MemoryAdapter) all(ctx context.Context) (map[string]*adapter.File, error) {
	out := make(map[string]*adapter.File)
	if m.client == nil {
		m.mu.RLock()
		defer m.mu.RUnlock()
		for p, f := range m.files {
			out[p] = f
		}
		return out, nil
	}

	// Scan and filter (inefficient but fine for dev)
	input := m.userFilter()
	for {
		page, err := m.client.Scan(ctx, input)
		if err != nil {
			return nil, err
		}
		var items []FileItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, err
		}
		for i := range items {
			out[items[i].Path] = items[i].file()
		}
		if len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		input.ExclusiveStartKey = page.LastEvaluatedKey
	}
}

func (m *MemoryAdapter) countUserItems(ctx context.Context) (int, error) {
	if m.client == nil {
		m.mu.RLock()
		defer m.mu.RUnlock()
		return len(m.files), nil
	}

	input := m.userFilter()
	input.Select = types.SelectCount
	out, err := m.client.Scan(ctx, input)
	if err != nil {
		return 0, err
	}
	return int(out.Count), nil
}
