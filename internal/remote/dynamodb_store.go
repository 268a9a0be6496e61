package remote

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/TheMichaelB/recsync/internal/clock"
	"github.com/TheMichaelB/recsync/internal/events"
	"github.com/TheMichaelB/recsync/internal/models"
	"github.com/TheMichaelB/recsync/internal/store"
)

// DynamoDBAPI is the subset of the DynamoDB client the store uses.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, opts ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Item attribute names.
const (
	attrPK            = "pk"
	attrType          = "aggregate_type"
	attrID            = "id"
	attrPayload       = "payload"
	attrVersion       = "version"
	attrBaseVersion   = "base_version"
	attrUpdatedAt     = "updated_at"
	attrDeleted       = "deleted"
	attrSchemaVersion = "schema_version"
	attrChangedAt     = "changed_at"
)

// DynamoDBStore is a RemoteStore on a single DynamoDB table keyed by pk.
type DynamoDBStore struct {
	client DynamoDBAPI
	table  string
	clock  clock.Clock
	logger *events.Logger
}

var _ store.RemoteStore = (*DynamoDBStore)(nil)

// NewDynamoDBStore creates a store using the default AWS credential chain.
func NewDynamoDBStore(ctx context.Context, table, region string, logger *events.Logger) (*DynamoDBStore, error) {
	if table == "" {
		return nil, fmt.Errorf("%w: dynamodb table required", models.ErrInvalidConfig)
	}

	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewDynamoDBStoreWithClient(dynamodb.NewFromConfig(cfg), table, logger), nil
}

// NewDynamoDBStoreWithClient creates a store on an existing client.
func NewDynamoDBStoreWithClient(client DynamoDBAPI, table string, logger *events.Logger) *DynamoDBStore {
	return &DynamoDBStore{
		client: client,
		table:  table,
		clock:  clock.System{},
		logger: logger.WithField("component", "dynamodb_store"),
	}
}

// SetClock replaces the clock that stamps changed_at.
func (s *DynamoDBStore) SetClock(c clock.Clock) {
	s.clock = c
}

// Name identifies the store.
func (s *DynamoDBStore) Name() string {
	return "dynamodb"
}

func partitionKey(key models.Key) string {
	return string(key.Type) + "#" + key.ID
}

func pkAttr(key models.Key) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPK: &types.AttributeValueMemberS{Value: partitionKey(key)},
	}
}

func numAttr(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func toItem(rec *models.Record, changedAt time.Time) map[string]types.AttributeValue {
	item := pkAttr(rec.Key())
	item[attrType] = &types.AttributeValueMemberS{Value: string(rec.Type)}
	item[attrID] = &types.AttributeValueMemberS{Value: rec.ID}
	item[attrVersion] = numAttr(rec.Version)
	item[attrBaseVersion] = numAttr(rec.BaseVersion)
	item[attrUpdatedAt] = numAttr(rec.UpdatedAt.UnixNano())
	item[attrDeleted] = &types.AttributeValueMemberBOOL{Value: rec.Deleted}
	item[attrSchemaVersion] = numAttr(int64(rec.SchemaVersion))
	item[attrChangedAt] = numAttr(changedAt.UnixNano())
	if len(rec.Payload) > 0 {
		item[attrPayload] = &types.AttributeValueMemberB{Value: rec.Payload}
	}
	return item
}

func fromItem(item map[string]types.AttributeValue) (*models.Record, error) {
	str := func(name string) (string, error) {
		v, ok := item[name].(*types.AttributeValueMemberS)
		if !ok {
			return "", fmt.Errorf("%w: attribute %s missing or not a string", models.ErrCorrupt, name)
		}
		return v.Value, nil
	}
	num := func(name string) (int64, error) {
		v, ok := item[name].(*types.AttributeValueMemberN)
		if !ok {
			return 0, fmt.Errorf("%w: attribute %s missing or not a number", models.ErrCorrupt, name)
		}
		return strconv.ParseInt(v.Value, 10, 64)
	}

	var rec models.Record
	t, err := str(attrType)
	if err != nil {
		return nil, err
	}
	rec.Type = models.AggregateType(t)
	if rec.ID, err = str(attrID); err != nil {
		return nil, err
	}
	if rec.Version, err = num(attrVersion); err != nil {
		return nil, err
	}
	if rec.BaseVersion, err = num(attrBaseVersion); err != nil {
		return nil, err
	}
	updated, err := num(attrUpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.UpdatedAt = time.Unix(0, updated).UTC()
	schema, err := num(attrSchemaVersion)
	if err != nil {
		return nil, err
	}
	rec.SchemaVersion = int(schema)
	if v, ok := item[attrDeleted].(*types.AttributeValueMemberBOOL); ok {
		rec.Deleted = v.Value
	}
	if v, ok := item[attrPayload].(*types.AttributeValueMemberB); ok {
		rec.Payload = v.Value
	}
	return &rec, nil
}

func (s *DynamoDBStore) wrap(op string, key models.Key, err error) error {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		if op == "delete" {
			return store.NewError(s.Name(), op, key, models.ErrNotFound)
		}
		return store.NewError(s.Name(), op, key, models.ErrVersionConflict)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return store.NewError(s.Name(), op, key, err)
	}
	return store.NewError(s.Name(), op, key, fmt.Errorf("%w: %v", models.ErrUnavailable, err))
}

// Get fetches one record with a strongly consistent read.
func (s *DynamoDBStore) Get(ctx context.Context, key models.Key) (*models.Record, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            pkAttr(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, s.wrap("get", key, err)
	}
	if out.Item == nil {
		return nil, store.NewError(s.Name(), "get", key, models.ErrNotFound)
	}

	rec, err := fromItem(out.Item)
	if err != nil {
		return nil, store.NewError(s.Name(), "get", key, err)
	}
	return rec, nil
}

// Put writes rec only if no item exists or the stored version is older.
func (s *DynamoDBStore) Put(ctx context.Context, rec *models.Record) (*models.Record, error) {
	return s.write(ctx, "put", rec, true)
}

// Overwrite writes rec unconditionally.
func (s *DynamoDBStore) Overwrite(ctx context.Context, rec *models.Record) (*models.Record, error) {
	return s.write(ctx, "overwrite", rec, false)
}

func (s *DynamoDBStore) write(ctx context.Context, op string, rec *models.Record, checked bool) (*models.Record, error) {
	if err := rec.Validate(); err != nil {
		return nil, store.NewError(s.Name(), op, rec.Key(), err)
	}

	in := &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      toItem(rec, s.clock.Now()),
	}
	if checked {
		in.ConditionExpression = aws.String("attribute_not_exists(#pk) OR #v < :v")
		in.ExpressionAttributeNames = map[string]string{"#pk": attrPK, "#v": attrVersion}
		in.ExpressionAttributeValues = map[string]types.AttributeValue{":v": numAttr(rec.Version)}
	}

	if _, err := s.client.PutItem(ctx, in); err != nil {
		return nil, s.wrap(op, rec.Key(), err)
	}

	s.logger.WithFields(map[string]interface{}{
		"record":  rec.Key().String(),
		"version": rec.Version,
		"op":      op,
	}).Debug("Wrote DynamoDB item")
	return rec.Clone(), nil
}

// Delete physically removes an existing item.
func (s *DynamoDBStore) Delete(ctx context.Context, key models.Key) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                aws.String(s.table),
		Key:                      pkAttr(key),
		ConditionExpression:      aws.String("attribute_exists(#pk)"),
		ExpressionAttributeNames: map[string]string{"#pk": attrPK},
	})
	if err != nil {
		return s.wrap("delete", key, err)
	}
	return nil
}

// ListByType scans every item of one type.
func (s *DynamoDBStore) ListByType(ctx context.Context, t models.AggregateType) ([]*models.Record, error) {
	return s.scan(ctx, "list", &dynamodb.ScanInput{
		TableName:                 aws.String(s.table),
		FilterExpression:          aws.String("#t = :t"),
		ExpressionAttributeNames:  map[string]string{"#t": attrType},
		ExpressionAttributeValues: map[string]types.AttributeValue{":t": &types.AttributeValueMemberS{Value: string(t)}},
		ConsistentRead:            aws.Bool(true),
	})
}

// ChangedSince scans items written at or after since.
func (s *DynamoDBStore) ChangedSince(ctx context.Context, since time.Time) ([]*models.Record, error) {
	return s.scan(ctx, "changed_since", &dynamodb.ScanInput{
		TableName:                 aws.String(s.table),
		FilterExpression:          aws.String("#c >= :c"),
		ExpressionAttributeNames:  map[string]string{"#c": attrChangedAt},
		ExpressionAttributeValues: map[string]types.AttributeValue{":c": numAttr(since.UnixNano())},
		ConsistentRead:            aws.Bool(true),
	})
}

func (s *DynamoDBStore) scan(ctx context.Context, op string, in *dynamodb.ScanInput) ([]*models.Record, error) {
	var out []*models.Record

	paginator := dynamodb.NewScanPaginator(s.client, in)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, s.wrap(op, models.Key{}, err)
		}

		for _, item := range page.Items {
			rec, err := fromItem(item)
			if err != nil {
				pk := ""
				if v, ok := item[attrPK].(*types.AttributeValueMemberS); ok {
					pk = v.Value
				}
				s.logger.WithError(err).WithField("pk", pk).Warn("Skipping malformed item")
				continue
			}
			out = append(out, rec)
		}
	}

	store.SortRecords(out)
	return out, nil
}

// Close is a no-op; the AWS client holds no resources.
func (s *DynamoDBStore) Close() error {
	return nil
}

// ParsePartitionKey splits a pk back into a record key.
func ParsePartitionKey(pk string) (models.Key, error) {
	t, id, ok := strings.Cut(pk, "#")
	if !ok || id == "" {
		return models.Key{}, fmt.Errorf("%w: malformed partition key %q", models.ErrCorrupt, pk)
	}
	return models.NewKey(models.AggregateType(t), id), nil
}
