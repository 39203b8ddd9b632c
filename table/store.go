package table

import (
	"context"
	"fmt"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/gurre/fixit/apperr"
	"github.com/gurre/fixit/aws"
)

// Record is a decoded table item.
type Record map[string]any

// GetString returns the string attribute name, or "".
func (r Record) GetString(name string) string {
	s, _ := r[name].(string)
	return s
}

// Guard is consulted before every remote call. A federation.Session bound to
// the store's client satisfies it.
type Guard interface {
	EnsureUsable() error
}

// Observer receives the outcome of every store operation.
type Observer interface {
	ObserveStore(op string, d time.Duration, err error)
}

// Options configures a Store.
type Options struct {
	TableName string
	// SortKey is set when the table's primary key is PK plus an SK range key.
	SortKey bool
	// EntityTypeIndex names a GSI with entityType as its hash key. Empty
	// means prefix queries always scan.
	EntityTypeIndex string
	MaxRetries      int
	RetryBase       time.Duration
	Clock           clock.Clock
	Logger          *zap.Logger
	Guard           Guard
	Observer        Observer
}

// Store reads and writes entity records in a single table.
type Store struct {
	client     aws.DynamoDBClient
	tableName  string
	sortKey    bool
	index      string
	maxRetries int
	retryBase  time.Duration
	clock      clock.Clock
	logger     *zap.Logger
	guard      Guard
	observer   Observer
}

// NewStore creates a Store over client.
func NewStore(client aws.DynamoDBClient, opts Options) *Store {
	s := &Store{
		client:     client,
		tableName:  opts.TableName,
		sortKey:    opts.SortKey,
		index:      opts.EntityTypeIndex,
		maxRetries: opts.MaxRetries,
		retryBase:  opts.RetryBase,
		clock:      opts.Clock,
		logger:     opts.Logger,
		guard:      opts.Guard,
		observer:   opts.Observer,
	}
	if s.maxRetries <= 0 {
		s.maxRetries = defaultMaxRetries
	}
	if s.retryBase <= 0 {
		s.retryBase = defaultRetryBase
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.With(zap.String("component", "table"), zap.String("table", s.tableName))
	return s
}

// WithGuard returns a copy of the store that checks g before every call.
func (s *Store) WithGuard(g Guard) *Store {
	c := *s
	c.guard = g
	return &c
}

func (s *Store) key(t EntityType, id string) (map[string]types.AttributeValue, string, error) {
	pk, err := PartitionKey(t, id)
	if err != nil {
		return nil, "", err
	}
	key := map[string]types.AttributeValue{
		AttrPK: &types.AttributeValueMemberS{Value: pk},
	}
	if s.sortKey {
		key[AttrSK] = &types.AttributeValueMemberS{Value: t.SortKey()}
	}
	return key, pk, nil
}

// begin runs the guard and returns a function that records the outcome.
func (s *Store) begin(op string) (func(error) error, error) {
	if s.guard != nil {
		if err := s.guard.EnsureUsable(); err != nil {
			return nil, err
		}
	}
	start := time.Now()
	return func(err error) error {
		err = mapError(err)
		if s.observer != nil {
			s.observer.ObserveStore(op, time.Since(start), err)
		}
		if err != nil {
			s.logger.Debug("store operation failed", zap.String("op", op), zap.Error(err))
		}
		return err
	}, nil
}

// Get returns the record for (t, id), or nil without error when absent.
func (s *Store) Get(ctx context.Context, t EntityType, id string) (Record, error) {
	key, _, err := s.key(t, id)
	if err != nil {
		return nil, err
	}
	done, err := s.begin("get")
	if err != nil {
		return nil, err
	}

	var out *dynamodb.GetItemOutput
	err = s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: &s.tableName,
			Key:       key,
		})
		return err
	})
	if err = done(err); err != nil {
		return nil, err
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	return decode(out.Item)
}

// Put writes data as the full record for (t, id). Key and bookkeeping
// attributes in data are overwritten. createdAt survives from any stored
// version and updatedAt is always later than the stored one. The read of the
// stored timestamps and the write are separate calls.
func (s *Store) Put(ctx context.Context, t EntityType, id string, data map[string]any) (Record, error) {
	key, pk, err := s.key(t, id)
	if err != nil {
		return nil, err
	}
	item, err := attributevalue.MarshalMap(data)
	if err != nil {
		return nil, fmt.Errorf("marshal record %s: %w", pk, err)
	}
	done, err := s.begin("put")
	if err != nil {
		return nil, err
	}

	var prior *dynamodb.GetItemOutput
	err = s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		prior, err = s.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName:                &s.tableName,
			Key:                      key,
			ConsistentRead:           awssdk.Bool(true),
			ProjectionExpression:     awssdk.String("#c, #u"),
			ExpressionAttributeNames: map[string]string{"#c": AttrCreatedAt, "#u": AttrUpdatedAt},
		})
		return err
	})
	if err != nil {
		return nil, done(err)
	}

	createdAt, updatedAt := s.timestamps(prior.Item)
	for k, v := range key {
		item[k] = v
	}
	item[AttrEntityType] = &types.AttributeValueMemberS{Value: string(t)}
	item[AttrCreatedAt] = &types.AttributeValueMemberS{Value: createdAt}
	item[AttrUpdatedAt] = &types.AttributeValueMemberS{Value: updatedAt}

	err = s.withRetry(ctx, func(ctx context.Context) error {
		_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: &s.tableName,
			Item:      item,
		})
		return err
	})
	if err = done(err); err != nil {
		return nil, err
	}
	s.logger.Debug("record written", zap.String("pk", pk))
	return decode(item)
}

// timestamps picks createdAt and updatedAt for a write over prior.
func (s *Store) timestamps(prior map[string]types.AttributeValue) (string, string) {
	now := s.clock.Now().UTC()
	createdAt := ""
	if v, ok := prior[AttrCreatedAt].(*types.AttributeValueMemberS); ok {
		createdAt = v.Value
	}
	if v, ok := prior[AttrUpdatedAt].(*types.AttributeValueMemberS); ok {
		if last, err := ParseTime(v.Value); err == nil && !now.After(last) {
			now = last.Add(time.Nanosecond)
		}
	}
	updatedAt := FormatTime(now)
	if createdAt == "" {
		createdAt = updatedAt
	}
	return createdAt, updatedAt
}

// Update applies p to the record for (t, id) and returns the record as
// stored afterwards. A missing record is created.
func (s *Store) Update(ctx context.Context, t EntityType, id string, p *Patch) (Record, error) {
	key, pk, err := s.key(t, id)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(t); err != nil {
		return nil, err
	}
	upd, err := p.compile(t, FormatTime(s.clock.Now()))
	if err != nil {
		return nil, err
	}
	done, err := s.begin("update")
	if err != nil {
		return nil, err
	}

	var out *dynamodb.UpdateItemOutput
	err = s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:                 &s.tableName,
			Key:                       key,
			UpdateExpression:          &upd.expression,
			ExpressionAttributeNames:  upd.names,
			ExpressionAttributeValues: upd.values,
			ReturnValues:              types.ReturnValueAllNew,
		})
		return err
	})
	if err = done(err); err != nil {
		return nil, err
	}
	s.logger.Debug("record updated", zap.String("pk", pk), zap.Strings("fields", p.Fields()))
	return decode(out.Attributes)
}

// QueryByPrefix returns every record whose PK starts with prefix. A prefix
// that is exactly one entity type's prefix is served from the entityType
// index when one is configured; anything else is a filtered scan of the
// whole table.
func (s *Store) QueryByPrefix(ctx context.Context, prefix string) ([]Record, error) {
	if prefix == "" {
		return nil, apperr.ErrInvalidKey.WithMessage("prefix must not be empty")
	}
	done, err := s.begin("query")
	if err != nil {
		return nil, err
	}

	var items []map[string]types.AttributeValue
	if t, ok := entityPrefix(prefix); ok && s.index != "" {
		items, err = s.queryIndex(ctx, t)
	} else {
		items, err = s.scanPrefix(ctx, prefix)
	}
	if err = done(err); err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(items))
	for _, item := range items {
		r, err := decode(item)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, nil
}

func (s *Store) scanPrefix(ctx context.Context, prefix string) ([]map[string]types.AttributeValue, error) {
	p := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:                &s.tableName,
		FilterExpression:         awssdk.String("begins_with(#pk, :prefix)"),
		ExpressionAttributeNames: map[string]string{"#pk": AttrPK},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":prefix": &types.AttributeValueMemberS{Value: prefix},
		},
	})

	var items []map[string]types.AttributeValue
	for p.HasMorePages() {
		var page *dynamodb.ScanOutput
		err := s.withRetry(ctx, func(ctx context.Context) error {
			var err error
			page, err = p.NextPage(ctx)
			return err
		})
		if err != nil {
			return nil, err
		}
		items = append(items, page.Items...)
	}
	return items, nil
}

func (s *Store) queryIndex(ctx context.Context, t EntityType) ([]map[string]types.AttributeValue, error) {
	p := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:                &s.tableName,
		IndexName:                &s.index,
		KeyConditionExpression:   awssdk.String("#et = :et"),
		ExpressionAttributeNames: map[string]string{"#et": AttrEntityType},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":et": &types.AttributeValueMemberS{Value: string(t)},
		},
	})

	var items []map[string]types.AttributeValue
	for p.HasMorePages() {
		var page *dynamodb.QueryOutput
		err := s.withRetry(ctx, func(ctx context.Context) error {
			var err error
			page, err = p.NextPage(ctx)
			return err
		})
		if err != nil {
			return nil, err
		}
		items = append(items, page.Items...)
	}
	return items, nil
}

func decode(item map[string]types.AttributeValue) (Record, error) {
	var r Record
	if err := attributevalue.UnmarshalMap(item, &r); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return r, nil
}
