package kv

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDB stores pairs as items of a table whose partition key is the
// string attribute "key".
type DynamoDB struct {
	client *dynamodb.Client
	table  string
	logger *slog.Logger
}

// openDynamo parses dynamodb://<table>?region=<region>&endpoint=<url>.
// Credentials come from the default AWS chain.
func openDynamo(ctx context.Context, u *url.URL, logger *slog.Logger) (Backend, error) {
	if u.Host == "" {
		return nil, fmt.Errorf("dynamodb url %q needs a table name", u.String())
	}

	var opts []func(*config.LoadOptions) error
	if region := u.Query().Get("region"); region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	endpoint := u.Query().Get("endpoint")
	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return NewDynamoDB(client, u.Host, logger), nil
}

func NewDynamoDB(client *dynamodb.Client, table string, logger *slog.Logger) *DynamoDB {
	return &DynamoDB{
		client: client,
		table:  table,
		logger: logger.With("module", "kv_dynamodb", "table", table),
	}
}

func itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"key": &types.AttributeValueMemberS{Value: key}}
}

func itemPair(item map[string]types.AttributeValue) (*Pair, error) {
	doc := map[string]any{}
	if err := attributevalue.UnmarshalMap(item, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal item: %w", err)
	}
	return pairFromDocument(doc)
}

func (d *DynamoDB) Get(ctx context.Context, key string) (*Pair, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	return itemPair(out.Item)
}

func (d *DynamoDB) Put(ctx context.Context, p *Pair) (*Pair, error) {
	item, err := attributevalue.MarshalMap(p.document())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal item: %w", err)
	}
	out, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:    aws.String(d.table),
		Item:         item,
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return nil, err
	}
	if len(out.Attributes) == 0 {
		return nil, nil
	}
	return itemPair(out.Attributes)
}

func (d *DynamoDB) Create(ctx context.Context, p *Pair) (*Pair, error) {
	item, err := attributevalue.MarshalMap(p.document())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal item: %w", err)
	}
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                           aws.String(d.table),
		Item:                                item,
		ConditionExpression:                 aws.String("attribute_not_exists(#k)"),
		ExpressionAttributeNames:            map[string]string{"#k": "key"},
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err == nil {
		return nil, nil
	}
	var exists *types.ConditionalCheckFailedException
	if !errors.As(err, &exists) {
		return nil, err
	}
	if len(exists.Item) > 0 {
		return itemPair(exists.Item)
	}
	return d.Get(ctx, p.Key)
}

func (d *DynamoDB) Delete(ctx context.Context, key string) (*Pair, error) {
	out, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(d.table),
		Key:          itemKey(key),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return nil, err
	}
	if len(out.Attributes) == 0 {
		return nil, ErrNotFound
	}
	return itemPair(out.Attributes)
}

func (d *DynamoDB) Iter(ctx context.Context) iter.Seq2[*Pair, error] {
	return d.scan(ctx, &dynamodb.ScanInput{
		TableName:      aws.String(d.table),
		ConsistentRead: aws.Bool(true),
	})
}

func (d *DynamoDB) HasField(ctx context.Context, field string) iter.Seq2[*Pair, error] {
	return d.scan(ctx, &dynamodb.ScanInput{
		TableName:                aws.String(d.table),
		ConsistentRead:           aws.Bool(true),
		FilterExpression:         aws.String("attribute_exists(#f)"),
		ExpressionAttributeNames: map[string]string{"#f": field},
	})
}

func (d *DynamoDB) scan(ctx context.Context, input *dynamodb.ScanInput) iter.Seq2[*Pair, error] {
	return func(yield func(*Pair, error) bool) {
		pages := dynamodb.NewScanPaginator(d.client, input)
		for pages.HasMorePages() {
			page, err := pages.NextPage(ctx)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, item := range page.Items {
				if !yield(itemPair(item)) {
					return
				}
			}
		}
	}
}

func (d *DynamoDB) Close() error {
	return nil
}
