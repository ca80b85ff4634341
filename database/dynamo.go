package database

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/pkg/errors"
)

// DynamoAPI is the part of *dynamodb.Client the ledger needs.
type DynamoAPI interface {
	dynamodb.ScanAPIClient
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// GetDynamoClient loads the default AWS config for region. A non-empty
// endpoint targets DynamoDB Local, which accepts any static credentials.
func GetDynamoClient(ctx context.Context, region, endpoint string) (*dynamodb.Client, error) {
	if region == "" {
		region = DEFAULT_REGION
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if endpoint != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("local", "local", ""),
		))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "unable to load SDK config")
	}
	if endpoint == "" {
		return dynamodb.NewFromConfig(cfg), nil
	}
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		o.EndpointResolver = dynamodb.EndpointResolverFromURL(endpoint)
	}), nil
}

// CreateTable creates a progress table keyed by rank and waits for it to
// become active.
func CreateTable(ctx context.Context, svc *dynamodb.Client, tableName string) error {
	_, err := svc.CreateTable(ctx, &dynamodb.CreateTableInput{
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String("Rank"),
				AttributeType: types.ScalarAttributeTypeN,
			},
		},
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String("Rank"),
				KeyType:       types.KeyTypeHash,
			},
		},
		TableName:   aws.String(tableName),
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		return errors.Wrapf(err, "create table %s", tableName)
	}
	return waitForTable(ctx, svc, tableName)
}

func waitForTable(ctx context.Context, db *dynamodb.Client, tn string) error {
	w := dynamodb.NewTableExistsWaiter(db)
	err := w.Wait(ctx,
		&dynamodb.DescribeTableInput{
			TableName: aws.String(tn),
		},
		2*time.Minute,
		func(o *dynamodb.TableExistsWaiterOptions) {
			o.MaxDelay = 5 * time.Second
			o.MinDelay = 5 * time.Second
		})
	return errors.Wrapf(err, "wait for table %s", tn)
}

type DynamoLedger struct {
	svc   DynamoAPI
	table string
}

func NewDynamoLedger(svc DynamoAPI, table string) *DynamoLedger {
	if table == "" {
		table = DEFAULT_TABLE
	}
	return &DynamoLedger{svc: svc, table: table}
}

func (l *DynamoLedger) Record(ctx context.Context, p Progress) error {
	p.UpdatedAt = p.UpdatedAt.UTC()
	item, err := attributevalue.MarshalMap(p)
	if err != nil {
		return err
	}
	_, err = l.svc.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(l.table),
		Item:      item,
	})
	return errors.Wrapf(err, "record progress of rank %d", p.Rank)
}

func (l *DynamoLedger) All(ctx context.Context) ([]Progress, error) {
	p := dynamodb.NewScanPaginator(l.svc, &dynamodb.ScanInput{
		TableName: aws.String(l.table),
	})

	var records []Progress
	for p.HasMorePages() {
		out, err := p.NextPage(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "scan %s", l.table)
		}
		var page []Progress
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, err
		}
		records = append(records, page...)
	}
	sortByRank(records)
	return records, nil
}

func (l *DynamoLedger) Close() error {
	return nil
}
