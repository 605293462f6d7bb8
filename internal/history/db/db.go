// Package db is the DynamoDB store for conversation-history sessions.
//
// A DB is an explicitly constructed client: it carries the table name,
// endpoint, credentials and timeouts, and is shared read-only by the
// provisioner, the sync engine and the HTTP API.
//
// Layout of the table:
//   - Partition key: conversationId (S), no sort key
//   - One item per session, always a full snapshot
//   - Timestamps as RFC 3339 strings, messages as an ordered list
//
// Every remote call is bounded by a timeout. Failures are returned as
// *history.Error values classified as retryable or fatal.
package db

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// API is the subset of the DynamoDB client used by this package.
// *dynamodb.Client satisfies it; tests substitute dbtest.Fake.
type API interface {
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// KeyAttribute is the table's partition key.
const KeyAttribute = "conversationId"

// Billing modes accepted by Config.BillingMode.
const (
	BillingPayPerRequest = "PAY_PER_REQUEST"
	BillingProvisioned   = "PROVISIONED"
)

// Config configures the store client.
type Config struct {
	// Table is the DynamoDB table holding sessions.
	Table string

	// Region is the AWS region. DynamoDB Local accepts any value.
	Region string

	// Endpoint overrides the service endpoint, e.g. http://localhost:8000.
	Endpoint string

	// Profile selects a shared-config profile. Ignored when static
	// credentials are set.
	Profile string

	// AccessKeyID and SecretAccessKey are static credentials.
	AccessKeyID     string
	SecretAccessKey string

	// OperationTimeout bounds each PutItem, GetItem and Scan page.
	OperationTimeout time.Duration

	// ProbeTimeout bounds CheckConnectivity.
	ProbeTimeout time.Duration

	// ProvisionTimeout bounds EnsureTable, including retries and the wait
	// for the table to become ACTIVE.
	ProvisionTimeout time.Duration

	// MaxAttempts is the SDK retryer's attempt limit per request.
	MaxAttempts int

	// BillingMode is PAY_PER_REQUEST or PROVISIONED.
	BillingMode string

	// ReadCapacity and WriteCapacity apply to PROVISIONED tables.
	ReadCapacity  int64
	WriteCapacity int64

	// ScanPageSize limits items per Scan page. Zero lets the service decide.
	ScanPageSize int32

	// ProvisionRetries bounds EnsureTable attempts on transient errors.
	ProvisionRetries uint

	// RetryInitialInterval and RetryMaxInterval shape the provisioning
	// backoff.
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration

	// Logger receives provisioning progress. Defaults to stderr.
	Logger *log.Logger
}

// DefaultConfig returns the configuration for a local development table.
func DefaultConfig() Config {
	return Config{
		Table:                "conversation-history",
		Region:               "us-east-1",
		OperationTimeout:     10 * time.Second,
		ProbeTimeout:         3 * time.Second,
		ProvisionTimeout:     2 * time.Minute,
		MaxAttempts:          3,
		BillingMode:          BillingPayPerRequest,
		ReadCapacity:         5,
		WriteCapacity:        5,
		ProvisionRetries:     5,
		RetryInitialInterval: 500 * time.Millisecond,
		RetryMaxInterval:     10 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Table == "" {
		c.Table = d.Table
	}
	if c.Region == "" {
		c.Region = d.Region
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = d.OperationTimeout
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.ProvisionTimeout <= 0 {
		c.ProvisionTimeout = d.ProvisionTimeout
	}
	if c.BillingMode == "" {
		c.BillingMode = d.BillingMode
	}
	if c.ReadCapacity <= 0 {
		c.ReadCapacity = d.ReadCapacity
	}
	if c.WriteCapacity <= 0 {
		c.WriteCapacity = d.WriteCapacity
	}
	if c.ProvisionRetries == 0 {
		c.ProvisionRetries = d.ProvisionRetries
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = d.RetryInitialInterval
	}
	if c.RetryMaxInterval <= 0 {
		c.RetryMaxInterval = d.RetryMaxInterval
	}
	if c.Logger == nil {
		c.Logger = log.New(os.Stderr, "[db] ", log.LstdFlags)
	}
	return c
}

// DB is a DynamoDB-backed session store.
type DB struct {
	api    API
	cfg    Config
	logger *log.Logger
}

// Open builds a DynamoDB client from cfg.
//
// Credentials come from cfg's static keys when set, otherwise from the named
// profile or the default AWS credential chain. No request is made; use
// CheckConnectivity or EnsureTable to talk to the service.
//
// Example:
//
//	store, err := db.Open(ctx, db.Config{
//	    Table:    "conversation-history",
//	    Endpoint: "http://localhost:8000",
//	})
//	if err != nil {
//	    return err
//	}
//	if _, err := store.EnsureTable(ctx); err != nil {
//	    return err
//	}
func Open(ctx context.Context, cfg Config) (*DB, error) {
	cfg = cfg.withDefaults()

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	switch {
	case cfg.AccessKeyID != "":
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	case cfg.Profile != "":
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.MaxAttempts > 0 {
		opts = append(opts, config.WithRetryMaxAttempts(cfg.MaxAttempts))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	awsCfg.Credentials = WrapCredentials(awsCfg.Credentials)

	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return New(client, cfg), nil
}

// New wraps an existing API implementation.
func New(api API, cfg Config) *DB {
	cfg = cfg.withDefaults()
	return &DB{api: api, cfg: cfg, logger: cfg.Logger}
}

// Table returns the configured table name.
func (db *DB) Table() string {
	return db.cfg.Table
}

// Config returns the effective configuration.
func (db *DB) Config() Config {
	return db.cfg
}

// opContext bounds a single remote call by OperationTimeout.
func (db *DB) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, db.cfg.OperationTimeout)
}

func (db *DB) tableInput() *dynamodb.DescribeTableInput {
	return &dynamodb.DescribeTableInput{TableName: aws.String(db.cfg.Table)}
}

func (db *DB) createTableInput() *dynamodb.CreateTableInput {
	in := &dynamodb.CreateTableInput{
		TableName: aws.String(db.cfg.Table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(KeyAttribute), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(KeyAttribute), KeyType: types.KeyTypeHash},
		},
		BillingMode: types.BillingModePayPerRequest,
	}
	if db.cfg.BillingMode == BillingProvisioned {
		in.BillingMode = types.BillingModeProvisioned
		in.ProvisionedThroughput = &types.ProvisionedThroughput{
			ReadCapacityUnits:  aws.Int64(db.cfg.ReadCapacity),
			WriteCapacityUnits: aws.Int64(db.cfg.WriteCapacity),
		}
	}
	return in
}
